package sched

import (
	"strconv"
	"strings"

	"github.com/emirpasic/gods/sets/treeset"
)

// CPUMask is an ordered set of processor ids.
//
// Masks are treated as values: And, Or, AndNot and Clone return new masks and never touch
// their operands. Set and Clear mutate in place and are meant for masks the caller owns.
// The zero value is an empty mask.
type CPUMask struct {
	set *treeset.Set
}

// NewCPUMask returns a mask holding the given processors.
func NewCPUMask(cpus ...int) CPUMask {
	m := CPUMask{set: treeset.NewWithIntComparator()}
	for _, c := range cpus {
		m.set.Add(c)
	}
	return m
}

// CPURange returns the mask {0, ..., n-1}.
func CPURange(n int) CPUMask {
	m := NewCPUMask()
	for i := 0; i < n; i++ {
		m.set.Add(i)
	}
	return m
}

func (m *CPUMask) init() {
	if m.set == nil {
		m.set = treeset.NewWithIntComparator()
	}
}

// Set adds cpu to the mask.
func (m *CPUMask) Set(cpu int) {
	m.init()
	m.set.Add(cpu)
}

// Clear removes cpu from the mask.
func (m *CPUMask) Clear(cpu int) {
	if m.set != nil {
		m.set.Remove(cpu)
	}
}

// Has reports whether cpu is in the mask.
func (m CPUMask) Has(cpu int) bool {
	return m.set != nil && m.set.Contains(cpu)
}

// Empty reports whether the mask has no members.
func (m CPUMask) Empty() bool { return m.set == nil || m.set.Empty() }

// Weight is the number of members.
func (m CPUMask) Weight() int {
	if m.set == nil {
		return 0
	}
	return m.set.Size()
}

// CPUs returns the members in ascending order.
func (m CPUMask) CPUs() []int {
	if m.set == nil {
		return nil
	}
	out := make([]int, 0, m.set.Size())
	it := m.set.Iterator()
	for it.Next() {
		out = append(out, it.Value().(int))
	}
	return out
}

// First returns the lowest member, or -1 for an empty mask.
func (m CPUMask) First() int {
	if m.Empty() {
		return -1
	}
	it := m.set.Iterator()
	it.Next()
	return it.Value().(int)
}

// Cycle returns the first member strictly after n, wrapping around to the lowest
// member. It returns -1 for an empty mask.
func (m CPUMask) Cycle(n int) int {
	if m.Empty() {
		return -1
	}
	first := -1
	it := m.set.Iterator()
	for it.Next() {
		c := it.Value().(int)
		if first < 0 {
			first = c
		}
		if c > n {
			return c
		}
	}
	return first
}

// Clone returns an independent copy.
func (m CPUMask) Clone() CPUMask {
	out := NewCPUMask()
	if m.set != nil {
		out.set.Add(m.set.Values()...)
	}
	return out
}

// And returns the intersection of m and o.
func (m CPUMask) And(o CPUMask) CPUMask {
	out := NewCPUMask()
	for _, c := range m.CPUs() {
		if o.Has(c) {
			out.set.Add(c)
		}
	}
	return out
}

// Or returns the union of m and o.
func (m CPUMask) Or(o CPUMask) CPUMask {
	out := m.Clone()
	for _, c := range o.CPUs() {
		out.set.Add(c)
	}
	return out
}

// AndNot returns the members of m that are not in o.
func (m CPUMask) AndNot(o CPUMask) CPUMask {
	out := NewCPUMask()
	for _, c := range m.CPUs() {
		if !o.Has(c) {
			out.set.Add(c)
		}
	}
	return out
}

// Equal reports whether both masks hold the same members.
func (m CPUMask) Equal(o CPUMask) bool {
	if m.Weight() != o.Weight() {
		return false
	}
	for _, c := range m.CPUs() {
		if !o.Has(c) {
			return false
		}
	}
	return true
}

// String renders the mask as a cpulist, e.g. "0-3,6".
func (m CPUMask) String() string {
	cpus := m.CPUs()
	if len(cpus) == 0 {
		return "<none>"
	}
	var sb strings.Builder
	for i := 0; i < len(cpus); {
		j := i
		for j+1 < len(cpus) && cpus[j+1] == cpus[j]+1 {
			j++
		}
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(cpus[i]))
		if j > i {
			sb.WriteByte('-')
			sb.WriteString(strconv.Itoa(cpus[j]))
		}
		i = j + 1
	}
	return sb.String()
}
