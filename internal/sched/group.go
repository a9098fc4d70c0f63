package sched

import (
	"fmt"
	"sync/atomic"

	"github.com/emirpasic/gods/lists/doublylinkedlist"
)

// GroupID identifies a group handed out by AddGroup.
type GroupID uint64

// NoGroup owns the idle tasks.
const NoGroup GroupID = 0

func (id GroupID) String() string {
	return fmt.Sprintf("g%d.%d", uint32(id), uint32(uint64(id)>>32))
}

// ServiceTier indexes Config.Utility.Tiers; 0 is the best tier.
type ServiceTier int32

// Group is an ownership and billing unit for a set of tasks.
type Group struct {
	ID GroupID

	// global lock
	weight      uint32
	cap         uint32                // percent of one processor, 0 = uncapped
	activeTasks *doublylinkedlist.List // TaskID, tasks earning credit
	activeCount int
	onActive    bool // member of the global active-group list
	tasks       int  // registered tasks

	tier        atomic.Int32
	serviceLeft atomic.Int64 // us of service before the next demotion
	pinnedTier  bool
}

// GroupOption customises a group at creation.
type GroupOption func(*Group)

// WithServiceTier starts the group in tier t.
func WithServiceTier(t ServiceTier) GroupOption {
	return func(g *Group) { g.tier.Store(int32(t)) }
}

// WithPinnedTier exempts the group from service-budget demotion.
func WithPinnedTier() GroupOption {
	return func(g *Group) { g.pinnedTier = true }
}

// GroupParams are the tunables changed by SetGroupParams.
// A zero Weight keeps the current weight, a nil Cap keeps the current cap.
type GroupParams struct {
	Weight uint32
	Cap    *uint32
}

// Tier is the group's current service tier.
func (g *Group) Tier() ServiceTier { return ServiceTier(g.tier.Load()) }

// consumeService charges us of run time against the service budget and demotes the
// group one tier when the budget runs out.
func (g *Group) consumeService(us int64, budget int64, worst ServiceTier) bool {
	if g.pinnedTier || us <= 0 {
		return false
	}
	if g.serviceLeft.Add(-us) > 0 {
		return false
	}
	g.serviceLeft.Store(budget)
	for {
		cur := g.tier.Load()
		if ServiceTier(cur) >= worst {
			return false
		}
		if g.tier.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (g *Group) addActive(id TaskID) {
	g.activeTasks.Append(id)
	g.activeCount++
}

func (g *Group) removeActive(id TaskID) bool {
	i := g.activeTasks.IndexOf(id)
	if i < 0 {
		return false
	}
	g.activeTasks.Remove(i)
	g.activeCount--
	return true
}

func (g *Group) activeIDs() []TaskID {
	out := make([]TaskID, 0, g.activeTasks.Size())
	it := g.activeTasks.Iterator()
	for it.Next() {
		out = append(out, it.Value().(TaskID))
	}
	return out
}
