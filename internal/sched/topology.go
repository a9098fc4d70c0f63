package sched

import "fmt"

// Topology describes how logical processors map onto cores and sockets.
// Processors are numbered socket-major: cpu = (socket*CoresPerSocket + core)*ThreadsPerCore + thread.
type Topology struct {
	Sockets        int `yaml:"sockets"`
	CoresPerSocket int `yaml:"cores_per_socket"`
	ThreadsPerCore int `yaml:"threads_per_core"`
}

// FlatTopology is n single-threaded cores on one socket.
func FlatTopology(n int) Topology {
	return Topology{Sockets: 1, CoresPerSocket: n, ThreadsPerCore: 1}
}

// NumCPUs is the number of logical processors described.
func (t Topology) NumCPUs() int {
	if t.Sockets <= 0 || t.CoresPerSocket <= 0 || t.ThreadsPerCore <= 0 {
		return 0
	}
	return t.Sockets * t.CoresPerSocket * t.ThreadsPerCore
}

func (t Topology) validate() error {
	if t.NumCPUs() == 0 {
		return fmt.Errorf("%w: %+v", ErrNoProcessors, t)
	}
	return nil
}

// Core returns the global core index of cpu.
func (t Topology) Core(cpu int) int { return cpu / t.ThreadsPerCore }

// Socket returns the socket index of cpu.
func (t Topology) Socket(cpu int) int { return cpu / (t.ThreadsPerCore * t.CoresPerSocket) }

// Siblings returns the hardware threads sharing cpu's core, cpu included.
func (t Topology) Siblings(cpu int) CPUMask {
	m := NewCPUMask()
	base := t.Core(cpu) * t.ThreadsPerCore
	for i := 0; i < t.ThreadsPerCore; i++ {
		m.Set(base + i)
	}
	return m
}

// CoreMap returns every processor on cpu's socket, cpu included.
func (t Topology) CoreMap(cpu int) CPUMask {
	m := NewCPUMask()
	per := t.ThreadsPerCore * t.CoresPerSocket
	base := t.Socket(cpu) * per
	for i := 0; i < per; i++ {
		m.Set(base + i)
	}
	return m
}
