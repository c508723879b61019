// Package rtpmedia implements the RTP/UDP switch dialect: a UDP socket pair
// per call carrying RFC 3550 packets (payload type 11, L16/16000 mono, 20 ms
// frames), the even-port pool those sockets bind to, and the REST client that
// provisions the switch-side media channel.
package rtpmedia

import (
	"fmt"
	"sync"
)

// PortAllocator hands out even RTP ports round-robin from an inclusive range.
// RTP ports are even by RFC 3550 convention; the odd port above each is
// implicitly reserved for RTCP. Safe for concurrent accepts; this counter is
// one of the only two pieces of process-wide mutable state.
type PortAllocator struct {
	mu    sync.Mutex
	start int
	end   int
	next  int
	inUse map[int]bool
}

// NewPortAllocator builds an allocator over [start, end]. The bounds are
// rounded inward to even ports.
func NewPortAllocator(start, end int) (*PortAllocator, error) {
	if start%2 != 0 {
		start++
	}
	if end%2 != 0 {
		end--
	}
	if start <= 0 || end < start {
		return nil, fmt.Errorf("rtpmedia: no even ports in range %d-%d", start, end)
	}
	return &PortAllocator{
		start: start,
		end:   end,
		next:  start,
		inUse: make(map[int]bool),
	}, nil
}

// Allocate reserves the next free even port, scanning round-robin from where
// the previous allocation left off.
func (a *PortAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	total := (a.end-a.start)/2 + 1
	for i := 0; i < total; i++ {
		port := a.next
		a.next += 2
		if a.next > a.end {
			a.next = a.start
		}
		if !a.inUse[port] {
			a.inUse[port] = true
			return port, nil
		}
	}
	return 0, fmt.Errorf("rtpmedia: port pool exhausted (%d ports in %d-%d all in use)",
		total, a.start, a.end)
}

// Release returns a port to the pool. Releasing an unallocated port is a
// no-op, so teardown stays idempotent.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, port)
}

// InUse reports the number of currently reserved ports.
func (a *PortAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}
