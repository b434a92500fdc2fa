package ledger

import (
	"errors"
	"fmt"
	"sync"
)

var ErrNoPortAvailable = errors.New("no port available in range")

// PortAllocator hands out UDP ports from a fixed range. A leased port is
// never handed out again until its lease is released.
type PortAllocator struct {
	mu     sync.Mutex
	first  uint16
	last   uint16
	next   uint16
	leased map[uint16]struct{}
}

// NewPortAllocator creates an allocator for the inclusive range [first, last].
func NewPortAllocator(first, last uint16) (*PortAllocator, error) {
	if last < first {
		return nil, fmt.Errorf("invalid port range %d-%d", first, last)
	}
	return &PortAllocator{first: first, last: last, next: first, leased: make(map[uint16]struct{})}, nil
}

// Acquire leases the next free port, scanning the range at most once.
func (a *PortAllocator) Acquire() (*PortLease, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := int(a.last-a.first) + 1
	for i := 0; i < size; i++ {
		port := a.next
		if a.next == a.last {
			a.next = a.first
		} else {
			a.next++
		}
		if _, taken := a.leased[port]; taken {
			continue
		}
		a.leased[port] = struct{}{}
		return &PortLease{allocator: a, port: port}, nil
	}
	return nil, ErrNoPortAvailable
}

// Leased reports how many ports are currently leased.
func (a *PortAllocator) Leased() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.leased)
}

// PortLease is one leased port. Release returns it exactly once.
type PortLease struct {
	allocator *PortAllocator
	once      sync.Once
	port      uint16
}

func (l *PortLease) Port() uint16 { return l.port }

// Release returns the port to the allocator. Safe to call multiple times.
func (l *PortLease) Release() {
	l.once.Do(func() {
		l.allocator.mu.Lock()
		delete(l.allocator.leased, l.port)
		l.allocator.mu.Unlock()
	})
}
