package ledger

import (
	"errors"
	"sync"
)

var (
	ErrInsufficientCPU    = errors.New("insufficient cpu capacity")
	ErrInsufficientMemory = errors.New("insufficient memory capacity")
)

// Ledger tracks CPU and memory budgets for one agent. The admission check
// and the reservation increment happen under the same critical section, so
// the reserved figures can never exceed the totals.
type Ledger struct {
	mu             sync.Mutex
	totalCPU       float64
	totalMemory    int64
	reservedCPU    float64
	reservedMemory int64
}

// New creates a ledger with the supplied budgets.
func New(totalCPU float64, totalMemory int64) *Ledger {
	return &Ledger{totalCPU: totalCPU, totalMemory: totalMemory}
}

// Reserve atomically checks and reserves the requested resources. On
// rejection the ledger is left untouched.
func (l *Ledger) Reserve(cpu float64, memory int64) (*Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.reservedCPU+cpu > l.totalCPU {
		return nil, ErrInsufficientCPU
	}
	if l.reservedMemory+memory > l.totalMemory {
		return nil, ErrInsufficientMemory
	}

	l.reservedCPU += cpu
	l.reservedMemory += memory
	return &Reservation{ledger: l, cpu: cpu, memory: memory}, nil
}

// Totals returns the configured budgets.
func (l *Ledger) Totals() (cpu float64, memory int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalCPU, l.totalMemory
}

// Reserved returns the currently reserved amounts.
func (l *Ledger) Reserved() (cpu float64, memory int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reservedCPU, l.reservedMemory
}

// Reservation is one paired increment on a ledger. Release decrements it
// exactly once regardless of how many times it is called.
type Reservation struct {
	ledger *Ledger
	once   sync.Once
	cpu    float64
	memory int64
}

func (r *Reservation) CPU() float64  { return r.cpu }
func (r *Reservation) Memory() int64 { return r.memory }

// Release returns the reservation to the ledger. Safe to call multiple times.
func (r *Reservation) Release() {
	r.once.Do(func() {
		r.ledger.mu.Lock()
		r.ledger.reservedCPU -= r.cpu
		r.ledger.reservedMemory -= r.memory
		r.ledger.mu.Unlock()
	})
}
