package session

import (
	"context"
	"sync"
)

// Grant proves exclusive access to the shared page. It carries no page
// reference; the page is looked up from the Manager at time of use.
type Grant struct {
	id      uint64
	arbiter *Arbiter
}

// ID returns the grant's sequence number. Grants are numbered in the order
// they were issued, starting at 1.
func (g *Grant) ID() uint64 {
	return g.id
}

type waiter struct {
	ready chan *Grant
}

// Arbiter is a FIFO mutual-exclusion gate with at most one active grant.
// Waiters are served strictly in arrival order.
type Arbiter struct {
	mu     sync.Mutex
	holder *Grant
	queue  []*waiter
	nextID uint64
}

// NewArbiter creates an idle arbiter.
func NewArbiter() *Arbiter {
	return &Arbiter{}
}

// Acquire blocks until the caller holds the page. A caller whose context
// ends while queued leaves the queue and gets the context's error.
func (a *Arbiter) Acquire(ctx context.Context) (*Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	if a.holder == nil && len(a.queue) == 0 {
		g := a.issueLocked()
		a.holder = g
		a.mu.Unlock()
		return g, nil
	}
	w := &waiter{ready: make(chan *Grant, 1)}
	a.queue = append(a.queue, w)
	a.mu.Unlock()

	select {
	case g := <-w.ready:
		return g, nil
	case <-ctx.Done():
	}

	a.mu.Lock()
	if a.dequeueLocked(w) {
		a.mu.Unlock()
		return nil, ctx.Err()
	}
	a.mu.Unlock()

	// Granted while giving up: pass the page on to the next waiter
	g := <-w.ready
	_ = a.Release(g)
	return nil, ctx.Err()
}

// Release returns the page and hands it to the longest waiting caller.
// Releasing a grant that is not the active one fails with ErrGrantNotHeld.
func (a *Arbiter) Release(g *Grant) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if g == nil || g.arbiter != a || a.holder != g {
		return ErrGrantNotHeld
	}
	a.holder = nil
	a.admitLocked()
	return nil
}

// Holds reports whether g is the active grant.
func (a *Arbiter) Holds(g *Grant) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return g != nil && a.holder == g
}

// Active returns the number of active grants, 0 or 1.
func (a *Arbiter) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.holder == nil {
		return 0
	}
	return 1
}

// Waiting returns the number of queued callers.
func (a *Arbiter) Waiting() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// handoff swaps the active grant g for a fresh internal grant without
// admitting any waiter. g stays inactive until restore.
func (a *Arbiter) handoff(g *Grant) (*Grant, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if g == nil || g.arbiter != a || a.holder != g {
		return nil, ErrGrantNotHeld
	}
	internal := a.issueLocked()
	a.holder = internal
	return internal, nil
}

// restore ends an internal grant from handoff and reactivates g.
func (a *Arbiter) restore(internal, g *Grant) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if internal == nil || a.holder != internal {
		return ErrGrantNotHeld
	}
	a.holder = g
	return nil
}

func (a *Arbiter) issueLocked() *Grant {
	a.nextID++
	return &Grant{id: a.nextID, arbiter: a}
}

func (a *Arbiter) admitLocked() {
	if len(a.queue) == 0 {
		return
	}
	w := a.queue[0]
	a.queue[0] = nil
	a.queue = a.queue[1:]
	g := a.issueLocked()
	a.holder = g
	w.ready <- g
}

func (a *Arbiter) dequeueLocked(w *waiter) bool {
	for i, q := range a.queue {
		if q == w {
			a.queue = append(a.queue[:i], a.queue[i+1:]...)
			return true
		}
	}
	return false
}
