package producer

import (
	"context"
	"errors"
	"sync"
)

const maxEarlyDecisions = 256

// Decision answers an approval request.
type Decision struct {
	ID       string
	Approved bool
}

// Approvals pairs pending approval requests with decisions from the UI. A
// decision may arrive before anyone waits for it.
type Approvals struct {
	mu      sync.Mutex
	waiters map[string]chan bool
	early   map[string]bool
	order   []string
}

func NewApprovals() *Approvals {
	return &Approvals{waiters: map[string]chan bool{}, early: map[string]bool{}}
}

// Wait blocks until id is decided or ctx ends.
func (a *Approvals) Wait(ctx context.Context, id string) (bool, error) {
	if a == nil {
		return false, errors.New("approvals not configured")
	}
	if id == "" {
		return false, errors.New("missing approval id")
	}
	a.mu.Lock()
	if approved, ok := a.early[id]; ok {
		delete(a.early, id)
		a.mu.Unlock()
		return approved, nil
	}
	ch := make(chan bool, 1)
	a.waiters[id] = ch
	a.mu.Unlock()

	select {
	case <-ctx.Done():
		a.mu.Lock()
		delete(a.waiters, id)
		a.mu.Unlock()
		return false, ctx.Err()
	case approved := <-ch:
		return approved, nil
	}
}

// Resolve delivers d. It reports false only for an empty id.
func (a *Approvals) Resolve(d Decision) bool {
	if a == nil || d.ID == "" {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if ch, ok := a.waiters[d.ID]; ok {
		delete(a.waiters, d.ID)
		ch <- d.Approved
		return true
	}
	a.early[d.ID] = d.Approved
	a.order = append(a.order, d.ID)
	for len(a.order) > maxEarlyDecisions {
		delete(a.early, a.order[0])
		a.order = a.order[1:]
	}
	return true
}

// Pending lists ids that are waiting for a decision.
func (a *Approvals) Pending() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.waiters))
	for id := range a.waiters {
		out = append(out, id)
	}
	return out
}
