package netutil

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// OverflowPolicy decides what a Gate does when it is full.
type OverflowPolicy string

const (
	// Queue makes Admit wait for a free slot.
	Queue OverflowPolicy = "queue"
	// Reject makes Admit fail immediately.
	Reject OverflowPolicy = "reject"
)

func ParseOverflowPolicy(x string) (OverflowPolicy, error) {
	switch OverflowPolicy(x) {
	case "", Queue:
		return Queue, nil
	case Reject:
		return Reject, nil
	default:
		return "", fmt.Errorf("unknown overflow policy %q", x)
	}
}

// Gate bounds the number of concurrently running tasks.
// A Gate with capacity 0 admits everything.
type Gate struct {
	policy OverflowPolicy
	sem    *semaphore.Weighted
	active atomic.Int64
}

func NewGate(capacity int64, policy OverflowPolicy) *Gate {
	g := &Gate{policy: policy}
	if capacity > 0 {
		g.sem = semaphore.NewWeighted(capacity)
	}
	return g
}

// Admit obtains a slot.
// It returns false, without error, if the Gate is full and the policy is Reject.
// It returns an error only if ctx is done while waiting.
// Every successful Admit must be paired with a call to Release.
func (g *Gate) Admit(ctx context.Context) (bool, error) {
	if g.sem != nil {
		if g.policy == Reject {
			if !g.sem.TryAcquire(1) {
				return false, nil
			}
		} else if err := g.sem.Acquire(ctx, 1); err != nil {
			return false, err
		}
	}
	g.active.Add(1)
	return true, nil
}

func (g *Gate) Release() {
	g.active.Add(-1)
	if g.sem != nil {
		g.sem.Release(1)
	}
}

// Active returns the number of admitted tasks which have not been released.
func (g *Gate) Active() int64 {
	return g.active.Load()
}
