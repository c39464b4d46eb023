// Package sched implements the two scheduler roles of section 4.4:
// the EDT workpile (one deque per compute worker, owner pushes/pops
// the tail, thieves steal from the head in randomised order) and the
// comm queue that parks outbound handles for the comm worker to drain.
//
// Grounded on the semaphore-bounded worker pool in other_examples'
// choo internal/worker package (a fixed set of workers pulling units
// under a mutex-guarded map) adapted from "pool of interchangeable
// workers pulling from one shared queue" to "one deque per worker with
// stealing," which section 4.4 requires explicitly.
package sched

import (
	"math/rand"
	"sync"

	"github.com/open-community-runtime/ocr/internal/edt"
)

// Workpile is one compute worker's double-ended deque of READY EDT
// instances. The owner operates on the tail; thieves operate on the
// head.
type Workpile struct {
	mu    sync.Mutex
	items []*edt.Instance
}

// NewWorkpile creates an empty workpile.
func NewWorkpile() *Workpile {
	return &Workpile{}
}

// PushTail is called by the owning worker to add newly-ready work.
func (w *Workpile) PushTail(inst *edt.Instance) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.items = append(w.items, inst)
}

// PopTail is called by the owning worker; returns nil when empty.
func (w *Workpile) PopTail() *edt.Instance {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.items)
	if n == 0 {
		return nil
	}
	inst := w.items[n-1]
	w.items = w.items[:n-1]
	return inst
}

// StealHead is called by any other worker attempting to steal idle
// work; returns nil when empty.
func (w *Workpile) StealHead() *edt.Instance {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.items) == 0 {
		return nil
	}
	inst := w.items[0]
	w.items = w.items[1:]
	return inst
}

// Len reports the current depth, summed by Pool.TotalLoad for the
// MD_MOVE rebalancing check.
func (w *Workpile) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.items)
}

// Pool is the set of all compute workers' workpiles on one PD, with
// getWork implementing try-own-deque-then-steal-randomised.
type Pool struct {
	piles []*Workpile
	rng   *rand.Rand
	rngMu sync.Mutex
}

// NewPool creates n workpiles, one per compute worker.
func NewPool(n int) *Pool {
	piles := make([]*Workpile, n)
	for i := range piles {
		piles[i] = NewWorkpile()
	}
	return &Pool{piles: piles, rng: rand.New(rand.NewSource(1))}
}

// Pile returns the workpile owned by worker index i.
func (p *Pool) Pile(i int) *Workpile { return p.piles[i] }

// GetWork implements section 4.4's getWork: try the caller's own
// deque tail first, then steal from a randomised permutation of the
// other workers' deque heads. Returns nil if every pile is empty.
func (p *Pool) GetWork(self int) *edt.Instance {
	if inst := p.piles[self].PopTail(); inst != nil {
		return inst
	}
	order := p.stealOrder(self)
	for _, idx := range order {
		if inst := p.piles[idx].StealHead(); inst != nil {
			return inst
		}
	}
	return nil
}

func (p *Pool) stealOrder(self int) []int {
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	n := len(p.piles)
	order := make([]int, 0, n-1)
	for i := 0; i < n; i++ {
		if i != self {
			order = append(order, i)
		}
	}
	p.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	return order
}

// Len returns the number of workpiles (== number of compute workers).
func (p *Pool) Len() int { return len(p.piles) }

// TotalLoad sums every workpile's depth, the local load the MD_MOVE
// rebalancing variant (Placer.MaybeRebalance) compares against a
// remote candidate's tracked load.
func (p *Pool) TotalLoad() int32 {
	var total int32
	for _, w := range p.piles {
		total += int32(w.Len())
	}
	return total
}
