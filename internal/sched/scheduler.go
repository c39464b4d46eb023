package sched

import (
	"sync"
	"sync/atomic"

	"github.com/open-community-runtime/ocr/internal/guid"
	"github.com/open-community-runtime/ocr/internal/message"
)

// CommQueue parks outbound messages for the one comm worker to drain,
// one per PD (section 4.4's "comm queue: outbound handles parked here;
// the comm worker pulls one per iteration").
type CommQueue struct {
	ch chan *message.Message
}

// NewCommQueue creates a comm queue with the given buffering depth.
func NewCommQueue(depth int) *CommQueue {
	return &CommQueue{ch: make(chan *message.Message, depth)}
}

// Push parks an outbound message without blocking the caller past the
// queue's buffer capacity.
func (q *CommQueue) Push(m *message.Message) { q.ch <- m }

// TryPull is the comm worker's one-per-iteration drain step; returns
// nil if nothing is queued right now.
func (q *CommQueue) TryPull() *message.Message {
	select {
	case m := <-q.ch:
		return m
	default:
		return nil
	}
}

// PD models just enough of a neighbor for placement decisions:
// whether it's reachable and its current advertised load, used by the
// round-robin fallback and the MD_MOVE load-balancing variant.
type PD struct {
	Location guid.Location
	Load     int32 // this PD's tracked estimate of Location's load (see Placer.remoteLoad)
}

// Placer implements section 4.4's EDT placement: consult the affinity
// hint first; fall back to PD-local round robin across known
// locations when no hint names one.
type Placer struct {
	self guid.Location

	mu     sync.Mutex
	known  []guid.Location
	sticky map[guid.GUID]guid.Location

	rrCounter uint64

	// remoteLoad is this PD's own optimistic estimate of each known
	// neighbor's load, since no peer load-broadcast protocol exists:
	// IncLoad bumps it when this PD hands an EDT off via MD_MOVE,
	// DecLoad brings it back down once that EDT's completion notify
	// (SCHED_NOTIFY) reports in.
	remoteLoad map[guid.Location]*int32
}

// NewPlacer creates a placer for a PD whose own location is self and
// whose known neighbor set starts as locations (self is always
// implicitly a valid placement target).
func NewPlacer(self guid.Location, locations []guid.Location) *Placer {
	known := append([]guid.Location{self}, locations...)
	p := &Placer{self: self, known: known, sticky: make(map[guid.GUID]guid.Location), remoteLoad: make(map[guid.Location]*int32)}
	for _, l := range locations {
		var z int32
		p.remoteLoad[l] = &z
	}
	return p
}

// AddKnown registers a newly discovered neighbor location.
func (p *Placer) AddKnown(loc guid.Location) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range p.known {
		if l == loc {
			return
		}
	}
	p.known = append(p.known, loc)
	var z int32
	p.remoteLoad[loc] = &z
}

// IncLoad and DecLoad adjust this PD's tracked estimate of loc's load.
func (p *Placer) IncLoad(loc guid.Location) {
	p.mu.Lock()
	c, ok := p.remoteLoad[loc]
	p.mu.Unlock()
	if ok {
		atomic.AddInt32(c, 1)
	}
}

func (p *Placer) DecLoad(loc guid.Location) {
	p.mu.Lock()
	c, ok := p.remoteLoad[loc]
	p.mu.Unlock()
	if ok {
		atomic.AddInt32(c, -1)
	}
}

// Candidates snapshots every known remote location with its currently
// tracked load, the input MaybeRebalance picks a destination from.
func (p *Placer) Candidates() []PD {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PD, 0, len(p.known))
	for _, loc := range p.known {
		if loc == p.self {
			continue
		}
		var load int32
		if c, ok := p.remoteLoad[loc]; ok {
			load = atomic.LoadInt32(c)
		}
		out = append(out, PD{Location: loc, Load: load})
	}
	return out
}

// Place resolves the destination location for a newly created EDT.
// Three tiers, consulted in order:
//  1. affinityHint, if non-nil, names a location directly (the
//     platform model's job of mapping an affinity GUID to a location
//     happens one layer up, in internal/pd, before Place is called).
//  2. finishScope, if non-null and previously seen, reuses whatever
//     location the first EDT of that finish scope landed on — most
//     finish-scope siblings share data and benefit from colocation
//     more than they benefit from load spreading.
//  3. otherwise, round robin across every known location, recording
//     the choice against finishScope for later siblings to reuse.
func (p *Placer) Place(affinityHint *guid.Location, finishScope guid.GUID) guid.Location {
	if affinityHint != nil {
		return *affinityHint
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !finishScope.IsNull() {
		if loc, ok := p.sticky[finishScope]; ok {
			return loc
		}
	}
	idx := p.rrCounter % uint64(len(p.known))
	p.rrCounter++
	loc := p.known[idx]
	if !finishScope.IsNull() {
		p.sticky[finishScope] = loc
	}
	return loc
}

// MaybeRebalance implements the MD_MOVE load-balancing variant of
// section 4.4: for an EDT becoming ready, optionally relocate it to a
// less-loaded remote PD. internal/pd offers every READY EDT outside a
// finish scope; whether the EDT was created with an affinity hint is
// not checked. It returns the
// location chosen and true if the caller should issue an MD_MOVE;
// false means run it locally. A move is only proposed when a known
// remote PD's load is less than half this PD's own, a simple
// threshold standing in for an otherwise unnamed heuristic.
func (p *Placer) MaybeRebalance(localLoad int32, candidates []PD) (guid.Location, bool) {
	var best *PD
	for i := range candidates {
		c := &candidates[i]
		if c.Location == p.self {
			continue
		}
		if best == nil || atomic.LoadInt32(&c.Load) < atomic.LoadInt32(&best.Load) {
			best = c
		}
	}
	if best == nil {
		return 0, false
	}
	if atomic.LoadInt32(&best.Load) < localLoad/2 {
		return best.Location, true
	}
	return 0, false
}

// RequestedMove is an outbound MD_MOVE clone request: the destination
// plus the acquire mode the EDT's winning dependence slot needs.
// internal/pd's moveEDT builds its METADATA_COMM message directly and
// does not use this type.
type RequestedMove struct {
	Dest guid.Location
	Mode message.AcquireMode
}
