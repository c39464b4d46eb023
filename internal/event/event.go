// Package event implements the dependency-satisfaction primitives of
// section 4.6: ONCE/IDEM/STICKY single-shot events, counting LATCH
// events, generational CHANNEL events, and COLLECTIVE reduction events.
// Every event lives under a GUID registered with internal/guid; this
// package only holds the state machine and waiter bookkeeping, mirroring
// how internal/guid stores an opaque metadata pointer per GUID rather
// than owning entity semantics itself.
//
// The waiter-list / membership-set shape is grounded on
// components/tracker.go's sync.RWMutex-guarded id sets (TryJoin,
// Leave, Count), generalized here from a flat set of ids to a set of
// (edt, slot) waiters plus a satisfied/payload record per slot.
package event

import (
	"fmt"
	"sync"

	"github.com/open-community-runtime/ocr/internal/guid"
	"github.com/open-community-runtime/ocr/internal/status"
)

// Kind is the event taxonomy of section 3's Event entity.
type Kind uint8

const (
	KindOnce Kind = iota
	KindIdem
	KindSticky
	KindLatch
	KindChannel
	KindCounted
	KindCollective
)

func (k Kind) String() string {
	switch k {
	case KindOnce:
		return "ONCE"
	case KindIdem:
		return "IDEM"
	case KindSticky:
		return "STICKY"
	case KindLatch:
		return "LATCH"
	case KindChannel:
		return "CHANNEL"
	case KindCounted:
		return "COUNTED"
	case KindCollective:
		return "COLLECTIVE"
	default:
		return "UNKNOWN"
	}
}

// Waiter is a registered dependence: some EDT's slot waiting on this
// event's satisfaction, matching section 4.6's "dependency slots are
// added, then satisfied."
type Waiter struct {
	EDT  guid.GUID
	Slot uint32
}

// ReductionOp names the binary operator a COLLECTIVE event reduces
// contributions with, the Go side of the original's REDOP_* constants.
type ReductionOp uint8

const (
	ReduceSum ReductionOp = iota
	ReduceMax
	ReduceMin
)

func (op ReductionOp) apply(a, b uint64) uint64 {
	switch op {
	case ReduceMax:
		if a > b {
			return a
		}
		return b
	case ReduceMin:
		if a < b {
			return a
		}
		return b
	default:
		return a + b
	}
}

// CollectiveParams fixes a COLLECTIVE event's shape at creation time,
// mirroring ocrEventParams_t's EVENT_COLLECTIVE member.
type CollectiveParams struct {
	MaxGen       uint32
	NbContribs   uint32
	Arity        uint32
	Op           ReductionOp
	ReuseDBPerGen bool
}

// ChannelParams fixes a CHANNEL event's generation budget.
type ChannelParams struct {
	MaxGen uint32
}

// Event is one instance of any kind in the taxonomy. Only the fields
// relevant to Kind are populated; callers go through the Create*
// constructors rather than building an Event directly.
type Event struct {
	GUID guid.GUID
	Kind Kind

	mu        sync.Mutex
	destroyed bool

	// ONCE/IDEM/STICKY: single satisfaction slot.
	satisfied bool
	payload   guid.GUID
	waiters   []Waiter

	// LATCH: counting, fires at zero.
	latchCount int64

	// CHANNEL: generation-paired add/satisfy queues.
	channel ChannelParams
	chanGen uint32
	chanAdds []Waiter
	chanSat  []guid.GUID

	// COLLECTIVE: per-generation contribution accumulation.
	collective  CollectiveParams
	genSum      map[uint32]uint64
	genCount    map[uint32]uint32
	genWaiters  map[uint32][]Waiter
	genProduced map[uint32]guid.GUID
}

// New creates an event of the given kind. params is interpreted only
// for CHANNEL (ChannelParams) and COLLECTIVE (CollectiveParams); it is
// ignored otherwise.
func New(id guid.GUID, kind Kind, params any) (*Event, error) {
	e := &Event{GUID: id, Kind: kind}
	switch kind {
	case KindLatch:
		e.latchCount = 0
	case KindChannel:
		cp, ok := params.(ChannelParams)
		if !ok {
			return nil, fmt.Errorf("event: CHANNEL requires ChannelParams")
		}
		e.channel = cp
	case KindCollective:
		cp, ok := params.(CollectiveParams)
		if !ok {
			return nil, fmt.Errorf("event: COLLECTIVE requires CollectiveParams")
		}
		e.collective = cp
		e.genSum = make(map[uint32]uint64)
		e.genCount = make(map[uint32]uint32)
		e.genWaiters = make(map[uint32][]Waiter)
		e.genProduced = make(map[uint32]guid.GUID)
	}
	return e, nil
}

// AddDependence registers w as waiting on this event's (next)
// satisfaction, returning the payload immediately if already
// satisfied and sticky/idem semantics allow replay.
func (e *Event) AddDependence(w Waiter) (payload guid.GUID, ready bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.Kind {
	case KindOnce, KindIdem, KindSticky:
		if e.satisfied {
			return e.payload, true
		}
		e.waiters = append(e.waiters, w)
		return guid.NullGUID, false
	case KindChannel:
		// same generation pairing as ChannelAdd: the i-th add takes the
		// i-th ChannelSatisfy payload
		gen := uint32(len(e.chanAdds))
		e.chanAdds = append(e.chanAdds, w)
		if gen < uint32(len(e.chanSat)) {
			return e.chanSat[gen], true
		}
		return guid.NullGUID, false
	default:
		e.waiters = append(e.waiters, w)
		return guid.NullGUID, false
	}
}

// Satisfy delivers payload to a ONCE/IDEM/STICKY event, returning the
// waiters now ready to run. ONCE events may only be satisfied once;
// IDEM tolerates repeated identical satisfaction; STICKY allows new
// waiters to observe the same payload indefinitely (AddDependence
// already handles that replay).
func (e *Event) Satisfy(payload guid.GUID) ([]Waiter, status.Code) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.Kind {
	case KindOnce:
		if e.satisfied {
			return nil, status.EPERM
		}
	case KindIdem:
		if e.satisfied && e.payload != payload {
			return nil, status.EPERM
		}
		if e.satisfied {
			return nil, status.OK
		}
	case KindSticky:
		// repeated satisfaction with a different payload is a user error
		if e.satisfied && e.payload != payload {
			return nil, status.EPERM
		}
	default:
		return nil, status.EINVAL
	}

	e.satisfied = true
	e.payload = payload
	ready := e.waiters
	e.waiters = nil
	return ready, status.OK
}

// LatchAdjust applies a signed delta to a LATCH event's counter
// (positive for increment-slot, negative for decrement-slot) and
// reports whether the latch just fired (hit zero). Firing is
// idempotent: it can only happen once per latch.
func (e *Event) LatchAdjust(delta int64) (fired bool, waiters []Waiter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Kind != KindLatch || e.satisfied {
		return false, nil
	}
	e.latchCount += delta
	if e.latchCount <= 0 {
		e.satisfied = true
		waiters = e.waiters
		e.waiters = nil
		return true, waiters
	}
	return false, nil
}

// ChannelAdd registers the i-th add for a CHANNEL event, pairing with
// the i-th ChannelSatisfy per section 4.6's generation pairing.
func (e *Event) ChannelAdd(w Waiter) (payload guid.GUID, ready bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Kind != KindChannel {
		return guid.NullGUID, false
	}
	gen := uint32(len(e.chanAdds))
	e.chanAdds = append(e.chanAdds, w)
	if gen < uint32(len(e.chanSat)) {
		return e.chanSat[gen], true
	}
	return guid.NullGUID, false
}

// ChannelSatisfy delivers the next generation's payload, returning the
// waiter paired with this generation if its add already arrived.
func (e *Event) ChannelSatisfy(payload guid.GUID) (Waiter, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Kind != KindChannel {
		return Waiter{}, false, fmt.Errorf("event: ChannelSatisfy on non-CHANNEL event")
	}
	gen := uint32(len(e.chanSat))
	if e.channel.MaxGen != 0 && gen >= e.channel.MaxGen {
		return Waiter{}, false, fmt.Errorf("event: generation %d exceeds maxGen %d", gen, e.channel.MaxGen)
	}
	e.chanSat = append(e.chanSat, payload)
	if gen < uint32(len(e.chanAdds)) {
		return e.chanAdds[gen], true, nil
	}
	return Waiter{}, false, nil
}

// Contribute records one PD's contribution of value to generation gen
// of a COLLECTIVE event. When every expected contribution for that
// generation has arrived, it reduces them and returns the registered
// waiters for that generation along with the reduced value; the
// caller is responsible for materializing a DB from it and publishing
// that GUID to the waiters (collective events hand out payload GUIDs,
// not raw values, matching the rest of the Event API).
func (e *Event) Contribute(gen uint32, value uint64) (waiters []Waiter, reduced uint64, ready bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Kind != KindCollective {
		return nil, 0, false, fmt.Errorf("event: Contribute on non-COLLECTIVE event")
	}
	if e.collective.MaxGen != 0 && gen >= e.collective.MaxGen {
		return nil, 0, false, fmt.Errorf("event: generation %d exceeds maxGen %d", gen, e.collective.MaxGen)
	}
	e.genSum[gen] = e.collective.Op.apply(e.genSum[gen], value)
	e.genCount[gen]++
	if e.genCount[gen] < e.collective.NbContribs {
		return nil, 0, false, nil
	}
	w := e.genWaiters[gen]
	delete(e.genWaiters, gen)
	return w, e.genSum[gen], true, nil
}

// RegisterCollectiveWaiter adds w to the consumer list for generation
// gen, to be notified once that generation's reduction completes.
func (e *Event) RegisterCollectiveWaiter(gen uint32, w Waiter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.genWaiters[gen] = append(e.genWaiters[gen], w)
}

// RecordProduced remembers the DB GUID produced for a completed
// COLLECTIVE generation. The record is only stored: a waiter registered
// after the generation completed is not handed this GUID.
func (e *Event) RecordProduced(gen uint32, db guid.GUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.genProduced[gen] = db
}

// Destroy marks the event torn down. ONCE events auto-destroy on
// first satisfaction-and-drain (section 3); internal/pd calls Destroy
// immediately after draining a ONCE event's waiters on a successful
// Satisfy.
func (e *Event) Destroy() status.Code {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return status.EPERM
	}
	e.destroyed = true
	return status.OK
}

// IsDestroyed reports whether Destroy has already run.
func (e *Event) IsDestroyed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.destroyed
}
