package datablock

import "github.com/open-community-runtime/ocr/internal/message"

// waitEntry is one parked acquirer: either a local EDT (Requester set,
// Remote zero-value) or a remote PD's pulled request (Remote set).
type waitEntry struct {
	Requester Waiter
	Remote    *RemoteRequest
}

// modeQueues holds the four per-mode wait queues section 3 calls for
// ("four local wait queues... plus four remote wait queues"), kept as
// separate bounded-in-practice FIFOs rather than one priority queue so
// starvation policy between RO/CONST/RW/EW stays observable, per
// section 9's design note.
type modeQueues struct {
	q [5][]waitEntry // indexed by message.AcquireMode; index 0 (ModeNull) unused
}

func (m *modeQueues) push(mode message.AcquireMode, e waitEntry) {
	m.q[mode] = append(m.q[mode], e)
}

func (m *modeQueues) popAll(mode message.AcquireMode) []waitEntry {
	out := m.q[mode]
	m.q[mode] = nil
	return out
}

func (m *modeQueues) popFront(mode message.AcquireMode) (waitEntry, bool) {
	q := m.q[mode]
	if len(q) == 0 {
		return waitEntry{}, false
	}
	e := q[0]
	m.q[mode] = q[1:]
	return e, true
}

func (m *modeQueues) empty(mode message.AcquireMode) bool {
	return len(m.q[mode]) == 0
}

// drainOrder is the writer-priority order a slave applies when
// draining its local queues on release: RW > EW > CONST > RO (section
// 4.5's local release rule).
var drainOrder = []message.AcquireMode{message.ModeRW, message.ModeEW, message.ModeConst, message.ModeRO}
