// Package datablock implements the distributed data-block coherence
// engine of section 4.5 — the hardest subsystem in the design. Every
// DB instance is a per-entity lock plus a state machine mediating
// acquire/release between a master (home PD) and its slave clones,
// including the eager and lazy hint modes.
//
// Grounded directly on original_source's
// ocr/src/datablock/lockable/lockable-datablock.h: the bitfield
// attributes (state, dbMode, hasPeers, writeBack, isFetching,
// isReleasing, isEager, numUsers, freeRequested, singleAssign) become
// plain Go fields guarded by one sync.Mutex per DataBlock instead of a
// C bitfield union, and the four local / four remote wait queues and
// the owning-worker reentrancy pointer are carried over unchanged in
// spirit. The per-mode wait queue shape lives in queue.go.
package datablock

import (
	"fmt"
	"sync"

	"github.com/open-community-runtime/ocr/internal/guid"
	"github.com/open-community-runtime/ocr/internal/message"
	"github.com/open-community-runtime/ocr/internal/status"
)

// State is a DB's coherence state (section 3).
type State uint8

const (
	StateIdle State = iota
	StatePrime
	StateShared
)

func (s State) String() string {
	switch s {
	case StatePrime:
		return "PRIME"
	case StateShared:
		return "SHARED"
	default:
		return "IDLE"
	}
}

// Flags mirrors the original's ocrDbFlags, trimmed to what the core
// coherence engine itself interprets.
type Flags uint32

const (
	FlagNone Flags = 0
	// FlagSingleAssignment marks a write-once DB; a second writer-mode
	// acquire anywhere across all PDs must fail (property P3).
	FlagSingleAssignment Flags = 1 << 0
)

// Waiter identifies a local EDT parked on an acquire, with a channel
// the DB engine signals once the acquire is granted. Ready is buffered
// depth 1 so a grant racing a cancel never blocks the granting
// goroutine — the strand machinery (internal/strand) is what actually
// reschedules the EDT once Ready fires.
type Waiter struct {
	EDT   guid.GUID
	Slot  uint32
	Mode  message.AcquireMode
	Ready chan AcquireResult
}

// RemoteRequest is a pulled acquire from a peer PD awaiting a grant at
// the master.
type RemoteRequest struct {
	Loc    guid.Location
	MsgID  uint64
	Mode   message.AcquireMode
}

// AcquireResult is what a (local or remote) granted acquire yields.
type AcquireResult struct {
	Status    status.Code
	Payload   []byte
	WriteBack bool
}

// DataBlock is one DB instance — master metadata on its home PD, or a
// slave clone's tracking metadata elsewhere. Every mutating operation
// takes lock first; lock is released around any call that sends a
// message synchronously, per section 5's "released around any call
// that sends a message synchronously to avoid ping-pong deadlocks."
type DataBlock struct {
	GUID guid.GUID
	Home guid.Location
	Size uint64

	mu sync.Mutex

	// owningWorker supports the "engine saves the owning worker pointer
	// so a reentrant re-acquire is recognised and skipped" rule of
	// section 5. A worker is any comparable handle (internal/worker
	// passes its own GUID); it is not interpreted here.
	owningWorker any

	state State
	mode  message.AcquireMode

	numUsers  int32
	hasPeers  bool // true on a slave: master is elsewhere
	writeBack bool
	isFetching  bool
	isReleasing bool
	isEager     bool
	isLazy      bool

	flags    Flags
	assigned bool // single-assignment DB has been written once

	payload []byte

	local  modeQueues
	remote modeQueues

	// clones is the master's bitmap of locations holding a slave clone
	// (section 3: "a bitmap of locations holding clones").
	clones map[guid.Location]bool

	// nonCoherentLoc names the slave currently holding the one "hot"
	// lazy write copy (section 4.5's lazy-mode restriction: at most one
	// hot copy at a time).
	nonCoherentLoc guid.Location
	hasHot         bool

	freeRequested bool
	acked         map[guid.Location]bool
}

// NewMaster creates the home-PD metadata for a freshly created DB,
// state PRIME per section 3's create lifecycle. The creating EDT holds
// an implicit initial acquire (numUsers starts at 1): ocrDbCreate hands
// back an already-acquired DB, so the creator must release it like any
// other acquire before the DB can transition or be destroyed.
func NewMaster(id guid.GUID, home guid.Location, size uint64, payload []byte, flags Flags) *DataBlock {
	return &DataBlock{
		GUID:     id,
		Home:     home,
		Size:     size,
		state:    StatePrime,
		mode:     message.ModeEW,
		numUsers: 1,
		payload:  payload,
		flags:    flags,
		assigned: flags&FlagSingleAssignment != 0,
		clones:   make(map[guid.Location]bool),
		acked:    make(map[guid.Location]bool),
	}
}

// NewSlave creates a slave clone's tracking metadata, starting IDLE
// (no local copy yet) with hasPeers set since the master lives
// elsewhere.
func NewSlave(id guid.GUID, home guid.Location) *DataBlock {
	return &DataBlock{
		GUID:     id,
		Home:     home,
		state:    StateIdle,
		hasPeers: true,
		acked:    make(map[guid.Location]bool),
	}
}

// SetHints applies EAGER/LAZY hints at creation time; both are
// read-only-mode concepts and mutually exclusive.
func (d *DataBlock) SetHints(eager, lazy bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.isEager = eager
	d.isLazy = lazy
}

// localAcquireRule implements the priority table of section 4.5
// verbatim: given the current (state, mode) and a requested mode,
// decide grant or defer. Returns the resulting mode on grant.
func localAcquireRule(state State, current, requested message.AcquireMode) (grant bool, newMode message.AcquireMode) {
	switch state {
	case StatePrime:
		switch current {
		case message.ModeRO:
			return true, requested
		case message.ModeConst:
			if requested == message.ModeConst || requested == message.ModeRO {
				return true, current
			}
		case message.ModeRW:
			if requested == message.ModeRW || requested == message.ModeRO {
				return true, current
			}
		case message.ModeEW:
			return false, current
		}
		return false, current
	case StateShared:
		if isReaderMode(current) && isReaderMode(requested) {
			if current != requested {
				return true, message.ModeConst // promote mixed RO+CONST readers to CONST
			}
			return true, current
		}
		return false, current
	default: // IDLE (slave): always defer, pull triggered by caller
		return false, current
	}
}

func isReaderMode(m message.AcquireMode) bool {
	return m == message.ModeRO || m == message.ModeConst || m == message.ModeRW
}

// PullFunc is supplied by the caller (internal/pd) to issue an
// M_ACQUIRE pull to the home PD when a slave must fetch. It must not
// be called while holding the DB lock; LocalAcquire invokes it after
// unlocking.
type PullFunc func(home guid.Location, mode message.AcquireMode) error

// LocalAcquire services an EDT on this PD asking for the DB (section
// 4.5 "Local acquire"). On grant it returns immediately with the
// payload. On defer it parks w in the appropriate local queue and, if
// this is a slave DB with no fetch already outstanding, invokes pull
// after releasing the lock.
func (d *DataBlock) LocalAcquire(w Waiter, pull PullFunc) AcquireResult {
	d.mu.Lock()

	if d.isFetching || d.isReleasing {
		d.local.push(w.Mode, waitEntry{Requester: w})
		d.mu.Unlock()
		return AcquireResult{Status: status.EPEND}
	}

	if d.flags&FlagSingleAssignment != 0 && w.Mode.IsWriter() {
		if d.assigned {
			d.mu.Unlock()
			return AcquireResult{Status: status.EPERM}
		}
	}

	grant, newMode := localAcquireRule(d.state, d.mode, w.Mode)
	if grant {
		d.mode = newMode
		d.numUsers++
		if w.Mode.IsWriter() {
			d.assigned = true
		}
		payload := d.payload
		d.mu.Unlock()
		return AcquireResult{Status: status.OK, Payload: payload}
	}

	d.local.push(w.Mode, waitEntry{Requester: w})
	needsPull := d.hasPeers && !d.isFetching
	if needsPull {
		d.isFetching = true
	}
	mode := w.Mode
	home := d.Home
	d.mu.Unlock()

	if needsPull && pull != nil {
		if err := pull(home, mode); err != nil {
			return AcquireResult{Status: status.EFAULT}
		}
	}
	return AcquireResult{Status: status.EPEND}
}

// ReleaseAction tells the caller what messaging LocalRelease requires
// once the DB lock is dropped.
type ReleaseAction struct {
	SendRelease bool
	Home        guid.Location
	Payload     []byte
	WriteBack   bool
}

// LocalRelease services an EDT finishing with the DB (section 4.5
// "Local release").
func (d *DataBlock) LocalRelease() (granted []Waiter, action ReleaseAction, code status.Code) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.numUsers == 0 {
		return nil, ReleaseAction{}, status.EPERM
	}
	d.numUsers--
	if d.numUsers != 0 {
		return nil, ReleaseAction{}, status.OK
	}

	if !d.hasPeers {
		// master, no outstanding peer copies referencing this acquire:
		// drop to RO in PRIME and drain queued acquires.
		d.mode = message.ModeRO
		return d.drainLocalLocked(), ReleaseAction{}, status.OK
	}

	// slave: drain local queues writer-first before considering release.
	ready := d.drainLocalLocked()
	if len(ready) > 0 {
		return ready, ReleaseAction{}, status.OK
	}
	if d.isEager || d.isLazy {
		return nil, ReleaseAction{}, status.OK
	}
	d.isReleasing = true
	payload := d.payload
	wb := d.writeBack
	home := d.Home
	return nil, ReleaseAction{SendRelease: true, Home: home, Payload: payload, WriteBack: wb}, status.OK
}

// drainLocalLocked grants as many queued local waiters as the current
// (state, mode) allows, writer-priority order (RW > EW > CONST > RO),
// and must be called with d.mu held.
func (d *DataBlock) drainLocalLocked() []Waiter {
	var granted []Waiter
	for _, mode := range drainOrder {
		for {
			if d.local.empty(mode) {
				break
			}
			entry, _ := d.local.popFront(mode)
			grant, newMode := localAcquireRule(d.state, d.mode, mode)
			if !grant {
				// put it back at the front and stop draining this mode
				d.local.q[mode] = append([]waitEntry{entry}, d.local.q[mode]...)
				break
			}
			d.mode = newMode
			d.numUsers++
			granted = append(granted, entry.Requester)
		}
	}
	return granted
}

// OnFetchComplete is invoked by the caller when a previously-issued
// pull's M_ACQUIRE push response arrives, carrying the granted payload
// off the master. It clears isFetching, installs the payload, and
// drains local waiters now that data is present.
func (d *DataBlock) OnFetchComplete(payload []byte, grantedMode message.AcquireMode, writeBack bool) []Waiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.isFetching = false
	d.payload = payload
	d.writeBack = writeBack
	d.state = StateShared
	d.mode = grantedMode
	return d.drainLocalLocked()
}

// RemoteAcquire services the master receiving M_ACQUIRE from a peer
// (section 4.5 "Remote acquire"). Grants reply with push + writeBack;
// defers enqueue the request in the matching remote queue.
func (d *DataBlock) RemoteAcquire(req RemoteRequest) (grant bool, payload []byte, writeBack bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case d.state == StatePrime && d.mode == message.ModeRO:
		d.state = StateShared
		d.mode = req.Mode
		d.clones[req.Loc] = true
	case d.state == StateShared && isReaderMode(d.mode) && isReaderMode(req.Mode):
		if d.mode != req.Mode {
			d.mode = message.ModeConst
		}
		d.clones[req.Loc] = true
	default:
		d.remote.push(req.Mode, waitEntry{Remote: &req})
		return false, nil, false
	}

	wb := req.Mode.IsWriter() && d.flags&FlagSingleAssignment == 0
	return true, d.payload, wb
}

// RemoteRelease services the master receiving M_RELEASE from a peer
// (section 4.5 "Remote release"). When writeBack is set the incoming
// payload replaces the master's copy; internal/pd's handleDbRelease
// answers the M_RELEASE with OK once this returns.
func (d *DataBlock) RemoteRelease(loc guid.Location, payload []byte, writeBack bool) (resumeLocal []Waiter, resumeRemote []RemoteRequest) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if writeBack {
		d.payload = payload
	}
	delete(d.clones, loc)

	if len(d.clones) > 0 {
		return nil, nil
	}

	d.state = StatePrime
	d.mode = message.ModeRO
	resumeLocal = d.drainLocalLocked()

	for _, mode := range drainOrder {
		if !d.remote.empty(mode) {
			entry, _ := d.remote.popFront(mode)
			resumeRemote = append(resumeRemote, *entry.Remote)
			if mode.IsWriter() {
				break // only one writer may be resumed per release
			}
		}
	}
	return resumeLocal, resumeRemote
}

// EagerPush returns the payload to push alongside a satisfy message
// for an EAGER DB (section 4.5: "the producer side pushes the DB +
// satisfy message together"), valid only for read-only modes.
func (d *DataBlock) EagerPush() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.isEager {
		return nil, fmt.Errorf("datablock: EagerPush on non-eager DB")
	}
	if d.mode.IsWriter() {
		return nil, fmt.Errorf("datablock: eager mode supports read-only modes only")
	}
	return d.payload, nil
}

// Invalidate handles a lazy-mode INVALIDATE: a slave wanting to write
// asks the home to revoke the current hot copy first. Invalidation
// while numUsers>0 is refused with EBUSY; the request is not queued,
// and a later release does not re-run it.
func (d *DataBlock) Invalidate(requester guid.Location) (ok bool, code status.Code) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.isLazy {
		return false, status.EINVAL
	}
	if d.numUsers > 0 {
		return false, status.EBUSY
	}
	d.hasHot = true
	d.nonCoherentLoc = requester
	return true, status.OK
}

// MarkFreeRequested begins the destroy protocol (section 4.5
// "Destruction"): a slave's ocrDbDestroy sends M_DEL to master, which
// sets freeRequested and must broadcast M_DEL to every tracked slave.
func (d *DataBlock) MarkFreeRequested() (targets []guid.Location) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.freeRequested = true
	for loc := range d.clones {
		targets = append(targets, loc)
	}
	return targets
}

// AckDestroy records that a slave has deallocated its clone metadata;
// the master frees the payload once every known slave has acknowledged
// and all local users have released (numUsers == 0).
func (d *DataBlock) AckDestroy(loc guid.Location) (readyToFree bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acked[loc] = true
	if len(d.acked) < len(d.clones) {
		return false
	}
	return d.freeRequested && d.numUsers == 0
}

// CanDestroyLocally reports whether a slave clone may deallocate its
// own metadata now (numUsers == 0).
func (d *DataBlock) CanDestroyLocally() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.numUsers == 0
}

// Snapshot returns a read-only view of state for tests and metrics.
func (d *DataBlock) Snapshot() (state State, mode message.AcquireMode, numUsers int32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state, d.mode, d.numUsers
}

// Payload returns the DB's current locally-resident contents, or nil
// on a slave clone with no live copy (IDLE, never fetched).
func (d *DataBlock) Payload() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.payload
}
