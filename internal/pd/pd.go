// Package pd implements the policy-domain dispatch core of section
// 4.1: the single entry point processMessage, the fixed closed handler
// table, and the GUID/event/datablock/EDT registries a PD owns. Every
// other subsystem (comm worker, compute worker, user API) reaches the
// rest of the runtime only through this package.
//
// Grounded on components/coordinator.go's partitionAccumulate loop for
// the "one request kind maps to one local handler" dispatch idiom, and
// on components/tracker.go's mutex-guarded registries for the
// event/datablock/EDT lookup tables kept alongside the GUID provider.
package pd

import (
	"sync"

	"github.com/open-community-runtime/ocr/internal/clog"
	"github.com/open-community-runtime/ocr/internal/datablock"
	"github.com/open-community-runtime/ocr/internal/edt"
	"github.com/open-community-runtime/ocr/internal/event"
	"github.com/open-community-runtime/ocr/internal/guid"
	"github.com/open-community-runtime/ocr/internal/message"
	"github.com/open-community-runtime/ocr/internal/sched"
	"github.com/open-community-runtime/ocr/internal/status"
	"github.com/open-community-runtime/ocr/internal/strand"
)

// Handler is one entry of the fixed, closed handler table (section
// 4.1). It may mutate msg into its own response; EPEND means "handler
// took ownership, no response is sent now."
type Handler func(p *PD, msg *message.Message) status.Code

// PD is one policy domain: its GUID provider, its entity registries,
// its scheduler wiring, and its fixed handler table.
type PD struct {
	Location guid.Location

	GUIDs   *guid.Provider
	Sched   *sched.Pool
	Placer  *sched.Placer
	Comm    *sched.CommQueue
	Strands *strand.Manager

	log *clog.CLogger

	mu         sync.Mutex
	events     map[guid.GUID]*event.Event
	blocks     map[guid.GUID]*datablock.DataBlock
	templates  map[guid.GUID]*edt.Template
	instances  map[guid.GUID]*edt.Instance
	buffers    map[guid.GUID][]byte

	msgCounter uint64

	handlers map[message.Type]Handler

	// RLNotify is invoked by the MGT_RL_NOTIFY handler (section 4.8's
	// "Shutdown is initiated by ocrShutdown -> MGT_RL_NOTIFY targeting
	// RL_COMPUTE_OK with TEAR_DOWN + BARRIER"). cmd/ocrd wires this to
	// its runlevel.Controller; left nil it is a no-op so unit tests that
	// never bring up a full runlevel controller aren't forced to supply
	// one.
	RLNotify func(args message.RunlevelArgs) status.Code
}

// New creates a PD at the given location with the given number of
// compute-worker workpiles and known neighbor locations.
func New(loc guid.Location, computeWorkers int, neighbors []guid.Location, log *clog.CLogger) *PD {
	p := &PD{
		Location:  loc,
		GUIDs:     guid.NewProvider(loc),
		Sched:     sched.NewPool(computeWorkers),
		Placer:    sched.NewPlacer(loc, neighbors),
		Comm:      sched.NewCommQueue(256),
		Strands:   strand.NewManager(),
		log:       log,
		events:    make(map[guid.GUID]*event.Event),
		blocks:    make(map[guid.GUID]*datablock.DataBlock),
		templates: make(map[guid.GUID]*edt.Template),
		instances: make(map[guid.GUID]*edt.Instance),
		buffers:   make(map[guid.GUID][]byte),
	}
	p.handlers = map[message.Type]Handler{
		message.EvtCreate.Kind():         handleEvtCreate,
		message.EvtDestroy.Kind():        handleEvtDestroy,
		message.EvtSatisfy.Kind():        handleEvtSatisfy,
		message.DepAdd.Kind():            handleDepAdd,
		message.DepSatisfy.Kind():        handleDepSatisfy,
		message.DbCreate.Kind():          handleDbCreate,
		message.DbAcquire.Kind():         handleDbAcquire,
		message.DbRelease.Kind():         handleDbRelease,
		message.DbDestroy.Kind():         handleDbDestroy,
		message.EdtTemplateCreate.Kind():  handleEdtTemplateCreate,
		message.EdtTemplateDestroy.Kind(): handleEdtTemplateDestroy,
		message.WorkCreate.Kind():         handleWorkCreate,
		message.WorkDestroy.Kind():        handleWorkDestroy,
		message.GuidCreate.Kind():         handleGuidCreate,
		message.GuidReserve.Kind():        handleGuidReserve,
		message.GuidDestroy.Kind():        handleGuidDestroy,
		message.MemAlloc.Kind():           handleMemAlloc,
		message.MemUnalloc.Kind():         handleMemUnalloc,
		message.MetadataComm.Kind():       handleMetadataComm,
		message.CommTake.Kind():           handleCommTake,
		message.CommGive.Kind():           handleCommGive,
		message.SchedGetWork.Kind():       handleSchedGetWork,
		message.SchedNotify.Kind():        handleSchedNotify,
		message.MgtRlNotify.Kind():        handleMgtRlNotify,
	}
	return p
}

// nextMsgID allocates a locally-unique message tag for a new outbound
// request (the rendezvous msgId of section 4.2).
func (p *PD) nextMsgID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgCounter++
	return p.msgCounter
}

// NextMsgID is the exported form of nextMsgID, for callers outside
// this package (internal/api) that build their own request messages
// against this PD.
func (p *PD) NextMsgID() uint64 {
	return p.nextMsgID()
}

// RegisterTemplate is the exported form of registerTemplate, for
// internal/api's ocrEdtTemplateCreate and for a blessed worker
// installing the predefined internal/registry templates identically
// on every PD at bring-up.
func (p *PD) RegisterTemplate(id guid.GUID, t *edt.Template) {
	p.registerTemplate(id, t)
}

// LookupInstance is the exported form of lookupInstance, for
// internal/api callers that need to inspect an EDT's state (e.g. the
// blessed worker waiting on mainEdt to finish before exiting).
func (p *PD) LookupInstance(id guid.GUID) (*edt.Instance, bool) {
	return p.lookupInstance(id)
}

// LookupBlock is the exported form of lookupBlock, for internal/api's
// ocrDbGetSize.
func (p *PD) LookupBlock(id guid.GUID) (*datablock.DataBlock, bool) {
	return p.lookupBlock(id)
}

// ProcessMessage is the PD's single entry point (section 4.1). When
// destLocation names this PD it invokes the local handler
// synchronously; otherwise it parks the message on the comm queue and,
// if wantResponse is set, registers a strand the caller can await.
func (p *PD) ProcessMessage(msg *message.Message, wantResponse bool) (status.Code, *strand.Strand) {
	if msg.Header.DestLoc == p.Location {
		h, ok := p.handlers[msg.Header.Type.Kind()]
		if !ok {
			return status.EINVAL, nil
		}
		return h(p, msg), nil
	}

	p.Comm.Push(msg)
	if wantResponse {
		return status.EPEND, p.Strands.Register(msg.Header.MsgID)
	}
	return status.EPEND, nil
}

// DispatchInbound implements internal/worker.Dispatcher: a freshly
// arrived request is processed synchronously here (standing in for
// "wrap it in a runtime processRequest EDT," section 4.7 — since Go
// goroutines already give us the non-blocking execution context an EDT
// wrapper exists to simulate in the original C runtime). If the
// handler produced an immediate response (anything but EPEND), it is
// queued back to the sender.
func (p *PD) DispatchInbound(msg *message.Message, _ interface{}) {
	code := p.handlers[msg.Header.Type.Kind()]
	if code == nil {
		p.log.Warnf("pd: no handler for message kind %s", msg.Header.Type)
		return
	}
	result := code(p, msg)
	if result == status.EPEND {
		return
	}
	msg.ReuseAsResponse(msg.Body)
	msg.Body.Status = result
	p.Comm.Push(msg)
}

// DispatchResponse implements internal/worker.Dispatcher's response
// hook: most response types only need to wake an awaiting strand (the
// comm worker does that unconditionally), but an M_ACQUIRE push also
// carries a DB payload that must be installed before anything parked
// on the fetch can be woken, per section 4.5's "a push carrying the DB
// payload and a writeBack flag."
func (p *PD) DispatchResponse(msg *message.Message) {
	if msg.Header.Type.Kind() != message.DbAcquire {
		return
	}
	db, ok := p.lookupBlock(msg.Body.Target)
	if !ok || !msg.Body.Status.OK() {
		return
	}
	writeBack := len(msg.Body.Params) > 0 && msg.Body.Params[0] != 0
	for _, w := range db.OnFetchComplete(msg.Payload, msg.Body.Mode, writeBack) {
		p.wakeAcquireWaiter(w, db.Payload())
	}
}

func (p *PD) registerEvent(id guid.GUID, e *event.Event) {
	p.mu.Lock()
	p.events[id] = e
	p.mu.Unlock()
}

func (p *PD) lookupEvent(id guid.GUID) (*event.Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.events[id]
	return e, ok
}

func (p *PD) forgetEvent(id guid.GUID) {
	p.mu.Lock()
	delete(p.events, id)
	p.mu.Unlock()
	p.GUIDs.Forget(id)
}

// destroyIfOnce tears down e and deregisters id once a ONCE event has
// delivered its single satisfaction and drained its waiters (section
// 3: "ONCE auto-destroys on first satisfaction-and-drain"). IDEM and
// STICKY events are left alone since both expect further callers to
// observe the same payload.
func (p *PD) destroyIfOnce(id guid.GUID, e *event.Event) {
	if e.Kind != event.KindOnce {
		return
	}
	e.Destroy()
	p.forgetEvent(id)
}

func (p *PD) registerBlock(id guid.GUID, db *datablock.DataBlock) {
	p.mu.Lock()
	p.blocks[id] = db
	p.mu.Unlock()
}

func (p *PD) lookupBlock(id guid.GUID) (*datablock.DataBlock, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	db, ok := p.blocks[id]
	return db, ok
}

func (p *PD) registerTemplate(id guid.GUID, t *edt.Template) {
	p.mu.Lock()
	p.templates[id] = t
	p.mu.Unlock()
}

func (p *PD) lookupTemplate(id guid.GUID) (*edt.Template, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.templates[id]
	return t, ok
}

func (p *PD) registerInstance(id guid.GUID, inst *edt.Instance) {
	p.mu.Lock()
	p.instances[id] = inst
	p.mu.Unlock()
}

func (p *PD) lookupInstance(id guid.GUID) (*edt.Instance, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.instances[id]
	return inst, ok
}

// GetWork implements internal/worker.EDTRunner: fetch the next ready
// EDT for compute worker index.
func (p *PD) GetWork(workerIndex int) *edt.Instance {
	return p.Sched.GetWork(workerIndex)
}

// Notify implements internal/worker.EDTRunner: an EDT finished
// running. Its output event (if any) is satisfied with outputPayload,
// which may ready further EDTs; each goes through scheduleReady (the
// rebalancer, else the workpile picked by its GUID sequence).
func (p *PD) Notify(inst *edt.Instance, outputPayload, outputEvent, finishScope guid.GUID) {
	if !outputEvent.IsNull() {
		if e, ok := p.lookupEvent(outputEvent); ok {
			ready, code := e.Satisfy(outputPayload)
			if code.OK() {
				p.wakeWaiters(ready, outputPayload)
				p.destroyIfOnce(outputEvent, e)
			}
		}
	}
	if !finishScope.IsNull() {
		if e, ok := p.lookupEvent(finishScope); ok {
			fired, waiters := e.LatchAdjust(-1)
			if fired {
				p.wakeWaiters(waiters, guid.NullGUID)
			}
		}
	}
}

// wakeWaiters satisfies the given EDT dependency slots with the
// payload GUID's current local contents (nil if payload is NULL or
// its DB isn't locally resident) and pushes any EDT whose last slot
// just filled onto a workpile.
func (p *PD) wakeWaiters(waiters []event.Waiter, payload guid.GUID) {
	var raw []byte
	if !payload.IsNull() {
		if db, ok := p.lookupBlock(payload); ok {
			raw = db.Payload()
		}
	}
	for _, w := range waiters {
		inst, ok := p.lookupInstance(w.EDT)
		if !ok {
			continue
		}
		ready, _ := inst.Satisfy(w.Slot, raw)
		if ready {
			p.scheduleReady(inst)
		}
	}
}

// pushLocal places inst directly onto a local workpile without
// consulting the rebalancer: used for an EDT whose placement was
// already decided (a fresh WORK_CREATE's affinity/stickiness/round-
// robin choice, or an instance that just migrated in via
// METADATA_COMM and shouldn't immediately bounce back out).
func (p *PD) pushLocal(inst *edt.Instance) {
	idx := int(inst.GUID.Seq) % p.Sched.Len()
	p.Sched.Pile(idx).PushTail(inst)
}

// scheduleReady places a newly-READY EDT per section 4.4's placement
// rule. An EDT with no finish-scope stickiness to preserve is first
// offered to the MD_MOVE rebalancer (Placer.MaybeRebalance); only once
// that declines does it land on a local workpile.
func (p *PD) scheduleReady(inst *edt.Instance) {
	if inst.FinishScope().IsNull() {
		localLoad := p.Sched.TotalLoad()
		if dest, ok := p.Placer.MaybeRebalance(localLoad, p.Placer.Candidates()); ok {
			p.moveEDT(inst, dest)
			return
		}
	}
	p.pushLocal(inst)
}

// moveEDT relocates a READY instance to dest via METADATA_COMM (the
// MD_MOVE load-balancing variant of section 4.4), packing its already-
// resolved dependency slots so the destination doesn't need to re-run
// dependence resolution for them.
func (p *PD) moveEDT(inst *edt.Instance, dest guid.Location) {
	enc, err := edt.PackDeps(inst.Deps())
	msg := message.NewRequest(message.MetadataComm, p.Location, dest, p.nextMsgID(), message.Body{
		Target2: inst.Template.GUID,
		Params:  inst.ParamV(),
		Extra:   []guid.GUID{inst.OutputEvent(), inst.FinishScope()},
	})
	if err == nil {
		msg.Payload = enc
	}
	p.forgetInstance(inst.GUID)
	p.Placer.IncLoad(dest)
	p.Comm.Push(msg)
}

// forgetInstance discards a local instance's metadata, used once
// moveEDT has handed it off to another PD.
func (p *PD) forgetInstance(id guid.GUID) {
	p.mu.Lock()
	delete(p.instances, id)
	p.mu.Unlock()
	p.GUIDs.Forget(id)
}
