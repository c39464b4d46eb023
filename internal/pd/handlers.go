package pd

import (
	"encoding/binary"

	"github.com/open-community-runtime/ocr/internal/datablock"
	"github.com/open-community-runtime/ocr/internal/edt"
	"github.com/open-community-runtime/ocr/internal/event"
	"github.com/open-community-runtime/ocr/internal/guid"
	"github.com/open-community-runtime/ocr/internal/message"
	"github.com/open-community-runtime/ocr/internal/status"
)

// handleEvtCreate services EVT_CREATE: allocate a GUID, build the
// event per the requested kind, and register it.
func handleEvtCreate(p *PD, msg *message.Message) status.Code {
	kind := event.Kind(msg.Body.Mode) // kind is smuggled through Mode for this message shape
	id := p.GUIDs.Next(guid.KindEvent)

	var params any
	if kind == event.KindChannel && len(msg.Body.Params) > 0 {
		params = event.ChannelParams{MaxGen: uint32(msg.Body.Params[0])}
	}
	if kind == event.KindCollective && len(msg.Body.Params) >= 3 {
		params = event.CollectiveParams{
			MaxGen:     uint32(msg.Body.Params[0]),
			NbContribs: uint32(msg.Body.Params[1]),
			Op:         event.ReductionOp(msg.Body.Params[2]),
		}
	}

	e, err := event.New(id, kind, params)
	if err != nil {
		return status.EINVAL
	}
	p.registerEvent(id, e)
	p.GUIDs.Register(id, e)
	msg.Body.Target = id
	return status.OK
}

func handleEvtDestroy(p *PD, msg *message.Message) status.Code {
	e, ok := p.lookupEvent(msg.Body.Target)
	if !ok {
		return status.EINVAL
	}
	code := e.Destroy()
	if code.OK() {
		p.forgetEvent(msg.Body.Target)
	}
	return code
}

// handleEvtSatisfy services EVT_SATISFY: deliver a payload and wake
// whatever waiters become ready.
func handleEvtSatisfy(p *PD, msg *message.Message) status.Code {
	e, ok := p.lookupEvent(msg.Body.Target)
	if !ok {
		return status.EINVAL
	}
	switch e.Kind {
	case event.KindLatch:
		delta := int64(1)
		if len(msg.Body.Params) > 0 && msg.Body.Params[0] == 0 {
			delta = -1
		}
		fired, waiters := e.LatchAdjust(delta)
		if fired {
			p.wakeWaiters(waiters, msg.Body.Target2)
		}
		return status.OK
	case event.KindChannel:
		w, ready, err := e.ChannelSatisfy(msg.Body.Target2)
		if err != nil {
			return status.EINVAL
		}
		if ready {
			p.wakeWaiters([]event.Waiter{w}, msg.Body.Target2)
		}
		return status.OK
	case event.KindCollective:
		// Params carries [generation, contributed value] for this call
		// (section 3: "per-PD contribution slots"); Target2 is unused.
		if len(msg.Body.Params) < 2 {
			return status.EINVAL
		}
		gen := uint32(msg.Body.Params[0])
		waiters, reduced, ready, err := e.Contribute(gen, msg.Body.Params[1])
		if err != nil {
			return status.EINVAL
		}
		if ready {
			payload := make([]byte, 8)
			binary.LittleEndian.PutUint64(payload, reduced)
			id := p.GUIDs.Next(guid.KindDB)
			db := datablock.NewMaster(id, p.Location, 8, payload, datablock.FlagSingleAssignment)
			p.registerBlock(id, db)
			p.GUIDs.Register(id, db)
			e.RecordProduced(gen, id)
			p.wakeWaiters(waiters, id)
		}
		return status.OK
	default:
		ready, code := e.Satisfy(msg.Body.Target2)
		if code.OK() {
			p.wakeWaiters(ready, msg.Body.Target2)
			p.destroyIfOnce(msg.Body.Target, e)
		}
		return code
	}
}

// handleDepAdd services DEP_ADD / ocrAddDependence: register slot idx
// of EDT Target to depend on Target2 under Mode.
func handleDepAdd(p *PD, msg *message.Message) status.Code {
	inst, ok := p.lookupInstance(msg.Body.Target)
	if !ok {
		return status.EINVAL
	}
	code := inst.AddDependence(msg.Body.Slot, msg.Body.Target2, msg.Body.Mode)
	if code != status.OK {
		return code
	}
	if e, ok := p.lookupEvent(msg.Body.Target2); ok {
		w := event.Waiter{EDT: msg.Body.Target, Slot: msg.Body.Slot}
		if e.Kind == event.KindCollective {
			// Params[0] names which generation this dependence consumes
			// (defaults to generation 0 when omitted).
			var gen uint32
			if len(msg.Body.Params) > 0 {
				gen = uint32(msg.Body.Params[0])
			}
			e.RegisterCollectiveWaiter(gen, w)
			return status.OK
		}
		if payload, ready := e.AddDependence(w); ready {
			ready2, _ := inst.Satisfy(msg.Body.Slot, p.rawOf(payload))
			if ready2 {
				p.scheduleReady(inst)
			}
		}
		return status.OK
	}
	// A dependence naming a DB directly (no intervening event) is
	// already satisfied when the DB is locally resident: a DB always
	// has a current value, so the slot fills immediately with its
	// present contents. When the DB's home is a different PD and no
	// clone exists here yet, register one and route the fill through
	// the coherence engine so it issues a real M_ACQUIRE pull.
	if db, ok := p.lookupBlock(msg.Body.Target2); ok {
		ready, _ := inst.Satisfy(msg.Body.Slot, db.Payload())
		if ready {
			p.scheduleReady(inst)
		}
		return status.OK
	}
	if msg.Body.Target2.Home != p.Location {
		db := datablock.NewSlave(msg.Body.Target2, msg.Body.Target2.Home)
		p.registerBlock(msg.Body.Target2, db)
		p.GUIDs.Register(msg.Body.Target2, db)
		p.acquireForDependence(db, inst, msg.Body.Slot, msg.Body.Mode)
	}
	return status.OK
}

// acquireForDependence resolves inst's slot-th dependence against db
// through the coherence engine (section 4.5 "Local acquire") rather
// than a bare payload read, used when db is a freshly registered slave
// clone with no locally resident copy yet. A deferred acquire's grant
// arrives later via DispatchResponse's M_ACQUIRE push handling.
func (p *PD) acquireForDependence(db *datablock.DataBlock, inst *edt.Instance, slot uint32, mode message.AcquireMode) {
	w := datablock.Waiter{EDT: inst.GUID, Slot: slot, Mode: mode}
	res := db.LocalAcquire(w, p.pullDB(db.GUID))
	if res.Status.OK() {
		ready, _ := inst.Satisfy(slot, res.Payload)
		if ready {
			p.scheduleReady(inst)
		}
	}
}

// wakeAcquireWaiter delivers a coherence-engine grant to whichever side
// is actually waiting: a channel for an explicit DB_ACQUIRE caller, or
// an EDT's dependence slot for one registered through acquireForDependence.
func (p *PD) wakeAcquireWaiter(w datablock.Waiter, payload []byte) {
	if w.Ready != nil {
		w.Ready <- datablock.AcquireResult{Status: status.OK, Payload: payload}
		return
	}
	inst, ok := p.lookupInstance(w.EDT)
	if !ok {
		return
	}
	ready, _ := inst.Satisfy(w.Slot, payload)
	if ready {
		p.scheduleReady(inst)
	}
}

// pullDB returns the PullFunc the coherence engine invokes to issue a
// real M_ACQUIRE pull to a DB's home PD (section 4.5: "send M_ACQUIRE
// pull with requestedMode to the home PD"). The response is handled by
// DispatchResponse, which calls OnFetchComplete once it lands.
func (p *PD) pullDB(id guid.GUID) datablock.PullFunc {
	return func(home guid.Location, mode message.AcquireMode) error {
		req := message.NewRequest(message.DbAcquire, p.Location, home, p.nextMsgID(), message.Body{
			Target: id, Mode: mode,
		})
		p.Comm.Push(req)
		return nil
	}
}

func boolToU64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// handleDepSatisfy is DEP_SATISFY's remote counterpart to EVT_SATISFY
// for a dependence that targets an EDT slot directly (no intervening
// event GUID), used for MD_MOVE clone traffic.
func handleDepSatisfy(p *PD, msg *message.Message) status.Code {
	inst, ok := p.lookupInstance(msg.Body.Target)
	if !ok {
		return status.EINVAL
	}
	ready, code := inst.Satisfy(msg.Body.Slot, p.rawOf(msg.Body.Target2))
	if code.OK() && ready {
		p.scheduleReady(inst)
	}
	return code
}

func (p *PD) rawOf(payload guid.GUID) []byte {
	if payload.IsNull() {
		return nil
	}
	if db, ok := p.lookupBlock(payload); ok {
		return db.Payload()
	}
	return nil
}

// handleDbCreate services DB_CREATE: allocate a GUID and the master
// metadata for a new DB sized via Params[0], flags via Params[1].
func handleDbCreate(p *PD, msg *message.Message) status.Code {
	id := p.GUIDs.Next(guid.KindDB)
	size := uint64(0)
	var flags datablock.Flags
	if len(msg.Body.Params) > 0 {
		size = msg.Body.Params[0]
	}
	if len(msg.Body.Params) > 1 {
		flags = datablock.Flags(msg.Body.Params[1])
	}
	db := datablock.NewMaster(id, p.Location, size, make([]byte, size), flags)
	if hint, ok := msg.Body.Hint["eager"]; ok {
		db.SetHints(hint != 0, false)
	}
	if hint, ok := msg.Body.Hint["lazy"]; ok {
		db.SetHints(false, hint != 0)
	}
	p.registerBlock(id, db)
	p.GUIDs.Register(id, db)
	msg.Body.Target = id
	return status.OK
}

// handleDbAcquire services DB_ACQUIRE. A message arriving from this
// same PD (Src == Dst, per internal/api's "every call issues exactly
// one message" convention) is a local acquirer; a message whose source
// is a different PD is an M_ACQUIRE pull reaching the DB's home, and is
// serviced against RemoteAcquire instead (section 4.5 "Remote
// acquire"). A defer on the remote path returns EPEND: the request sits
// in the master's remote queue until a later release resumes it, at
// which point resumeRemoteAcquire sends the grant.
func handleDbAcquire(p *PD, msg *message.Message) status.Code {
	db, ok := p.lookupBlock(msg.Body.Target)
	if !ok {
		return status.EINVAL
	}

	if msg.Header.SrcLoc != p.Location {
		grant, payload, writeBack := db.RemoteAcquire(datablock.RemoteRequest{
			Loc: msg.Header.SrcLoc, MsgID: msg.Header.MsgID, Mode: msg.Body.Mode,
		})
		if !grant {
			return status.EPEND
		}
		msg.Payload = payload
		msg.Body.Params = []uint64{boolToU64(writeBack)}
		return status.OK
	}

	w := datablock.Waiter{EDT: msg.Body.Target2, Mode: msg.Body.Mode, Ready: make(chan datablock.AcquireResult, 1)}
	res := db.LocalAcquire(w, p.pullDB(msg.Body.Target))
	msg.Payload = res.Payload
	return res.Status
}

// resumeRemoteAcquire re-evaluates a previously deferred remote
// acquire once a release frees room for it, sending the grant as a
// freshly built response (the original inbound message is long gone;
// only the RemoteRequest survived in the master's remote queue).
func (p *PD) resumeRemoteAcquire(db *datablock.DataBlock, req datablock.RemoteRequest) {
	grant, payload, writeBack := db.RemoteAcquire(req)
	if !grant {
		return
	}
	resp := message.NewRequest(message.DbAcquire, p.Location, req.Loc, req.MsgID, message.Body{
		Target: db.GUID,
		Mode:   req.Mode,
		Status: status.OK,
		Params: []uint64{boolToU64(writeBack)},
	})
	resp.Header.Type = resp.Header.Type.AsResponse()
	resp.Payload = payload
	p.Comm.Push(resp)
}

// handleDbRelease services DB_RELEASE. As with handleDbAcquire, a
// same-PD message is a local releaser; a message arriving from a
// different PD is the M_RELEASE a slave sends its master, serviced
// against RemoteRelease.
func handleDbRelease(p *PD, msg *message.Message) status.Code {
	db, ok := p.lookupBlock(msg.Body.Target)
	if !ok {
		return status.EINVAL
	}

	if msg.Header.SrcLoc != p.Location {
		writeBack := len(msg.Body.Params) > 0 && msg.Body.Params[0] != 0
		resumeLocal, resumeRemote := db.RemoteRelease(msg.Header.SrcLoc, msg.Payload, writeBack)
		for _, w := range resumeLocal {
			p.wakeAcquireWaiter(w, db.Payload())
		}
		for _, req := range resumeRemote {
			p.resumeRemoteAcquire(db, req)
		}
		return status.OK
	}

	granted, action, code := db.LocalRelease()
	for _, w := range granted {
		p.wakeAcquireWaiter(w, db.Payload())
	}
	if action.SendRelease {
		release := message.NewRequest(message.DbRelease, p.Location, action.Home, p.nextMsgID(), message.Body{
			Target: msg.Body.Target,
			Params: []uint64{boolToU64(action.WriteBack)},
		})
		release.Payload = action.Payload
		release.Flags = message.FlagMarshallDBPtr
		p.Comm.Push(release)
	}
	return code
}

func handleDbDestroy(p *PD, msg *message.Message) status.Code {
	db, ok := p.lookupBlock(msg.Body.Target)
	if !ok {
		return status.EINVAL
	}
	for _, loc := range db.MarkFreeRequested() {
		del := message.NewRequest(message.DbDestroy, p.Location, loc, p.nextMsgID(), message.Body{Target: msg.Body.Target})
		p.Comm.Push(del)
	}
	if db.CanDestroyLocally() {
		p.mu.Lock()
		delete(p.blocks, msg.Body.Target)
		p.mu.Unlock()
		p.GUIDs.Forget(msg.Body.Target)
	}
	return status.OK
}

// handleEdtTemplateCreate registers a new EDT template. Func is not
// carried over the wire (it is a local registry lookup by Name, the
// Go-idiomatic replacement for a raw C function pointer crossing
// PDs); this handler only allocates the GUID.
func handleEdtTemplateCreate(p *PD, msg *message.Message) status.Code {
	id := p.GUIDs.Next(guid.KindTemplate)
	msg.Body.Target = id
	return status.OK
}

// handleEdtTemplateDestroy forgets a previously created template.
func handleEdtTemplateDestroy(p *PD, msg *message.Message) status.Code {
	p.mu.Lock()
	_, ok := p.templates[msg.Body.Target]
	delete(p.templates, msg.Body.Target)
	p.mu.Unlock()
	if !ok {
		return status.EINVAL
	}
	p.GUIDs.Forget(msg.Body.Target)
	return status.OK
}

// routedHintKey marks a WORK_CREATE message as already having passed
// through placement once, so a remote PD receiving the remapped
// message runs the handler's instantiation branch instead of
// re-consulting the placer and looping.
const routedHintKey = "_routed"

// handleWorkCreate services WORK_CREATE: on first arrival (not yet
// routed), consult affinity hint / finish-scope stickiness / round
// robin per section 4.4; if placement names a different PD, remap
// destLocation and hand the message to the comm queue instead of
// instantiating here. Once routed (or placed locally), instantiate
// the EDT against a known template and push it onto the destination
// workpile.
func handleWorkCreate(p *PD, msg *message.Message) status.Code {
	if msg.Body.Hint[routedHintKey] == 0 {
		var affinity *guid.Location
		if loc, ok := msg.Body.Hint["affinity"]; ok {
			l := guid.Location(loc)
			affinity = &l
		}
		var finish guid.GUID
		if len(msg.Body.Extra) > 1 {
			finish = msg.Body.Extra[1]
		}
		dest := p.Placer.Place(affinity, finish)
		if msg.Body.Hint == nil {
			msg.Body.Hint = make(map[string]uint64)
		}
		msg.Body.Hint[routedHintKey] = 1
		if dest != p.Location {
			msg.Header.DestLoc = dest
			p.Comm.Push(msg)
			return status.EPEND
		}
	}

	tmpl, ok := p.lookupTemplate(msg.Body.Target2)
	if !ok {
		return status.EINVAL
	}
	id := p.GUIDs.Next(guid.KindEDT)
	var outputEvent guid.GUID
	if len(msg.Body.Extra) > 0 {
		outputEvent = msg.Body.Extra[0]
	}
	var finish guid.GUID
	if len(msg.Body.Extra) > 1 {
		finish = msg.Body.Extra[1]
	}
	inst, err := edt.NewInstance(id, tmpl, msg.Body.Params, outputEvent, finish)
	if err != nil {
		return status.EINVAL
	}
	p.registerInstance(id, inst)
	p.GUIDs.Register(id, inst)
	msg.Body.Target = id
	if inst.State() == edt.Ready {
		p.pushLocal(inst)
	}
	return status.OK
}

// handleWorkDestroy discards a DONE EDT instance's metadata. An EDT
// still RUNNING or READY cannot be destroyed out from under its
// scheduler entry.
func handleWorkDestroy(p *PD, msg *message.Message) status.Code {
	inst, ok := p.lookupInstance(msg.Body.Target)
	if !ok {
		return status.EINVAL
	}
	if inst.State() != edt.Done {
		return status.EPERM
	}
	p.mu.Lock()
	delete(p.instances, msg.Body.Target)
	p.mu.Unlock()
	p.GUIDs.Forget(msg.Body.Target)
	return status.OK
}

// handleMemAlloc services MEM_ALLOC: the PD's thread-safe allocator
// (section 5: "the PD's memory allocator serves pdMalloc/pdFree from
// any worker") standing in for the original's raw pointer allocation —
// Go's GC owns the actual backing memory, so this hands out a
// GUID-addressed buffer any worker or remote peer can reference by
// handle instead of by raw address.
func handleMemAlloc(p *PD, msg *message.Message) status.Code {
	if len(msg.Body.Params) == 0 {
		return status.EINVAL
	}
	size := msg.Body.Params[0]
	id := p.GUIDs.Next(guid.KindMemory)
	p.mu.Lock()
	p.buffers[id] = make([]byte, size)
	p.mu.Unlock()
	msg.Body.Target = id
	return status.OK
}

// handleMemUnalloc services MEM_UNALLOC: release a buffer allocated by
// MEM_ALLOC.
func handleMemUnalloc(p *PD, msg *message.Message) status.Code {
	p.mu.Lock()
	_, ok := p.buffers[msg.Body.Target]
	delete(p.buffers, msg.Body.Target)
	p.mu.Unlock()
	if !ok {
		return status.EINVAL
	}
	return status.OK
}

// handleMetadataComm services METADATA_COMM, the generic metadata
// relocation message section 4.4's MD_MOVE load-balancing variant
// rides on: Target2 names a template already known at this PD (the
// blessed worker's registry is installed identically on every PD at
// bring-up, so template GUIDs allocated from a shared template
// registry resolve the same way everywhere WORK_CREATE's own
// same-PD-only template lookup would). Payload carries the moving
// EDT's already-resolved dependency slots (edt.PackDeps, written by
// moveEDT); the reconstructed instance starts READY and is pushed
// straight onto a local workpile, skipping placement and rebalancing
// since the sender already decided to move it.
func handleMetadataComm(p *PD, msg *message.Message) status.Code {
	tmpl, ok := p.lookupTemplate(msg.Body.Target2)
	if !ok {
		return status.EINVAL
	}
	deps, err := edt.UnpackDeps(msg.Payload)
	if err != nil {
		return status.EINVAL
	}
	id := p.GUIDs.Next(guid.KindEDT)
	var outputEvent, finish guid.GUID
	if len(msg.Body.Extra) > 0 {
		outputEvent = msg.Body.Extra[0]
	}
	if len(msg.Body.Extra) > 1 {
		finish = msg.Body.Extra[1]
	}
	inst := edt.NewMigratedInstance(id, tmpl, msg.Body.Params, deps, outputEvent, finish)
	p.registerInstance(id, inst)
	p.GUIDs.Register(id, inst)
	msg.Body.Target = id
	p.pushLocal(inst)
	return status.OK
}

// handleCommTake services COMM_TAKE: a worker (possibly on another PD
// relaying through this one) takes one parked outbound handle off the
// comm queue (section 4.4's "scheduler... feeds comm worker via
// take"), serialized into the response payload.
func handleCommTake(p *PD, msg *message.Message) status.Code {
	m := p.Comm.TryPull()
	if m == nil {
		return status.ENOP
	}
	enc, err := message.Marshal(m)
	if err != nil {
		return status.EFAULT
	}
	msg.Payload = enc
	return status.OK
}

// handleCommGive services COMM_GIVE: the inverse of take, handing a
// serialized message back onto this PD's comm queue.
func handleCommGive(p *PD, msg *message.Message) status.Code {
	if len(msg.Payload) == 0 {
		return status.EINVAL
	}
	m, err := message.Unmarshal(msg.Payload)
	if err != nil {
		return status.EINVAL
	}
	p.Comm.Push(m)
	return status.OK
}

// handleSchedGetWork services SCHED_GET_WORK: fetch the next ready EDT
// for the worker index carried in Slot, reporting its GUID back
// without running it (the message-level introspection counterpart to
// the direct Go call compute workers use in their hot loop).
func handleSchedGetWork(p *PD, msg *message.Message) status.Code {
	inst := p.GetWork(int(msg.Body.Slot))
	if inst == nil {
		return status.ENOP
	}
	msg.Body.Target = inst.GUID
	return status.OK
}

// handleSchedNotify services SCHED_NOTIFY(EDT_DONE): the message-level
// counterpart to the direct Notify call a compute worker makes after
// running an EDT locally, used when an EDT migrated here via
// METADATA_COMM reports completion back to whichever PD is tracking
// its finish scope. The reporting PD's tracked load (bumped by moveEDT
// when the EDT was handed off) comes back down now that it's done.
func handleSchedNotify(p *PD, msg *message.Message) status.Code {
	if _, ok := p.lookupInstance(msg.Body.Target); !ok {
		return status.EINVAL
	}
	var outputEvent, finish guid.GUID
	if len(msg.Body.Extra) > 0 {
		outputEvent = msg.Body.Extra[0]
	}
	if len(msg.Body.Extra) > 1 {
		finish = msg.Body.Extra[1]
	}
	p.Notify(nil, msg.Body.Target2, outputEvent, finish)
	p.Placer.DecLoad(msg.Header.SrcLoc)
	return status.OK
}

// handleMgtRlNotify services MGT_RL_NOTIFY (section 4.8): forwards to
// whatever runlevel hook cmd/ocrd installed (ocrShutdown's entry
// point). A PD exercised only through unit tests, with no runlevel
// controller wired up, treats this as a no-op success.
func handleMgtRlNotify(p *PD, msg *message.Message) status.Code {
	if p.RLNotify == nil {
		return status.OK
	}
	return p.RLNotify(msg.Body.RL)
}

func handleGuidCreate(p *PD, msg *message.Message) status.Code {
	kind := guid.Kind(msg.Body.Mode)
	id := p.GUIDs.Next(kind)
	msg.Body.Target = id
	return status.OK
}

func handleGuidReserve(p *PD, msg *message.Message) status.Code {
	if len(msg.Body.Params) == 0 {
		return status.EINVAL
	}
	kind := guid.Kind(msg.Body.Mode)
	count := int(msg.Body.Params[0])
	msg.Body.Extra = p.GUIDs.Reserve(kind, count)
	return status.OK
}

func handleGuidDestroy(p *PD, msg *message.Message) status.Code {
	p.GUIDs.Forget(msg.Body.Target)
	return status.OK
}
