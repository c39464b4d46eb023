// Package api is the user-facing Go surface mirroring section 6's
// concept-level C ABI (ocrEventCreate, ocrEdtCreate, ocrDbCreate, ...)
// over one policy domain's local dispatch. Every call issues exactly
// one message through pd.PD.ProcessMessage — even purely local
// operations — so the wire shape of section 6 and the Go call shape
// never diverge; a call that happens to cross PDs differs only in
// ProcessMessage's own dest-location branch, never in caller code.
//
// Grounded on components/coordinator.go and components/worker.go's
// thin public methods wrapping their own publish/subscribe calls one
// layer below a raw protocol message — the same "typed Go method per
// wire operation" shape, generalized from one sidecar RPC surface to
// the runtime's closed handler table of section 4.1.
package api

import (
	"fmt"

	"github.com/open-community-runtime/ocr/internal/edt"
	"github.com/open-community-runtime/ocr/internal/event"
	"github.com/open-community-runtime/ocr/internal/guid"
	"github.com/open-community-runtime/ocr/internal/message"
	"github.com/open-community-runtime/ocr/internal/pd"
	"github.com/open-community-runtime/ocr/internal/status"
)

// Runtime binds the user API to one policy domain. Applications
// embedded in the same process as their blessed PD (the common case
// this core targets — see section 1's scope) go through this type
// rather than the raw message/pd packages directly.
type Runtime struct {
	PD *pd.PD
}

// New binds a user API surface to p.
func New(p *pd.PD) *Runtime {
	return &Runtime{PD: p}
}

// EventParams carries the kind-specific creation arguments section 6
// calls ocrEventCreateParams — only the fields relevant to kind are
// read.
type EventParams struct {
	Kind       event.Kind
	MaxGen     uint32 // CHANNEL, COLLECTIVE
	NbContribs uint32 // COLLECTIVE
	Op         event.ReductionOp
}

// EventCreate is ocrEventCreate / ocrEventCreateParams: allocate a new
// event of the given kind at this PD.
func (r *Runtime) EventCreate(p EventParams) (guid.GUID, status.Code) {
	msg := message.NewRequest(message.EvtCreate, r.PD.Location, r.PD.Location, r.PD.NextMsgID(), message.Body{
		Mode:   message.AcquireMode(p.Kind),
		Params: []uint64{uint64(p.MaxGen), uint64(p.NbContribs), uint64(p.Op)},
	})
	code, _ := r.PD.ProcessMessage(msg, false)
	return msg.Body.Target, code
}

// EventDestroy is ocrEventDestroy.
func (r *Runtime) EventDestroy(id guid.GUID) status.Code {
	msg := message.NewRequest(message.EvtDestroy, r.PD.Location, r.PD.Location, r.PD.NextMsgID(), message.Body{Target: id})
	code, _ := r.PD.ProcessMessage(msg, false)
	return code
}

// EventSatisfy is ocrEventSatisfy: satisfy id's default (only) slot
// with payload (guid.NullGUID for a control-only satisfaction).
func (r *Runtime) EventSatisfy(id, payload guid.GUID) status.Code {
	msg := message.NewRequest(message.EvtSatisfy, r.PD.Location, r.PD.Location, r.PD.NextMsgID(), message.Body{
		Target: id, Target2: payload,
	})
	code, _ := r.PD.ProcessMessage(msg, false)
	return code
}

// EventSatisfySlot is ocrEventSatisfySlot: for a LATCH event, slot 0
// increments and slot 1 decrements (section 3: "two slots: increment
// and decrement").
func (r *Runtime) EventSatisfySlot(id, payload guid.GUID, slot uint32) status.Code {
	msg := message.NewRequest(message.EvtSatisfy, r.PD.Location, r.PD.Location, r.PD.NextMsgID(), message.Body{
		Target: id, Target2: payload, Slot: slot, Params: []uint64{uint64(1 - slot)},
	})
	code, _ := r.PD.ProcessMessage(msg, false)
	return code
}

// EventContribute is a COLLECTIVE event's per-PD, per-generation
// contribution (section 3: "each PD calls collective-satisfy with
// value"); once every expected contribution for gen arrives, the
// reduced value is published as a DB to that generation's registered
// consumers.
func (r *Runtime) EventContribute(id guid.GUID, gen uint32, value uint64) status.Code {
	msg := message.NewRequest(message.EvtSatisfy, r.PD.Location, r.PD.Location, r.PD.NextMsgID(), message.Body{
		Target: id, Params: []uint64{uint64(gen), value},
	})
	code, _ := r.PD.ProcessMessage(msg, false)
	return code
}

// AddCollectiveDependence registers dst's slot-th dependence on a
// COLLECTIVE event's gen-th generation, distinct from AddDependence
// since a COLLECTIVE event's waiters are tracked per generation rather
// than in one flat list.
func (r *Runtime) AddCollectiveDependence(collectiveEvt, dst guid.GUID, slot uint32, gen uint32) status.Code {
	msg := message.NewRequest(message.DepAdd, r.PD.Location, r.PD.Location, r.PD.NextMsgID(), message.Body{
		Target: dst, Target2: collectiveEvt, Slot: slot, Params: []uint64{uint64(gen)},
	})
	code, _ := r.PD.ProcessMessage(msg, false)
	return code
}

// EdtTemplateCreate is ocrEdtTemplateCreate: register fn under name
// with the declared paramc/depc, returning its template GUID. The
// function pointer itself never crosses the wire (section 4.1's
// EDTTEMP_CREATE only allocates a GUID); this wrapper additionally
// installs fn locally, the Go-idiomatic replacement for a raw C
// function pointer reaching across PDs.
func (r *Runtime) EdtTemplateCreate(name string, fn edt.Func, paramc, depc uint32) (guid.GUID, status.Code) {
	msg := message.NewRequest(message.EdtTemplateCreate, r.PD.Location, r.PD.Location, r.PD.NextMsgID(), message.Body{})
	code, _ := r.PD.ProcessMessage(msg, false)
	if !code.OK() {
		return guid.NullGUID, code
	}
	id := msg.Body.Target
	r.PD.RegisterTemplate(id, &edt.Template{GUID: id, Name: name, Func: fn, ParamC: paramc, DepC: depc})
	return id, status.OK
}

// EdtTemplateDestroy is ocrEdtTemplateDestroy.
func (r *Runtime) EdtTemplateDestroy(id guid.GUID) status.Code {
	msg := message.NewRequest(message.EdtTemplateDestroy, r.PD.Location, r.PD.Location, r.PD.NextMsgID(), message.Body{Target: id})
	code, _ := r.PD.ProcessMessage(msg, false)
	return code
}

// EdtCreateParams names the optional placement/output/finish-scope
// arguments ocrEdtCreate takes alongside template, paramv, and depc.
type EdtCreateParams struct {
	Template    guid.GUID
	ParamV      []uint64
	Affinity    *guid.Location // EDT_AFFINITY hint, section 6
	OutputEvent guid.GUID      // NullGUID to skip creating one
	FinishScope guid.GUID      // NullGUID if not inside a finish scope
}

// EdtCreate is ocrEdtCreate: instantiate an EDT against an existing
// template. Dependences are added afterward via AddDependence. If
// placement (section 4.4) picks a remote location, the WORK_CREATE is
// forwarded there and EdtCreate returns NullGUID with OK: the instance
// GUID is allocated by the PD that instantiates the EDT, and its reply
// is not awaited here.
func (r *Runtime) EdtCreate(p EdtCreateParams) (guid.GUID, status.Code) {
	hint := make(map[string]uint64)
	if p.Affinity != nil {
		hint["affinity"] = uint64(*p.Affinity)
	}
	msg := message.NewRequest(message.WorkCreate, r.PD.Location, r.PD.Location, r.PD.NextMsgID(), message.Body{
		Target2: p.Template,
		Params:  p.ParamV,
		Hint:    hint,
		Extra:   []guid.GUID{p.OutputEvent, p.FinishScope},
	})
	code, _ := r.PD.ProcessMessage(msg, false)
	if code != status.OK && code != status.EPEND {
		return guid.NullGUID, code
	}
	return msg.Body.Target, status.OK
}

// EdtDestroy is ocrEdtDestroy.
func (r *Runtime) EdtDestroy(id guid.GUID) status.Code {
	msg := message.NewRequest(message.WorkDestroy, r.PD.Location, r.PD.Location, r.PD.NextMsgID(), message.Body{Target: id})
	code, _ := r.PD.ProcessMessage(msg, false)
	return code
}

// AddDependence is ocrAddDependence(src, dst, slot, mode): satisfy (or
// register to satisfy) dst's slot-th dependence from src, under mode
// ∈ {RO, CONST, RW, EW, NULL}.
func (r *Runtime) AddDependence(src, dst guid.GUID, slot uint32, mode message.AcquireMode) status.Code {
	msg := message.NewRequest(message.DepAdd, r.PD.Location, r.PD.Location, r.PD.NextMsgID(), message.Body{
		Target: dst, Target2: src, Slot: slot, Mode: mode,
	})
	code, _ := r.PD.ProcessMessage(msg, false)
	return code
}

// DbCreateParams names ocrDbCreate's arguments, including the
// DB_EAGER / DB_LAZY hints of section 6.
type DbCreateParams struct {
	Size             uint64
	SingleAssignment bool
	Eager            bool
	Lazy             bool
}

// DbCreate is ocrDbCreate: allocate a new DB's master metadata on this
// PD, home location implicitly this PD (the creating PD is always the
// home per section 3's create lifecycle).
func (r *Runtime) DbCreate(p DbCreateParams) (guid.GUID, status.Code) {
	var flags uint64
	if p.SingleAssignment {
		flags = 1
	}
	hint := make(map[string]uint64)
	if p.Eager {
		hint["eager"] = 1
	}
	if p.Lazy {
		hint["lazy"] = 1
	}
	msg := message.NewRequest(message.DbCreate, r.PD.Location, r.PD.Location, r.PD.NextMsgID(), message.Body{
		Params: []uint64{p.Size, flags},
		Hint:   hint,
	})
	code, _ := r.PD.ProcessMessage(msg, false)
	return msg.Body.Target, code
}

// DbRelease is ocrDbRelease: the acquiring EDT is done with id.
func (r *Runtime) DbRelease(id guid.GUID) status.Code {
	msg := message.NewRequest(message.DbRelease, r.PD.Location, r.PD.Location, r.PD.NextMsgID(), message.Body{Target: id})
	code, _ := r.PD.ProcessMessage(msg, false)
	return code
}

// DbDestroy is ocrDbDestroy.
func (r *Runtime) DbDestroy(id guid.GUID) status.Code {
	msg := message.NewRequest(message.DbDestroy, r.PD.Location, r.PD.Location, r.PD.NextMsgID(), message.Body{Target: id})
	code, _ := r.PD.ProcessMessage(msg, false)
	return code
}

// DbGetSize is the optional ocrDbGetSize named in section 6.
func (r *Runtime) DbGetSize(id guid.GUID) (uint64, error) {
	db, ok := r.PD.LookupBlock(id)
	if !ok {
		return 0, fmt.Errorf("api: unknown data block %s", id)
	}
	return db.Size, nil
}

// Shutdown is ocrShutdown: drives MGT_RL_NOTIFY targeting
// RL_COMPUTE_OK with TEAR_DOWN + BARRIER (section 4.8). errorCode is
// what the blessed PD ultimately returns to its process exit code
// (section 6's "Exit codes").
func (r *Runtime) Shutdown(errorCode uint32) status.Code {
	msg := message.NewRequest(message.MgtRlNotify, r.PD.Location, r.PD.Location, r.PD.NextMsgID(), message.Body{
		RL: message.RunlevelArgs{Level: uint32(5), BringUp: false, Barrier: true},
		Params: []uint64{uint64(errorCode)},
	})
	code, _ := r.PD.ProcessMessage(msg, false)
	return code
}

// Abort is ocrAbort: an unrecoverable user-triggered abort, not part
// of the orderly runlevel tear-down. It panics, matching the
// original's platform-abort semantics (section 6: "aborts use the
// platform abort") — there is no status code to return because the
// process is not expected to continue.
func Abort(code int) {
	panic(fmt.Sprintf("ocr: ocrAbort(%d)", code))
}
