// Package edt implements the Event-Driven Task runtime of section 3
// and 4.6: templates, instances with a per-slot dependency table, a
// satisfaction counter, an output event, and a parent finish-scope
// latch, moving through UNINITIALIZED -> READY -> RUNNING -> DONE.
//
// Grounded on computation/computation.go's Computation interface
// (Name/Partition/PartialCompute/Accumulate/Finalize as the one
// user-supplied function pointer a unit of work carries) generalized
// from "one computation kind per registry entry" to "one template per
// EDT kind, many instances," and on components/coordinator.go's
// partitionAccumulate loop for the finish-latch / output-event
// propagation idiom (a parent waiting on every child's completion
// before it may itself complete).
package edt

import (
	"fmt"
	"sync"

	"github.com/open-community-runtime/ocr/internal/guid"
	"github.com/open-community-runtime/ocr/internal/message"
	"github.com/open-community-runtime/ocr/internal/status"
)

// State is an EDT instance's lifecycle stage (section 3). Resched is
// the blocking-helper-mode bounce the design notes deprecate in favor
// of strand continuations (section 9) — kept only as a named state so
// a template that still triggers it fails loudly instead of silently
// misbehaving.
type State uint8

const (
	Uninitialized State = iota
	Ready
	Running
	Done
	Resched
)

func (s State) String() string {
	switch s {
	case Ready:
		return "READY"
	case Running:
		return "RUNNING"
	case Done:
		return "DONE"
	case Resched:
		return "RESCHED"
	default:
		return "UNINITIALIZED"
	}
}

// Dependence is a resolved slot's payload, handed to Func as depv.
type Dependence struct {
	GUID    guid.GUID
	Mode    message.AcquireMode
	Payload []byte
}

// Func is an EDT template's function pointer: paramv is the resolved
// parameter vector, depv the resolved per-slot dependencies in slot
// order. It returns the GUID to satisfy the EDT's output event with
// (NullGUID for none).
type Func func(paramv []uint64, depv []Dependence) guid.GUID

// Template fixes a kind of EDT: its function pointer plus the
// expected paramc/depc every instance must match (section 3).
type Template struct {
	GUID   guid.GUID
	Name   string
	Func   Func
	ParamC uint32
	DepC   uint32
}

type slot struct {
	guid    guid.GUID
	mode    message.AcquireMode
	payload []byte
	filled  bool
}

// Instance is one EDT, resolved against a Template.
type Instance struct {
	GUID     guid.GUID
	Template *Template

	mu    sync.Mutex
	state State

	paramv []uint64
	deps   []slot

	remaining int32 // unfilled dependency slots

	outputEvent guid.GUID
	finishScope guid.GUID // parent finish-latch GUID, NullGUID if none
}

// NewInstance creates an EDT instance against tmpl with paramv already
// resolved and depc empty dependency slots pending AddDependence
// calls. The instance starts UNINITIALIZED until every one of its depc
// slots has been both added and satisfied.
func NewInstance(id guid.GUID, tmpl *Template, paramv []uint64, outputEvent, finishScope guid.GUID) (*Instance, error) {
	if uint32(len(paramv)) != tmpl.ParamC {
		return nil, fmt.Errorf("edt: template %s expects paramc=%d, got %d", tmpl.Name, tmpl.ParamC, len(paramv))
	}
	inst := &Instance{
		GUID:        id,
		Template:    tmpl,
		state:       Uninitialized,
		paramv:      paramv,
		deps:        make([]slot, tmpl.DepC),
		remaining:   int32(tmpl.DepC),
		outputEvent: outputEvent,
		finishScope: finishScope,
	}
	if tmpl.DepC == 0 {
		inst.state = Ready
	}
	return inst, nil
}

// AddDependence records that slot i will be satisfied under mode
// before the EDT can run (section 6's ocrAddDependence).
func (i *Instance) AddDependence(idx uint32, dep guid.GUID, mode message.AcquireMode) status.Code {
	i.mu.Lock()
	defer i.mu.Unlock()
	if idx >= uint32(len(i.deps)) {
		return status.EINVAL
	}
	i.deps[idx].guid = dep
	i.deps[idx].mode = mode
	return status.OK
}

// Satisfy fills slot idx with payload, returning true exactly once —
// when this was the last unfilled slot and the EDT transitions to
// READY and should be handed to the scheduler (section 4.6).
func (i *Instance) Satisfy(idx uint32, payload []byte) (becameReady bool, code status.Code) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if idx >= uint32(len(i.deps)) {
		return false, status.EINVAL
	}
	if i.deps[idx].filled {
		return false, status.EPERM
	}
	i.deps[idx].filled = true
	i.deps[idx].payload = payload
	i.remaining--
	if i.remaining == 0 && i.state == Uninitialized {
		i.state = Ready
		return true, status.OK
	}
	return false, status.OK
}

// State returns the instance's current lifecycle stage.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// MarkRunning transitions READY -> RUNNING; an EDT runs at most once
// per creation (property P6), enforced by rejecting a second call.
func (i *Instance) MarkRunning() status.Code {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != Ready {
		return status.EPERM
	}
	i.state = Running
	return status.OK
}

// Run invokes the template function with the resolved parameter and
// dependency vectors, then transitions to DONE. Must be called after
// MarkRunning succeeds. Returns the GUID to satisfy the output event
// with.
func (i *Instance) Run() (outputPayload guid.GUID, outputEvent guid.GUID, finishScope guid.GUID) {
	i.mu.Lock()
	depv := make([]Dependence, len(i.deps))
	for idx, d := range i.deps {
		depv[idx] = Dependence{GUID: d.guid, Mode: d.mode, Payload: d.payload}
	}
	paramv := i.paramv
	fn := i.Template.Func
	oe := i.outputEvent
	fs := i.finishScope
	i.mu.Unlock()

	result := fn(paramv, depv)

	i.mu.Lock()
	i.state = Done
	i.mu.Unlock()

	return result, oe, fs
}

// ParamV returns the EDT's resolved parameter vector, read when an
// MD_MOVE hand-off (internal/sched's MaybeRebalance) needs to carry an
// already-placed instance's arguments to another PD.
func (i *Instance) ParamV() []uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.paramv
}

// Deps snapshots every dependency slot's resolved payload, read by an
// MD_MOVE hand-off so the destination PD can reconstruct the instance
// without re-running dependence resolution for slots already filled
// here.
func (i *Instance) Deps() []Dependence {
	i.mu.Lock()
	defer i.mu.Unlock()
	depv := make([]Dependence, len(i.deps))
	for idx, d := range i.deps {
		depv[idx] = Dependence{GUID: d.guid, Mode: d.mode, Payload: d.payload}
	}
	return depv
}

// NewMigratedInstance reconstructs an EDT that arrived via MD_MOVE.
// Unlike NewInstance, every slot is already resolved (the mover only
// migrates an instance once it is READY), so the instance starts
// READY instead of waiting on further AddDependence/Satisfy calls.
func NewMigratedInstance(id guid.GUID, tmpl *Template, paramv []uint64, deps []Dependence, outputEvent, finishScope guid.GUID) *Instance {
	slots := make([]slot, len(deps))
	for idx, d := range deps {
		slots[idx] = slot{guid: d.GUID, mode: d.Mode, payload: d.Payload, filled: true}
	}
	return &Instance{
		GUID:        id,
		Template:    tmpl,
		state:       Ready,
		paramv:      paramv,
		deps:        slots,
		outputEvent: outputEvent,
		finishScope: finishScope,
	}
}

// OutputEvent returns the GUID of the event this EDT's completion
// satisfies (NullGUID if none was requested at creation).
func (i *Instance) OutputEvent() guid.GUID {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.outputEvent
}

// FinishScope returns the parent finish-latch GUID this instance
// counts against, or NullGUID if it was created outside any finish
// scope.
func (i *Instance) FinishScope() guid.GUID {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.finishScope
}
