// Package worker implements the comm/compute worker pair of section
// 4.7 and 9: one comm worker per PD draining outgoing messages and
// dispatching incoming ones, while compute workers pull EDTs from the
// scheduler and execute them. Comm workers never block on user work;
// only compute workers park (via internal/strand).
//
// Grounded on cmd/coordinator/coordinator.go and cmd/worker/worker.go's
// signal-driven main loop (select over a done channel, clean shutdown
// on SIGTERM) generalized from "one external signal ends the process"
// to "a runlevel-driven quiesce flag ends one worker's loop."
package worker

import (
	"context"
	"time"

	"github.com/open-community-runtime/ocr/internal/clog"
	"github.com/open-community-runtime/ocr/internal/edt"
	"github.com/open-community-runtime/ocr/internal/guid"
	"github.com/open-community-runtime/ocr/internal/status"
)

// idleBackoff is how long a compute worker sleeps after finding no
// work before retrying getWork, avoiding a hot spin on an empty PD.
const idleBackoff = 200 * time.Microsecond

// EDTRunner is the scheduler-facing surface a compute worker needs:
// fetch the next ready EDT for this worker index, and report a
// completed one back (section 4.7's SCHED_NOTIFY(EDT_DONE)).
type EDTRunner interface {
	GetWork(workerIndex int) *edt.Instance
	Notify(inst *edt.Instance, outputPayload, outputEvent, finishScope guid.GUID)
}

// ComputeWorker runs the getWork -> execute -> notify loop of section
// 4.7. Blessed only marks the blessed PD's first compute worker; the
// user's mainEdt is created by cmd/ocrd (bringUpMainEdt) after
// bring-up, not by the worker.
type ComputeWorker struct {
	Index   int
	Blessed bool

	runner EDTRunner
	log    *clog.CLogger

	quiesced bool
}

// NewComputeWorker creates a compute worker bound to runner.
func NewComputeWorker(index int, blessed bool, runner EDTRunner, log *clog.CLogger) *ComputeWorker {
	return &ComputeWorker{Index: index, Blessed: blessed, runner: runner, log: log}
}

// Run drives the loop until ctx is cancelled or Quiesce is called.
// Quiesce is checked between iterations rather than mid-EDT: an EDT
// that already started always runs to completion (property P6).
func (w *ComputeWorker) Run(ctx context.Context) {
	for {
		if w.quiesced {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		inst := w.runner.GetWork(w.Index)
		if inst == nil {
			time.Sleep(idleBackoff)
			continue
		}

		if code := inst.MarkRunning(); code != status.OK {
			w.log.Warnf("worker %d: EDT %s not runnable (%s)", w.Index, inst.GUID, code)
			continue
		}

		payload, outputEvent, finishScope := inst.Run()
		w.runner.Notify(inst, payload, outputEvent, finishScope)
	}
}

// Quiesce stops this worker from picking further EDTs; called during
// the USER_OK COMP_QUIESCE tear-down phase before the comm worker
// quiesces (section 4.7: "compute workers quiesce first").
func (w *ComputeWorker) Quiesce() {
	w.quiesced = true
}
