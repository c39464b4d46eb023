package runlevel

import (
	"context"

	"github.com/open-community-runtime/ocr/internal/clog"
	"github.com/open-community-runtime/ocr/internal/pd"
	"github.com/open-community-runtime/ocr/internal/transport"
)

// TransportComponent brings the gRPC comm platform up at NETWORK_OK
// and tears it down last, mirroring section 3's "NETWORK_OK: the
// comm platform can send/receive" gate. Dialing neighbors happens in
// cmd/ocrd right after bring-up, once every peer's Listen has had a
// chance to run.
type TransportComponent struct {
	Platform *transport.Platform
	log      *clog.CLogger
}

// NewTransportComponent wraps an already-constructed platform.
func NewTransportComponent(p *transport.Platform, log *clog.CLogger) *TransportComponent {
	return &TransportComponent{Platform: p, log: log}
}

func (t *TransportComponent) Name() string { return "transport" }

func (t *TransportComponent) SwitchRunlevel(_ context.Context, level Level, _ uint32, dir Direction) error {
	switch level {
	case NetworkOK:
		if dir == BringUp {
			return t.Platform.Listen()
		}
		t.Platform.Close()
	}
	return nil
}

// PDComponent has nothing to do at any level by itself — pd.PD has no
// background goroutines of its own — but registering it keeps PD_OK
// named in the controller's phase sequence per section 3, and gives
// cmd/ocrd a place to hang future PD-level bring-up work (e.g.
// installing predefined templates) without another package knowing
// about runlevel.Controller.
type PDComponent struct {
	PD *pd.PD
}

func NewPDComponent(p *pd.PD) *PDComponent {
	return &PDComponent{PD: p}
}

func (c *PDComponent) Name() string { return "pd" }

func (c *PDComponent) SwitchRunlevel(context.Context, Level, uint32, Direction) error {
	return nil
}

// WorkerRunner is the subset of worker.CommWorker / worker.ComputeWorker
// a runlevel component needs: start the loop in the background and
// request it stop.
type WorkerRunner interface {
	Run(ctx context.Context)
	Quiesce()
}

// WorkersComponent starts every comm and compute worker goroutine on
// entry to COMPUTE_OK and quiesces them on the corresponding USER_OK
// tear-down phases (compute first, then comm, per section 4.7).
type WorkersComponent struct {
	Comm    WorkerRunner
	Compute []WorkerRunner

	cancel context.CancelFunc
}

func NewWorkersComponent(comm WorkerRunner, compute []WorkerRunner) *WorkersComponent {
	return &WorkersComponent{Comm: comm, Compute: compute}
}

func (w *WorkersComponent) Name() string { return "workers" }

func (w *WorkersComponent) SwitchRunlevel(ctx context.Context, level Level, phase uint32, dir Direction) error {
	switch level {
	case ComputeOK:
		if dir == BringUp {
			// ctx is the phase barrier's errgroup context, which is
			// cancelled as soon as the barrier returns.
			runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			w.cancel = cancel
			go w.Comm.Run(runCtx)
			for _, c := range w.Compute {
				go c.Run(runCtx)
			}
		}
	case UserOK:
		if dir == TearDown {
			switch UserOKPhase(phase) {
			case PhaseCompQuiesce:
				for _, c := range w.Compute {
					c.Quiesce()
				}
			case PhaseCommQuiesce:
				w.Comm.Quiesce()
			case PhaseDone:
				if w.cancel != nil {
					w.cancel()
				}
			}
		}
	}
	return nil
}
