package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/open-community-runtime/ocr/internal/clog"
	"github.com/open-community-runtime/ocr/internal/message"
	"github.com/open-community-runtime/ocr/internal/sched"
	"github.com/open-community-runtime/ocr/internal/strand"
	"github.com/open-community-runtime/ocr/internal/transport"
)

// commIdleBackoff bounds how long the comm worker blocks on a platform
// receive before re-checking the outbound queue and quiesce flag.
const commIdleBackoff = 2 * time.Millisecond

// Dispatcher is the PD-dispatch surface a comm worker needs for a
// freshly arrived request (section 4.7: wrap it in a runtime
// processRequest EDT that invokes processMessage). Implemented by
// internal/pd.
type Dispatcher interface {
	DispatchInbound(msg *message.Message, from interface{})

	// DispatchResponse lets the PD act on a reply's contents before the
	// awaiting strand (if any) wakes, for response types that carry
	// state beyond "the awaited thing happened" (e.g. M_ACQUIRE's
	// pushed DB payload).
	DispatchResponse(msg *message.Message)
}

// CommWorker drains the PD's outbound comm queue and polls the
// transport platform for inbound messages, per section 4.7(b).
type CommWorker struct {
	platform *transport.Platform
	queue    *sched.CommQueue
	strands  *strand.Manager
	dispatch Dispatcher
	log      *clog.CLogger

	quiescing atomic.Bool
	inFlight  atomic.Int64
}

// NewCommWorker wires a comm worker to its platform, outbound queue,
// strand table, and dispatcher.
func NewCommWorker(p *transport.Platform, q *sched.CommQueue, strands *strand.Manager, d Dispatcher, log *clog.CLogger) *CommWorker {
	return &CommWorker{platform: p, queue: q, strands: strands, dispatch: d, log: log}
}

// Run drives (a) drain-and-send, (b) poll-and-dispatch until ctx is
// cancelled or, during quiesce, until every outstanding transfer has
// completed and the outbound queue is empty (property P5).
func (c *CommWorker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		drainedAny := false
		if m := c.queue.TryPull(); m != nil {
			drainedAny = true
			c.inFlight.Add(1)
			if err := c.platform.Send(m.Header.DestLoc, m, transport.Persistent); err != nil {
				c.log.Errorf("comm worker: send to %d failed: %v", m.Header.DestLoc, err)
			}
			c.inFlight.Add(-1)
		}

		if in, ok := c.platform.Probe(); ok {
			c.handleInbound(in)
		} else if !drainedAny {
			if in, ok := c.platform.BlockingRecv(commIdleBackoff); ok {
				c.handleInbound(in)
			}
		}

		if c.quiescing.Load() && !drainedAny && c.inFlight.Load() == 0 && c.strands.Count() == 0 {
			return
		}
	}
}

func (c *CommWorker) handleInbound(in transport.Inbound) {
	if in.Msg.Header.Type.IsResponse() {
		c.dispatch.DispatchResponse(in.Msg)
		c.strands.WakeAndForget(in.Msg.Header.MsgID)
		return
	}
	c.dispatch.DispatchInbound(in.Msg, in.From)
}

// Quiesce puts the comm worker into its COMM_QUIESCE tear-down mode
// (section 4.7): it keeps polling and sending already-queued traffic,
// and Run returns once the outbound queue is drained, no send is in
// flight and no strand awaits a reply. Pushes to the comm queue are not
// refused.
func (c *CommWorker) Quiesce() {
	c.quiescing.Store(true)
}
