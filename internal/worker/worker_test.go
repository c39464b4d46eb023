package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/open-community-runtime/ocr/internal/clog"
	"github.com/open-community-runtime/ocr/internal/edt"
	"github.com/open-community-runtime/ocr/internal/guid"
	"github.com/open-community-runtime/ocr/internal/message"
	"github.com/open-community-runtime/ocr/internal/sched"
	"github.com/open-community-runtime/ocr/internal/strand"
	"github.com/open-community-runtime/ocr/internal/transport"
)

type fakeRunner struct {
	mu        sync.Mutex
	work      []*edt.Instance
	notified  []guid.GUID
	notifyCh  chan guid.GUID
}

func (f *fakeRunner) GetWork(_ int) *edt.Instance {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.work) == 0 {
		return nil
	}
	inst := f.work[0]
	f.work = f.work[1:]
	return inst
}

func (f *fakeRunner) Notify(inst *edt.Instance, _, _, _ guid.GUID) {
	f.mu.Lock()
	f.notified = append(f.notified, inst.GUID)
	f.mu.Unlock()
	if f.notifyCh != nil {
		f.notifyCh <- inst.GUID
	}
}

func TestComputeWorkerRunsQueuedEDTAndNotifies(t *testing.T) {
	tmpl := &edt.Template{Name: "noop", Func: func(_ []uint64, _ []edt.Dependence) guid.GUID { return guid.NullGUID }}
	id := guid.GUID{Kind: guid.KindEDT, Seq: 1}
	inst, err := edt.NewInstance(id, tmpl, nil, guid.NullGUID, guid.NullGUID)
	require.NoError(t, err)

	runner := &fakeRunner{work: []*edt.Instance{inst}, notifyCh: make(chan guid.GUID, 1)}
	w := NewComputeWorker(0, false, runner, clog.New("test"))

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	select {
	case got := <-runner.notifyCh:
		require.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for EDT completion notification")
	}
	cancel()
}

type fakeDispatcher struct {
	count  atomic.Int64
	readyC chan struct{}
}

func (f *fakeDispatcher) DispatchInbound(_ *message.Message, _ interface{}) {
	f.count.Add(1)
	if f.readyC != nil {
		f.readyC <- struct{}{}
	}
}

func (f *fakeDispatcher) DispatchResponse(_ *message.Message) {}

func TestCommWorkerDispatchesFreshRequest(t *testing.T) {
	log := clog.New("test")
	srv := transport.NewPlatform(1, "127.0.0.1:0", log)
	require.NoError(t, srv.Listen())
	defer srv.Close()

	cli := transport.NewPlatform(2, "", log)
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, cli.Dial(ctx, 1, srv.Addr()))

	disp := &fakeDispatcher{readyC: make(chan struct{}, 1)}
	cw := NewCommWorker(srv, sched.NewCommQueue(4), strand.NewManager(), disp, log)
	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	go cw.Run(runCtx)

	req := message.NewRequest(message.EvtSatisfy, 2, 1, 7, message.Body{Target: guid.GUID{Kind: guid.KindEvent, Seq: 1}})
	require.NoError(t, cli.Send(1, req, transport.Persistent))

	select {
	case <-disp.readyC:
		require.Equal(t, int64(1), disp.count.Load())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for comm worker to dispatch inbound request")
	}
}
