package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/open-community-runtime/ocr/internal/clog"
	"github.com/open-community-runtime/ocr/internal/edt"
	"github.com/open-community-runtime/ocr/internal/event"
	"github.com/open-community-runtime/ocr/internal/guid"
	"github.com/open-community-runtime/ocr/internal/message"
	"github.com/open-community-runtime/ocr/internal/pd"
	"github.com/open-community-runtime/ocr/internal/status"
)

func drain(t *testing.T, p *pd.PD) {
	t.Helper()
	for {
		inst := p.GetWork(0)
		if inst == nil {
			return
		}
		require.Equal(t, status.OK, inst.MarkRunning())
		payload, oe, fs := inst.Run()
		p.Notify(inst, payload, oe, fs)
	}
}

func TestEventCreateSatisfyRunsDependentEDT(t *testing.T) {
	r := New(pd.New(0, 1, nil, clog.New("test")))

	ran := make(chan []byte, 1)
	tmplID, code := r.EdtTemplateCreate("echo", func(_ []uint64, depv []edt.Dependence) guid.GUID {
		ran <- depv[0].Payload
		return guid.NullGUID
	}, 0, 1)
	require.True(t, code.OK())

	evtID, code := r.EventCreate(EventParams{Kind: event.KindOnce})
	require.True(t, code.OK())

	edtID, code := r.EdtCreate(EdtCreateParams{Template: tmplID})
	require.True(t, code.OK())

	require.True(t, r.AddDependence(evtID, edtID, 0, message.ModeRO).OK())

	dbID, code := r.DbCreate(DbCreateParams{Size: 3})
	require.True(t, code.OK())
	db, ok := r.PD.LookupBlock(dbID)
	require.True(t, ok)
	copy(db.Payload(), []byte("hi!"))

	require.True(t, r.EventSatisfy(evtID, dbID).OK())

	drain(t, r.PD)

	select {
	case got := <-ran:
		require.Equal(t, []byte("hi!"), got)
	case <-time.After(time.Second):
		t.Fatal("EDT never ran")
	}
}

func TestEdtDependingDirectlyOnDbIsSatisfiedImmediately(t *testing.T) {
	r := New(pd.New(0, 1, nil, clog.New("test")))

	ran := make(chan []byte, 1)
	tmplID, code := r.EdtTemplateCreate("reader", func(_ []uint64, depv []edt.Dependence) guid.GUID {
		ran <- depv[0].Payload
		return guid.NullGUID
	}, 0, 1)
	require.True(t, code.OK())

	dbID, code := r.DbCreate(DbCreateParams{Size: 5, SingleAssignment: true})
	require.True(t, code.OK())
	db, ok := r.PD.LookupBlock(dbID)
	require.True(t, ok)
	copy(db.Payload(), []byte("glob*"))

	edtID, code := r.EdtCreate(EdtCreateParams{Template: tmplID})
	require.True(t, code.OK())

	require.True(t, r.AddDependence(dbID, edtID, 0, message.ModeConst).OK())

	drain(t, r.PD)

	select {
	case got := <-ran:
		require.Equal(t, []byte("glob*"), got)
	case <-time.After(time.Second):
		t.Fatal("EDT depending directly on a DB should have been scheduled immediately")
	}
}

func TestEventSatisfySlotDrivesLatch(t *testing.T) {
	r := New(pd.New(0, 1, nil, clog.New("test")))

	fired := make(chan struct{}, 1)
	tmplID, code := r.EdtTemplateCreate("onFinish", func(_ []uint64, _ []edt.Dependence) guid.GUID {
		fired <- struct{}{}
		return guid.NullGUID
	}, 0, 0)
	require.True(t, code.OK())

	latchID, code := r.EventCreate(EventParams{Kind: event.KindLatch})
	require.True(t, code.OK())

	_, code = r.EdtCreate(EdtCreateParams{Template: tmplID, FinishScope: latchID})
	require.True(t, code.OK())

	require.True(t, r.EventSatisfySlot(latchID, guid.NullGUID, 0).OK())
	drain(t, r.PD)
	<-fired

	require.True(t, r.EventSatisfySlot(latchID, guid.NullGUID, 1).OK())
	require.True(t, r.EventDestroy(latchID).OK())
}

func TestDbCreateReleaseDestroy(t *testing.T) {
	r := New(pd.New(0, 1, nil, clog.New("test")))

	dbID, code := r.DbCreate(DbCreateParams{Size: 16})
	require.True(t, code.OK())

	size, err := r.DbGetSize(dbID)
	require.NoError(t, err)
	require.Equal(t, uint64(16), size)

	require.True(t, r.DbRelease(dbID).OK())
	require.True(t, r.DbDestroy(dbID).OK())

	_, err = r.DbGetSize(dbID)
	require.Error(t, err)
}

func TestShutdownInvokesRLNotify(t *testing.T) {
	p := pd.New(0, 1, nil, clog.New("test"))
	notified := make(chan message.RunlevelArgs, 1)
	p.RLNotify = func(args message.RunlevelArgs) status.Code {
		notified <- args
		return status.OK
	}
	r := New(p)

	require.True(t, r.Shutdown(0).OK())
	select {
	case args := <-notified:
		require.False(t, args.BringUp)
		require.True(t, args.Barrier)
	case <-time.After(time.Second):
		t.Fatal("RLNotify was never invoked")
	}
}
