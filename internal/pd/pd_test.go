package pd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/open-community-runtime/ocr/internal/edt"
	"github.com/open-community-runtime/ocr/internal/event"
	"github.com/open-community-runtime/ocr/internal/guid"
	"github.com/open-community-runtime/ocr/internal/message"
	"github.com/open-community-runtime/ocr/internal/status"

	"github.com/open-community-runtime/ocr/internal/clog"
)

// TestSinglePDOneEDTRunsOnceAfterOnceEventSatisfied models end-to-end
// scenario 1: a ONCE event gates an EDT with depc=1; satisfying the
// event with NULL_GUID must run the EDT exactly once.
func TestSinglePDOneEDTRunsOnceAfterOnceEventSatisfied(t *testing.T) {
	p := New(0, 1, nil, clog.New("test"))

	ran := make(chan struct{}, 1)
	tmpl := &edt.Template{
		Name:   "mainEdt",
		DepC:   1,
		Func: func(_ []uint64, _ []edt.Dependence) guid.GUID {
			ran <- struct{}{}
			return guid.NullGUID
		},
	}
	tmplID := p.GUIDs.Next(guid.KindTemplate)
	p.registerTemplate(tmplID, tmpl)

	createEvt := message.NewRequest(message.EvtCreate, 0, 0, p.nextMsgID(), message.Body{
		Mode: message.AcquireMode(event.KindOnce),
	})
	code, _ := p.ProcessMessage(createEvt, false)
	require.True(t, code.OK())
	evtID := createEvt.Body.Target

	createWork := message.NewRequest(message.WorkCreate, 0, 0, p.nextMsgID(), message.Body{
		Target2: tmplID,
	})
	code, _ = p.ProcessMessage(createWork, false)
	require.True(t, code.OK())
	edtID := createWork.Body.Target

	addDep := message.NewRequest(message.DepAdd, 0, 0, p.nextMsgID(), message.Body{
		Target: edtID, Target2: evtID, Slot: 0, Mode: message.ModeRO,
	})
	code, _ = p.ProcessMessage(addDep, false)
	require.True(t, code.OK())

	inst, ok := p.lookupInstance(edtID)
	require.True(t, ok)
	require.Equal(t, edt.Uninitialized, inst.State(), "EDT must stay gated until its dependency is satisfied")

	satisfy := message.NewRequest(message.EvtSatisfy, 0, 0, p.nextMsgID(), message.Body{
		Target: evtID, Target2: guid.NullGUID,
	})
	code, _ = p.ProcessMessage(satisfy, false)
	require.True(t, code.OK())

	go func() {
		for {
			w := p.GetWork(0)
			if w == nil {
				return
			}
			if w.MarkRunning() != status.OK {
				return
			}
			payload, oe, fs := w.Run()
			p.Notify(w, payload, oe, fs)
		}
	}()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("EDT never ran after its gating event was satisfied")
	}

	require.Eventually(t, func() bool { return inst.State() == edt.Done }, time.Second, time.Millisecond)
}

// TestScheduleReadyMigratesWhenLocalLoadIsHigh models the MD_MOVE
// load-balancing variant of section 4.4: a READY EDT with no
// finish-scope stickiness, arriving while this PD is heavily loaded
// and a known neighbor is idle, is handed off via METADATA_COMM
// instead of joining the local workpile.
func TestScheduleReadyMigratesWhenLocalLoadIsHigh(t *testing.T) {
	p := New(0, 1, []guid.Location{1}, clog.New("test"))

	tmpl := &edt.Template{Name: "noop", Func: func(_ []uint64, _ []edt.Dependence) guid.GUID { return guid.NullGUID }}
	tmplID := p.GUIDs.Next(guid.KindTemplate)
	tmpl.GUID = tmplID
	p.registerTemplate(tmplID, tmpl)

	for i := 0; i < 4; i++ {
		filler, err := edt.NewInstance(guid.GUID{Kind: guid.KindEDT, Seq: uint64(100 + i)}, tmpl, nil, guid.NullGUID, guid.NullGUID)
		require.NoError(t, err)
		p.pushLocal(filler)
	}

	inst, err := edt.NewInstance(guid.GUID{Kind: guid.KindEDT, Seq: 1}, tmpl, nil, guid.NullGUID, guid.NullGUID)
	require.NoError(t, err)
	p.registerInstance(inst.GUID, inst)
	p.scheduleReady(inst)

	msg := p.Comm.TryPull()
	require.NotNil(t, msg, "a heavily loaded PD should hand the EDT off via METADATA_COMM instead of running it locally")
	require.Equal(t, message.MetadataComm.Kind(), msg.Header.Type.Kind())
	require.Equal(t, guid.Location(1), msg.Header.DestLoc)

	_, stillLocal := p.lookupInstance(inst.GUID)
	require.False(t, stillLocal, "a migrated instance's local metadata should be forgotten")
}

// TestHandleMetadataCommReconstructsReadyInstance models the
// destination side of an MD_MOVE hand-off: an arriving METADATA_COMM
// carries a template GUID and gob-packed resolved dependency slots,
// and must reconstruct a READY instance ready to run without any
// further AddDependence/Satisfy calls.
func TestHandleMetadataCommReconstructsReadyInstance(t *testing.T) {
	p := New(1, 1, []guid.Location{0}, clog.New("test"))

	ran := make(chan struct{}, 1)
	tmpl := &edt.Template{
		Name: "moved",
		DepC: 1,
		Func: func(_ []uint64, depv []edt.Dependence) guid.GUID {
			require.Len(t, depv, 1)
			ran <- struct{}{}
			return guid.NullGUID
		},
	}
	tmplID := p.GUIDs.Next(guid.KindTemplate)
	tmpl.GUID = tmplID
	p.registerTemplate(tmplID, tmpl)

	deps := []edt.Dependence{{GUID: guid.GUID{Kind: guid.KindDB, Seq: 5}, Mode: message.ModeRO, Payload: []byte("hi")}}
	enc, err := edt.PackDeps(deps)
	require.NoError(t, err)

	comm := message.NewRequest(message.MetadataComm, 0, 1, p.nextMsgID(), message.Body{Target2: tmplID})
	comm.Payload = enc
	code, _ := p.ProcessMessage(comm, false)
	require.True(t, code.OK())

	inst, ok := p.lookupInstance(comm.Body.Target)
	require.True(t, ok)
	require.Equal(t, edt.Ready, inst.State())

	go func() {
		for {
			w := p.GetWork(0)
			if w == nil {
				return
			}
			if w.MarkRunning() != status.OK {
				return
			}
			payload, oe, fs := w.Run()
			p.Notify(w, payload, oe, fs)
		}
	}()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("migrated EDT never ran")
	}
}
