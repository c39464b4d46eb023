package event

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/open-community-runtime/ocr/internal/guid"
	"github.com/open-community-runtime/ocr/internal/status"
)

func dbGUID(seq uint64) guid.GUID {
	return guid.GUID{Kind: guid.KindDB, Home: 0, Seq: seq}
}

func TestOnceEventSatisfiesOnceAndDrains(t *testing.T) {
	e, err := New(guid.GUID{Kind: guid.KindEvent, Seq: 1}, KindOnce, nil)
	require.NoError(t, err)

	waiter := Waiter{EDT: guid.GUID{Kind: guid.KindEDT, Seq: 2}, Slot: 0}
	payload, ready := e.AddDependence(waiter)
	require.False(t, ready)
	require.Equal(t, guid.NullGUID, payload)

	ready2, code := e.Satisfy(dbGUID(9))
	require.True(t, code.OK())
	require.Equal(t, []Waiter{waiter}, ready2)

	_, code = e.Satisfy(dbGUID(10))
	require.Equal(t, status.EPERM, code)
}

func TestStickyEventReplaysPayloadToLateWaiters(t *testing.T) {
	e, err := New(guid.GUID{Kind: guid.KindEvent, Seq: 1}, KindSticky, nil)
	require.NoError(t, err)

	_, code := e.Satisfy(dbGUID(5))
	require.True(t, code.OK())

	payload, ready := e.AddDependence(Waiter{EDT: guid.GUID{Kind: guid.KindEDT, Seq: 3}})
	require.True(t, ready)
	require.Equal(t, dbGUID(5), payload)
}

func TestLatchFiresAtZero(t *testing.T) {
	e, err := New(guid.GUID{Kind: guid.KindEvent, Seq: 1}, KindLatch, nil)
	require.NoError(t, err)

	w := Waiter{EDT: guid.GUID{Kind: guid.KindEDT, Seq: 4}}
	e.AddDependence(w)

	fired, _ := e.LatchAdjust(2)
	require.False(t, fired)
	fired, waiters := e.LatchAdjust(-2)
	require.True(t, fired)
	require.Equal(t, []Waiter{w}, waiters)
}

func TestChannelPairsAddsWithSatisfiesByGeneration(t *testing.T) {
	e, err := New(guid.GUID{Kind: guid.KindEvent, Seq: 1}, KindChannel, ChannelParams{MaxGen: 2})
	require.NoError(t, err)

	w0 := Waiter{EDT: guid.GUID{Seq: 10}}
	_, ready := e.ChannelAdd(w0)
	require.False(t, ready)

	waiter, ok, err := e.ChannelSatisfy(dbGUID(1))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, w0, waiter)
}

func TestCollectiveReducesAfterAllContributions(t *testing.T) {
	e, err := New(guid.GUID{Kind: guid.KindEvent, Seq: 1}, KindCollective, CollectiveParams{
		MaxGen: 1, NbContribs: 3, Op: ReduceSum,
	})
	require.NoError(t, err)

	w := Waiter{EDT: guid.GUID{Seq: 20}}
	e.RegisterCollectiveWaiter(0, w)

	_, _, ready, err := e.Contribute(0, 1)
	require.NoError(t, err)
	require.False(t, ready)
	_, _, ready, err = e.Contribute(0, 1)
	require.NoError(t, err)
	require.False(t, ready)
	waiters, reduced, ready, err := e.Contribute(0, 1)
	require.NoError(t, err)
	require.True(t, ready)
	require.Equal(t, uint64(3), reduced)
	require.Equal(t, []Waiter{w}, waiters)
}
