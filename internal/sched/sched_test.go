package sched

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/open-community-runtime/ocr/internal/edt"
	"github.com/open-community-runtime/ocr/internal/guid"
	"github.com/open-community-runtime/ocr/internal/message"
)

func TestGetWorkPrefersOwnTailThenSteals(t *testing.T) {
	pool := NewPool(2)
	tmpl := &edt.Template{Name: "noop", Func: func(_ []uint64, _ []edt.Dependence) guid.GUID { return guid.NullGUID }}
	inst, err := edt.NewInstance(guid.GUID{Kind: guid.KindEDT, Seq: 1}, tmpl, nil, guid.NullGUID, guid.NullGUID)
	require.NoError(t, err)

	pool.Pile(1).PushTail(inst)
	require.Nil(t, pool.Pile(0).PopTail())

	got := pool.GetWork(0)
	require.NotNil(t, got, "worker 0 should steal worker 1's ready EDT")
	require.Equal(t, inst.GUID, got.GUID)
}

func TestPlacerRoundRobinsWithoutHint(t *testing.T) {
	p := NewPlacer(0, []guid.Location{1, 2})
	first := p.Place(nil, guid.NullGUID)
	second := p.Place(nil, guid.NullGUID)
	_ = p.Place(nil, guid.NullGUID)
	// three known locations (self plus two neighbors): the fourth call wraps
	fourth := p.Place(nil, guid.NullGUID)
	require.NotEqual(t, first, second)
	require.Equal(t, first, fourth)
}

func TestPlacerHonorsAffinityHint(t *testing.T) {
	p := NewPlacer(0, []guid.Location{1, 2})
	hint := guid.Location(2)
	require.Equal(t, guid.Location(2), p.Place(&hint, guid.NullGUID))
}

func TestPlacerStickToFinishScopeWithoutHint(t *testing.T) {
	p := NewPlacer(0, []guid.Location{1, 2})
	scope := guid.GUID{Kind: guid.KindEvent, Seq: 9}
	first := p.Place(nil, scope)
	second := p.Place(nil, scope)
	require.Equal(t, first, second, "siblings of the same finish scope should colocate")
}

func TestCommQueueDrainsFIFO(t *testing.T) {
	q := NewCommQueue(4)
	require.Nil(t, q.TryPull())

	first := &message.Message{Header: message.Header{MsgID: 1}}
	second := &message.Message{Header: message.Header{MsgID: 2}}
	q.Push(first)
	q.Push(second)
	require.Same(t, first, q.TryPull())
	require.Same(t, second, q.TryPull())
	require.Nil(t, q.TryPull())
}

func TestMaybeRebalancePrefersLeastLoadedWhenFarBelowLocal(t *testing.T) {
	p := NewPlacer(0, []guid.Location{1, 2})
	dest, ok := p.MaybeRebalance(10, p.Candidates())
	require.True(t, ok, "an idle remote candidate well below local load should win")
	require.Equal(t, guid.Location(1), dest, "both candidates start at load 0; the first known wins ties")
}

func TestMaybeRebalanceDeclinesWhenCandidatesAreLoaded(t *testing.T) {
	p := NewPlacer(0, []guid.Location{1, 2})
	p.IncLoad(1)
	p.IncLoad(2)
	_, ok := p.MaybeRebalance(1, p.Candidates())
	require.False(t, ok, "no candidate is under half of a local load of 1")
}

func TestIncDecLoadRoundTrips(t *testing.T) {
	p := NewPlacer(0, []guid.Location{1})
	p.IncLoad(1)
	p.IncLoad(1)
	p.DecLoad(1)
	cands := p.Candidates()
	require.Len(t, cands, 1)
	require.Equal(t, int32(1), cands[0].Load)
}

func TestPoolTotalLoadSumsEveryPile(t *testing.T) {
	pool := NewPool(2)
	tmpl := &edt.Template{Name: "noop", Func: func(_ []uint64, _ []edt.Dependence) guid.GUID { return guid.NullGUID }}
	inst1, err := edt.NewInstance(guid.GUID{Kind: guid.KindEDT, Seq: 1}, tmpl, nil, guid.NullGUID, guid.NullGUID)
	require.NoError(t, err)
	inst2, err := edt.NewInstance(guid.GUID{Kind: guid.KindEDT, Seq: 2}, tmpl, nil, guid.NullGUID, guid.NullGUID)
	require.NoError(t, err)
	pool.Pile(0).PushTail(inst1)
	pool.Pile(1).PushTail(inst2)
	require.Equal(t, int32(2), pool.TotalLoad())
}
