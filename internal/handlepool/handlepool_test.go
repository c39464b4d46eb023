package handlepool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocateAndFindByID(t *testing.T) {
	p := New(4)
	p.Allocate(&Handle{ID: 1, Request: "a"})
	p.Allocate(&Handle{ID: 2, Request: "b"})

	h, idx, ok := p.FindByID(2)
	require.True(t, ok)
	require.Equal(t, 1, idx)
	require.Equal(t, "b", h.Request)
}

func TestRemoveSwapsWithLastAndPatchesIndex(t *testing.T) {
	p := New(4)
	p.Allocate(&Handle{ID: 1})
	p.Allocate(&Handle{ID: 2})
	p.Allocate(&Handle{ID: 3})

	removed := p.Remove(0)
	require.Equal(t, uint64(1), removed.ID)
	require.Equal(t, 2, p.Len())

	h, idx, ok := p.FindByID(3)
	require.True(t, ok)
	require.Equal(t, 0, idx, "the last handle should have been swapped into the removed slot")
	require.Equal(t, idx, h.index)
}

func TestMoveToTransfersBetweenPools(t *testing.T) {
	send := New(2)
	recv := New(2)
	send.Allocate(&Handle{ID: 7, Request: "pending"})

	moved := send.MoveTo(recv, 0)
	require.NotNil(t, moved)
	require.Equal(t, 0, send.Len())
	require.Equal(t, 1, recv.Len())

	h, _, ok := recv.FindByID(7)
	require.True(t, ok)
	require.Equal(t, "pending", h.Request)
}

func TestEachVisitsASnapshot(t *testing.T) {
	p := New(2)
	p.Allocate(&Handle{ID: 1})
	p.Allocate(&Handle{ID: 2})

	var seen []uint64
	p.Each(func(h *Handle) { seen = append(seen, h.ID) })
	require.ElementsMatch(t, []uint64{1, 2}, seen)
}
