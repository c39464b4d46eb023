package datablock

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/open-community-runtime/ocr/internal/guid"
	"github.com/open-community-runtime/ocr/internal/message"
	"github.com/open-community-runtime/ocr/internal/status"
)

func edtGUID(seq uint64) guid.GUID {
	return guid.GUID{Kind: guid.KindEDT, Seq: seq}
}

func TestLocalAcquireGrantsReadersInPrime(t *testing.T) {
	db := NewMaster(guid.GUID{Kind: guid.KindDB, Seq: 1}, 0, 16, []byte("0123456789012345"), FlagNone)
	// release the creator's implicit acquire to model a DB nobody is
	// currently holding, the way LocalRelease drops it to PRIME/RO.
	_, _, code := db.LocalRelease()
	require.True(t, code.OK())

	res := db.LocalAcquire(Waiter{EDT: edtGUID(1), Mode: message.ModeRO}, nil)
	require.True(t, res.Status.OK())
	require.Equal(t, []byte("0123456789012345"), res.Payload)

	_, mode, users := db.Snapshot()
	require.Equal(t, message.ModeRO, mode)
	require.Equal(t, int32(1), users)
}

func TestSingleAssignmentRejectsSecondWriter(t *testing.T) {
	db := NewMaster(guid.GUID{Kind: guid.KindDB, Seq: 2}, 0, 8, make([]byte, 8), FlagSingleAssignment)
	// the creator's own implicit acquire is the single write; release it
	// before a second writer tries for the slot.
	_, _, code := db.LocalRelease()
	require.True(t, code.OK())

	res2 := db.LocalAcquire(Waiter{EDT: edtGUID(2), Mode: message.ModeEW}, nil)
	require.Equal(t, status.EPERM, res2.Status)
}

func TestLocalReleaseDrainsWriterBeforeReaders(t *testing.T) {
	db := NewMaster(guid.GUID{Kind: guid.KindDB, Seq: 3}, 0, 8, make([]byte, 8), FlagNone)
	// the creator's implicit acquire already holds the lone EW slot

	roWaiter := Waiter{EDT: edtGUID(2), Mode: message.ModeRO, Ready: make(chan AcquireResult, 1)}
	rwWaiter := Waiter{EDT: edtGUID(3), Mode: message.ModeRW, Ready: make(chan AcquireResult, 1)}
	require.Equal(t, status.EPEND, db.LocalAcquire(roWaiter, nil).Status)
	require.Equal(t, status.EPEND, db.LocalAcquire(rwWaiter, nil).Status)

	granted, _, code := db.LocalRelease()
	require.True(t, code.OK())
	// RW drains first; PRIME/RW then also admits the queued RO reader.
	require.Len(t, granted, 2)
	require.Equal(t, edtGUID(3), granted[0].EDT, "RW should drain before RO per writer-priority order")
}

func TestRemoteAcquireGrantsThenDefersConflicting(t *testing.T) {
	db := NewMaster(guid.GUID{Kind: guid.KindDB, Seq: 4}, 0, 8, make([]byte, 8), FlagNone)
	db.mode = message.ModeRO
	db.state = StatePrime

	grant, payload, wb := db.RemoteAcquire(RemoteRequest{Loc: 1, MsgID: 100, Mode: message.ModeRO})
	require.True(t, grant)
	require.NotNil(t, payload)
	require.False(t, wb)

	grant2, _, _ := db.RemoteAcquire(RemoteRequest{Loc: 2, MsgID: 101, Mode: message.ModeEW})
	require.False(t, grant2, "writer request against a shared reader state must defer")
}

func TestRemoteReleaseWriteBackReplacesPayloadWithEmptyQueue(t *testing.T) {
	db := NewMaster(guid.GUID{Kind: guid.KindDB, Seq: 5}, 0, 4, []byte{1, 2, 3, 4}, FlagNone)
	db.mode = message.ModeRO
	db.state = StatePrime

	grant, _, _ := db.RemoteAcquire(RemoteRequest{Loc: 1, MsgID: 1, Mode: message.ModeEW})
	require.True(t, grant)

	resumeLocal, resumeRemote := db.RemoteRelease(1, []byte{9, 9, 9, 9}, true)
	require.Empty(t, resumeLocal)
	require.Empty(t, resumeRemote)

	_, payload, _ := db.RemoteAcquire(RemoteRequest{Loc: 2, MsgID: 2, Mode: message.ModeRO})
	require.Equal(t, []byte{9, 9, 9, 9}, payload)
}

func TestDestroyProtocolWaitsForAllAcks(t *testing.T) {
	db := NewMaster(guid.GUID{Kind: guid.KindDB, Seq: 6}, 0, 4, make([]byte, 4), FlagNone)
	_, _, code := db.LocalRelease()
	require.True(t, code.OK())
	db.clones[1] = true
	db.clones[2] = true

	targets := db.MarkFreeRequested()
	require.Len(t, targets, 2)

	require.False(t, db.AckDestroy(1))
	require.True(t, db.AckDestroy(2))
}

func TestInvalidateRefusedWhileUsersOutstanding(t *testing.T) {
	db := NewSlave(guid.GUID{Kind: guid.KindDB, Seq: 7}, 0)
	db.isLazy = true
	db.numUsers = 1

	ok, code := db.Invalidate(1)
	require.False(t, ok)
	require.Equal(t, status.EBUSY, code)
}
