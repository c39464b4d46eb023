package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/open-community-runtime/ocr/internal/clog"
	"github.com/open-community-runtime/ocr/internal/guid"
	"github.com/open-community-runtime/ocr/internal/message"
)

func TestPlatformSendProbeRoundTrip(t *testing.T) {
	log := clog.New("test")

	srv := NewPlatform(1, "127.0.0.1:0", log)
	require.NoError(t, srv.Listen())
	defer srv.Close()

	addr := srv.listener.Addr().String()

	cli := NewPlatform(2, "", log)
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, cli.Dial(ctx, 1, addr))

	req := message.NewRequest(message.DbAcquire, 2, 1, 42, message.Body{
		Target: guid.GUID{Kind: guid.KindDB, Home: 1, Seq: 7},
		Mode:   message.ModeRO,
	})
	require.NoError(t, cli.Send(1, req, Persistent))

	deadline := time.After(2 * time.Second)
	for {
		in, ok := srv.Probe()
		if ok {
			require.Equal(t, guid.Location(2), in.From)
			require.Equal(t, uint64(42), in.Msg.Header.MsgID)
			require.True(t, in.Msg.Header.Type.IsRequest())
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for inbound message")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSendModeTransientCopiesPayload(t *testing.T) {
	log := clog.New("test")
	p := NewPlatform(1, "", log)
	defer p.Close()

	pc := &peerConn{loc: 2, sendCh: make(chan *message.Message, 1)}
	p.mu.Lock()
	p.peers[2] = pc
	p.mu.Unlock()

	buf := []byte{1, 2, 3}
	msg := &message.Message{Payload: buf}
	require.NoError(t, p.Send(2, msg, Transient))

	sent := <-pc.sendCh
	buf[0] = 0xFF
	require.Equal(t, byte(1), sent.Payload[0], "transient send must not alias the caller's buffer")
}
