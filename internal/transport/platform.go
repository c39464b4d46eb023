// Package transport implements the comm platform contract of section
// 4.3: non-blocking send, probe, and matched receive, bound to gRPC
// bidirectional streams between neighboring policy domains. Listening
// starts at NETWORK_OK bring-up; one persistent stream is dialed to
// every configured neighbor by cmd/ocrd once bring-up has completed,
// so it is not tied to a runlevel. Sends are queued onto a
// per-peer channel so Send never blocks the calling worker past local
// buffering (the non-blocking contract the comm worker's drain loop,
// internal/worker, depends on).
//
// Grounded on components/coordinator.go's openGrpcClient/PublishAction
// pair (one gRPC connection per remote party, a goroutine reading
// stream.Recv() in a loop) generalized from one sidecar connection to
// one connection per neighbor PD, and on the send-queue /
// completion-queue split in aistore's transport package (workCh feeding
// a sendLoop goroutine, decoupling the caller from the wire).
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/open-community-runtime/ocr/internal/clog"
	"github.com/open-community-runtime/ocr/internal/guid"
	"github.com/open-community-runtime/ocr/internal/handlepool"
	"github.com/open-community-runtime/ocr/internal/message"
)

// SendMode controls buffer ownership on send (section 4.3).
type SendMode int

const (
	// Persistent: the platform may keep the message until completion;
	// the default mode, used for most traffic.
	Persistent SendMode = iota
	// Transient: the platform must copy the message on send since the
	// caller may reuse or free its buffer immediately after Send returns.
	Transient
)

// Inbound is a received message paired with the peer it arrived from.
type Inbound struct {
	From guid.Location
	Msg  *message.Message
}

// Platform is one PD's comm platform binding: a gRPC server accepting
// neighbor streams, and a gRPC client stream dialed out to every
// neighbor named in the PD's config.
type Platform struct {
	loc  guid.Location
	log  *clog.CLogger
	addr string

	mu    sync.RWMutex
	peers map[guid.Location]*peerConn

	server   *grpc.Server
	listener net.Listener

	// inbox is the always-pre-posted wildcard receive: every inbound
	// message from any peer lands here first (section 4.3: "pre-posted
	// fixed-size receives that fire without a probe round-trip").
	inbox chan Inbound

	// waiters holds the matched-receive tickets keyed by msgId (section
	// 4.2's "move-between-pools" handle pool for a request/response
	// rendezvous keyed by tag; here a single pool since the platform
	// itself plays both the send and recv sides of this particular
	// ticket).
	waiters *handlepool.Pool

	closing chan struct{}
	wg      sync.WaitGroup
}

type peerConn struct {
	loc    guid.Location
	conn   *grpc.ClientConn
	stream grpc.ClientStream
	sendCh chan *message.Message
	mu     sync.Mutex // serializes stream.SendMsg calls
}

// NewPlatform creates a comm platform for the PD at loc, listening on
// addr for inbound neighbor streams. addr may be empty for PDs that
// only dial out (tests with an in-process fake transport use neither).
func NewPlatform(loc guid.Location, addr string, log *clog.CLogger) *Platform {
	return &Platform{
		loc:     loc,
		log:     log,
		addr:    addr,
		peers:   make(map[guid.Location]*peerConn),
		inbox:   make(chan Inbound, 256),
		waiters: handlepool.New(16),
		closing: make(chan struct{}),
	}
}

// Listen starts accepting neighbor streams. Call during NETWORK_OK
// bring-up before dialing peers, so an earlier-starting neighbor can
// connect to us immediately.
func (p *Platform) Listen() error {
	if p.addr == "" {
		return nil
	}
	lis, err := net.Listen("tcp", p.addr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", p.addr, err)
	}
	p.listener = lis

	srv := grpc.NewServer()
	handler := &streamServerHandler{rx: p.serveStream}
	srv.RegisterService(newServiceDesc(handler), nil)
	p.server = srv

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		_ = srv.Serve(lis)
	}()
	return nil
}

// serveStream reads every frame off an accepted neighbor stream and
// delivers it to the inbox or to a waiting matched-receive channel.
func (p *Platform) serveStream(stream grpc.ServerStream) error {
	for {
		var f frame
		if err := stream.RecvMsg(&f); err != nil {
			return err
		}
		msg, err := message.Unmarshal(f.Data)
		if err != nil {
			p.log.Errorf("transport: bad frame from stream: %v", err)
			continue
		}
		p.deliver(msg)
	}
}

func (p *Platform) deliver(msg *message.Message) {
	if h, idx, ok := p.waiters.FindByID(msg.Header.MsgID); ok {
		p.waiters.Remove(idx)
		h.Request.(chan *message.Message) <- msg
		return
	}
	select {
	case p.inbox <- Inbound{From: msg.Header.SrcLoc, Msg: msg}:
	case <-p.closing:
	}
}

// Dial opens the persistent bidi stream to a neighbor, retrying with
// exponential backoff (section "NETWORK_OK" bring-up can race a
// neighbor that hasn't started listening yet).
func (p *Platform) Dial(ctx context.Context, loc guid.Location, addr string) error {
	var conn *grpc.ClientConn
	op := func() error {
		var err error
		conn, err = grpc.DialContext(ctx, addr,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithBlock(),
		)
		return err
	}
	b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return fmt.Errorf("transport: dial %s: %w", addr, err)
	}

	stream, err := conn.NewStream(ctx, &grpc.StreamDesc{StreamName: streamMethod, ServerStreams: true, ClientStreams: true},
		fullStreamMethod(), grpc.CallContentSubtype(codecName))
	if err != nil {
		conn.Close()
		return fmt.Errorf("transport: open stream to %s: %w", addr, err)
	}

	pc := &peerConn{loc: loc, conn: conn, stream: stream, sendCh: make(chan *message.Message, 256)}
	p.mu.Lock()
	p.peers[loc] = pc
	p.mu.Unlock()

	p.wg.Add(2)
	go p.sendLoop(pc)
	go p.recvLoop(pc)
	return nil
}

func (p *Platform) sendLoop(pc *peerConn) {
	defer p.wg.Done()
	for {
		select {
		case msg, ok := <-pc.sendCh:
			if !ok {
				return
			}
			data, err := message.Marshal(msg)
			if err != nil {
				p.log.Errorf("transport: marshal to %d: %v", pc.loc, err)
				continue
			}
			pc.mu.Lock()
			err = pc.stream.SendMsg(&frame{Data: data})
			pc.mu.Unlock()
			if err != nil {
				p.log.Errorf("transport: send to %d: %v", pc.loc, err)
			}
		case <-p.closing:
			return
		}
	}
}

func (p *Platform) recvLoop(pc *peerConn) {
	defer p.wg.Done()
	for {
		var f frame
		if err := pc.stream.RecvMsg(&f); err != nil {
			return
		}
		msg, err := message.Unmarshal(f.Data)
		if err != nil {
			p.log.Errorf("transport: bad frame from %d: %v", pc.loc, err)
			continue
		}
		p.deliver(msg)
	}
}

// Send queues msg for delivery to dst without blocking the caller past
// local buffering. In Transient mode the message is deep-copied first
// since the caller may reuse its buffer the instant Send returns; in
// Persistent mode (the default) the platform may retain the caller's
// value until the send completes.
func (p *Platform) Send(dst guid.Location, msg *message.Message, mode SendMode) error {
	p.mu.RLock()
	pc, ok := p.peers[dst]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("transport: no connection to location %d", dst)
	}

	out := msg
	if mode == Transient {
		cp := *msg
		cp.Payload = append([]byte(nil), msg.Payload...)
		out = &cp
	}

	select {
	case pc.sendCh <- out:
		return nil
	case <-p.closing:
		return fmt.Errorf("transport: closing")
	}
}

// AwaitResponse registers a matched-receive waiter for msgId and
// returns a channel the caller (a strand continuation, see
// internal/strand) can select on. Exactly one message will arrive on
// it, or it is abandoned on Close.
func (p *Platform) AwaitResponse(msgID uint64) <-chan *message.Message {
	ch := make(chan *message.Message, 1)
	p.waiters.Allocate(&handlepool.Handle{ID: msgID, Request: ch})
	return ch
}

// Probe performs a non-blocking check for the next unmatched inbound
// message on the wildcard channel (section 4.3: fixed-size receives
// pre-posted on a wildcard channel fire without a probe round-trip; in
// this binding that is simply a non-blocking channel receive).
func (p *Platform) Probe() (Inbound, bool) {
	select {
	case in := <-p.inbox:
		return in, true
	default:
		return Inbound{}, false
	}
}

// BlockingRecv waits up to timeout for the next inbound message; used
// by the comm worker's idle backoff rather than busy-polling Probe.
func (p *Platform) BlockingRecv(timeout time.Duration) (Inbound, bool) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case in := <-p.inbox:
		return in, true
	case <-t.C:
		return Inbound{}, false
	}
}

// Close tears down every neighbor connection and stops the server.
// Called by internal/runlevel's TransportComponent during NETWORK_OK
// tear-down, after USER_OK's quiesce phases have run.
func (p *Platform) Close() {
	close(p.closing)
	p.mu.Lock()
	for _, pc := range p.peers {
		close(pc.sendCh)
		if pc.conn != nil {
			pc.conn.Close()
		}
	}
	p.mu.Unlock()
	if p.server != nil {
		p.server.GracefulStop()
	}
	p.wg.Wait()
}

// Neighbors returns the set of currently connected peer locations.
func (p *Platform) Neighbors() []guid.Location {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]guid.Location, 0, len(p.peers))
	for loc := range p.peers {
		out = append(out, loc)
	}
	return out
}

// Location returns this platform's own PD location.
func (p *Platform) Location() guid.Location { return p.loc }

// Addr returns the address Listen actually bound to (useful when addr
// was "host:0" and the OS picked an ephemeral port). Empty if Listen
// hasn't been called or addr was empty.
func (p *Platform) Addr() string {
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}
