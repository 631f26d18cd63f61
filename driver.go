// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package cnode

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/cnode/handshake"
	"github.com/creachadair/cnode/wire"
	"github.com/creachadair/taskgroup"
)

// DefaultIdleTimeout is the idle-read timeout applied to authenticated
// connections when the caller does not specify one. Peers send keepalive
// ticks well inside this interval.
const DefaultIdleTimeout = 60 * time.Second

// maxCookieLen bounds the shared cookie, which must fit in an atom.
const maxCookieLen = 255

// Options configure a [Server]. NodeName and Cookie are required; the other
// fields have working defaults.
type Options struct {
	// NodeName is the local node identity, in "name@host" form.
	NodeName string

	// Cookie is the shared secret peers must prove possession of.
	Cookie string

	// HandshakeTimeout bounds each read step of the connection handshake.
	// If zero, handshake.DefaultStepTimeout is used.
	HandshakeTimeout time.Duration

	// IdleTimeout bounds the wait for the next frame on an authenticated
	// connection. If zero, DefaultIdleTimeout is used.
	IdleTimeout time.Duration

	// FrameLogger, if set, is invoked for each application frame exchanged
	// with a peer.
	FrameLogger FrameLogger
}

func (o Options) check() error {
	if o.Cookie == "" {
		return errors.New("cookie must not be empty")
	} else if len(o.Cookie) > maxCookieLen {
		return fmt.Errorf("cookie too long (%d > %d bytes)", len(o.Cookie), maxCookieLen)
	}
	if o.NodeName == "" {
		return errors.New("node name must not be empty")
	} else if len(o.NodeName) > handshake.MaxNameLen {
		return fmt.Errorf("node name too long (%d > %d bytes)", len(o.NodeName), handshake.MaxNameLen)
	} else if !strings.Contains(o.NodeName, "@") {
		return fmt.Errorf("node name %q must have the form name@host", o.NodeName)
	}
	return nil
}

func (o Options) handshakeTimeout() time.Duration {
	if o.HandshakeTimeout > 0 {
		return o.HandshakeTimeout
	}
	return handshake.DefaultStepTimeout
}

func (o Options) idleTimeout() time.Duration {
	if o.IdleTimeout > 0 {
		return o.IdleTimeout
	}
	return DefaultIdleTimeout
}

// A FrameLogger logs an application frame exchanged with a remote peer.
type FrameLogger func(FrameInfo)

// A FrameInfo describes one logged frame.
type FrameInfo struct {
	Payload []byte // the frame payload, valid only during the call
	Sent    bool   // whether the frame was sent (true) or received (false)
	Peer    string // the remote address
}

func (f FrameInfo) String() string {
	dir := "recv"
	if f.Sent {
		dir = "send"
	}
	return fmt.Sprintf("%s %s [%d bytes]", dir, f.Peer, len(f.Payload))
}

// A Server accepts connections from remote peers, authenticates them, and
// serves their requests. Create a server with [Start], then drive it either
// with [Server.Run] (blocking) or by polling [Server.Step]; the two must not
// be mixed on the same server.
type Server struct {
	opts Options
	lis  net.Listener

	μ      sync.Mutex
	conns  map[*conn]struct{}
	closed bool
}

// Start validates opts, binds a listener on addr, and returns a server
// ready to be driven. It does not accept any connections itself.
func Start(addr string, opts Options) (*Server, error) {
	if err := opts.check(); err != nil {
		return nil, err
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{opts: opts, lis: lis, conns: make(map[*conn]struct{})}, nil
}

// Addr reports the address the server is listening on.
func (s *Server) Addr() net.Addr { return s.lis.Addr() }

// Metrics returns the metrics map shared by all servers. It is safe for the
// caller to add additional metrics to the map.
func (s *Server) Metrics() *expvar.Map { return metrics.emap }

// Run accepts and serves connections until ctx ends or the server is
// stopped. Each connection is served sequentially on its own goroutine:
// handshake, then a strict read-dispatch-reply loop. A failure on one
// connection never prevents accepting the next.
func (s *Server) Run(ctx context.Context, routes RouteMap) error {
	g := taskgroup.New(nil)

	// The listener does not obey a context, so simulate it by stopping the
	// server when ctx ends. The done channel releases the watcher when Run
	// returns first.
	done := make(chan struct{})
	defer close(done)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-done:
		}
		return nil
	})

	for {
		nc, err := s.lis.Accept()
		if err != nil {
			g.Wait()
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		cn := s.addConn(nc, routes)
		if cn == nil {
			nc.Close() // the server stopped while accepting
			continue
		}
		g.Go(func() error { cn.serve(ctx); return nil })
	}
}

// Progress is the result of a single [Server.Step] call.
type Progress int

const (
	Idle     Progress = iota // no work was ready
	Advanced                 // one unit of work was performed
	Closed                   // the server has been stopped
)

func (p Progress) String() string {
	switch p {
	case Idle:
		return "Idle"
	case Advanced:
		return "Advanced"
	case Closed:
		return "Closed"
	default:
		return fmt.Sprintf("progress %d", int(p))
	}
}

// Step performs at most one unit of work and returns without blocking:
// accept one new connection, advance one connection's handshake by one
// exchange, or process one pending frame. Callers embedding the server in
// their own scheduling loop should call Step on each tick until it reports
// Idle. Step produces the same wire behavior as Run.
func (s *Server) Step(ctx context.Context, routes RouteMap) Progress {
	s.μ.Lock()
	if s.closed {
		s.μ.Unlock()
		return Closed
	}
	conns := make([]*conn, 0, len(s.conns))
	for cn := range s.conns {
		conns = append(conns, cn)
	}
	s.μ.Unlock()

	// Poll the listener for a new connection.
	if d, ok := s.lis.(interface{ SetDeadline(time.Time) error }); ok {
		d.SetDeadline(time.Now())
	}
	nc, err := s.lis.Accept()
	if err == nil {
		if s.addConn(nc, routes) == nil {
			nc.Close()
			return Closed
		}
		return Advanced
	} else if !isTimeout(err) {
		return Closed
	}

	for _, cn := range conns {
		switch cn.step(ctx) {
		case stepIdle:
			continue
		default:
			// Both progress and closing a connection count as work done.
			return Advanced
		}
	}
	return Idle
}

// Stop closes the listener and all live connections. It is safe to call
// more than once. After Stop, Run returns and Step reports Closed.
func (s *Server) Stop() error {
	s.μ.Lock()
	if s.closed {
		s.μ.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for cn := range s.conns {
		conns = append(conns, cn)
	}
	s.μ.Unlock()

	err := s.lis.Close()
	for _, cn := range conns {
		cn.close()
	}
	return err
}

func (s *Server) addConn(nc net.Conn, routes RouteMap) *conn {
	cn := &conn{
		srv:      s,
		wc:       wire.NewConn(nc),
		hs:       handshake.New(s.opts.Cookie),
		session:  NewSession(routes),
		remote:   nc.RemoteAddr().String(),
		deadline: time.Now().Add(s.opts.handshakeTimeout()),
	}
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.closed {
		return nil
	}
	s.conns[cn] = struct{}{}
	metrics.connAccept.Add(1)
	return cn
}

func (s *Server) dropConn(cn *conn) {
	s.μ.Lock()
	defer s.μ.Unlock()
	if _, ok := s.conns[cn]; ok {
		delete(s.conns, cn)
		metrics.connDrop.Add(1)
	}
}

// A conn is the per-connection state: the framed stream, its handshake
// machine, and the session that classifies its frames. All state is private
// to the connection; nothing is shared across connections but the routing
// table and the metrics.
type conn struct {
	srv     *Server
	wc      *wire.Conn
	hs      *handshake.Handshake
	session *Session
	peer    *handshake.Result
	remote  string

	// In step mode, the wall-clock time after which the connection is
	// abandoned if no frame has arrived.
	deadline time.Time
}

func (c *conn) close() {
	c.srv.dropConn(c)
	c.wc.Close()
}

// serve runs the blocking per-connection lifecycle: handshake, then one
// frame at a time in arrival order. A call's reply is fully written before
// the next frame is read.
func (c *conn) serve(ctx context.Context) {
	defer c.close()

	peer, err := c.hs.Run(c.wc, c.srv.opts.handshakeTimeout())
	if err != nil {
		metrics.handshakeFail.Add(1)
		return
	}
	c.peer = peer

	for ctx.Err() == nil {
		c.wc.SetReadDeadline(time.Now().Add(c.srv.opts.idleTimeout()))
		frame, err := c.wc.ReadFrame()
		if err != nil {
			return // EOF, idle timeout, or transport failure
		}
		if err := c.process(ctx, frame); err != nil {
			return
		}
	}
}

type stepResult int

const (
	stepIdle stepResult = iota
	stepAdvanced
	stepClosed
)

// step advances the connection by at most one frame without blocking.
func (c *conn) step(ctx context.Context) stepResult {
	if time.Now().After(c.deadline) {
		if !c.hs.Done() {
			metrics.handshakeFail.Add(1)
		}
		c.close()
		return stepClosed
	}

	c.wc.SetReadDeadline(time.Now())
	frame, ok, err := c.wc.PollFrame()
	if err != nil {
		if !c.hs.Done() {
			metrics.handshakeFail.Add(1)
		}
		c.close()
		return stepClosed
	} else if !ok {
		return stepIdle
	}

	if !c.hs.Done() {
		send, err := c.hs.Advance(frame)
		if err != nil {
			metrics.handshakeFail.Add(1)
			c.close()
			return stepClosed
		}
		for _, f := range send {
			if err := c.wc.WriteFrame(f); err != nil {
				c.close()
				return stepClosed
			}
		}
		if c.hs.Done() {
			c.peer = c.hs.Result()
			c.deadline = time.Now().Add(c.srv.opts.idleTimeout())
		} else {
			c.deadline = time.Now().Add(c.srv.opts.handshakeTimeout())
		}
		return stepAdvanced
	}

	c.deadline = time.Now().Add(c.srv.opts.idleTimeout())
	if err := c.process(ctx, frame); err != nil {
		c.close()
		return stepClosed
	}
	return stepAdvanced
}

// process handles one post-handshake frame. An error is fatal to the
// connection.
func (c *conn) process(ctx context.Context, frame []byte) error {
	if len(frame) == 0 {
		// A keepalive tick; answer in kind.
		metrics.tickRecv.Add(1)
		return c.wc.WriteTick()
	}
	metrics.frameRecv.Add(1)
	c.logFrame(frame, false)

	reply, err := c.session.HandleFrame(ctx, frame)
	if err != nil {
		return err
	}
	if reply != nil {
		c.logFrame(reply, true)
		metrics.frameSent.Add(1)
		return c.wc.WriteFrame(reply)
	}
	return nil
}

func (c *conn) logFrame(payload []byte, sent bool) {
	if log := c.srv.opts.FrameLogger; log != nil {
		log(FrameInfo{Payload: payload, Sent: sent, Peer: c.remote})
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
