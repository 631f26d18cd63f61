// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package handshake_test

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/creachadair/cnode/handshake"
	"github.com/creachadair/cnode/wire"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

const testCookie = "wombat-soup"

// nameFrame constructs a peer name frame for the given node name.
func nameFrame(name string) []byte {
	frame := []byte{'n', 0, 6, 0x04}
	return append(frame, name...)
}

func TestAdvanceSuccess(t *testing.T) {
	h := handshake.New(testCookie)

	send, err := h.Advance(nameFrame("peer@remote"))
	if err != nil {
		t.Fatalf("Advance(name): unexpected error: %v", err)
	}
	if len(send) != 2 {
		t.Fatalf("Advance(name): got %d frames, want 2", len(send))
	}
	if want := []byte{'s', 'o', 'k'}; !bytes.Equal(send[0], want) {
		t.Errorf("Status frame: got %v, want %v", send[0], want)
	}
	if len(send[1]) != 5 || send[1][0] != 'n' {
		t.Fatalf("Challenge frame: got %v, want 'n' and 4 bytes", send[1])
	}
	if got, want := h.State(), handshake.AwaitingChallengeReply; got != want {
		t.Errorf("State: got %v, want %v", got, want)
	}

	challenge := binary.BigEndian.Uint32(send[1][1:])
	digest := handshake.Digest(testCookie, challenge)
	reply := append([]byte{'r'}, digest[:]...)

	send, err = h.Advance(reply)
	if err != nil {
		t.Fatalf("Advance(reply): unexpected error: %v", err)
	}
	if len(send) != 1 || len(send[0]) != 1+md5.Size || send[0][0] != 'a' {
		t.Fatalf("Ack frame: got %v, want 'a' and a digest", send)
	}
	if got, want := h.State(), handshake.Authenticated; got != want {
		t.Errorf("State: got %v, want %v", got, want)
	}
	want := &handshake.Result{Name: "peer@remote", Flags: 0x04, Version: 6}
	if diff := cmp.Diff(want, h.Result()); diff != "" {
		t.Errorf("Result (-want, +got):\n%s", diff)
	}

	// A terminal machine rejects further input.
	if _, err := h.Advance(nil); err == nil {
		t.Error("Advance after done: got nil, want error")
	}
}

func TestWrongCookie(t *testing.T) {
	h := handshake.New(testCookie)
	send, err := h.Advance(nameFrame("peer@remote"))
	if err != nil {
		t.Fatalf("Advance(name): unexpected error: %v", err)
	}
	challenge := binary.BigEndian.Uint32(send[1][1:])
	digest := handshake.Digest("not-the-cookie", challenge)
	reply := append([]byte{'r'}, digest[:]...)

	send, err = h.Advance(reply)
	if !errors.Is(err, handshake.ErrDigestMismatch) {
		t.Errorf("Advance(reply): got error %v, want %v", err, handshake.ErrDigestMismatch)
	}
	if send != nil {
		t.Errorf("Advance(reply): got frames %v, want none", send)
	}
	if got, want := h.State(), handshake.Rejected; got != want {
		t.Errorf("State: got %v, want %v", got, want)
	}

	var he *handshake.Error
	if !errors.As(err, &he) {
		t.Fatalf("Advance(reply): got error %[1]T (%[1]v), want *Error", err)
	}
	if got, want := he.State, handshake.AwaitingChallengeReply; got != want {
		t.Errorf("Error state: got %v, want %v", got, want)
	}
}

func TestAdvanceMalformed(t *testing.T) {
	goodDigest := handshake.Digest(testCookie, 12345)
	tests := []struct {
		name   string
		frames [][]byte // fed in order; the last must fail
		etype  error
	}{
		{"empty-name", [][]byte{{}}, handshake.ErrBadFrame},
		{"short-name", [][]byte{{'n', 0, 6}}, handshake.ErrBadFrame},
		{"wrong-name-tag", [][]byte{[]byte("xhello")}, handshake.ErrBadFrame},
		{"name-missing", [][]byte{{'n', 0, 6, 0}}, handshake.ErrNameInvalid},
		{"name-too-long", [][]byte{nameFrame(strings.Repeat("a", 300))}, handshake.ErrNameInvalid},
		{"empty-reply", [][]byte{nameFrame("p@h"), {}}, handshake.ErrBadFrame},
		{"short-reply", [][]byte{nameFrame("p@h"), {'r', 1, 2, 3}}, handshake.ErrBadFrame},
		{"wrong-reply-tag", [][]byte{nameFrame("p@h"), append([]byte{'x'}, goodDigest[:]...)}, handshake.ErrBadFrame},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := handshake.New(testCookie)
			for i, frame := range tc.frames {
				send, err := h.Advance(frame)
				if i < len(tc.frames)-1 {
					if err != nil {
						t.Fatalf("Advance %d: unexpected error: %v", i, err)
					}
					continue
				}
				if !errors.Is(err, tc.etype) {
					t.Errorf("Advance %d: got error %v, want %v", i, err, tc.etype)
				}
				if send != nil {
					t.Errorf("Advance %d: got frames %v, want none", i, send)
				}
			}
			if got, want := h.State(), handshake.Rejected; got != want {
				t.Errorf("State: got %v, want %v", got, want)
			}
		})
	}
}

// runPeer performs the client side of the handshake over conn.
func runPeer(t *testing.T, conn *wire.Conn, cookie string) {
	t.Helper()
	if err := conn.WriteFrame(nameFrame("client@test")); err != nil {
		t.Errorf("Peer: write name: %v", err)
		return
	}
	status, err := conn.ReadFrame()
	if err != nil {
		t.Errorf("Peer: read status: %v", err)
		return
	}
	if string(status) != "sok" {
		t.Errorf("Peer: status %q, want \"sok\"", status)
	}
	cf, err := conn.ReadFrame()
	if err != nil || len(cf) != 5 {
		t.Errorf("Peer: read challenge: %v (%d bytes)", err, len(cf))
		return
	}
	digest := handshake.Digest(cookie, binary.BigEndian.Uint32(cf[1:]))
	if err := conn.WriteFrame(append([]byte{'r'}, digest[:]...)); err != nil {
		t.Errorf("Peer: write reply: %v", err)
		return
	}
	ack, err := conn.ReadFrame()
	if err != nil || len(ack) != 1+md5.Size || ack[0] != 'a' {
		t.Errorf("Peer: read ack: %v (% x)", err, ack)
	}
}

func TestRun(t *testing.T) {
	defer leaktest.Check(t)()

	left, right := net.Pipe()
	sc, cc := wire.NewConn(left), wire.NewConn(right)
	defer sc.Close()
	defer cc.Close()

	done := make(chan struct{})
	go func() { defer close(done); runPeer(t, cc, testCookie) }()

	peer, err := handshake.New(testCookie).Run(sc, 0)
	if err != nil {
		t.Fatalf("Run: unexpected error: %v", err)
	}
	if peer.Name != "client@test" {
		t.Errorf("Peer name: got %q, want %q", peer.Name, "client@test")
	}
	<-done
}

func TestRunRejected(t *testing.T) {
	defer leaktest.Check(t)()

	left, right := net.Pipe()
	sc, cc := wire.NewConn(left), wire.NewConn(right)
	defer sc.Close()

	// A peer with the wrong cookie must get no ack: the server closes the
	// connection after the digest check fails.
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cc.Close()
		cc.WriteFrame(nameFrame("client@test"))
		cc.ReadFrame() // status
		cf, err := cc.ReadFrame()
		if err != nil || len(cf) != 5 {
			t.Errorf("Peer: read challenge: %v", err)
			return
		}
		digest := handshake.Digest("wrong-cookie", binary.BigEndian.Uint32(cf[1:]))
		cc.WriteFrame(append([]byte{'r'}, digest[:]...))
		if frame, err := cc.ReadFrame(); err == nil {
			t.Errorf("Peer: got frame % x after bad digest, want closed", frame)
		}
	}()

	h := handshake.New(testCookie)
	if _, err := h.Run(sc, 0); !errors.Is(err, handshake.ErrDigestMismatch) {
		t.Errorf("Run: got error %v, want %v", err, handshake.ErrDigestMismatch)
	}
	sc.Close() // the peer must observe the close, not an ack
	<-done

	if got, want := h.State(), handshake.Rejected; got != want {
		t.Errorf("State: got %v, want %v", got, want)
	}
}

func TestRunTimeout(t *testing.T) {
	defer leaktest.Check(t)()

	left, right := net.Pipe()
	sc := wire.NewConn(left)
	defer sc.Close()
	defer right.Close()

	// A peer that connects but never speaks must be rejected once the step
	// timeout expires.
	start := time.Now()
	if _, err := handshake.New(testCookie).Run(sc, 50*time.Millisecond); err == nil {
		t.Error("Run: got nil, want timeout error")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Run took %v, expected prompt timeout", elapsed)
	}
}
