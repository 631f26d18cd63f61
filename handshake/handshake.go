// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package handshake implements the server side of the distribution
// connection handshake: receive the peer's name, accept it, challenge the
// peer to prove it holds the shared cookie, and acknowledge with a proof of
// our own.
//
// The state machine itself ([Handshake.Advance]) is purely frame-in,
// frames-out, so callers that cannot block can drive it one frame at a time.
// [Handshake.Run] drives it to completion over a [wire.Conn] with a per-step
// read timeout.
package handshake

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/creachadair/cnode/wire"
)

// Handshake message tags, the first byte of each frame payload.
const (
	tagName      = 'n' // peer name: version:2, flags:1, name:rest
	tagStatus    = 's' // status: "ok" to accept
	tagChallenge = 'n' // challenge: 4-byte big-endian value
	tagReply     = 'r' // challenge reply: 16-byte digest
	tagAck       = 'a' // challenge ack: 16-byte digest
)

// MaxNameLen is the maximum accepted length of a peer node name.
const MaxNameLen = 256

// DefaultStepTimeout is the read timeout applied to each handshake step when
// the caller does not specify one.
const DefaultStepTimeout = 5 * time.Second

// State enumerates the states of the handshake machine.
type State int

const (
	AwaitingName           State = iota // waiting for the peer's name frame
	AwaitingChallengeReply              // waiting for the digest of our challenge
	Authenticated                       // terminal: the peer holds the cookie
	Rejected                            // terminal: the connection must be closed
)

func (s State) String() string {
	switch s {
	case AwaitingName:
		return "AwaitingName"
	case AwaitingChallengeReply:
		return "AwaitingChallengeReply"
	case Authenticated:
		return "Authenticated"
	case Rejected:
		return "Rejected"
	default:
		return fmt.Sprintf("state %d", int(s))
	}
}

// Errors reported for the ways a handshake can fail. An [*Error] wrapping
// one of these is returned from Advance and Run.
var (
	ErrBadFrame       = errors.New("malformed handshake frame")
	ErrDigestMismatch = errors.New("challenge digest mismatch")
	ErrNameInvalid    = errors.New("invalid peer name")
)

// An Error reports a handshake failure and the state in which it occurred.
// Any Error is fatal to the connection; there is no partial-trust state.
type Error struct {
	State State // the state in which the failure occurred
	Err   error
}

func (e *Error) Error() string { return fmt.Sprintf("handshake (%v): %v", e.State, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// A Result describes the peer that completed a handshake.
type Result struct {
	Name    string // the peer-declared node name
	Flags   byte   // the peer-declared capability flags
	Version uint16 // the peer-declared protocol version
}

// A Handshake is the per-connection handshake state machine. Create one with
// [New] for each accepted connection; it is not reusable.
type Handshake struct {
	cookie    string
	state     State
	challenge uint32
	res       Result
}

// New constructs a handshake machine for a connection authenticated by the
// given shared cookie.
func New(cookie string) *Handshake { return &Handshake{cookie: cookie} }

// State reports the current state of h.
func (h *Handshake) State() State { return h.state }

// Done reports whether h has reached a terminal state.
func (h *Handshake) Done() bool { return h.state == Authenticated || h.state == Rejected }

// Result returns the peer description once h is Authenticated, or nil.
func (h *Handshake) Result() *Result {
	if h.state != Authenticated {
		return nil
	}
	r := h.res
	return &r
}

// Advance feeds one inbound frame payload to the state machine and returns
// the frame payloads to send to the peer in order. On error the machine
// moves to Rejected and the connection must be closed without sending
// anything further.
func (h *Handshake) Advance(frame []byte) ([][]byte, error) {
	switch h.state {
	case AwaitingName:
		return h.recvName(frame)
	case AwaitingChallengeReply:
		return h.recvReply(frame)
	default:
		return nil, h.fail(fmt.Errorf("%w: unexpected frame in state %v", ErrBadFrame, h.state))
	}
}

func (h *Handshake) fail(err error) error {
	state := h.state
	h.state = Rejected
	return &Error{State: state, Err: err}
}

func (h *Handshake) recvName(frame []byte) ([][]byte, error) {
	// Layout: 'n', version:2 big-endian, flags:1, name:rest.
	if len(frame) < 4 || frame[0] != tagName {
		return nil, h.fail(fmt.Errorf("%w: want a name frame", ErrBadFrame))
	}
	name := frame[4:]
	if len(name) == 0 || len(name) > MaxNameLen {
		return nil, h.fail(fmt.Errorf("%w: %d bytes", ErrNameInvalid, len(name)))
	}
	h.res = Result{
		Name:    string(name),
		Flags:   frame[3],
		Version: binary.BigEndian.Uint16(frame[1:3]),
	}

	challenge, err := randomChallenge()
	if err != nil {
		return nil, h.fail(err)
	}
	h.challenge = challenge
	h.state = AwaitingChallengeReply

	cf := make([]byte, 5)
	cf[0] = tagChallenge
	binary.BigEndian.PutUint32(cf[1:], challenge)
	return [][]byte{{tagStatus, 'o', 'k'}, cf}, nil
}

func (h *Handshake) recvReply(frame []byte) ([][]byte, error) {
	if len(frame) != 1+md5.Size || frame[0] != tagReply {
		return nil, h.fail(fmt.Errorf("%w: want a challenge reply", ErrBadFrame))
	}
	want := Digest(h.cookie, h.challenge)
	if subtle.ConstantTimeCompare(frame[1:], want[:]) != 1 {
		return nil, h.fail(ErrDigestMismatch)
	}

	// Prove possession of the cookie with a digest over a fresh challenge of
	// our own, independent of the one the peer just answered.
	ours, err := randomChallenge()
	if err != nil {
		return nil, h.fail(err)
	}
	proof := Digest(h.cookie, ours)

	ack := make([]byte, 1+md5.Size)
	ack[0] = tagAck
	copy(ack[1:], proof[:])
	h.state = Authenticated
	return [][]byte{ack}, nil
}

// Run drives h to completion over conn, applying stepTimeout (or
// [DefaultStepTimeout] if zero) to each frame read. On success it returns
// the peer description; on any failure the handshake is Rejected and the
// caller must close the connection.
func (h *Handshake) Run(conn *wire.Conn, stepTimeout time.Duration) (*Result, error) {
	if stepTimeout <= 0 {
		stepTimeout = DefaultStepTimeout
	}
	for !h.Done() {
		conn.SetReadDeadline(time.Now().Add(stepTimeout))
		frame, err := conn.ReadFrame()
		if err != nil {
			return nil, h.fail(err)
		}
		send, err := h.Advance(frame)
		if err != nil {
			return nil, err
		}
		for _, f := range send {
			if err := conn.WriteFrame(f); err != nil {
				return nil, h.fail(err)
			}
		}
	}
	conn.SetReadDeadline(time.Time{})
	return h.Result(), nil
}

// Digest computes the keyed digest binding the shared cookie to a challenge
// value: MD5(cookie || decimal(challenge)).
func Digest(cookie string, challenge uint32) [md5.Size]byte {
	hash := md5.New()
	io.WriteString(hash, cookie)
	io.WriteString(hash, strconv.FormatUint(uint64(challenge), 10))
	var out [md5.Size]byte
	hash.Sum(out[:0])
	return out
}

func randomChallenge() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("generate challenge: %w", err)
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}
