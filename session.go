// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package cnode

import (
	"context"
	"fmt"

	"github.com/creachadair/cnode/term"
)

// Envelope marker atoms recognized on inbound messages.
const (
	markerCall  = "$gen_call"
	markerCast  = "$gen_cast"
	markerRelay = "rex"

	errorAtom = "error"
)

// A PendingReply holds the opaque addressing data needed to answer one
// synchronous call: the sender's process identifier and the reply tag, both
// copied verbatim from the request and never interpreted. A PendingReply is
// consumed by the reply to the call that produced it, on the same
// connection; it must not be retained past that.
type PendingReply struct {
	Sender term.Raw
	Tag    term.Raw
}

// A Session classifies the decoded frames of one authenticated connection
// and shapes replies. A session carries no state between frames; the methods
// of a session may not be used concurrently.
type Session struct {
	routes RouteMap
}

// NewSession constructs a session dispatching requests through routes.
func NewSession(routes RouteMap) *Session { return &Session{routes: routes} }

// HandleFrame processes one application frame and returns the reply frame to
// write back, or nil when the message calls for no reply. An error from
// HandleFrame means the envelope was malformed and is fatal to the
// connection; dispatch failures are reported inside the reply for calls and
// swallowed for casts.
func (s *Session) HandleFrame(ctx context.Context, frame []byte) ([]byte, error) {
	d := term.NewDecoder(frame)
	d.Version()
	arity, err := d.TupleHeader()
	if err != nil {
		return nil, err
	}
	if arity < 2 {
		return nil, fmt.Errorf("message tuple arity %d too small", arity)
	}
	marker, err := d.Text()
	if err != nil {
		return nil, err
	}

	switch marker {
	case markerCall:
		if arity != 3 {
			return nil, fmt.Errorf("call envelope arity %d, want 3", arity)
		}
		return s.handleCall(ctx, d)

	case markerCast:
		if arity != 2 {
			return nil, fmt.Errorf("cast envelope arity %d, want 2", arity)
		}
		metrics.castIn.Add(1)
		if req, derr := decodeRequest(d); derr == nil {
			s.invoke(ctx, req) // result and errors discarded
		}
		return nil, nil

	case markerRelay:
		// One extra envelope layer: {rex, RelaySender, InnerCall}. The relay
		// sender may be a process identifier or an identity atom; either way
		// it is not the reply target, so it is skipped without interpretation.
		if arity != 3 {
			return nil, fmt.Errorf("relay envelope arity %d, want 3", arity)
		}
		if _, err := d.Raw(); err != nil {
			return nil, err
		}
		iarity, err := d.TupleHeader()
		if err != nil {
			return nil, err
		}
		imarker, err := d.Text()
		if err != nil {
			return nil, err
		}
		if imarker != markerCall || iarity != 3 {
			return nil, fmt.Errorf("relay payload {%s, ...} is not a call", imarker)
		}
		return s.handleCall(ctx, d)

	default:
		// Permissive fallback: the whole message is a bare
		// {Module, Function, Args...} tuple, processed with cast semantics.
		metrics.castIn.Add(1)
		if req, derr := decodePlain(d, marker, arity); derr == nil {
			s.invoke(ctx, req)
		}
		return nil, nil
	}
}

// handleCall processes a synchronous call whose envelope marker has been
// consumed: decode the reply address, dispatch the request, and build the
// correlated reply frame.
func (s *Session) handleCall(ctx context.Context, d *term.Decoder) ([]byte, error) {
	pr, err := decodeReplyAddress(d)
	if err != nil {
		return nil, err
	}
	metrics.callIn.Add(1)

	req, derr := decodeRequest(d)
	var result term.Value
	if derr == nil {
		result, derr = s.invoke(ctx, req)
	}
	if derr != nil {
		metrics.callInErr.Add(1)
	}

	var b term.Builder
	b.Version()
	b.TupleHeader(2)
	b.Raw(pr.Tag)
	if derr != nil {
		b.TupleHeader(2)
		b.Atom(errorAtom)
		b.Value(term.String(reason(derr)))
	} else {
		b.Value(result)
	}
	return b.Bytes(), nil
}

// invoke routes a request to its handler. A missing route or a handler
// panic is reported as a *DispatchError, never as a connection failure.
func (s *Session) invoke(ctx context.Context, req *Request) (_ term.Value, err error) {
	handler, err := s.routes.lookup(req.Module, req.Function)
	if err != nil {
		return nil, err
	}
	defer func() {
		if x := recover(); x != nil && err == nil {
			err = &DispatchError{Reason: "handler_panic", Err: fmt.Errorf("recovered: %v", x)}
		}
	}()
	return handler(ctx, req)
}

// decodeReplyAddress decodes the {Sender, Tag} pair of a call envelope.
// Both elements are captured verbatim. An error here is fatal: without a
// valid reply address the call cannot be answered or safely skipped.
func decodeReplyAddress(d *term.Decoder) (PendingReply, error) {
	arity, err := d.TupleHeader()
	if err != nil {
		return PendingReply{}, err
	}
	if arity != 2 {
		return PendingReply{}, fmt.Errorf("reply address arity %d, want 2", arity)
	}
	sender, err := d.Raw()
	if err != nil {
		return PendingReply{}, err
	}
	tag, err := d.Raw()
	if err != nil {
		return PendingReply{}, err
	}
	return PendingReply{Sender: sender, Tag: tag}, nil
}

// decodeRequest decodes a {Module, Function, Args...} request tuple. Any
// failure is a dispatch-level error: the enclosing frame is already fully
// buffered, so a malformed request does not jeopardize framing.
func decodeRequest(d *term.Decoder) (*Request, error) {
	arity, err := d.TupleHeader()
	if err != nil || arity < 2 {
		return nil, &DispatchError{Reason: "invalid_request_format", Err: err}
	}
	module, err := d.Text()
	if err != nil {
		return nil, &DispatchError{Reason: "invalid_module", Err: err}
	}
	return decodeTail(d, module, arity)
}

// decodePlain decodes the remainder of a bare request tuple whose module
// name has already been consumed as the envelope marker.
func decodePlain(d *term.Decoder, module string, arity int) (*Request, error) {
	return decodeTail(d, module, arity)
}

func decodeTail(d *term.Decoder, module string, arity int) (*Request, error) {
	function, err := d.Text()
	if err != nil {
		return nil, &DispatchError{Reason: "invalid_function", Err: err}
	}
	args := make([]term.Value, 0, arity-2)
	for range arity - 2 {
		v, err := d.Value()
		if err != nil {
			return nil, &DispatchError{Reason: "invalid_arguments", Err: err}
		}
		args = append(args, v)
	}
	// A single list argument carries the positional arguments themselves.
	if len(args) == 1 {
		if list, ok := args[0].(term.List); ok {
			args = list
		}
	}
	return &Request{Module: module, Function: function, Args: args}, nil
}
