// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package cnode

import (
	"context"
	"errors"
	"fmt"

	"github.com/creachadair/cnode/term"
)

// A Request is one decoded inbound request: a target module and function
// with zero or more positional arguments.
type Request struct {
	Module   string
	Function string
	Args     []term.Value
}

func (r *Request) String() string {
	return fmt.Sprintf("Request(%s:%s/%d)", r.Module, r.Function, len(r.Args))
}

// A Handler executes one request against the host and returns its result.
//
// By default, the error reported by a handler is returned to the caller with
// the error text as its reason string. A handler may return a *DispatchError
// to control the reason string directly. Handler errors are never fatal to
// the connection.
type Handler func(context.Context, *Request) (term.Value, error)

// A Route addresses a handler by module and function name. An empty Function
// makes the route a wildcard for every function of the module; the zero
// Route is a wildcard for everything.
type Route struct {
	Module   string
	Function string
}

// A RouteMap maps routes to handlers. It is the caller's routing table: the
// protocol core does not interpret module or function names beyond looking
// them up here. A nil RouteMap rejects every request.
//
// A RouteMap must not be modified while a server is using it.
type RouteMap map[Route]Handler

// lookup resolves the handler for a request, trying the exact route, the
// module wildcard, and the global wildcard in that order.
func (m RouteMap) lookup(module, function string) (Handler, error) {
	if h, ok := m[Route{Module: module, Function: function}]; ok {
		return h, nil
	}
	if h, ok := m[Route{Module: module}]; ok {
		return h, nil
	}
	if h, ok := m[Route{}]; ok {
		return h, nil
	}
	for r := range m {
		if r.Module == module {
			return nil, &DispatchError{Reason: "unknown_function"}
		}
	}
	return nil, &DispatchError{Reason: "unknown_module"}
}

// A DispatchError reports a failure to execute a request against the host.
// Its Reason is the machine-readable string carried in an error reply.
type DispatchError struct {
	Reason string // short machine-readable reason, e.g. "object_not_found"
	Err    error  // optional underlying cause, not sent to the peer
}

func (e *DispatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dispatch: %s: %v", e.Reason, e.Err)
	}
	return "dispatch: " + e.Reason
}

func (e *DispatchError) Unwrap() error { return e.Err }

// reason extracts the reply reason string for a handler error.
func reason(err error) string {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Reason
	}
	return err.Error()
}
