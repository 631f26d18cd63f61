// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package cnode implements the server side of a node-to-node distribution
// bridge: it accepts connections from remote peers speaking the distribution
// protocol, authenticates them with the shared-cookie challenge handshake,
// decodes their binary term messages, and dispatches the requests they carry
// to handlers supplied by the host application.
//
// # Servers
//
// The core type defined by this package is the [Server]. Create one with
// [Start], giving it the local node identity and the shared cookie:
//
//	srv, err := cnode.Start("127.0.0.1:0", cnode.Options{
//	   NodeName: "bridge@localhost",
//	   Cookie:   "wombat",
//	})
//
// A server is driven in one of two ways. [Server.Run] blocks, accepting and
// serving connections until the context ends or [Server.Stop] is called:
//
//	if err := srv.Run(ctx, routes); err != nil {
//	   log.Fatalf("Server failed: %v", err)
//	}
//
// Callers that cannot block, because the bridge is embedded inside a host's
// own scheduling loop, instead poll [Server.Step], which performs at most one
// unit of work per call and returns immediately. The two modes produce
// identical wire behavior.
//
// # Requests
//
// Each inbound message is classified by its envelope: a synchronous call
// expecting exactly one correlated reply, a fire-and-forget cast, a relayed
// call carrying one extra envelope layer, or a bare request tuple processed
// with cast semantics. Either way the request names a module and function
// and carries positional arguments as [term.Value] data.
//
// Requests are dispatched through a caller-supplied [RouteMap]:
//
//	routes := cnode.RouteMap{
//	   {Module: "host", Function: "ping"}: func(ctx context.Context, req *cnode.Request) (term.Value, error) {
//	      return term.String("pong"), nil
//	   },
//	}
//
// A handler error is never fatal to the connection: for a call it is encoded
// into the reply as an {error, Reason} tuple, and for a cast it is
// discarded. Handlers are invoked from the server's own execution context;
// hosts whose object model is thread-affine should defer the real work from
// inside the handler to wherever it must run.
//
// # Frames and ordering
//
// Frames on one connection are processed strictly in arrival order, and a
// call's reply is fully written before the next frame is read, so a peer
// observes replies in the order it issued calls. No ordering holds across
// connections. Keepalive ticks (empty frames) are answered transparently.
//
// # Metrics
//
// Servers maintain a collection of expvar counters while running; use the
// [Server.Metrics] method to obtain the metrics map. To observe individual
// frames, set a FrameLogger in [Options].
package cnode
