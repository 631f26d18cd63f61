// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package cnode

import "expvar"

// serverMetrics record bridge activity counters, shared by all servers.
type serverMetrics struct {
	frameRecv     expvar.Int // frames received, not counting ticks
	frameSent     expvar.Int // frames sent, not counting ticks
	tickRecv      expvar.Int // keepalive ticks received
	callIn        expvar.Int // synchronous calls received
	callInErr     expvar.Int // synchronous calls answered with an error tuple
	castIn        expvar.Int // casts and plain messages received
	handshakeFail expvar.Int // connections rejected during handshake
	connAccept    expvar.Int // connections accepted
	connDrop      expvar.Int // connections abandoned for any reason

	emap *expvar.Map
}

var metrics = newServerMetrics()

func newServerMetrics() *serverMetrics {
	m := &serverMetrics{emap: new(expvar.Map)}
	m.emap.Set("frames_received", &m.frameRecv)
	m.emap.Set("frames_sent", &m.frameSent)
	m.emap.Set("ticks_received", &m.tickRecv)
	m.emap.Set("calls_in", &m.callIn)
	m.emap.Set("calls_in_failed", &m.callInErr)
	m.emap.Set("casts_in", &m.castIn)
	m.emap.Set("handshakes_failed", &m.handshakeFail)
	m.emap.Set("conns_accepted", &m.connAccept)
	m.emap.Set("conns_dropped", &m.connDrop)
	return m
}
