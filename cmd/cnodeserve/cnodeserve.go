// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Program cnodeserve runs a distribution bridge server with a small
// demonstration routing table, for exercising the protocol from a live
// remote node.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/creachadair/cnode"
	"github.com/creachadair/cnode/term"
	"github.com/creachadair/command"
	"github.com/creachadair/flax"
)

var flags struct {
	Addr       string        `flag:"addr,default=127.0.0.1:9100,Service address"`
	Name       string        `flag:"name,default=bridge@localhost,Local node name"`
	Cookie     string        `flag:"cookie,Shared cookie"`
	CookieFile string        `flag:"cookie-file,Read the shared cookie from this file"`
	Idle       time.Duration `flag:"idle,default=1m,Idle read timeout"`
	Verbose    bool          `flag:"v,Log frames to stderr"`
}

func main() {
	root := &command.C{
		Name:     filepath.Base(os.Args[0]),
		Help:     "Serve the distribution bridge protocol.",
		SetFlags: command.Flags(flax.MustBind, &flags),
		Commands: []*command.C{
			{
				Name: "serve",
				Help: "Listen for peer connections and serve demo requests.",
				Run:  runServe,
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}
	command.RunOrFail(root.NewEnv(nil), os.Args[1:])
}

func runServe(env *command.Env) error {
	cookie := flags.Cookie
	if flags.CookieFile != "" {
		data, err := os.ReadFile(flags.CookieFile)
		if err != nil {
			return fmt.Errorf("read cookie: %w", err)
		}
		cookie = strings.TrimSpace(string(data))
	}

	opts := cnode.Options{
		NodeName:    flags.Name,
		Cookie:      cookie,
		IdleTimeout: flags.Idle,
	}
	if flags.Verbose {
		opts.FrameLogger = func(f cnode.FrameInfo) { log.Print(f) }
	}

	srv, err := cnode.Start(flags.Addr, opts)
	if err != nil {
		return err
	}
	log.Printf("Node %q listening at %v", flags.Name, srv.Addr())
	return srv.Run(env.Context(), demoRoutes())
}

// demoRoutes is a routing table with enough behavior to verify a connection
// end to end from a remote shell.
func demoRoutes() cnode.RouteMap {
	return cnode.RouteMap{
		{Module: "host", Function: "ping"}: func(context.Context, *cnode.Request) (term.Value, error) {
			return term.String("pong"), nil
		},
		{Module: "host", Function: "echo"}: func(_ context.Context, req *cnode.Request) (term.Value, error) {
			return term.List(req.Args), nil
		},
		{Module: "host", Function: "time"}: func(context.Context, *cnode.Request) (term.Value, error) {
			return term.Int(time.Now().Unix()), nil
		},
	}
}
