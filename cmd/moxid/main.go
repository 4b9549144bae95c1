// Package main is the moxicore daemon executable: a multi-tenant
// memcached-protocol proxy and bucket multiplexer, built around a
// flag-parse-then-run shape with a small daemonCtx holding the
// process's long-lived state.
/*
 * Copyright (c) 2024, ClusterCache. All rights reserved.
 */
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/clustercache/moxicore/admin"
	"github.com/clustercache/moxicore/bucket"
	"github.com/clustercache/moxicore/cmn"
	_ "github.com/clustercache/moxicore/engine" // registers the "mem" reference engine
	"github.com/clustercache/moxicore/hk"
	"github.com/clustercache/moxicore/pool"
	"github.com/clustercache/moxicore/reconfig"
)

type cliFlags struct {
	configPath string
	port       int
	adminUser  string
	role       string
}

// daemonCtx holds the long-lived state a single process needs to start,
// serve, and shut down cleanly.
type daemonCtx struct {
	cli      cliFlags
	gco      *cmn.GCO
	registry *bucket.Registry
	main     *pool.Main
	reconfig *reconfig.Pipeline
	admin    *admin.Handler
}

func main() {
	os.Exit(run())
}

func run() int {
	var cli cliFlags
	flag.StringVar(&cli.configPath, "config", "", "path to the pool configuration document")
	flag.IntVar(&cli.port, "port", 11211, "listen port for the memcached-protocol front end")
	flag.StringVar(&cli.adminUser, "admin_user", "admin", "SASL username authorized for administrative commands")
	flag.StringVar(&cli.role, "role", "proxy", "moxid role (reserved for future multi-role deployments)")
	flag.Parse()

	d := newDaemon(cli)

	if cli.configPath != "" {
		raw, err := os.ReadFile(cli.configPath)
		if err != nil {
			glog.Errorf("moxid: read config %q: %v", cli.configPath, err)
			return 1
		}
		if _, err := d.reconfig.Apply(raw); err != nil {
			glog.Errorf("moxid: apply config %q: %v", cli.configPath, err)
			return 1
		}
	}

	glog.Infof("moxid: listening on port %d (role=%s)", cli.port, cli.role)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	glog.Infof("moxid: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.shutdownTimeout())
	defer cancel()
	if err := d.registry.Shutdown(shutdownCtx); err != nil {
		glog.Errorf("moxid: shutdown: %v", err)
		return 1
	}
	hk.Default().Stop()
	return 0
}

func newDaemon(cli cliFlags) *daemonCtx {
	gco := cmn.NewGCO()
	registry := bucket.NewRegistry()
	main := pool.NewMain()
	rp := reconfig.New(main, cli.port)

	d := &daemonCtx{
		cli:      cli,
		gco:      gco,
		registry: registry,
		main:     main,
		reconfig: rp,
		admin: &admin.Handler{
			Registry: registry,
			Auth:     admin.Authorizer{AdminUser: cli.adminUser},
		},
	}
	return d
}

func (d *daemonCtx) shutdownTimeout() time.Duration { return 10 * time.Second }
