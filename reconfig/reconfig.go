// Package reconfig implements the reconfiguration pipeline: it takes a
// management-channel document, validates and applies each pool
// description against the Proxy Main's pool list, computes a new global
// config version, and retires pools left behind by the new document.
/*
 * Copyright (c) 2024, ClusterCache. All rights reserved.
 */
package reconfig

import (
	"github.com/golang/glog"

	"github.com/clustercache/moxicore/cmn"
	"github.com/clustercache/moxicore/pool"
)

// Result reports the outcome of applying one document, for logging and
// for the admin surface to report back on a management-channel push.
type Result struct {
	Version   int64
	Applied   []string // pool names created or updated
	Failed    map[string]error
	Retired   []string
}

// Pipeline owns the Proxy Main it reconfigures and the listen port new
// pools are created under. moxicore serves one port per process rather
// than one listener per pool, to keep the Go listener model simple.
type Pipeline struct {
	Main *pool.Main
	Port int
}

// New constructs a reconfiguration pipeline bound to main.
func New(main *pool.Main, port int) *Pipeline {
	return &Pipeline{Main: main, Port: port}
}

// Apply parses raw as a pool document (single object or array, "default"
// first) and applies it against the pool list, then retires any pool
// left at a stale version.
func (p *Pipeline) Apply(raw []byte) (*Result, error) {
	specs, err := cmn.ParsePoolDocument(raw)
	if err != nil {
		return nil, err
	}
	return p.ApplySpecs(specs), nil
}

// ApplySpecs applies already-parsed pool specs; exported separately so
// callers building specs programmatically (e.g. the package tests) can
// skip the JSON round-trip.
func (p *Pipeline) ApplySpecs(specs []cmn.PoolSpec) *Result {
	res := &Result{Failed: make(map[string]error)}
	version := p.nextVersion()

	for _, spec := range specs {
		if err := validateLocator(spec.NodeLocator); err != nil {
			res.Failed[spec.Name] = err
			glog.Warningf("reconfig: pool %q rejected: %v", spec.Name, err)
			continue
		}
		specCopy := spec
		existing := p.Main.Lookup(p.Port, spec.Name)
		pl := p.Main.GetOrCreate(p.Port, spec.Name)
		pl.Update(&specCopy, version)
		res.Applied = append(res.Applied, spec.Name)
		if existing == nil {
			glog.Infof("reconfig: created pool %q at version %d", spec.Name, version)
		} else {
			glog.Infof("reconfig: updated pool %q to version %d", spec.Name, version)
		}
		for _, w := range pl.Workers() {
			w.SetConfigVersion(version)
		}
	}

	res.Version = version
	res.Retired = p.retireStale(version)
	return res
}

// nextVersion computes max-over-current-pools + 1.
func (p *Pipeline) nextVersion() int64 {
	var max int64
	for _, pl := range p.Main.List() {
		if v := pl.ConfigVersion(); v > max {
			max = v
		}
	}
	return max + 1
}

// retireStale nulls the config of every pool whose version doesn't match
// the just-applied version, exempting the NULL bucket. Idempotent: a
// pool already retired (spec == nil) is skipped so re-delivering the
// same document is a no-op for it.
func (p *Pipeline) retireStale(version int64) []string {
	var retired []string
	for _, pl := range p.Main.List() {
		if pl.Name == cmn.NullBucket {
			continue
		}
		if pl.Retired() {
			continue
		}
		if pl.ConfigVersion() != version {
			pl.Update(nil, version)
			retired = append(retired, pl.Name)
			glog.Infof("reconfig: retired pool %q (stale at version %d)", pl.Name, version)
		}
	}
	return retired
}

func validateLocator(l cmn.NodeLocator) error {
	switch l {
	case cmn.LocatorKetama, cmn.LocatorVBucket:
		return nil
	default:
		return &cmn.ErrProtocol{Detail: "unknown node locator: " + string(l)}
	}
}
