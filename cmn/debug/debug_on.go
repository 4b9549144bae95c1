// +build debug

// Package debug provides assertions that are compiled in only under the
// "debug" build tag, so hot paths (downstream dispatch, front-cache get)
// pay nothing in production builds.
/*
 * Copyright (c) 2024, ClusterCache. All rights reserved.
 */
package debug

import "github.com/golang/glog"

const Enabled = true

// Assert logs args via glog.Fatalln, which terminates the process, if
// cond is false.
// Reserved for invariants that are expensive to check (e.g. walking a
// reservation's multiget map to confirm no entry outlives release) and
// therefore unsuitable for cmn.Assert on the hot path.
func Assert(cond bool, args ...interface{}) {
	if !cond {
		glog.Fatalln(append([]interface{}{"assertion failed:"}, args...)...)
	}
}

// Assertf logs a formatted message via glog.Fatalf, which terminates the
// process, if cond is false.
func Assertf(cond bool, format string, args ...interface{}) {
	if !cond {
		glog.Fatalf("assertion failed: "+format, args...)
	}
}
