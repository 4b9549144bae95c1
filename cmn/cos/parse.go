// Package cos ("common os"-ish helpers) holds small parsing utilities
// kept outside cmn proper, e.g. cos.ParseBool, cos.ParseMS.
/*
 * Copyright (c) 2024, ClusterCache. All rights reserved.
 */
package cos

import (
	"strconv"
	"strings"
	"time"
)

// ParseBool accepts the usual strconv.ParseBool spellings plus "" (false,
// no error) so that an unset env var override is silently ignored rather
// than rejected.
func ParseBool(s string) (bool, error) {
	if s == "" {
		return false, nil
	}
	return strconv.ParseBool(s)
}

// ParseMS parses a millisecond duration written as a bare integer ("100")
// or a Go duration string ("100ms", "2s"). Configuration fields such as
// wait_queue_timeout, front_cache_lifespan, and connect_retry_interval
// are expressed in milliseconds on the wire.
func ParseMS(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}

// SplitPrefixes splits a comma-separated matcher spec ("user:,session:")
// into its constituent prefixes, trimming whitespace and dropping empties.
// Used by the front-cache and key-stats admission matchers.
func SplitPrefixes(spec string) []string {
	if spec == "" {
		return nil
	}
	parts := strings.Split(spec, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
