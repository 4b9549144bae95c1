// Package stats holds the proxy- and bucket-level counter families moxicore
// exports, using ".n" for a counter and ".μs" for a cumulative latency in
// microseconds. Kept as a plain struct: there is no StatsD sink configured
// for these counters to fan out to.
/*
 * Copyright (c) 2024, ClusterCache. All rights reserved.
 */
package stats

import (
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// ProxyStats is the per-pool counter family (tot_multiget_keys_dedupe,
// tot_retry, ...) plus the connection and front-cache counters used to
// reason about capacity.
type ProxyStats struct {
	TotConnectionsN       int64 `json:"tot_connections.n"`
	TotOpsN                int64 `json:"tot_ops.n"`
	TotMultigetKeysN        int64 `json:"tot_multiget_keys.n"`
	TotMultigetKeysDedupeN  int64 `json:"tot_multiget_keys_dedupe.n"`
	TotMultigetBytesDedupeN int64 `json:"tot_multiget_bytes_dedupe.n"`
	TotRetryN               int64 `json:"tot_retry.n"`
	TotRetryVBucketN        int64 `json:"tot_retry_vbucket.n"`
	TotOptimizeSetsN        int64 `json:"tot_optimize_sets.n"`
	ErrOOMN                 int64 `json:"err_oom.n"`
	TotDownstreamTimeoutN   int64 `json:"tot_downstream_timeout.n"`
	TotWaitQueueTimeoutN    int64 `json:"tot_wait_queue_timeout.n"`
	DownstreamLatencyUs     int64 `json:"downstream_latency.μs"`
}

// BucketStats is the per-bucket counter family, mirroring bucket_engine's
// creates/deletes/calls-started/calls-done fields.
type BucketStats struct {
	CreatesN      int64 `json:"creates.n"`
	DeletesN      int64 `json:"deletes.n"`
	CallsStartedN int64 `json:"calls_started.n"`
	CallsDoneN    int64 `json:"calls_done.n"`
}

// FrontCacheStats mirrors frontcache.Stats in the ".n" naming convention
// for export alongside the other families.
type FrontCacheStats struct {
	HitsN      int64 `json:"hits.n"`
	ExpiresN   int64 `json:"expires.n"`
	MissesN    int64 `json:"misses.n"`
	AddsN      int64 `json:"adds.n"`
	AddSkipsN  int64 `json:"add_skips.n"`
	DeletesN   int64 `json:"deletes.n"`
	EvictionsN int64 `json:"evictions.n"`
}

// AddLatency records a downstream round-trip latency sample into the
// cumulative microsecond counter under its ".μs" key.
func (s *ProxyStats) AddLatency(d time.Duration) {
	atomic.AddInt64(&s.DownstreamLatencyUs, int64(d/time.Microsecond))
}

// MarshalJSON uses jsoniter for the stats wire encode.
func (s *ProxyStats) MarshalJSON() ([]byte, error) { return jsoniter.Marshal(*s) }

// EmitNonZero returns a map of every field whose value is non-zero, for a
// terse STATS response body that omits counters nothing has touched yet.
func (s *ProxyStats) EmitNonZero() map[string]int64 {
	out := make(map[string]int64)
	add := func(name string, v int64) {
		if v != 0 {
			out[name] = v
		}
	}
	add("tot_connections.n", s.TotConnectionsN)
	add("tot_ops.n", s.TotOpsN)
	add("tot_multiget_keys.n", s.TotMultigetKeysN)
	add("tot_multiget_keys_dedupe.n", s.TotMultigetKeysDedupeN)
	add("tot_multiget_bytes_dedupe.n", s.TotMultigetBytesDedupeN)
	add("tot_retry.n", s.TotRetryN)
	add("tot_retry_vbucket.n", s.TotRetryVBucketN)
	add("tot_optimize_sets.n", s.TotOptimizeSetsN)
	add("err_oom.n", s.ErrOOMN)
	add("tot_downstream_timeout.n", s.TotDownstreamTimeoutN)
	add("tot_wait_queue_timeout.n", s.TotWaitQueueTimeoutN)
	add("downstream_latency.μs", s.DownstreamLatencyUs)
	return out
}

// Set copies a downstream.Stats snapshot's counters into
// a ProxyStats so the pool-level export reflects what reservations have
// observed; kept as a plain field-by-field copy rather than an import
// cycle (stats has no dependency on downstream).
func (s *ProxyStats) Set(multigetKeys, multigetDedupe, multigetBytesDedupe, retry, retryVBucket, optimizeSets, oom, downstreamTimeout, waitQueueTimeout int64) {
	atomic.StoreInt64(&s.TotMultigetKeysN, multigetKeys)
	atomic.StoreInt64(&s.TotMultigetKeysDedupeN, multigetDedupe)
	atomic.StoreInt64(&s.TotMultigetBytesDedupeN, multigetBytesDedupe)
	atomic.StoreInt64(&s.TotRetryN, retry)
	atomic.StoreInt64(&s.TotRetryVBucketN, retryVBucket)
	atomic.StoreInt64(&s.TotOptimizeSetsN, optimizeSets)
	atomic.StoreInt64(&s.ErrOOMN, oom)
	atomic.StoreInt64(&s.TotDownstreamTimeoutN, downstreamTimeout)
	atomic.StoreInt64(&s.TotWaitQueueTimeoutN, waitQueueTimeout)
}
