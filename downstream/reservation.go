package downstream

import (
	"context"
	"sync"
	"time"

	"github.com/clustercache/moxicore/cmn"
	"github.com/clustercache/moxicore/frontcache"
	"github.com/clustercache/moxicore/multiget"
	"github.com/clustercache/moxicore/route"
)

// CommandKind classifies the upstream operation a Reservation was bound
// for.
type CommandKind int

const (
	KindSingleKey CommandKind = iota
	KindMultiKey
	KindBroadcast
	KindItemCarrying
)

// Command is the host-parsed upstream request, abstracted away from wire
// bytes; wire parsing itself lives on the host side.
type Command struct {
	Kind      CommandKind
	Keys      []string
	Opaque    uint32
	IsBinary  bool
	IsQuiet   bool
	Item      *frontcache.Item // for item-carrying (SET/ADD/...) commands
	StatQuery string           // for broadcast STATS
}

// UpstreamConn is the narrow interface a Reservation needs on the
// upstream side: writing a response, and pausing/unpausing while waiting
// on downstreams.
type UpstreamConn interface {
	WriteValue(key string, value []byte, flags uint32, opaque uint32) error
	WriteLine(line string) error
	WriteError(err error) error
	Unpause()
}

// mergerLine is one STAT line accumulated from multiple shards, keyed by
// stat name so identical lines from different servers coalesce.
type mergerLine struct {
	name, val string
}

// Reservation is the unit of downstream work for one upstream operation.
// It is drawn from a per-worker free list and parked on a "reserved" list
// while in use; the ptd package owns those lists, this struct is the
// payload they hold.
type Reservation struct {
	ConnSet       *ConnSet
	PoolName      string
	ConfigVersion int64

	mu            sync.Mutex
	upstream      UpstreamConn
	cmd           Command
	targetHost    string
	suffix        string
	binaryStatus  uint16
	retryCount    int
	maxRetries    int
	multigetMap   *multiget.Map
	merger        map[string]mergerLine
	startedAt     time.Time
	deadline      time.Time

	downstreamUsed      int
	downstreamUsedStart int

	frontCache     *frontcache.Cache
	frontSpec      *frontcache.Matcher
	frontUnspec    *frontcache.Matcher
	optimizeSet    *frontcache.Matcher

	selector *route.Selector

	stats *Stats
}

// Stats is the subset of per-reservation counters this reservation
// updates directly; the worker-level aggregate lives in the ptd package.
type Stats struct {
	mu sync.Mutex

	TotMultigetKeys        uint64
	TotMultigetKeysDedupe  uint64
	TotMultigetBytesDedupe uint64
	TotRetry               uint64
	TotRetryVBucket        uint64
	TotOptimizeSets        uint64
	ErrOOM                 uint64
	TotDownstreamTimeout   uint64
	TotWaitQueueTimeout    uint64
}

func (s *Stats) incRetry()          { s.mu.Lock(); s.TotRetry++; s.mu.Unlock() }
func (s *Stats) incRetryVBucket()   { s.mu.Lock(); s.TotRetryVBucket++; s.mu.Unlock() }
func (s *Stats) incOptimizeSet()    { s.mu.Lock(); s.TotOptimizeSets++; s.mu.Unlock() }
func (s *Stats) incOOM()            { s.mu.Lock(); s.ErrOOM++; s.mu.Unlock() }
func (s *Stats) incMultiget(n, dedupe uint64) {
	s.mu.Lock()
	s.TotMultigetKeys += n
	s.TotMultigetKeysDedupe += dedupe
	s.mu.Unlock()
}

// New constructs a reservation against cs, to be bound to an upstream
// command via Bind.
func New(cs *ConnSet, poolName string, configVersion int64, selector *route.Selector,
	fc *frontcache.Cache, frontSpec, frontUnspec, optimizeSet *frontcache.Matcher, maxRetries int, stats *Stats) *Reservation {
	return &Reservation{
		ConnSet:       cs,
		PoolName:      poolName,
		ConfigVersion: configVersion,
		selector:      selector,
		frontCache:    fc,
		frontSpec:     frontSpec,
		frontUnspec:   frontUnspec,
		optimizeSet:   optimizeSet,
		maxRetries:    maxRetries,
		stats:         stats,
	}
}

// MatchesVersion reports whether this reservation's config snapshot still
// matches the ptd's current version; a mismatching reservation is freed
// rather than reused.
func (r *Reservation) MatchesVersion(v int64) bool { return r.ConfigVersion == v }

// Bind pins the upstream connection, snapshots the command, and sets a
// downstream-operation timeout.
func (r *Reservation) Bind(u UpstreamConn, cmd Command, timeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upstream = u
	r.cmd = cmd
	r.startedAt = time.Now()
	if timeout > 0 {
		r.deadline = r.startedAt.Add(timeout)
	}
	r.retryCount = 0
	if cmd.Kind == KindMultiKey {
		r.multigetMap = multiget.New()
	}
	if cmd.StatQuery != "" {
		r.merger = make(map[string]mergerLine)
	}
}

// Dispatch sends the bound command downstream: single-key commands are
// routed by the server selector, multigets fan out per-key through the
// de-duplicator, and broadcasts copy to every slot with a pre-staged
// reply suffix.
func (r *Reservation) Dispatch(ctx context.Context) error {
	r.mu.Lock()
	cmd := r.cmd
	r.mu.Unlock()

	switch cmd.Kind {
	case KindSingleKey:
		return r.dispatchSingle(ctx, cmd)
	case KindMultiKey:
		return r.dispatchMultiget(ctx, cmd)
	case KindBroadcast:
		return r.dispatchBroadcast(ctx, cmd)
	case KindItemCarrying:
		return r.dispatchItemCarrying(ctx, cmd)
	}
	return &cmn.ErrProtocol{Detail: "unknown command kind"}
}

func (r *Reservation) dispatchSingle(ctx context.Context, cmd Command) error {
	if len(cmd.Keys) != 1 {
		return &cmn.ErrProtocol{Detail: "single-key command requires exactly one key"}
	}
	key := cmd.Keys[0]

	if r.frontCache != nil && frontcache.Admits(r.frontSpec, r.frontUnspec, key) {
		if it := r.frontCache.Get(key, time.Now()); it != nil {
			r.mu.Lock()
			u := r.upstream
			r.mu.Unlock()
			if u != nil {
				_ = u.WriteValue(key, it.Value, it.Flags, cmd.Opaque)
			}
			r.finishLocked("END\r\n")
			return nil
		}
	}

	sel, err := r.selector.Select([]byte(key))
	if err != nil {
		r.stats.incOOM()
		return err
	}
	conn, err := r.ConnSet.Acquire(ctx, sel.ServerIndex)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.targetHost = r.ConnSet.Route.Servers[sel.ServerIndex]
	r.downstreamUsed = 1
	r.downstreamUsedStart = 1
	r.mu.Unlock()

	if err := r.ConnSet.Uncork(sel.ServerIndex); err != nil {
		return err
	}
	_, err = conn.Write(encodeGet(key, cmd.Opaque, cmd.IsBinary))
	return err
}

func (r *Reservation) dispatchMultiget(ctx context.Context, cmd Command) error {
	r.mu.Lock()
	u := r.upstream
	mm := r.multigetMap
	r.mu.Unlock()
	if mm == nil {
		mm = multiget.New()
		r.mu.Lock()
		r.multigetMap = mm
		r.mu.Unlock()
	}

	var toSend []string
	for _, key := range cmd.Keys {
		if mm.Add(key, u, cmd.Opaque) {
			toSend = append(toSend, key)
		}
	}
	r.stats.incMultiget(uint64(len(cmd.Keys)), uint64(mm.DedupeCount()))

	used := 0
	for _, key := range toSend {
		sel, err := r.selector.Select([]byte(key))
		if err != nil {
			continue
		}
		conn, err := r.ConnSet.Acquire(ctx, sel.ServerIndex)
		if err != nil {
			continue
		}
		if err := r.ConnSet.Uncork(sel.ServerIndex); err != nil {
			continue
		}
		if _, err := conn.Write(encodeGet(key, cmd.Opaque, cmd.IsBinary)); err == nil {
			used++
		}
	}
	r.mu.Lock()
	r.downstreamUsed = used
	r.downstreamUsedStart = used
	r.mu.Unlock()
	if used == 0 {
		r.finishLocked("END\r\n")
	}
	return nil
}

func (r *Reservation) dispatchBroadcast(ctx context.Context, cmd Command) error {
	n := r.ConnSet.NumServers()
	used := 0
	for i := 0; i < n; i++ {
		conn, err := r.ConnSet.Acquire(ctx, i)
		if err != nil {
			continue
		}
		if err := r.ConnSet.Uncork(i); err != nil {
			continue
		}
		if _, err := conn.Write(encodeBroadcast(cmd.StatQuery)); err == nil {
			used++
		}
	}
	r.mu.Lock()
	r.downstreamUsed = used
	r.downstreamUsedStart = used
	r.suffix = broadcastSuffix(cmd.StatQuery)
	r.mu.Unlock()
	if used == 0 {
		r.finishLocked(broadcastSuffix(cmd.StatQuery))
	}
	return nil
}

func (r *Reservation) dispatchItemCarrying(ctx context.Context, cmd Command) error {
	if cmd.Item == nil {
		return &cmn.ErrProtocol{Detail: "item-carrying command missing item"}
	}
	key := cmd.Item.Key

	// If the key matches optimize_set, reply STORED immediately while the
	// write proceeds fire-and-forget downstream.
	if r.optimizeSet != nil && r.optimizeSet.Match(key) {
		r.stats.incOptimizeSet()
		r.mu.Lock()
		u := r.upstream
		r.mu.Unlock()
		if u != nil {
			_ = u.WriteLine("STORED\r\n")
		}
		go func() {
			sel, err := r.selector.Select([]byte(key))
			if err != nil {
				r.stats.incOOM()
				return
			}
			conn, err := r.ConnSet.Acquire(ctx, sel.ServerIndex)
			if err != nil {
				r.stats.incOOM()
				return
			}
			_, _ = conn.Write(encodeSet(cmd.Item))
		}()
		r.finishLocked("")
		return nil
	}

	sel, err := r.selector.Select([]byte(key))
	if err != nil {
		r.stats.incOOM()
		return err
	}
	conn, err := r.ConnSet.Acquire(ctx, sel.ServerIndex)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.targetHost = r.ConnSet.Route.Servers[sel.ServerIndex]
	r.downstreamUsed = 1
	r.downstreamUsedStart = 1
	r.mu.Unlock()
	_, err = conn.Write(encodeSet(cmd.Item))
	return err
}

// OnDownstreamValue handles one VALUE response for key from a downstream
// shard: fans it to every upstream requester tracked by the multiget map
// (or writes it directly for a single-key GET), admits the key to the
// front cache when matcher-allowed, and decrements downstream_used.
func (r *Reservation) OnDownstreamValue(key string, value []byte, flags uint32) {
	r.mu.Lock()
	mm := r.multigetMap
	u := r.upstream
	opaque := r.cmd.Opaque
	r.mu.Unlock()

	if mm != nil {
		dedupeFanned := mm.Deliver(key, func(up multiget.Upstream, opq uint32) {
			if uc, ok := up.(UpstreamConn); ok && uc != nil {
				_ = uc.WriteValue(key, value, flags, opq)
			}
		})
		if dedupeFanned > 0 {
			r.stats.mu.Lock()
			r.stats.TotMultigetBytesDedupe += uint64(dedupeFanned * len(value))
			r.stats.mu.Unlock()
		}
	} else if u != nil {
		_ = u.WriteValue(key, value, flags, opaque)
	}

	if r.frontCache != nil && frontcache.Admits(r.frontSpec, r.frontUnspec, key) {
		r.frontCache.Set(frontcache.Item{Key: key, Value: value, Flags: flags, InsertedAt: time.Now()}, false)
	}

	r.decrementDownstreamUsed()
}

// decrementDownstreamUsed drops the in-flight shard counter; when it
// reaches zero, the reservation writes its suffix to the upstream and
// unpauses it.
func (r *Reservation) decrementDownstreamUsed() {
	r.mu.Lock()
	r.downstreamUsed--
	done := r.downstreamUsed <= 0
	suffix := r.suffix
	if suffix == "" {
		suffix = "END\r\n"
	}
	r.mu.Unlock()
	if done {
		r.finishLocked(suffix)
	}
}

func (r *Reservation) finishLocked(suffix string) {
	r.mu.Lock()
	u := r.upstream
	r.mu.Unlock()
	if u != nil && suffix != "" {
		_ = u.WriteLine(suffix)
	}
	if u != nil {
		u.Unpause()
	}
}

// RetryNotMyVBucket marks (server, vbucket) invalid on the reservation's
// routing table and, if retries remain, re-dispatches for the still-
// outstanding keys (reusing the multiget map so already-satisfied keys
// are not re-requested). Returns false once max_retries is exceeded,
// meaning the caller must surface a temporary error upstream instead.
func (r *Reservation) RetryNotMyVBucket(ctx context.Context, server, vbucket int) (retried bool) {
	r.selector.Invalidate(server, vbucket)
	r.stats.incRetry()
	r.stats.incRetryVBucket()

	r.mu.Lock()
	r.retryCount++
	exceeded := r.retryCount > r.maxRetries
	cmd := r.cmd
	mm := r.multigetMap
	r.mu.Unlock()

	if exceeded {
		return false
	}

	if mm != nil {
		cmd.Keys = mm.OutstandingKeys()
		if len(cmd.Keys) == 0 {
			r.finishLocked("END\r\n")
			return true
		}
		_ = r.dispatchMultigetRetry(ctx, cmd, mm)
		return true
	}

	_ = r.Dispatch(ctx)
	return true
}

// dispatchMultigetRetry re-sends only the outstanding keys without
// re-adding them to the map (they are already present from the first
// pass), so the dedupe/hit bookkeeping stays correct across a retry.
func (r *Reservation) dispatchMultigetRetry(ctx context.Context, cmd Command, mm *multiget.Map) error {
	used := 0
	for _, key := range cmd.Keys {
		sel, err := r.selector.Select([]byte(key))
		if err != nil {
			continue
		}
		conn, err := r.ConnSet.Acquire(ctx, sel.ServerIndex)
		if err != nil {
			continue
		}
		if _, err := conn.Write(encodeGet(key, cmd.Opaque, cmd.IsBinary)); err == nil {
			used++
		}
	}
	r.mu.Lock()
	r.downstreamUsed = used
	r.mu.Unlock()
	if used == 0 {
		r.finishLocked("END\r\n")
	}
	return nil
}

// RetryCount reports how many retries this reservation has consumed.
func (r *Reservation) RetryCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retryCount
}

// Detach clears the upstream pointer on a mid-operation close: in-flight
// downstream replies continue to drain and are discarded rather than
// aborted mid-frame.
func (r *Reservation) Detach() {
	r.mu.Lock()
	r.upstream = nil
	r.mu.Unlock()
	if r.multigetMap != nil {
		r.multigetMap.RemoveUpstream(nil) // no-op placeholder; real host passes the conn identity
	}
}

// DetachUpstream removes u from any outstanding multiget fan-out list and
// clears it as the bound upstream, used when the host reports the
// specific connection that closed.
func (r *Reservation) DetachUpstream(u UpstreamConn) {
	r.mu.Lock()
	if r.upstream == u {
		r.upstream = nil
	}
	mm := r.multigetMap
	r.mu.Unlock()
	if mm != nil {
		mm.RemoveUpstream(u)
	}
}

// Expired reports whether the downstream-operation deadline has passed;
// the host's event loop calls this from timer expiry.
func (r *Reservation) Expired(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.deadline.IsZero() && now.After(r.deadline)
}

// TimeoutAndRelease writes a protocol-appropriate error suffix and
// releases the reservation on timer expiry.
func (r *Reservation) TimeoutAndRelease() {
	r.stats.mu.Lock()
	r.stats.TotDownstreamTimeout++
	r.stats.mu.Unlock()
	r.finishLocked("")
	r.mu.Lock()
	u := r.upstream
	r.mu.Unlock()
	if u != nil {
		_ = u.WriteError(&cmn.ErrTimeout{Kind: "downstream"})
	}
}

// Reset clears per-operation state so the reservation can be returned to
// a worker's released list and reused for a future upstream.
func (r *Reservation) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upstream = nil
	r.cmd = Command{}
	r.targetHost = ""
	r.suffix = ""
	r.binaryStatus = 0
	r.retryCount = 0
	r.multigetMap = nil
	r.merger = nil
	r.downstreamUsed = 0
	r.downstreamUsedStart = 0
}

// MergeStatLine coalesces one STAT line from a shard into the per-
// reservation merger.
func (r *Reservation) MergeStatLine(name, val string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.merger == nil {
		r.merger = make(map[string]mergerLine)
	}
	r.merger[name] = mergerLine{name: name, val: val}
}

// MergedStats returns the combined STAT output accumulated so far.
func (r *Reservation) MergedStats() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.merger))
	for k, v := range r.merger {
		out[k] = v.val
	}
	return out
}

// --- minimal wire encoders -------------------------------------------------
//
// These produce the bytes a real ASCII/binary memcached codec would; they
// exist only so the reservation has something concrete to hand a Conn.
// Full protocol framing is expected to live in the host.

func encodeGet(key string, opaque uint32, binary bool) []byte {
	if binary {
		return []byte("\x80\x0c" + key) // binary GETQ header stub, opaque carried out-of-band by the host
	}
	return []byte("get " + key + "\r\n")
}

func encodeSet(it *frontcache.Item) []byte {
	return []byte("set " + it.Key + " \r\n" + string(it.Value) + "\r\n")
}

func encodeBroadcast(statQuery string) []byte {
	if statQuery != "" {
		return []byte("stats " + statQuery + "\r\n")
	}
	return []byte("flush_all\r\n")
}

func broadcastSuffix(statQuery string) string {
	if statQuery != "" {
		return "END\r\n"
	}
	return "OK\r\n"
}
