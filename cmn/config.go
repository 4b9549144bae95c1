package cmn

import (
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// NodeLocator selects the routing policy a pool's server selector uses:
// ketama consistent hashing or a vbucket partition map.
type NodeLocator string

const (
	LocatorKetama   NodeLocator = "ketama"
	LocatorVBucket  NodeLocator = "vbucket"
	DefaultLocator              = LocatorVBucket
)

const (
	// NullBucket is the distinguished tenant-less fallback pool name; it
	// is never retired during reconfiguration.
	NullBucket = "[ <NULL_BUCKET> ]"
	// FirstBucket signals that upstream connections start on the first
	// configured bucket rather than a named one.
	FirstBucket = "[ <FIRST_BUCKET> ]"
)

// AdminAuthBypassEnv is the admin-auth bypass environment variable name.
// Kept byte-for-byte, misspelling included: external tooling may already
// depend on this exact spelling.
const AdminAuthBypassEnv = "MOXICORE_DIABLE_ADMIN_AUTH"

// Behavior mirrors proxy_behavior from the original cproxy.h: per-pool
// (PL) and per-server (SL) tunables inherited from a pool's base behavior.
type Behavior struct {
	// IL: process-wide.
	Cycle time.Duration `json:"cycle"`

	// PL: pool-level.
	DownstreamMax      int           `json:"downstream_max"`
	DownstreamConnMax  int           `json:"downstream_conn_max"`
	WaitQueueTimeout   time.Duration `json:"wait_queue_timeout"`
	ConnectTimeout     time.Duration `json:"connect_timeout"`
	AuthTimeout        time.Duration `json:"auth_timeout"`
	TimeStats          bool          `json:"time_stats"`
	MaxRetries         int           `json:"max_retries"`
	ConnectMaxErrors   int           `json:"connect_max_errors"`
	ConnectRetryMsec   time.Duration `json:"connect_retry_interval"`
	FrontCacheMax      int           `json:"front_cache_max"`
	FrontCacheLifespan time.Duration `json:"front_cache_lifespan"`
	FrontCacheSpec     string        `json:"front_cache_spec"`
	FrontCacheUnspec   string        `json:"front_cache_unspec"`
	KeyStatsMax        int           `json:"key_stats_max"`
	KeyStatsLifespan   time.Duration `json:"key_stats_lifespan"`
	KeyStatsSpec       string        `json:"key_stats_spec"`
	KeyStatsUnspec     string        `json:"key_stats_unspec"`
	OptimizeSet        string        `json:"optimize_set"`
	DefaultBucketName  string        `json:"default_bucket_name"`
	PortListen         int           `json:"port_listen"`

	// SL: server-level, inherited from the pool's base unless overridden
	// per-server in BehaviorPool.Servers.
	DownstreamWeight   int           `json:"downstream_weight"`
	DownstreamProtocol string        `json:"downstream_protocol"` // "ascii" | "binary"
	DownstreamTimeout  time.Duration `json:"downstream_timeout"`
	User               string        `json:"usr"`
	Password           string        `json:"pwd"`
	Host               string        `json:"host"`
	Port               int           `json:"port"`
	Bucket             string        `json:"bucket"`
}

// DefaultBehavior matches behavior_default_g's non-zero fields.
func DefaultBehavior() Behavior {
	return Behavior{
		Cycle:              200 * time.Millisecond,
		DownstreamMax:       4,
		DownstreamConnMax:   4,
		WaitQueueTimeout:    200 * time.Millisecond,
		ConnectTimeout:      400 * time.Millisecond,
		AuthTimeout:         500 * time.Millisecond,
		MaxRetries:          2,
		ConnectMaxErrors:    3,
		ConnectRetryMsec:    30 * time.Second,
		FrontCacheMax:       200,
		FrontCacheLifespan:  0,
		KeyStatsMax:         0,
		DownstreamWeight:    1,
		DownstreamProtocol:  "ascii",
		DownstreamTimeout:   5 * time.Second,
	}
}

// BehaviorPool is (base, per-server) the way cproxy_behavior_pool pairs a
// pool-level base with an array of server-level overrides.
type BehaviorPool struct {
	Base    Behavior   `json:"base"`
	Servers []Behavior `json:"servers"`
}

// ServerNode is one downstream server entry, parsed from either
// nodes[]/serverList (management JSON) or svr-<name> (key-value config).
type ServerNode struct {
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
	Status   string `json:"status"` // "healthy" filters others out
	Weight   int    `json:"weight"`
	Bucket   string `json:"bucket"`
	User     string `json:"usr"`
	Password string `json:"pwd"`
}

// Healthy reports whether a node should participate in routing; an empty
// Status is treated as healthy (key-value configs rarely set it).
func (s ServerNode) Healthy() bool {
	return s.Status == "" || strings.EqualFold(s.Status, "healthy")
}

// VBucketMap is the parsed vBucketServerMap for vbucket-routed pools.
type VBucketMap struct {
	HashAlgorithm string     `json:"hashAlgorithm"`
	ServerList    []string   `json:"serverList"`
	Map           [][]int    `json:"vBucketMap"` // vbucket index -> [primary, replicas...]
}

// PoolSpec is one pool description as delivered over the management
// channel, prior to being diffed/applied by the reconfig pipeline.
type PoolSpec struct {
	Name          string       `json:"name"`
	NodeLocator   NodeLocator  `json:"nodeLocator"`
	SASLPassword  string       `json:"saslPassword"`
	Nodes         []ServerNode `json:"nodes"`
	VBucketServerMap *VBucketMap `json:"vBucketServerMap,omitempty"`
	Behavior      Behavior     `json:"behavior"`
	PortListen    int          `json:"port_listen"`
}

// ParsePoolDocument accepts either a single pool object or a JSON array of
// pool objects, with "default" sorted first so default-bucket clients see
// it earliest.
func ParsePoolDocument(raw []byte) ([]PoolSpec, error) {
	trimmed := strings.TrimSpace(string(raw))
	var specs []PoolSpec
	if strings.HasPrefix(trimmed, "[") {
		if err := jsoniter.Unmarshal(raw, &specs); err != nil {
			return nil, Wrap(err, "parse pool document array")
		}
	} else {
		var one PoolSpec
		if err := jsoniter.Unmarshal(raw, &one); err != nil {
			return nil, Wrap(err, "parse pool document")
		}
		specs = []PoolSpec{one}
	}
	for i, s := range specs {
		if s.NodeLocator == "" {
			specs[i].NodeLocator = DefaultLocator
		}
	}
	sortDefaultFirst(specs)
	return specs, nil
}

func sortDefaultFirst(specs []PoolSpec) {
	for i, s := range specs {
		if s.Name == "default" && i != 0 {
			specs[0], specs[i] = specs[i], specs[0]
			return
		}
	}
}

// GCO is a copy-on-write global config holder: BeginUpdate/CommitUpdate
// mean readers never see a torn Config. The per-worker ptd snapshot does
// not read from it; ptd.New takes its behavior as an argument.
type GCO struct {
	mu  sync.Mutex
	cur *Config
}

type Config struct {
	ConfigDir string
	Pools     []PoolSpec
	Version   int64
}

func NewGCO() *GCO {
	return &GCO{cur: &Config{}}
}

func (g *GCO) Get() *Config {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cur
}

// BeginUpdate returns a shallow copy of the current config for the caller
// to mutate; CommitUpdate installs it. The mutex is only held across the
// pointer swap, never across caller mutation, so readers never block.
func (g *GCO) BeginUpdate() *Config {
	g.mu.Lock()
	cur := g.cur
	cp := *cur
	g.mu.Unlock()
	return &cp
}

func (g *GCO) CommitUpdate(cfg *Config) {
	g.mu.Lock()
	g.cur = cfg
	g.mu.Unlock()
}
