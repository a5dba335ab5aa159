package dht

import (
	"crypto/rand"
	"io"
	"time"
)

// Default bootstrap nodes for the public Mainline DHT (spec.md §6).
var DefaultBootstrap = []string{
	"router.bittorrent.com:6881",
	"dht.transmissionbt.com:6881",
	"dht.libtorrent.org:25401",
	"relay.pkarr.org:6881",
}

const (
	// Alpha is the iterative-query parallelism factor.
	Alpha = 3

	// DefaultRequestTimeout is how long an outbound request waits for a
	// response before its slot is reaped.
	DefaultRequestTimeout = 2 * time.Second

	// DefaultQueryCacheSize bounds the LRU of cached iterative query
	// results (spec.md §3).
	DefaultQueryCacheSize = 1000

	defaultServerModeInterval   = 15 * time.Minute
	defaultMaintenanceInterval  = 5 * time.Minute

	// defaultInitialDHTSizeEstimate and defaultInitialAverageSubnets seed
	// the engine's running estimators before any query has completed, so
	// take_until_secure has a plausible scale to compare against at
	// startup (spec.md §9 open question).
	defaultInitialDHTSizeEstimate = 1_000_000.0
	defaultInitialAverageSubnets  = 20.0
)

// Handler is the pluggable inbound-request handler (spec.md §4.12).
type Handler interface {
	HandleRequest(table *RoutingTable, from *Node, msg *InboundRequest) HandlerResult
}

// HandlerResult is the tagged union a Handler returns: exactly one of
// Response, Err or FollowUp should be non-nil.
type HandlerResult struct {
	Response  *OutboundResponse
	Err       *ErrorResponse
	FollowUp  *Request // injected back into get/put, per spec.md §4.12
}

// Config configures an Rpc engine (spec.md §6).
type Config struct {
	Bootstrap []string
	Port      int
	PublicIP  string

	Server     Handler
	ServerMode bool

	RequestTimeout time.Duration
	QueryCacheSize int

	// InitialDHTSizeEstimate and InitialAverageSubnets seed the running
	// network-size and subnet-diversity estimators before the first
	// query completes (spec.md §9 open question: documented here rather
	// than hard-coded in the engine).
	InitialDHTSizeEstimate float64
	InitialAverageSubnets  float64

	ServerModeInterval  time.Duration
	MaintenanceInterval time.Duration

	// Clock and RNG are injectable for deterministic tests (spec.md §9).
	Clock Clock
	RNG   io.Reader
}

// WithDefaults returns a copy of c with zero-valued fields replaced by
// their production defaults.
func (c Config) WithDefaults() Config {
	if len(c.Bootstrap) == 0 {
		c.Bootstrap = DefaultBootstrap
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.QueryCacheSize == 0 {
		c.QueryCacheSize = DefaultQueryCacheSize
	}
	if c.InitialDHTSizeEstimate == 0 {
		c.InitialDHTSizeEstimate = defaultInitialDHTSizeEstimate
	}
	if c.InitialAverageSubnets == 0 {
		c.InitialAverageSubnets = defaultInitialAverageSubnets
	}
	if c.ServerModeInterval == 0 {
		c.ServerModeInterval = defaultServerModeInterval
	}
	if c.MaintenanceInterval == 0 {
		c.MaintenanceInterval = defaultMaintenanceInterval
	}
	if c.Clock == nil {
		c.Clock = realClock{}
	}
	if c.RNG == nil {
		c.RNG = rand.Reader
	}
	return c
}
