// Package session orchestrates a single torrent download: tracker
// announces, DHT lookups, peer sessions, and the piece scheduler,
// tied together under one errgroup per spec §5/§7, with the
// configurable worker-pool limits of spec §6.
package session

import "time"

// Config holds the enumerated options of spec §6, each documented
// with its default.
type Config struct {
	// ListenPort is the TCP listener for inbound peers, also
	// advertised to trackers (default 6881).
	ListenPort uint16
	// DHTPort is the UDP port for the DHT node (default 6881).
	DHTPort uint16
	// EnableDHT starts the DHT component when true (default true).
	EnableDHT bool
	// MaxPeersPerTorrent caps concurrent peer sessions (default 50).
	MaxPeersPerTorrent int
	// OutstandingRequestsPerPeer is the pipeline depth P (default 4).
	OutstandingRequestsPerPeer int
	// BlockSizeBytes is the request granularity; must be a power of
	// two ≤ piece_length (default 16384).
	BlockSizeBytes int
	// AnnounceTimeout sets the re-announce cadence, four times this
	// value (default 15s). A single announce is bounded by the tracker
	// package's own timeouts, not by this value.
	AnnounceTimeout time.Duration
	// DHTQueryTimeout sets the DHT lookup cadence, twelve times this
	// value (default 5s). A single DHT query is bounded by
	// dht.QueryTimeout, not by this value.
	DHTQueryTimeout time.Duration
	// PieceRequestTimeout bounds a single outstanding block request
	// before it is considered lost and re-assigned (default 30s).
	PieceRequestTimeout time.Duration
}

// DefaultConfig returns the spec §6 defaults.
func DefaultConfig() Config {
	return Config{
		ListenPort:                 6881,
		DHTPort:                    6881,
		EnableDHT:                  true,
		MaxPeersPerTorrent:         50,
		OutstandingRequestsPerPeer: 4,
		BlockSizeBytes:             16384,
		AnnounceTimeout:            15 * time.Second,
		DHTQueryTimeout:            5 * time.Second,
		PieceRequestTimeout:        30 * time.Second,
	}
}

// Option mutates a Config being built, a thin functional-options layer
// over direct struct literals so callers needn't name every field.
type Option func(*Config)

// WithListenPort overrides ListenPort.
func WithListenPort(port uint16) Option { return func(c *Config) { c.ListenPort = port } }

// WithDHTPort overrides DHTPort.
func WithDHTPort(port uint16) Option { return func(c *Config) { c.DHTPort = port } }

// WithDHTEnabled overrides EnableDHT.
func WithDHTEnabled(enabled bool) Option { return func(c *Config) { c.EnableDHT = enabled } }

// WithMaxPeers overrides MaxPeersPerTorrent.
func WithMaxPeers(n int) Option { return func(c *Config) { c.MaxPeersPerTorrent = n } }

// WithOutstandingRequestsPerPeer overrides OutstandingRequestsPerPeer.
func WithOutstandingRequestsPerPeer(n int) Option {
	return func(c *Config) { c.OutstandingRequestsPerPeer = n }
}

// NewConfig builds a Config from DefaultConfig with opts applied in order.
func NewConfig(opts ...Option) Config {
	c := DefaultConfig()
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
