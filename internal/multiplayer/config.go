package multiplayer

import (
	"fmt"
	"time"

	"github.com/blukai/kingdomsnet/internal/protocol"
	"github.com/kelseyhightower/envconfig"
)

// Discovery selects how sessions are found. The two modes never mix.
type Discovery string

const (
	DiscoveryLAN   Discovery = "lan"
	DiscoveryRelay Discovery = "relay"
)

// Version is the protocol version spoken by this build.
var Version = protocol.Version{Major: 1, Medium: 0, Minor: 0}

type Config struct {
	// Host is the local ip to bind, empty means all interfaces.
	Host          string    `envconfig:"HOST"`
	PreferredPort int       `envconfig:"PREFERRED_PORT" default:"19255"`
	BroadcastAddr string    `envconfig:"BROADCAST_ADDR" default:"255.255.255.255"`
	Discovery     Discovery `envconfig:"DISCOVERY" default:"lan"`
	RelayAddr     string    `envconfig:"RELAY_ADDR"`

	BeaconInterval    time.Duration `envconfig:"BEACON_INTERVAL" default:"1s"`
	ListingInterval   time.Duration `envconfig:"LISTING_INTERVAL" default:"2s"`
	StaleSessionAfter time.Duration `envconfig:"STALE_SESSION_AFTER" default:"6s"`
	MaxSessions       int           `envconfig:"MAX_SESSIONS" default:"64"`

	ConnectRetryInterval time.Duration `envconfig:"CONNECT_RETRY_INTERVAL" default:"500ms"`
	ConnectAttempts      int           `envconfig:"CONNECT_ATTEMPTS" default:"6"`

	LadderTimeout  time.Duration `envconfig:"LADDER_TIMEOUT" default:"3s"`
	ListingTimeout time.Duration `envconfig:"LISTING_TIMEOUT" default:"5s"`

	StreamFragmentSize      int           `envconfig:"STREAM_FRAGMENT_SIZE" default:"1024"`
	StreamReassemblyTimeout time.Duration `envconfig:"STREAM_REASSEMBLY_TIMEOUT" default:"2s"`

	// RecvQueueSize caps the datagrams one Yield reads off the socket.
	RecvQueueSize int `envconfig:"RECV_QUEUE_SIZE" default:"512"`
	// PeerTimeout drops players that went silent for this long. Zero
	// disables it.
	PeerTimeout time.Duration `envconfig:"PEER_TIMEOUT" default:"0s"`

	Version protocol.Version `ignored:"true"`
}

// DefaultConfig returns the defaults without looking at the environment.
func DefaultConfig() Config {
	return Config{
		PreferredPort:           19255,
		BroadcastAddr:           "255.255.255.255",
		Discovery:               DiscoveryLAN,
		BeaconInterval:          time.Second,
		ListingInterval:         2 * time.Second,
		StaleSessionAfter:       6 * time.Second,
		MaxSessions:             64,
		ConnectRetryInterval:    500 * time.Millisecond,
		ConnectAttempts:         6,
		LadderTimeout:           3 * time.Second,
		ListingTimeout:          5 * time.Second,
		StreamFragmentSize:      1024,
		StreamReassemblyTimeout: 2 * time.Second,
		RecvQueueSize:           512,
		Version:                 Version,
	}
}

// LoadConfig reads KNET_* environment variables on top of the defaults.
func LoadConfig() (Config, error) {
	cfg := Config{}
	if err := envconfig.Process("knet", &cfg); err != nil {
		return Config{}, fmt.Errorf("could not process config: %w", err)
	}
	cfg.Version = Version
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Discovery {
	case DiscoveryLAN, DiscoveryRelay:
	default:
		return fmt.Errorf("invalid discovery mode %q", c.Discovery)
	}
	if c.ConnectAttempts <= 0 {
		return fmt.Errorf("connect attempts must be positive, got %d", c.ConnectAttempts)
	}
	maxFragment := protocol.MaxDatagramSize - protocol.PacketHeaderSize
	if c.StreamFragmentSize <= 0 || c.StreamFragmentSize > maxFragment {
		return fmt.Errorf("stream fragment size must be in (0, %d], got %d", maxFragment, c.StreamFragmentSize)
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("max sessions must be positive, got %d", c.MaxSessions)
	}
	return nil
}
