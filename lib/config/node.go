package config

import (
	"path/filepath"
	"time"
)

// NodeConfig is the resolved runtime configuration of one hopwire node.
type NodeConfig struct {
	// ListenIP is the local address sockets bind to.
	ListenIP string
	// AdvertiseIP is this node's address as peers see it; it is part of the
	// endpoint identity fed into the port schedule.
	AdvertiseIP string
	// ContactPort is the well-known UDP port where handshakes are accepted.
	ContactPort int

	// BasePort and PortRange define the hop range [BasePort, BasePort+PortRange).
	// Both peers of a session must configure the same range.
	BasePort  uint16
	PortRange uint16
	// HopInterval is the duration of one hop window.
	HopInterval time.Duration

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// KeyFile is the YAML pre-shared key file.
	KeyFile string

	// NTPCheck verifies the system clock against NTP at startup.
	NTPCheck  bool
	NTPServer string

	// Peers are dialed at startup.
	Peers []*PeerConfig
}

// PeerConfig names one peer to establish a session with.
type PeerConfig struct {
	// Name labels the peer in logs.
	Name string `mapstructure:"name"`
	// Address is the peer's contact "host:port".
	Address string `mapstructure:"address"`
	// Key is the name of the pre-shared key in the key file, empty for a
	// key-less handshake.
	Key string `mapstructure:"key"`
}

func defaultKeyFile() string {
	return filepath.Join(BuildHopwireDirPath(), "keys.yaml")
}
