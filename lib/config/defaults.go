package config

import (
	"time"

	"github.com/go-i2p/go-hopwire/lib/porthop"
)

// ConfigDefaults contains all default configuration values for a hopwire
// node. This centralizes defaults to make them easy to discover, document,
// and modify.
type ConfigDefaults struct {
	Node    NodeDefaults
	Hop     HopDefaults
	Session SessionDefaults
	Keys    KeysDefaults
	Time    TimeDefaults
}

// NodeDefaults contains default values for the node's identity.
type NodeDefaults struct {
	// ListenIP is the local bind address.
	// Default: "0.0.0.0" (all interfaces)
	ListenIP string

	// AdvertiseIP is the address peers reach this node at. There is no
	// sensible default; a node accepting sessions must set it.
	AdvertiseIP string

	// ContactPort is the well-known handshake port.
	// Default: 46000
	ContactPort int
}

// HopDefaults contains default values for the port hopping schedule. Both
// peers of a session must agree on every value here.
type HopDefaults struct {
	// BasePort is the bottom of the hop range.
	// Default: 10000
	BasePort uint16

	// PortRange is the size of the hop range.
	// Default: 40000
	PortRange uint16

	// Interval is the duration of one hop window.
	// Default: 250ms
	Interval time.Duration
}

// SessionDefaults contains default values for session keepalive.
type SessionDefaults struct {
	// HeartbeatInterval is how often heartbeats are sent.
	// Default: 10 seconds
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is how long peer silence is tolerated before it
	// counts as drift.
	// Default: 90 seconds
	HeartbeatTimeout time.Duration
}

// KeysDefaults contains default values for pre-shared key handling.
type KeysDefaults struct {
	// File is the path of the YAML key file.
	// Default: $HOME/.hopwire/keys.yaml
	File string
}

// TimeDefaults contains default values for startup clock verification.
type TimeDefaults struct {
	// NTPCheck verifies the system clock against NTP before any session
	// starts. A badly skewed clock lands every session outside the peer's
	// hop window from the first packet.
	// Default: true
	NTPCheck bool

	// NTPServer is the server queried for the check.
	// Default: "pool.ntp.org"
	NTPServer string
}

// Defaults returns a ConfigDefaults instance with all default values set.
// This is the single source of truth for all configuration defaults.
func Defaults() ConfigDefaults {
	return ConfigDefaults{
		Node: NodeDefaults{
			ListenIP:    "0.0.0.0",
			AdvertiseIP: "",
			ContactPort: 46000,
		},
		Hop: HopDefaults{
			BasePort:  porthop.DefaultBasePort,
			PortRange: porthop.DefaultPortRange,
			Interval:  porthop.HopInterval,
		},
		Session: SessionDefaults{
			HeartbeatInterval: 10 * time.Second,
			HeartbeatTimeout:  90 * time.Second,
		},
		Keys: KeysDefaults{
			File: defaultKeyFile(),
		},
		Time: TimeDefaults{
			NTPCheck:  true,
			NTPServer: "pool.ntp.org",
		},
	}
}

// Validate checks a resolved NodeConfig for values that cannot work.
// Returns an error describing the first invalid value found.
func Validate(cfg *NodeConfig) error {
	if cfg.ContactPort < 1 || cfg.ContactPort > 65535 {
		log.WithField("contact_port", cfg.ContactPort).Error("Invalid node configuration")
		return newValidationError("node.contact_port must be between 1 and 65535")
	}
	if cfg.PortRange == 0 {
		log.WithField("port_range", cfg.PortRange).Error("Invalid hop configuration")
		return newValidationError("hop.port_range must be at least 1")
	}
	if int(cfg.BasePort)+int(cfg.PortRange) > 65536 {
		log.WithFields(map[string]interface{}{
			"base_port":  cfg.BasePort,
			"port_range": cfg.PortRange,
		}).Error("Invalid hop configuration")
		return newValidationError("hop range must not exceed port 65535")
	}
	if cfg.HopInterval < 10*time.Millisecond {
		log.WithField("hop_interval", cfg.HopInterval).Error("Invalid hop configuration")
		return newValidationError("hop.interval must be at least 10ms")
	}
	if cfg.HeartbeatTimeout < cfg.HeartbeatInterval {
		log.WithFields(map[string]interface{}{
			"heartbeat_interval": cfg.HeartbeatInterval,
			"heartbeat_timeout":  cfg.HeartbeatTimeout,
		}).Error("Invalid session configuration")
		return newValidationError("session.heartbeat_timeout must be >= session.heartbeat_interval")
	}
	for _, peer := range cfg.Peers {
		if peer.Address == "" {
			log.WithField("peer", peer.Name).Error("Invalid peer configuration")
			return newValidationError("every peer needs an address")
		}
	}
	return nil
}

// validationError is returned when configuration validation fails
type validationError struct {
	message string
}

func newValidationError(message string) error {
	return &validationError{message: message}
}

func (e *validationError) Error() string {
	return "configuration validation failed: " + e.message
}
