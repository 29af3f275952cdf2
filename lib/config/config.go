package config

import (
	"os"
	"path/filepath"

	"github.com/go-i2p/logger"
	"github.com/spf13/viper"

	"github.com/go-i2p/go-hopwire/lib/util"
)

var (
	CfgFile string
	log     = logger.GetGoI2PLogger()
)

const HOPWIRE_BASE_DIR = ".hopwire"

func InitConfig() {
	if CfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(CfgFile)
	} else {
		// Set up viper to use the default config path $HOME/.hopwire/
		viper.AddConfigPath(BuildHopwireDirPath())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	// Load defaults
	setDefaults()

	// handle config file creating it if needed
	handleConfigFile()
}

func setDefaults() {
	d := Defaults()

	// Node identity
	viper.SetDefault("node.listen_ip", d.Node.ListenIP)
	viper.SetDefault("node.advertise_ip", d.Node.AdvertiseIP)
	viper.SetDefault("node.contact_port", d.Node.ContactPort)

	// Hop schedule
	viper.SetDefault("hop.base_port", int(d.Hop.BasePort))
	viper.SetDefault("hop.port_range", int(d.Hop.PortRange))
	viper.SetDefault("hop.interval", d.Hop.Interval)

	// Session keepalive
	viper.SetDefault("session.heartbeat_interval", d.Session.HeartbeatInterval)
	viper.SetDefault("session.heartbeat_timeout", d.Session.HeartbeatTimeout)

	// Keys
	viper.SetDefault("keys.file", d.Keys.File)

	// Time
	viper.SetDefault("time.ntp_check", d.Time.NTPCheck)
	viper.SetDefault("time.ntp_server", d.Time.NTPServer)

	// Peers to dial
	viper.SetDefault("peers", []PeerConfig{})
}

// NewNodeConfigFromViper creates a NodeConfig from current viper settings.
func NewNodeConfigFromViper() *NodeConfig {
	var peers []*PeerConfig
	if err := viper.UnmarshalKey("peers", &peers); err != nil {
		log.Warnf("Error parsing peers: %s", err)
		peers = []*PeerConfig{}
	}

	return &NodeConfig{
		ListenIP:          viper.GetString("node.listen_ip"),
		AdvertiseIP:       viper.GetString("node.advertise_ip"),
		ContactPort:       viper.GetInt("node.contact_port"),
		BasePort:          uint16(viper.GetInt("hop.base_port")),
		PortRange:         uint16(viper.GetInt("hop.port_range")),
		HopInterval:       viper.GetDuration("hop.interval"),
		HeartbeatInterval: viper.GetDuration("session.heartbeat_interval"),
		HeartbeatTimeout:  viper.GetDuration("session.heartbeat_timeout"),
		KeyFile:           viper.GetString("keys.file"),
		NTPCheck:          viper.GetBool("time.ntp_check"),
		NTPServer:         viper.GetString("time.ntp_server"),
		Peers:             peers,
	}
}

func createDefaultConfig(defaultConfigDir string) {
	defaultConfigFile := filepath.Join(defaultConfigDir, "config.yaml")
	// Ensure directory exists
	if err := os.MkdirAll(defaultConfigDir, StandardDirPermissions); err != nil {
		log.Fatalf("Could not create config directory: %s", err)
	}

	// Write current config file
	if err := viper.WriteConfigAs(defaultConfigFile); err != nil {
		log.Fatalf("Could not write default config file: %s", err)
	}

	log.Debugf("Created default configuration at: %s", defaultConfigFile)
}

func handleConfigFile() {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			if CfgFile != "" {
				log.Fatalf("Config file %s is not found: %s", CfgFile, err)
			} else {
				createDefaultConfig(BuildHopwireDirPath())
			}
		} else {
			log.Fatalf("Error reading config file: %s", err)
		}
	} else {
		log.Debugf("Using config file: %s", viper.ConfigFileUsed())
	}
}

func BuildHopwireDirPath() string {
	return filepath.Join(util.UserHome(), HOPWIRE_BASE_DIR)
}
