package node

import (
	"net"
	"sync"
	"time"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"

	"github.com/go-i2p/go-hopwire/lib/config"
	"github.com/go-i2p/go-hopwire/lib/psk"
	"github.com/go-i2p/go-hopwire/lib/session"
	"github.com/go-i2p/go-hopwire/lib/timesync"
	"github.com/go-i2p/go-hopwire/lib/util"
)

var log = logger.GetGoI2PLogger()

// PayloadHandler receives decrypted application payloads from any session.
// peer is the configured peer name for dialed sessions, "inbound" otherwise.
type PayloadHandler func(peer string, payload []byte)

// Node is one hopwire process: it accepts sessions on the contact port,
// dials the configured peers, and owns every session's lifecycle.
type Node struct {
	cfg      *config.NodeConfig
	keys     psk.Provider
	registry *session.Registry
	acceptor *session.Acceptor

	onPayload PayloadHandler

	// close channel, closed exactly once on Stop
	closeChnl chan struct{}
	closeOnce sync.Once
	// running flag and mutex for thread-safe access
	running bool
	runMux  sync.RWMutex
}

// CreateNode builds a node from a validated configuration: it loads the
// pre-shared key file (when present) and binds the contact port.
func CreateNode(cfg *config.NodeConfig, onPayload PayloadHandler) (*Node, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	n := &Node{
		cfg:       cfg,
		registry:  session.NewRegistry(),
		onPayload: onPayload,
		closeChnl: make(chan struct{}),
	}

	if util.CheckFileExists(cfg.KeyFile) {
		if err := config.CheckKeyFilePermissions(cfg.KeyFile); err != nil {
			return nil, err
		}
		keys, err := psk.LoadFile(cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		n.keys = keys
	} else {
		log.WithField("path", cfg.KeyFile).Debug("No key file, sessions run without pre-shared keys")
	}

	acceptor, err := session.NewAcceptor(n.sessionConfig("inbound", nil, nil), n.keys, n.registry, nil)
	if err != nil {
		return nil, oops.Errorf("node: binding contact port %d: %w", cfg.ContactPort, err)
	}
	n.acceptor = acceptor
	log.WithField("contact_port", cfg.ContactPort).Debug("Node created")
	return n, nil
}

// sessionConfig maps node settings onto one session's configuration.
func (n *Node) sessionConfig(peerName string, contact *net.UDPAddr, key []byte) session.Config {
	cfg := session.Config{
		AdvertiseIP:       n.cfg.AdvertiseIP,
		PeerContact:       contact,
		ContactPort:       n.cfg.ContactPort,
		ListenIP:          net.ParseIP(n.cfg.ListenIP),
		BasePort:          n.cfg.BasePort,
		PortRange:         n.cfg.PortRange,
		HopInterval:       n.cfg.HopInterval,
		HeartbeatInterval: n.cfg.HeartbeatInterval,
		HeartbeatTimeout:  n.cfg.HeartbeatTimeout,
		PSK:               key,
		OnClosed: func(id uint64, final session.State) {
			n.registry.Remove(id)
			log.WithFields(map[string]interface{}{
				"session": id,
				"peer":    peerName,
				"state":   final.String(),
			}).Debug("Session closed")
		},
	}
	if n.onPayload != nil {
		handler := n.onPayload
		cfg.OnPayload = func(payload []byte) { handler(peerName, payload) }
	}
	return cfg
}

// Registry exposes the live session set.
func (n *Node) Registry() *session.Registry { return n.registry }

// Start launches the node mainloop.
func (n *Node) Start() {
	n.runMux.Lock()
	defer n.runMux.Unlock()
	if n.running {
		log.Error("Node already running")
		return
	}
	log.Debug("Starting node")
	n.running = true
	go n.mainloop()
}

// Stop begins shutting the node down.
func (n *Node) Stop() {
	log.Debug("Stopping node")
	n.runMux.Lock()
	defer n.runMux.Unlock()
	if !n.running {
		return
	}
	n.running = false
	n.closeOnce.Do(func() { close(n.closeChnl) })
}

// Wait blocks until the node is fully stopped.
func (n *Node) Wait() {
	<-n.closeChnl
	log.Debug("Node has stopped")
}

// Close tears down the acceptor and every live session. The registered
// sessions notify their peers with an administrative reset on the way out.
func (n *Node) Close() error {
	n.acceptor.Close()
	n.registry.CloseAll()
	return nil
}

func (n *Node) mainloop() {
	if n.cfg.NTPCheck {
		if offset, err := timesync.VerifySystemClock(nil, []string{n.cfg.NTPServer}); err != nil {
			log.WithError(err).Warn("NTP clock verification skipped, no server reachable")
		} else {
			log.WithField("offset", offset.String()).Debug("System clock verified against NTP")
		}
	}

	n.acceptor.Start()
	n.dialPeers()
	n.runMainLoop()
	log.Debug("Exiting node mainloop")
}

// dialPeers initiates a session to every configured peer.
func (n *Node) dialPeers() {
	for _, peer := range n.cfg.Peers {
		if err := n.dial(peer); err != nil {
			log.WithField("peer", peer.Name).WithError(err).Error("Failed to dial peer")
		}
	}
}

func (n *Node) dial(peer *config.PeerConfig) error {
	contact, err := net.ResolveUDPAddr("udp", peer.Address)
	if err != nil {
		return oops.Errorf("node: resolving peer %q address: %w", peer.Name, err)
	}

	var key []byte
	if peer.Key != "" {
		if n.keys == nil {
			return oops.Errorf("node: peer %q names key %q but no key file is loaded", peer.Name, peer.Key)
		}
		key, err = n.keys.ByName(peer.Key)
		if err != nil {
			return oops.Errorf("node: peer %q key: %w", peer.Name, err)
		}
	}

	sess, err := session.NewInitiator(n.sessionConfig(peer.Name, contact, key))
	if err != nil {
		return err
	}
	if err := sess.Start(); err != nil {
		sess.Close()
		return err
	}
	n.registry.Add(sess)
	log.WithFields(map[string]interface{}{
		"peer":    peer.Name,
		"address": peer.Address,
		"session": sess.ID(),
	}).Debug("Dialing peer")
	return nil
}

// runMainLoop idles until Stop, keeping a slow pulse for liveness logging.
func (n *Node) runMainLoop() {
	for {
		n.runMux.RLock()
		shouldRun := n.running
		n.runMux.RUnlock()
		if !shouldRun {
			return
		}
		select {
		case <-n.closeChnl:
			log.Debug("Node received close signal in mainloop")
			return
		case <-time.After(time.Second):
		}
	}
}
