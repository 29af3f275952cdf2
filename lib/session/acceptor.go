package session

import (
	"sync"

	"github.com/samber/oops"

	"github.com/go-i2p/go-hopwire/lib/psk"
	"github.com/go-i2p/go-hopwire/lib/transport"
	"github.com/go-i2p/go-hopwire/lib/util/time/monotonic"
	"github.com/go-i2p/go-hopwire/lib/wire"
)

// Acceptor listens on the well-known contact port and spawns a responder
// session for each valid SYN. Established sessions run on their own hop
// ports; the contact socket only ever sees handshakes.
type Acceptor struct {
	cfg       Config
	keys      psk.Provider
	registry  *Registry
	onSession func(*Session)
	binder    *transport.Binder

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAcceptor binds the contact port. onSession, when set, observes each
// accepted session after it is registered.
func NewAcceptor(cfg Config, keys psk.Provider, registry *Registry, onSession func(*Session)) (*Acceptor, error) {
	cfg = cfg.withDefaults()
	if cfg.ContactPort == 0 {
		return nil, oops.Errorf("session: acceptor needs a contact port")
	}
	binder := transport.NewBinder(cfg.ListenIP, monotonic.NewClock(), 0)
	if err := binder.BindPorts([]int{cfg.ContactPort}); err != nil {
		return nil, err
	}
	return &Acceptor{
		cfg:       cfg,
		keys:      keys,
		registry:  registry,
		onSession: onSession,
		binder:    binder,
		stop:      make(chan struct{}),
	}, nil
}

// Start launches the accept loop.
func (a *Acceptor) Start() {
	a.wg.Add(1)
	go a.run()
}

// Close stops accepting and releases the contact socket. Accepted sessions
// keep running; the registry owns their teardown.
func (a *Acceptor) Close() {
	a.stopOnce.Do(func() { close(a.stop) })
	a.binder.Close()
	a.wg.Wait()
}

func (a *Acceptor) run() {
	defer a.wg.Done()
	for {
		select {
		case <-a.stop:
			return
		case dg, ok := <-a.binder.Inbound():
			if !ok {
				return
			}
			a.handleContact(dg)
		}
	}
}

func (a *Acceptor) handleContact(dg transport.Datagram) {
	hdr, err := wire.DecodeHeader(dg.Data, nil)
	if err != nil || hdr.Type != wire.PacketSYN {
		return
	}
	end := wire.HeaderSize + int(hdr.PayloadLen)
	if end > len(dg.Data) {
		return
	}
	syn, err := wire.DecodeSYN(dg.Data[wire.HeaderSize:end])
	if err != nil {
		return
	}

	// A retransmitted SYN for a known id means our SYN-ACK was lost and
	// the initiator started over with a fresh ephemeral; the old half
	// session is unusable.
	if existing := a.registry.Get(hdr.SessionID); existing != nil {
		a.registry.Remove(hdr.SessionID)
		existing.Close()
	}

	sess, err := NewResponder(a.cfg, a.keys, hdr, syn, dg.From)
	if err != nil {
		log.WithError(err).Warn("Rejected inbound handshake")
		return
	}
	if err := sess.Start(); err != nil {
		log.WithError(err).Warn("Failed to start accepted session")
		sess.Close()
		return
	}
	a.registry.Add(sess)
	log.WithFields(map[string]interface{}{
		"session": sess.ID(),
		"peer":    dg.From.String(),
	}).Debug("Accepted session")
	if a.onSession != nil {
		a.onSession(sess)
	}
}
