package session

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"go.step.sm/crypto/x25519"
	"golang.org/x/time/rate"

	"github.com/go-i2p/go-hopwire/lib/adaptive"
	"github.com/go-i2p/go-hopwire/lib/kdf"
	"github.com/go-i2p/go-hopwire/lib/porthop"
	"github.com/go-i2p/go-hopwire/lib/recovery"
	"github.com/go-i2p/go-hopwire/lib/timesync"
	"github.com/go-i2p/go-hopwire/lib/transport"
	"github.com/go-i2p/go-hopwire/lib/util/time/monotonic"
	"github.com/go-i2p/go-hopwire/lib/wire"
)

var log = logger.GetGoI2PLogger()

const (
	// DefaultHeartbeatInterval and DefaultHeartbeatTimeout pace the
	// keepalive carrying the delay-negotiation extension. A peer silent
	// past the timeout counts as drift for recovery purposes.
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultHeartbeatTimeout  = 90 * time.Second

	// authFailureThreshold is how many header or payload authentication
	// failures imply the session key itself is suspect.
	authFailureThreshold = 5

	// seqGapFaultThreshold and dupRunFaultThreshold classify sequence
	// anomalies as faults needing repair rather than ordinary loss.
	seqGapFaultThreshold = 1000
	dupRunFaultThreshold = 5

	// handshakeTimeout and maxHandshakeAttempts bound the initiator's SYN
	// retries before the session fails.
	handshakeTimeout     = 3 * time.Second
	maxHandshakeAttempts = 3

	outboundQueueDepth = 64
)

var (
	ErrWrongState    = oops.Errorf("session: operation invalid in current state")
	ErrSessionClosed = oops.Errorf("session: closed")
)

// Config carries everything a session needs beyond the packets themselves.
type Config struct {
	// AdvertiseIP is this host's address as the peer sees it. Combined
	// with the observed source port it forms this side's endpoint string
	// in the port PRF.
	AdvertiseIP string

	// PeerContact is where the initiator sends its SYN: the responder's
	// well-known contact address. Unused on the responder side.
	PeerContact *net.UDPAddr

	// ContactPort is the responder's well-known port, part of its
	// endpoint identity. Unused on the initiator side.
	ContactPort int

	ListenIP net.IP

	BasePort  uint16
	PortRange uint16

	HopInterval       time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// PSK is the resolved pre-shared key mixed into derivation, nil when
	// operating on ECDH alone.
	PSK []byte

	// OnPayload receives decrypted application payloads. Called from the
	// session event loop; must not block.
	OnPayload func(payload []byte)

	// OnClosed is invoked once, after the session reaches a terminal
	// state and its resources are released.
	OnClosed func(id uint64, final State)
}

func (c Config) withDefaults() Config {
	if c.HopInterval <= 0 {
		c.HopInterval = porthop.HopInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.BasePort == 0 {
		c.BasePort = porthop.DefaultBasePort
	}
	if c.PortRange == 0 {
		c.PortRange = porthop.DefaultPortRange
	}
	return c
}

// Session is one hopping connection: the per-session context object owning
// lifecycle state and wiring the clock, time sync, port schedule, tuner and
// recovery controller together. All mutation happens on the session's event
// loop; public methods only enqueue work or read state under the mutex.
type Session struct {
	cfg         Config
	id          uint64
	isInitiator bool

	clock       *monotonic.Clock
	tsEngine    *timesync.Engine
	tuner       *adaptive.Tuner
	recoveryCtl *recovery.Controller
	binder      *transport.Binder
	timers      *timerQueue
	// limiter paces outbound control and recovery traffic so a flapping
	// link cannot amplify sync/repair chatter.
	limiter *rate.Limiter

	mu         sync.Mutex
	state      State
	material   *kdf.Material
	seal       *sealer
	schedule   *porthop.ScheduleParams
	boundPorts []uint16

	localEndpoint string
	peerEndpoint  string
	peerIP        net.IP

	localSeq         uint64
	peerSeq          uint64
	lastKnownPeerSeq uint64
	dupRun           int

	authFailures     int
	seqFault         bool
	lastHeartbeatRaw int64

	handshakePriv     x25519.PrivateKey
	handshakePort     int
	handshakeAttempts int
	handshakeTok      timerToken

	outbound chan []byte
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newSession(cfg Config, id uint64, isInitiator bool) *Session {
	clock := monotonic.NewClock()
	s := &Session{
		cfg:         cfg.withDefaults(),
		id:          id,
		isInitiator: isInitiator,
		clock:       clock,
		tsEngine:    timesync.NewEngine(clock),
		binder:      transport.NewBinder(cfg.ListenIP, clock, 0),
		timers:      newTimerQueue(),
		limiter:     rate.NewLimiter(rate.Every(100*time.Millisecond), 20),
		state:       StateInit,
		outbound:    make(chan []byte, outboundQueueDepth),
		stop:        make(chan struct{}),
	}
	s.tuner = adaptive.NewTuner(s.cfg.HopInterval)
	s.recoveryCtl = recovery.NewController(&recoveryHost{s: s}, s.tsEngine, s.cfg.HopInterval)
	s.lastHeartbeatRaw = clock.ElapsedMillis()
	return s
}

// NewInitiator creates the dialing side of a session with a fresh random
// session id. Start begins the handshake.
func NewInitiator(cfg Config) (*Session, error) {
	if cfg.PeerContact == nil {
		return nil, oops.Errorf("session: initiator needs a peer contact address")
	}
	id := uint64(rand.Int63n(1<<62)) + 1
	s := newSession(cfg, id, true)
	s.peerIP = cfg.PeerContact.IP
	s.peerEndpoint = cfg.PeerContact.String()
	return s, nil
}

// Start launches the event loop. The initiator also sends its first SYN.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.state != StateInit && s.state != StateEstablished {
		s.mu.Unlock()
		return ErrWrongState
	}
	if s.isInitiator && s.state == StateInit {
		if err := s.beginHandshake(); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.mu.Unlock()
	s.wg.Add(1)
	go s.run()
	return nil
}

// ID returns the session id.
func (s *Session) ID() uint64 { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RecoveryLevel exposes the recovery ladder position for diagnostics.
func (s *Session) RecoveryLevel() recovery.Level {
	return s.recoveryCtl.Level()
}

// Send queues an application payload for sealed transmission.
func (s *Session) Send(payload []byte) error {
	select {
	case <-s.stop:
		return ErrSessionClosed
	default:
	}
	select {
	case s.outbound <- payload:
		return nil
	default:
		return oops.Errorf("session: outbound queue full")
	}
}

// Close tears the session down, notifying the peer when established.
func (s *Session) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func (s *Session) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HopInterval)
	defer ticker.Stop()
	defer s.shutdown()
	for {
		select {
		case <-s.stop:
			return
		case dg, ok := <-s.binder.Inbound():
			if !ok {
				return
			}
			s.handleDatagram(dg)
		case payload := <-s.outbound:
			s.handleOutbound(payload)
		case <-ticker.C:
			s.handleTick()
		}
		if s.State().terminal() {
			return
		}
	}
}

// shutdown releases resources exactly once, on event-loop exit.
func (s *Session) shutdown() {
	s.mu.Lock()
	final := s.state
	if !final.terminal() {
		if final == StateEstablished || final == StateRecovering {
			s.transmit(s.nextHeader(wire.PacketReset, 0), (&wire.Reset{Reason: wire.ResetAdminClose}).Encode(), true)
		}
		final = StateTerminated
		s.state = final
	}
	s.timers.clear()
	s.material.Zero()
	s.seal = nil
	if s.handshakePriv != nil {
		kdf.Wipe(s.handshakePriv)
		s.handshakePriv = nil
	}
	onClosed := s.cfg.OnClosed
	s.mu.Unlock()

	s.binder.Close()
	log.WithFields(map[string]interface{}{
		"session": s.id,
		"state":   final.String(),
	}).Debug("Session shut down")
	if onClosed != nil {
		onClosed(s.id, final)
	}
}

// handleTick runs once per hop interval: gradual clock correction, port
// retuning, window recomputation, due timers and recovery deadlines.
func (s *Session) handleTick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	nowRaw := s.clock.ElapsedMillis()
	s.timers.fireDue(nowRaw)
	if s.state != StateEstablished && s.state != StateRecovering {
		return
	}
	s.tsEngine.Tick()
	s.tsEngine.ExpirePending()
	s.tuner.RecomputeWindow()
	s.schedule.SetDelayWindow(s.tuner.EffectiveWindow(nowRaw))
	s.retune()
	if at, ok := s.recoveryCtl.NextActionAt(); ok && nowRaw >= at {
		s.recoveryCtl.Advance(nowRaw)
	}
	s.maybeRecover(nowRaw)
}

// retune aligns the bound socket set with the schedule, make-before-break.
// Callers hold s.mu.
func (s *Session) retune() {
	next, err := s.schedule.CurrentPorts(s.clock.NowMillis())
	if err != nil {
		// Port calculation failure is a session-level fault, not a local
		// retry; surface it through the recovery path as a drift signal.
		log.WithError(err).Error("Port calculation failed")
		s.tsEngine.RecordPortMismatch()
		return
	}
	toBind, toUnbind := porthop.DiffPorts(s.boundPorts, next)
	if len(toBind) == 0 && len(toUnbind) == 0 {
		return
	}
	if err := s.binder.Retune(toInts(toBind), toInts(toUnbind)); err != nil {
		log.WithError(err).Warn("Port rebinding failed")
		return
	}
	s.boundPorts = next
}

func toInts(ports []uint16) []int {
	out := make([]int, len(ports))
	for i, p := range ports {
		out[i] = int(p)
	}
	return out
}

func (s *Session) handleOutbound(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished && s.state != StateRecovering {
		log.WithField("state", s.state.String()).Debug("Dropping outbound payload, session not established")
		return
	}
	h := s.nextHeader(wire.PacketData, 0)
	if err := s.transmitSealed(h, payload); err != nil {
		log.WithError(err).Warn("Failed to send data packet")
	}
}

// nextHeader allocates the next sequence number and stamps a header.
// Callers hold s.mu.
func (s *Session) nextHeader(t wire.PacketType, subtype uint8) *wire.Header {
	s.localSeq++
	return &wire.Header{
		Version:         wire.ProtocolVersion,
		Type:            t,
		Subtype:         subtype,
		SessionID:       s.id,
		Sequence:        s.localSeq,
		TimestampMillis: s.clock.NowMillis(),
		Nonce:           uint32(rand.Int63n(1 << 32)),
	}
}

// transmit encodes and sends one packet to the peer's current scheduled
// port. Callers hold s.mu.
func (s *Session) transmit(h *wire.Header, payload []byte, authed bool) error {
	h.PayloadLen = uint16(len(payload))
	var key []byte
	if authed {
		if s.material == nil {
			return ErrNoSealer
		}
		key = s.material.SessionKey
	}
	hdr := wire.EncodeHeader(h, key, payload)
	pkt := make([]byte, 0, len(hdr)+len(payload))
	pkt = append(pkt, hdr[:]...)
	pkt = append(pkt, payload...)
	return s.binder.SendAny(s.sendAddr(), pkt)
}

// transmitSealed seals the payload under the session key first.
func (s *Session) transmitSealed(h *wire.Header, payload []byte) error {
	if s.seal == nil {
		return ErrNoSealer
	}
	return s.transmit(h, s.seal.Seal(h, payload), true)
}

// transmitControl applies the control-traffic limiter.
func (s *Session) transmitControl(h *wire.Header, payload []byte) error {
	if !s.limiter.Allow() {
		log.WithField("type", h.Type.String()).Warn("Control send suppressed by rate limiter")
		return oops.Errorf("session: control rate limit exceeded")
	}
	return s.transmit(h, payload, true)
}

// sendAddr is the peer's port for the current time window, or the contact
// address while no schedule exists yet. Callers hold s.mu.
func (s *Session) sendAddr() *net.UDPAddr {
	if s.schedule == nil {
		return s.cfg.PeerContact
	}
	port, err := s.schedule.PortForWindow(s.schedule.TimeWindow(s.clock.NowMillis()))
	if err != nil {
		return s.cfg.PeerContact
	}
	return &net.UDPAddr{IP: s.peerIP, Port: int(port)}
}

// maybeRecover polls the failure conditions and starts a recovery cycle when
// one is needed. Callers hold s.mu.
func (s *Session) maybeRecover(nowRaw int64) {
	if s.state != StateEstablished && s.state != StateRecovering {
		return
	}
	if s.recoveryCtl.InProgress() {
		s.state = StateRecovering
		return
	}
	if s.recoveryCtl.LevelNeeded() == recovery.LevelNone {
		if s.state == StateRecovering {
			s.state = StateEstablished
		}
		return
	}
	s.state = StateRecovering
	if err := s.recoveryCtl.RunCycle(nowRaw); err != nil {
		log.WithError(err).Debug("Recovery cycle not started")
	}
}

// establish installs derived material and moves to ESTABLISHED: builds the
// sealer and port schedule, binds the first window's ports and arms the
// heartbeat. Callers hold s.mu.
func (s *Session) establish(material *kdf.Material) error {
	seal, err := newSealer(material.SessionKey)
	if err != nil {
		return err
	}
	schedule, err := porthop.NewScheduleParams(
		material.PortHopSeed, s.id, s.localEndpoint, s.peerEndpoint,
		porthop.WithPortRange(s.cfg.BasePort, s.cfg.PortRange),
		porthop.WithHopInterval(s.cfg.HopInterval),
	)
	if err != nil {
		return err
	}
	s.material = material
	s.seal = seal
	s.schedule = schedule
	s.state = StateEstablished
	s.lastHeartbeatRaw = s.clock.ElapsedMillis()
	s.retune()
	s.scheduleHeartbeat(s.clock.ElapsedMillis())
	s.schedulePeriodicSync(s.clock.ElapsedMillis())
	log.WithFields(map[string]interface{}{
		"session":   s.id,
		"initiator": s.isInitiator,
		"endpoints": s.localEndpoint + "|" + s.peerEndpoint,
	}).Debug("Session established")
	return nil
}

// scheduleHeartbeat arms the next heartbeat send. Callers hold s.mu.
func (s *Session) scheduleHeartbeat(nowRaw int64) {
	interval := int64(s.cfg.HeartbeatInterval / time.Millisecond)
	s.timers.schedule(nowRaw+interval, func(firedRaw int64) {
		if s.state == StateEstablished || s.state == StateRecovering {
			s.sendHeartbeat()
		}
		s.scheduleHeartbeat(firedRaw)
	})
}

// schedulePeriodicSync arms proactive time sync exchanges well inside the
// staleness bound, so ordinary operation never degrades into drift recovery.
// Callers hold s.mu.
func (s *Session) schedulePeriodicSync(nowRaw int64) {
	interval := (timesync.DefaultStalenessBound / 3).Milliseconds()
	s.timers.schedule(nowRaw+interval, func(firedRaw int64) {
		if s.state == StateEstablished {
			if req, err := s.tsEngine.InitiateSync(); err == nil {
				h := s.nextHeader(wire.PacketControl, uint8(wire.ControlTimeSyncRequest))
				if err := s.transmitControl(h, req.Encode()); err != nil {
					log.WithError(err).Debug("Periodic time sync send failed")
				}
			}
		}
		s.schedulePeriodicSync(firedRaw)
	})
}

// sendHeartbeat transmits the delay-negotiation extension. Callers hold s.mu.
func (s *Session) sendHeartbeat() {
	hb := &wire.Heartbeat{Ext: s.tuner.BuildExtension()}
	h := s.nextHeader(wire.PacketHeartbeat, 0)
	if err := s.transmit(h, hb.Encode(), true); err != nil {
		log.WithError(err).Debug("Heartbeat send failed")
	}
}

// endpointFor renders a canonical "host:port" endpoint string.
func endpointFor(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
