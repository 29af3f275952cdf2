package porthop

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"time"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

var log = logger.GetGoI2PLogger()

const (
	// HopInterval is the fixed duration of one port-hopping time window.
	HopInterval = 250 * time.Millisecond

	// SeedLen is the required port-hop seed length.
	SeedLen = 32

	// DelayWindowMin and DelayWindowMax bound the effective delay window:
	// how many adjacent time windows are kept simultaneously bound.
	DelayWindowMin = 1
	DelayWindowMax = 16

	// DefaultDelayWindow is used until the adaptive tuner has samples.
	DefaultDelayWindow = 3

	// DefaultBasePort and DefaultPortRange define the hop range
	// [base, base+range).
	DefaultBasePort  = 10000
	DefaultPortRange = 40000
)

var (
	ErrInvalidSeed          = oops.Errorf("porthop: seed must be %d bytes", SeedLen)
	ErrPortCalculationFailed = oops.Errorf("porthop: port calculation failed")
)

// ScheduleParams holds the immutable derived material of a session's port
// schedule plus the mutable effective delay window. Both peers construct it
// from identical inputs; every port it emits is reproducible from
// (seed, session id, endpoints, time window) alone, with no local randomness.
// That determinism is load-bearing: it is the only thing keeping the two
// schedules aligned.
type ScheduleParams struct {
	seed      []byte
	sessionID uint64
	// endpointA/endpointB are the two endpoint strings in lexicographic
	// order, so both peers feed the PRF identical bytes regardless of
	// which side is "local".
	endpointA string
	endpointB string

	hopInterval time.Duration
	basePort    uint16
	portRange   uint16

	mu          sync.RWMutex
	delayWindow int
}

// Option customizes a ScheduleParams.
type Option func(*ScheduleParams)

// WithPortRange overrides the default [base, base+size) hop range.
func WithPortRange(base, size uint16) Option {
	return func(p *ScheduleParams) {
		p.basePort = base
		p.portRange = size
	}
}

// WithHopInterval overrides the hop interval. Both peers must agree on it.
func WithHopInterval(interval time.Duration) Option {
	return func(p *ScheduleParams) {
		p.hopInterval = interval
	}
}

// NewScheduleParams builds the schedule for one session. localEndpoint and
// peerEndpoint are canonical "host:port" strings; they are ordered
// internally so both peers produce the same schedule.
func NewScheduleParams(seed []byte, sessionID uint64, localEndpoint, peerEndpoint string, opts ...Option) (*ScheduleParams, error) {
	if len(seed) != SeedLen {
		return nil, ErrInvalidSeed
	}
	a, b := localEndpoint, peerEndpoint
	if b < a {
		a, b = b, a
	}
	p := &ScheduleParams{
		seed:        append([]byte(nil), seed...),
		sessionID:   sessionID,
		endpointA:   a,
		endpointB:   b,
		hopInterval: HopInterval,
		basePort:    DefaultBasePort,
		portRange:   DefaultPortRange,
		delayWindow: DefaultDelayWindow,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.portRange == 0 {
		return nil, oops.Errorf("porthop: empty port range: %w", ErrPortCalculationFailed)
	}
	if p.hopInterval <= 0 {
		return nil, oops.Errorf("porthop: non-positive hop interval: %w", ErrPortCalculationFailed)
	}
	return p, nil
}

// HopInterval returns the schedule's hop interval.
func (p *ScheduleParams) HopInterval() time.Duration {
	return p.hopInterval
}

// DelayWindow returns the current effective delay window.
func (p *ScheduleParams) DelayWindow() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.delayWindow
}

// SetDelayWindow updates the effective delay window, clamped to bounds.
// Called by the adaptive delay tuner after recomputation or negotiation.
func (p *ScheduleParams) SetDelayWindow(w int) {
	if w < DelayWindowMin {
		w = DelayWindowMin
	}
	if w > DelayWindowMax {
		w = DelayWindowMax
	}
	p.mu.Lock()
	if w != p.delayWindow {
		log.WithField("delay_window", w).Debug("Effective delay window changed")
	}
	p.delayWindow = w
	p.mu.Unlock()
}

// TimeWindow maps an adjusted protocol time to its hop window index.
func (p *ScheduleParams) TimeWindow(nowMillis int64) int64 {
	interval := int64(p.hopInterval / time.Millisecond)
	w := nowMillis / interval
	if nowMillis < 0 && nowMillis%interval != 0 {
		w-- // floor division for pre-epoch times
	}
	return w
}

// PortForWindow computes the deterministic port for one time window:
// HMAC-SHA256(seed, session id || window || endpoints) truncated to an
// integer, reduced into the configured range.
func (p *ScheduleParams) PortForWindow(window int64) (uint16, error) {
	if len(p.seed) != SeedLen {
		return 0, ErrInvalidSeed
	}
	mac := hmac.New(sha256.New, p.seed)
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], p.sessionID)
	binary.BigEndian.PutUint64(buf[8:16], uint64(window))
	mac.Write(buf[:])
	mac.Write([]byte(p.endpointA))
	mac.Write([]byte{0x00})
	mac.Write([]byte(p.endpointB))
	digest := mac.Sum(nil)
	prf := binary.BigEndian.Uint64(digest[:8])
	port := uint32(p.basePort) + uint32(prf%uint64(p.portRange))
	if port > 65535 {
		return 0, oops.Errorf("porthop: port %d exceeds 65535: %w", port, ErrPortCalculationFailed)
	}
	return uint16(port), nil
}

// CurrentPorts returns the ordered set of ports that must be bound at the
// given adjusted time: one port per window in the symmetric range implied by
// the effective delay window (window=3 yields offsets -1, 0, +1). Duplicate
// PRF collisions are dropped, so the result may be shorter than the window.
func (p *ScheduleParams) CurrentPorts(nowMillis int64) ([]uint16, error) {
	center := p.TimeWindow(nowMillis)
	w := p.DelayWindow()
	lo := -int64((w - 1) / 2)

	ports := make([]uint16, 0, w)
	seen := make(map[uint16]struct{}, w)
	for i := int64(0); i < int64(w); i++ {
		port, err := p.PortForWindow(center + lo + i)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[port]; dup {
			continue
		}
		seen[port] = struct{}{}
		ports = append(ports, port)
	}
	return ports, nil
}

// DiffPorts computes the make-before-break transition between two port sets:
// toBind lists ports present only in next, toUnbind ports present only in
// prev. The transport binds toBind before releasing toUnbind so the old
// windows stay reachable through the transition.
func DiffPorts(prev, next []uint16) (toBind, toUnbind []uint16) {
	prevSet := make(map[uint16]struct{}, len(prev))
	for _, p := range prev {
		prevSet[p] = struct{}{}
	}
	nextSet := make(map[uint16]struct{}, len(next))
	for _, p := range next {
		nextSet[p] = struct{}{}
		if _, ok := prevSet[p]; !ok {
			toBind = append(toBind, p)
		}
	}
	for _, p := range prev {
		if _, ok := nextSet[p]; !ok {
			toUnbind = append(toUnbind, p)
		}
	}
	return toBind, toUnbind
}
