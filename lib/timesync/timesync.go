package timesync

import (
	"sync"
	"time"

	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"

	"github.com/go-i2p/go-hopwire/lib/util/time/monotonic"
	"github.com/go-i2p/go-hopwire/lib/wire"
)

var log = logger.GetGoI2PLogger()

// State of the sync exchange. Only one challenge may be outstanding.
type State int

const (
	StateIdle State = iota
	StateAwaitingResponse
)

const (
	// DefaultTolerance is the drift tolerance: half a hop interval. An
	// uncorrected offset beyond it can place the schedule one window off.
	DefaultTolerance = 125 * time.Millisecond

	// DefaultStalenessBound marks sync state stale when no successful
	// exchange completed within it.
	DefaultStalenessBound = 90 * time.Second

	// DefaultMaxAbsOffset is the sanity bound on a computed offset.
	// Beyond it the response is rejected outright; a single wild sample
	// is protocol breakage or noise, not an attack signal by itself.
	DefaultMaxAbsOffset = 30 * time.Second

	// DefaultGradualStep bounds how much correction is applied per hop
	// interval. Larger offsets are spread over several Tick calls so the
	// port schedule is not yanked out from under in-flight packets.
	DefaultGradualStep = 500 * time.Millisecond

	// DefaultSyncTimeout bounds an outstanding challenge.
	DefaultSyncTimeout = 3 * time.Second

	// portMismatchThreshold is how many consecutive packets arriving on
	// unexpected ports imply the schedule itself has drifted.
	portMismatchThreshold = 5
)

var (
	ErrSyncInProgress   = oops.Errorf("timesync: sync request already outstanding")
	ErrNoPendingSync    = oops.Errorf("timesync: no sync request outstanding")
	ErrNonceMismatch    = oops.Errorf("timesync: response nonce does not match challenge")
	ErrOffsetOutOfRange = oops.Errorf("timesync: computed offset exceeds sanity bound")
)

type challenge struct {
	nonce           uint32
	originateMillis int64 // adjusted protocol time at send
	deadline        *monotonic.Deadline
}

// Engine owns the measured clock offset against one peer. It produces
// challenges, consumes responses with an NTP-style midpoint estimator, and
// spreads large corrections over several hop intervals.
//
// All methods are safe for concurrent use, though in practice the session
// event loop is the only caller.
type Engine struct {
	clock *monotonic.Clock

	mu              sync.Mutex
	state           State
	pending         *challenge
	lastSyncRaw    int64 // raw ms of last successful exchange
	lastOffset     time.Duration
	pendingAdjust  time.Duration // correction not yet applied to the clock
	portMismatches int

	tolerance     time.Duration
	staleness     time.Duration
	maxAbsOffset  time.Duration
	gradualStep   time.Duration
	syncTimeout   time.Duration
	onRTTSample   func(rtt time.Duration)
}

// Option customizes an Engine.
type Option func(*Engine)

// WithTolerance overrides the drift tolerance.
func WithTolerance(d time.Duration) Option { return func(e *Engine) { e.tolerance = d } }

// WithStalenessBound overrides the staleness bound.
func WithStalenessBound(d time.Duration) Option { return func(e *Engine) { e.staleness = d } }

// WithMaxAbsOffset overrides the offset sanity bound.
func WithMaxAbsOffset(d time.Duration) Option { return func(e *Engine) { e.maxAbsOffset = d } }

// WithGradualStep overrides the per-hop correction step.
func WithGradualStep(d time.Duration) Option { return func(e *Engine) { e.gradualStep = d } }

// WithSyncTimeout overrides the challenge timeout.
func WithSyncTimeout(d time.Duration) Option { return func(e *Engine) { e.syncTimeout = d } }

// WithRTTObserver registers a callback receiving the round-trip time of each
// valid sync exchange. The flow control collaborator consumes these samples.
func WithRTTObserver(f func(rtt time.Duration)) Option {
	return func(e *Engine) { e.onRTTSample = f }
}

// NewEngine creates an Engine bound to the session clock.
func NewEngine(clock *monotonic.Clock, opts ...Option) *Engine {
	e := &Engine{
		clock:        clock,
		tolerance:    DefaultTolerance,
		staleness:    DefaultStalenessBound,
		maxAbsOffset: DefaultMaxAbsOffset,
		gradualStep:  DefaultGradualStep,
		syncTimeout:  DefaultSyncTimeout,
		lastSyncRaw:  clock.ElapsedMillis(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the exchange state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Tolerance returns the drift tolerance. The recovery controller uses it as
// the success criterion for a post-adjustment verification sync.
func (e *Engine) Tolerance() time.Duration {
	return e.tolerance
}

// InitiateSync generates a random 32-bit nonce, records local send time and
// returns the challenge to transmit. Returns ErrSyncInProgress while a
// previous challenge is still outstanding.
func (e *Engine) InitiateSync() (*wire.TimeSyncRequest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateAwaitingResponse {
		return nil, ErrSyncInProgress
	}
	nonce := uint32(rand.Int63n(1 << 32))
	c := &challenge{
		nonce:           nonce,
		originateMillis: e.clock.NowMillis(),
		deadline:        monotonic.NewDeadline(e.syncTimeout),
	}
	e.pending = c
	e.state = StateAwaitingResponse
	log.WithField("nonce", nonce).Debug("Initiating time sync exchange")
	return &wire.TimeSyncRequest{Nonce: c.nonce, OriginateMillis: c.originateMillis}, nil
}

// BuildResponse answers a peer challenge. receiveMillis is the adjusted time
// the request arrived; the transmit timestamp is captured here.
func (e *Engine) BuildResponse(req *wire.TimeSyncRequest, receiveMillis int64) *wire.TimeSyncResponse {
	return &wire.TimeSyncResponse{
		Nonce:           req.Nonce,
		OriginateMillis: req.OriginateMillis,
		ReceiveMillis:   receiveMillis,
		TransmitMillis:  e.clock.NowMillis(),
	}
}

// HandleSyncResponse verifies the nonce echo and computes the peer offset
// with the round-trip midpoint estimator
//
//	offset = ((t2-t1) + (t3-t4)) / 2
//
// where t1 is the echoed originate time, t2/t3 the peer's receive/transmit
// times and t4 the local receive time (adjusted protocol millis). The
// computed offset is queued for application and returned. Responses whose
// |offset| exceeds the sanity bound are rejected and clear the pending
// challenge, counting as a failed exchange.
func (e *Engine) HandleSyncResponse(resp *wire.TimeSyncResponse, receiveMillis int64) (time.Duration, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil {
		return 0, ErrNoPendingSync
	}
	if resp.Nonce != e.pending.nonce || resp.OriginateMillis != e.pending.originateMillis {
		// Leave the challenge pending: a stray or forged response must
		// not cancel the real one.
		return 0, ErrNonceMismatch
	}

	t1 := e.pending.originateMillis
	t2 := resp.ReceiveMillis
	t3 := resp.TransmitMillis
	t4 := receiveMillis

	offset := time.Duration((t2-t1)+(t3-t4)) * time.Millisecond / 2
	rtt := time.Duration((t4-t1)-(t3-t2)) * time.Millisecond

	e.pending = nil
	e.state = StateIdle

	if offset > e.maxAbsOffset || offset < -e.maxAbsOffset {
		log.WithFields(map[string]interface{}{
			"offset": offset.String(),
			"bound":  e.maxAbsOffset.String(),
		}).Warn("Rejecting sync response: offset outside sanity bound")
		return 0, ErrOffsetOutOfRange
	}

	e.lastSyncRaw = e.clock.ElapsedMillis()
	e.lastOffset = offset
	e.portMismatches = 0
	e.applyOffsetLocked(offset)

	if e.onRTTSample != nil && rtt >= 0 {
		e.onRTTSample(rtt)
	}
	log.WithFields(map[string]interface{}{
		"offset": offset.String(),
		"rtt":    rtt.String(),
	}).Debug("Time sync exchange completed")
	return offset, nil
}

// applyOffsetLocked applies small offsets immediately and queues large ones
// for gradual application by Tick. A fresh measurement always reflects the
// clock's current state, so it supersedes any correction still queued from an
// earlier exchange. Callers hold e.mu.
func (e *Engine) applyOffsetLocked(offset time.Duration) {
	if offset >= -e.gradualStep && offset <= e.gradualStep {
		e.pendingAdjust = 0
		e.clock.AdjustOffset(offset)
		return
	}
	e.pendingAdjust = offset
	log.WithField("pending", e.pendingAdjust.String()).Debug("Queued gradual clock correction")
}

// Tick applies one gradual correction step. The session event loop calls it
// once per hop interval so a large offset shifts the schedule smoothly.
func (e *Engine) Tick() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pendingAdjust == 0 {
		return
	}
	step := e.pendingAdjust
	if step > e.gradualStep {
		step = e.gradualStep
	} else if step < -e.gradualStep {
		step = -e.gradualStep
	}
	e.pendingAdjust -= step
	e.clock.AdjustOffset(step)
}

// PendingCorrection returns the correction queued but not yet applied.
func (e *Engine) PendingCorrection() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pendingAdjust
}

// ConvergenceRemaining estimates how long until the queued correction is
// fully applied, assuming Tick runs once per the given interval. The
// recovery controller waits this long before its verification sync.
func (e *Engine) ConvergenceRemaining(tickInterval time.Duration) time.Duration {
	e.mu.Lock()
	pending := e.pendingAdjust
	e.mu.Unlock()
	if pending < 0 {
		pending = -pending
	}
	if pending == 0 {
		return 0
	}
	steps := int64((pending + e.gradualStep - 1) / e.gradualStep)
	return time.Duration(steps) * tickInterval
}

// ExpirePending clears a timed-out challenge. Returns true if a challenge
// was actually expired (a failed sync attempt for recovery accounting).
func (e *Engine) ExpirePending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil {
		return false
	}
	if !e.pending.deadline.IsExpired() {
		return false
	}
	log.WithField("nonce", e.pending.nonce).Debug("Time sync challenge timed out")
	e.pending = nil
	e.state = StateIdle
	return true
}

// SyncTimeout returns the configured challenge timeout.
func (e *Engine) SyncTimeout() time.Duration {
	return e.syncTimeout
}

// RecordPortMismatch notes a packet that arrived on a port outside the
// current schedule; a run of these means the derived port calculations are
// inconsistent with what the peer is sending.
func (e *Engine) RecordPortMismatch() {
	e.mu.Lock()
	e.portMismatches++
	e.mu.Unlock()
}

// RecordPortMatch resets the mismatch run on any correctly scheduled packet.
func (e *Engine) RecordPortMatch() {
	e.mu.Lock()
	e.portMismatches = 0
	e.mu.Unlock()
}

// LastOffset returns the offset computed by the most recent successful
// exchange.
func (e *Engine) LastOffset() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastOffset
}

// DetectDrift reports whether the session needs a time resync: a pending
// uncorrected adjustment beyond tolerance, stale sync state, or port
// calculations inconsistent with received packets.
func (e *Engine) DetectDrift() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pendingAdjust > e.tolerance || e.pendingAdjust < -e.tolerance {
		return true
	}
	age := time.Duration(e.clock.ElapsedMillis()-e.lastSyncRaw) * time.Millisecond
	if age > e.staleness {
		return true
	}
	return e.portMismatches >= portMismatchThreshold
}
