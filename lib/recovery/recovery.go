package recovery

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"go.step.sm/crypto/x25519"

	"github.com/go-i2p/go-hopwire/lib/kdf"
	"github.com/go-i2p/go-hopwire/lib/timesync"
	"github.com/go-i2p/go-hopwire/lib/wire"
)

var log = logger.GetGoI2PLogger()

const (
	// MaxAttemptsPerLevel is how many failed attempts a level absorbs
	// before escalation.
	MaxAttemptsPerLevel = 3

	// BackoffBase and BackoffCap bound the retry delay at one level;
	// each retry adds up to 25% random jitter on top.
	BackoffBase = 500 * time.Millisecond
	BackoffCap  = 8 * time.Second

	// RepairTimeout and RekeyTimeout bound the sub-protocol exchanges.
	RepairTimeout = 3 * time.Second
	RekeyTimeout  = 5 * time.Second

	historyCap = 32
)

var (
	ErrRecoveryInProgress = oops.Errorf("recovery: cycle already in progress")
	ErrNoPendingRequest   = oops.Errorf("recovery: no matching pending request")
	ErrNonceMismatch      = oops.Errorf("recovery: response nonce mismatch")
	ErrConfirmMismatch    = oops.Errorf("recovery: confirmation hash mismatch")
	ErrTerminal           = oops.Errorf("recovery: session is terminal")
)

type requestKind int

const (
	kindSync requestKind = iota
	kindRepair
	kindRekey
)

// pendingRequest is the single outstanding sub-protocol exchange. At most
// one exists at any time, which also satisfies the one-per-kind invariant.
type pendingRequest struct {
	kind        requestKind
	nonce       uint32
	sentRaw     int64
	deadlineRaw int64
	// verifying marks the post-adjustment verification phase of a time
	// resync.
	verifying bool
	// ephemeralPriv is held only for a rekey exchange and wiped the
	// moment the exchange concludes, successfully or not.
	ephemeralPriv x25519.PrivateKey
}

// Host is the surface the owning session exposes to the controller:
// failure-condition inputs, packet transmission, and the state mutations
// that only the session state machine may perform. Host methods are invoked
// with the controller's lock held and must not call back into it.
type Host interface {
	// Condition inputs, evaluated in fixed priority order.
	DriftDetected() bool
	SequenceFaultDetected() bool
	AuthFailureDetected() bool

	// Packet transmission. SendTimeSyncRequest initiates the exchange on
	// the session's time synchronization engine and transmits it.
	SendTimeSyncRequest() error
	SendRepairRequest(req *wire.RepairRequest) error
	SendRekeyRequest(req *wire.RekeyRequest) error
	SendReset(reason wire.ResetReason) error

	// Session state the sub-protocols read and write.
	SessionID() uint64
	SessionKey() []byte
	SequenceState() (lastKnown, current uint64)
	AdoptPeerSequence(seq uint64)
	CommitRekey(material *kdf.Material)

	// Lifecycle notifications; the session is the sole authority for
	// state transitions, the controller only reports outcomes.
	RecoverySucceeded(level Level)
	SessionTerminated(reason wire.ResetReason)
	RecoveryFailed()
}

// Controller drives graduated recovery: time resync, then sequence repair,
// then rekey, then termination, escalating only when a level's attempt
// budget is exhausted and resetting fully on any success. It never blocks;
// request/response waits surface as deadlines the session polls via
// NextActionAt/Advance.
type Controller struct {
	host     Host
	timeSync *timesync.Engine
	// hopInterval paces convergence waits for gradual clock corrections.
	hopInterval time.Duration

	mu              sync.Mutex
	level           Level
	attemptsAtLevel int
	totalAttempts   int
	inProgress      bool
	pending         *pendingRequest
	retryAtRaw      int64 // 0 = no retry scheduled
	verifyAtRaw     int64 // 0 = no verification sync scheduled
	history         []Event
}

// NewController wires a Controller to its session host and time sync engine.
func NewController(host Host, ts *timesync.Engine, hopInterval time.Duration) *Controller {
	return &Controller{
		host:        host,
		timeSync:    ts,
		hopInterval: hopInterval,
	}
}

// Level returns the current escalation level.
func (c *Controller) Level() Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// InProgress reports whether a recovery cycle is active.
func (c *Controller) InProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inProgress
}

// AttemptsAtLevel returns the failed-attempt count at the current level.
func (c *Controller) AttemptsAtLevel() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attemptsAtLevel
}

// TotalAttempts returns the attempt count of the active cycle.
func (c *Controller) TotalAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalAttempts
}

// History returns a copy of the bounded escalation history.
func (c *Controller) History() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.history...)
}

// LevelNeeded evaluates the failure conditions in fixed priority order.
// Two or more simultaneous conditions jump straight to termination; the
// result never sits below the level an active cycle has already reached.
func (c *Controller) LevelNeeded() Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.levelNeededLocked()
}

func (c *Controller) levelNeededLocked() Level {
	if c.level == LevelFailed {
		return LevelFailed
	}
	drift := c.host.DriftDetected()
	seqFault := c.host.SequenceFaultDetected()
	authFail := c.host.AuthFailureDetected()

	conditions := 0
	for _, cond := range []bool{drift, seqFault, authFail} {
		if cond {
			conditions++
		}
	}

	needed := LevelNone
	switch {
	case conditions >= 2:
		needed = LevelTerminate
	case drift:
		needed = LevelTimeSync
	case seqFault:
		needed = LevelSequenceRepair
	case authFail:
		needed = LevelSessionRekey
	}
	if needed < c.level {
		needed = c.level
	}
	return needed
}

// RunCycle starts a recovery cycle if one is needed. While a cycle is in
// progress further calls are a no-op returning ErrRecoveryInProgress; the
// in-progress flag is the session's only recovery mutex and stays set from
// the first attempt until full reset or a terminal outcome.
func (c *Controller) RunCycle(nowRaw int64) error {
	c.mu.Lock()
	if c.inProgress {
		c.mu.Unlock()
		return ErrRecoveryInProgress
	}
	if c.level == LevelFailed || c.level == LevelTerminate {
		c.mu.Unlock()
		return ErrTerminal
	}
	needed := c.levelNeededLocked()
	if needed == LevelNone || needed == LevelFailed {
		c.mu.Unlock()
		return nil
	}
	c.inProgress = true
	c.level = needed
	log.WithFields(map[string]interface{}{
		"level": needed.String(),
	}).Debug("Starting recovery cycle")
	c.attemptLocked(nowRaw)
	c.mu.Unlock()
	return nil
}

// attemptLocked performs one recovery action at the current level. Callers
// hold c.mu.
func (c *Controller) attemptLocked(nowRaw int64) {
	switch c.level {
	case LevelTimeSync:
		if err := c.host.SendTimeSyncRequest(); err != nil {
			log.WithError(err).Debug("Time resync send failed")
			c.recordFailureLocked(nowRaw)
			return
		}
		c.pending = &pendingRequest{
			kind:        kindSync,
			sentRaw:     nowRaw,
			deadlineRaw: nowRaw + int64(c.timeSync.SyncTimeout()/time.Millisecond),
		}

	case LevelSequenceRepair:
		nonce := randomNonce()
		lastKnown, current := c.host.SequenceState()
		req := &wire.RepairRequest{Nonce: nonce, LastKnownSeq: lastKnown, CurrentSeq: current}
		if err := c.host.SendRepairRequest(req); err != nil {
			log.WithError(err).Debug("Sequence repair send failed")
			c.recordFailureLocked(nowRaw)
			return
		}
		c.pending = &pendingRequest{
			kind:        kindRepair,
			nonce:       nonce,
			sentRaw:     nowRaw,
			deadlineRaw: nowRaw + int64(RepairTimeout/time.Millisecond),
		}

	case LevelSessionRekey:
		// Forward secrecy is re-established, not just the key: every
		// attempt uses a fresh ephemeral pair.
		pub, priv, err := kdf.GenerateEphemeralKeyPair()
		if err != nil {
			c.recordFailureLocked(nowRaw)
			return
		}
		nonce := randomNonce()
		req := &wire.RekeyRequest{Nonce: nonce}
		copy(req.EphemeralKey[:], pub)
		if err := c.host.SendRekeyRequest(req); err != nil {
			log.WithError(err).Debug("Rekey send failed")
			kdf.Wipe(priv)
			c.recordFailureLocked(nowRaw)
			return
		}
		c.pending = &pendingRequest{
			kind:          kindRekey,
			nonce:         nonce,
			sentRaw:       nowRaw,
			deadlineRaw:   nowRaw + int64(RekeyTimeout/time.Millisecond),
			ephemeralPriv: priv,
		}

	case LevelTerminate:
		if err := c.host.SendReset(wire.ResetRecoveryFailed); err != nil {
			log.WithError(err).Warn("Termination send failed")
			c.recordFailureLocked(nowRaw)
			return
		}
		// Terminal: the session purges its state; the controller keeps
		// the TERMINATE level forever.
		c.appendHistoryLocked(Event{Level: LevelTerminate, Success: true, AtRawMillis: nowRaw})
		c.inProgress = false
		c.clearPendingLocked()
		c.host.SessionTerminated(wire.ResetRecoveryFailed)
	}
}

// Advance fires time-based recovery work: pending-request timeouts,
// scheduled same-level retries, and the post-adjustment verification sync of
// a time resync. The session calls it from its event loop whenever the time
// returned by NextActionAt arrives.
func (c *Controller) Advance(nowRaw int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inProgress {
		return
	}
	if c.pending != nil && nowRaw >= c.pending.deadlineRaw {
		log.WithField("level", c.level.String()).Debug("Recovery exchange timed out")
		if c.pending.kind == kindSync {
			c.timeSync.ExpirePending()
		}
		c.recordFailureLocked(nowRaw)
		return
	}
	if c.verifyAtRaw != 0 && nowRaw >= c.verifyAtRaw {
		c.verifyAtRaw = 0
		if err := c.host.SendTimeSyncRequest(); err != nil {
			c.recordFailureLocked(nowRaw)
			return
		}
		c.pending = &pendingRequest{
			kind:        kindSync,
			verifying:   true,
			sentRaw:     nowRaw,
			deadlineRaw: nowRaw + int64(c.timeSync.SyncTimeout()/time.Millisecond),
		}
		return
	}
	if c.retryAtRaw != 0 && nowRaw >= c.retryAtRaw {
		c.retryAtRaw = 0
		c.attemptLocked(nowRaw)
	}
}

// NextActionAt returns the earliest raw time Advance has work to do, if any.
func (c *Controller) NextActionAt() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inProgress {
		return 0, false
	}
	var at int64
	consider := func(v int64) {
		if v != 0 && (at == 0 || v < at) {
			at = v
		}
	}
	if c.pending != nil {
		consider(c.pending.deadlineRaw)
	}
	consider(c.retryAtRaw)
	consider(c.verifyAtRaw)
	return at, at != 0
}

// OnTimeSyncOutcome reports the result of a sync exchange the controller
// initiated. A correction beyond tolerance schedules a verification sync
// once the gradual adjustment has converged; success requires the
// verification (or the initial exchange) to land within tolerance.
func (c *Controller) OnTimeSyncOutcome(offset time.Duration, err error, nowRaw int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inProgress || c.pending == nil || c.pending.kind != kindSync {
		return
	}
	verifying := c.pending.verifying
	c.clearPendingLocked()

	if err != nil {
		c.recordFailureLocked(nowRaw)
		return
	}
	if offset < 0 {
		offset = -offset
	}
	if offset <= c.timeSync.Tolerance() {
		c.recordSuccessLocked(nowRaw)
		return
	}
	if verifying {
		// Still off after a full correction round.
		c.recordFailureLocked(nowRaw)
		return
	}
	wait := c.timeSync.ConvergenceRemaining(c.hopInterval) + c.hopInterval
	c.verifyAtRaw = nowRaw + int64(wait/time.Millisecond)
	log.WithField("verify_in", wait.String()).Debug("Scheduling post-adjustment verification sync")
}

// OnRepairResponse validates a sequence repair response. The peer's sequence
// is adopted only when it is ahead of ours; nonce or confirmation mismatches
// count as failed attempts at the current level, never as silent drops and
// never as immediate escalation.
func (c *Controller) OnRepairResponse(resp *wire.RepairResponse, nowRaw int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inProgress || c.pending == nil || c.pending.kind != kindRepair {
		return ErrNoPendingRequest
	}
	if resp.Nonce != c.pending.nonce {
		c.clearPendingLocked()
		c.recordFailureLocked(nowRaw)
		return ErrNonceMismatch
	}
	if !VerifyRepairConfirmation(c.host.SessionKey(), c.host.SessionID(), resp) {
		c.clearPendingLocked()
		c.recordFailureLocked(nowRaw)
		return ErrConfirmMismatch
	}
	c.clearPendingLocked()
	_, current := c.host.SequenceState()
	if resp.Sequence > current {
		c.host.AdoptPeerSequence(resp.Sequence)
	}
	c.recordSuccessLocked(nowRaw)
	return nil
}

// OnRekeyResponse validates a rekey response: the shared-secret verification
// hash must match before anything is committed, then the session swaps keys
// atomically and all ephemeral private material is wiped.
func (c *Controller) OnRekeyResponse(resp *wire.RekeyResponse, nowRaw int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inProgress || c.pending == nil || c.pending.kind != kindRekey {
		return ErrNoPendingRequest
	}
	if resp.Nonce != c.pending.nonce {
		c.clearPendingLocked()
		c.recordFailureLocked(nowRaw)
		return ErrNonceMismatch
	}
	shared, err := kdf.SharedSecret(c.pending.ephemeralPriv, resp.EphemeralKey[:])
	if err != nil {
		c.clearPendingLocked()
		c.recordFailureLocked(nowRaw)
		return err
	}
	if !VerifyRekeyConfirmation(shared, c.host.SessionID(), resp) {
		kdf.Wipe(shared)
		c.clearPendingLocked()
		c.recordFailureLocked(nowRaw)
		return ErrConfirmMismatch
	}
	material, err := kdf.Derive(shared, kdf.ContextRekey)
	kdf.Wipe(shared)
	if err != nil {
		c.clearPendingLocked()
		c.recordFailureLocked(nowRaw)
		return err
	}
	c.clearPendingLocked()
	c.host.CommitRekey(material)
	c.recordSuccessLocked(nowRaw)
	return nil
}

// Reset clears every piece of recovery bookkeeping, used when the session
// itself is torn down.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearPendingLocked()
	c.level = LevelNone
	c.attemptsAtLevel = 0
	c.totalAttempts = 0
	c.inProgress = false
	c.retryAtRaw = 0
	c.verifyAtRaw = 0
}

func (c *Controller) clearPendingLocked() {
	if c.pending == nil {
		return
	}
	if c.pending.ephemeralPriv != nil {
		kdf.Wipe(c.pending.ephemeralPriv)
	}
	c.pending = nil
}

func (c *Controller) recordSuccessLocked(nowRaw int64) {
	c.appendHistoryLocked(Event{Level: c.level, Success: true, AtRawMillis: nowRaw})
	level := c.level
	c.level = LevelNone
	c.attemptsAtLevel = 0
	c.totalAttempts = 0
	c.inProgress = false
	c.retryAtRaw = 0
	c.verifyAtRaw = 0
	log.WithField("level", level.String()).Debug("Recovery succeeded, full reset")
	c.host.RecoverySucceeded(level)
}

func (c *Controller) recordFailureLocked(nowRaw int64) {
	c.appendHistoryLocked(Event{Level: c.level, Success: false, AtRawMillis: nowRaw})
	c.clearPendingLocked()
	c.verifyAtRaw = 0
	c.attemptsAtLevel++
	c.totalAttempts++

	if c.attemptsAtLevel < MaxAttemptsPerLevel {
		backoff := BackoffBase << (c.attemptsAtLevel - 1)
		if backoff > BackoffCap {
			backoff = BackoffCap
		}
		jitter := time.Duration(rand.Int63n(int64(backoff / 4)))
		c.retryAtRaw = nowRaw + int64((backoff+jitter)/time.Millisecond)
		log.WithFields(map[string]interface{}{
			"level":    c.level.String(),
			"attempts": c.attemptsAtLevel,
			"retry_in": (backoff + jitter).String(),
		}).Debug("Recovery attempt failed, retrying at same level")
		return
	}

	if c.level == LevelTerminate {
		c.level = LevelFailed
		c.inProgress = false
		log.Error("Recovery exhausted at TERMINATE, session failed")
		c.host.RecoveryFailed()
		return
	}

	c.level = c.level.next()
	c.attemptsAtLevel = 0
	log.WithField("level", c.level.String()).Warn("Recovery escalating")
	c.attemptLocked(nowRaw)
}

func (c *Controller) appendHistoryLocked(e Event) {
	c.history = append(c.history, e)
	if len(c.history) > historyCap {
		c.history = c.history[len(c.history)-historyCap:]
	}
}

func randomNonce() uint32 {
	return uint32(rand.Int63n(1 << 32))
}

// BuildRepairResponse constructs the responder side of sequence repair: the
// authoritative sequence plus a keyed confirmation over (nonce, sequence,
// session id).
func BuildRepairResponse(sessionKey []byte, sessionID uint64, req *wire.RepairRequest, authoritativeSeq uint64) *wire.RepairResponse {
	resp := &wire.RepairResponse{Nonce: req.Nonce, Sequence: authoritativeSeq}
	mac := kdf.ConfirmationHash(sessionKey, repairConfirmParts(sessionID, req.Nonce, authoritativeSeq)...)
	copy(resp.Confirm[:], mac)
	return resp
}

// VerifyRepairConfirmation checks a repair response confirmation.
func VerifyRepairConfirmation(sessionKey []byte, sessionID uint64, resp *wire.RepairResponse) bool {
	return kdf.VerifyConfirmation(sessionKey, resp.Confirm[:], repairConfirmParts(sessionID, resp.Nonce, resp.Sequence)...)
}

func repairConfirmParts(sessionID uint64, nonce uint32, seq uint64) [][]byte {
	var nonceBuf [4]byte
	binary.BigEndian.PutUint32(nonceBuf[:], nonce)
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	var sidBuf [8]byte
	binary.BigEndian.PutUint64(sidBuf[:], sessionID)
	return [][]byte{nonceBuf[:], seqBuf[:], sidBuf[:]}
}

// BuildRekeyResponse constructs the responder side of a rekey: a fresh
// ephemeral pair, the shared-secret verification hash, and the newly derived
// material the responder commits once the packet is on the wire. The
// returned shared secret and private key are already wiped.
func BuildRekeyResponse(sessionID uint64, req *wire.RekeyRequest) (*wire.RekeyResponse, *kdf.Material, error) {
	pub, priv, err := kdf.GenerateEphemeralKeyPair()
	if err != nil {
		return nil, nil, err
	}
	shared, err := kdf.SharedSecret(priv, req.EphemeralKey[:])
	kdf.Wipe(priv)
	if err != nil {
		return nil, nil, err
	}
	material, err := kdf.Derive(shared, kdf.ContextRekey)
	if err != nil {
		kdf.Wipe(shared)
		return nil, nil, err
	}
	resp := &wire.RekeyResponse{Nonce: req.Nonce}
	copy(resp.EphemeralKey[:], pub)
	mac := kdf.ConfirmationHash(shared, rekeyConfirmParts(sessionID, req.Nonce)...)
	copy(resp.Confirm[:], mac)
	kdf.Wipe(shared)
	return resp, material, nil
}

// VerifyRekeyConfirmation checks the shared-secret verification hash of a
// rekey response.
func VerifyRekeyConfirmation(shared []byte, sessionID uint64, resp *wire.RekeyResponse) bool {
	return kdf.VerifyConfirmation(shared, resp.Confirm[:], rekeyConfirmParts(sessionID, resp.Nonce)...)
}

func rekeyConfirmParts(sessionID uint64, nonce uint32) [][]byte {
	var nonceBuf [4]byte
	binary.BigEndian.PutUint32(nonceBuf[:], nonce)
	var sidBuf [8]byte
	binary.BigEndian.PutUint64(sidBuf[:], sessionID)
	return [][]byte{[]byte("hopwire rekey confirm"), nonceBuf[:], sidBuf[:]}
}
