package adaptive

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/go-i2p/logger"

	"github.com/go-i2p/go-hopwire/lib/porthop"
	"github.com/go-i2p/go-hopwire/lib/wire"
)

var log = logger.GetGoI2PLogger()

const (
	// TargetSampleCount is how many delay samples the tuner wants before
	// its statistics are trustworthy. The rolling buffer holds at most
	// twice this many; recomputation starts at half.
	TargetSampleCount = 20

	// SmoothingFactor is the exponential smoothing weight applied when
	// the computed window moves, damping oscillation.
	SmoothingFactor = 0.3

	// SafetyMargin is the floor added to the p95 delay when jitter is
	// low.
	SafetyMargin = 50 * time.Millisecond

	// HighLossPerMille and HighJitter are the thresholds above which the
	// negotiated window is widened by one.
	HighLossPerMille = 20 // 2%
	HighJitter       = 100 * time.Millisecond

	// NegotiationInterval is how often peers exchange delay state; a
	// negotiated window older than twice this is stale and the locally
	// computed window takes over again.
	NegotiationInterval = 30 * time.Second

	// WindowDivergenceTrigger forces renegotiation when local and
	// negotiated windows drift this far apart.
	WindowDivergenceTrigger = 2
)

// Tuner decides the effective delay window: how many adjacent hop windows
// stay bound, balancing traffic-analysis exposure against tolerance for
// network delay. It records per-packet arrival deviation, derives p95/jitter
// statistics, and blends its conclusion with the peer's advertised state.
type Tuner struct {
	hopInterval time.Duration

	mu sync.Mutex
	// samples holds recent late-arrival deviations in milliseconds,
	// oldest first, capped at 2*TargetSampleCount.
	samples []float64

	smoothed float64 // exponentially smoothed local window
	local    int

	negotiated    int
	negotiatedRaw int64 // raw ms when last negotiated, -1 when never
	negotiationSeq uint16
	lastLossTrigger bool

	packetsExpected uint64
	packetsLost     uint64
}

// NewTuner creates a Tuner for the given hop interval.
func NewTuner(hopInterval time.Duration) *Tuner {
	return &Tuner{
		hopInterval:   hopInterval,
		smoothed:      float64(porthop.DefaultDelayWindow),
		local:         porthop.DefaultDelayWindow,
		negotiated:    porthop.DefaultDelayWindow,
		negotiatedRaw: -1,
	}
}

// RecordDelay computes the deviation between a packet's expected and actual
// arrival. packetMillis is the sender timestamp carried in the header,
// arrivalMillis the adjusted local receive time. Early arrivals (negative
// deviation, meaning our clock runs behind) are ignored; only lateness
// widens the window.
func (t *Tuner) RecordDelay(packetMillis, arrivalMillis int64) {
	deviation := arrivalMillis - packetMillis
	if deviation < 0 {
		return
	}
	t.mu.Lock()
	t.samples = append(t.samples, float64(deviation))
	if len(t.samples) > 2*TargetSampleCount {
		t.samples = t.samples[len(t.samples)-2*TargetSampleCount:]
	}
	t.mu.Unlock()
}

// RecordLoss feeds sequence accounting: expected counts every sequence
// number the peer should have delivered, lost the gaps that never arrived.
func (t *Tuner) RecordLoss(expected, lost uint64) {
	t.mu.Lock()
	t.packetsExpected += expected
	t.packetsLost += lost
	t.mu.Unlock()
}

// SampleCount returns the current number of buffered delay samples.
func (t *Tuner) SampleCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.samples)
}

// LossPerMille returns the observed loss rate in tenths of a percent.
func (t *Tuner) LossPerMille() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lossPerMilleLocked()
}

func (t *Tuner) lossPerMilleLocked() uint16 {
	if t.packetsExpected == 0 {
		return 0
	}
	perMille := t.packetsLost * 1000 / t.packetsExpected
	if perMille > 1000 {
		perMille = 1000
	}
	return uint16(perMille)
}

// Jitter returns the sample standard deviation of buffered delays.
func (t *Tuner) Jitter() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Duration(stddev(t.samples) * float64(time.Millisecond))
}

// RecomputeWindow derives the locally required delay window from the p95
// delay and jitter, clamps it to bounds and smooths it toward the previous
// value. With fewer than half the target samples the previous window stands.
func (t *Tuner) RecomputeWindow() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.samples) < TargetSampleCount/2 {
		return t.local
	}

	p95 := percentile(t.samples, 95)
	jitter := stddev(t.samples)
	margin := float64(SafetyMargin / time.Millisecond)
	if jitter > margin {
		margin = jitter
	}
	interval := float64(t.hopInterval / time.Millisecond)
	required := math.Ceil((p95 + margin) / interval)
	required = clampf(required)

	// 30% step toward the new target, never a jump.
	t.smoothed = t.smoothed + SmoothingFactor*(required-t.smoothed)
	t.local = int(clampf(math.Round(t.smoothed)))
	log.WithFields(map[string]interface{}{
		"p95_ms":    p95,
		"jitter_ms": jitter,
		"window":    t.local,
	}).Debug("Recomputed local delay window")
	return t.local
}

// LocalWindow returns the last locally computed window.
func (t *Tuner) LocalWindow() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local
}

// Negotiate blends the peer's advertised delay state with the local view:
// a confidence-weighted average (confidence proportional to sample count,
// capped at 1.0), widened by one for high loss and one more for high jitter,
// clamped to bounds. The result supersedes the local window until it goes
// stale. Returns the negotiated window.
func (t *Tuner) Negotiate(peer wire.DelayExtension, nowRawMillis int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	localConf := math.Min(1.0, float64(len(t.samples))/TargetSampleCount)
	peerConf := math.Min(1.0, float64(peer.SampleCount)/TargetSampleCount)

	var blended float64
	if localConf+peerConf == 0 {
		blended = float64(t.local)
	} else {
		blended = (float64(t.local)*localConf + float64(peer.Window)*peerConf) / (localConf + peerConf)
	}

	window := clampf(math.Round(blended))

	localLoss := t.lossPerMilleLocked()
	highLoss := localLoss > HighLossPerMille || peer.LossPerMille > HighLossPerMille
	if highLoss {
		window = clampf(window + 1)
	}
	localJitter := stddev(t.samples)
	highJitterMs := float64(HighJitter / time.Millisecond)
	if localJitter > highJitterMs || float64(peer.JitterMillis) > highJitterMs {
		window = clampf(window + 1)
	}

	t.negotiated = int(window)
	t.negotiatedRaw = nowRawMillis
	t.negotiationSeq++
	t.lastLossTrigger = highLoss
	log.WithFields(map[string]interface{}{
		"local":      t.local,
		"peer":       peer.Window,
		"negotiated": t.negotiated,
	}).Debug("Negotiated delay window with peer")
	return t.negotiated
}

// EffectiveWindow returns the window the port schedule should use right now:
// the negotiated value while fresh, the local value once negotiation is
// stale.
func (t *Tuner) EffectiveWindow(nowRawMillis int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.negotiatedRaw < 0 {
		return t.local
	}
	age := time.Duration(nowRawMillis-t.negotiatedRaw) * time.Millisecond
	if age > 2*NegotiationInterval {
		return t.local
	}
	return t.negotiated
}

// NeedsNegotiation reports whether a fresh exchange with the peer is due:
// the periodic interval elapsed, the local and negotiated windows diverged,
// or the loss rate crossed its threshold since the last exchange.
func (t *Tuner) NeedsNegotiation(nowRawMillis int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.negotiatedRaw < 0 {
		return true
	}
	age := time.Duration(nowRawMillis-t.negotiatedRaw) * time.Millisecond
	if age >= NegotiationInterval {
		return true
	}
	diverged := t.local - t.negotiated
	if diverged < 0 {
		diverged = -diverged
	}
	if diverged >= WindowDivergenceTrigger {
		return true
	}
	return (t.lossPerMilleLocked() > HighLossPerMille) != t.lastLossTrigger
}

// BuildExtension snapshots local delay state for a heartbeat.
func (t *Tuner) BuildExtension() wire.DelayExtension {
	t.mu.Lock()
	defer t.mu.Unlock()
	jitter := stddev(t.samples)
	samples := len(t.samples)
	if samples > 255 {
		samples = 255
	}
	return wire.DelayExtension{
		Window:            uint8(t.local),
		JitterMillis:      uint16(math.Min(jitter, 4095)),
		LossPerMille:      t.lossPerMilleLocked(),
		SampleCount:       uint8(samples),
		NegotiationSeq:    t.negotiationSeq & 0x3FF,
		AdaptationEnabled: true,
	}
}

func clampf(w float64) float64 {
	if w < porthop.DelayWindowMin {
		return porthop.DelayWindowMin
	}
	if w > porthop.DelayWindowMax {
		return porthop.DelayWindowMax
	}
	return w
}

// percentile computes the pth percentile with nearest-rank selection on a
// copy of the samples.
func percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

// stddev computes the sample standard deviation.
func stddev(samples []float64) float64 {
	if len(samples) < 2 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s
	}
	mean := sum / float64(len(samples))
	var sq float64
	for _, s := range samples {
		sq += (s - mean) * (s - mean)
	}
	return math.Sqrt(sq / float64(len(samples)-1))
}
