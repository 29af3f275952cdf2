package adaptive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/go-i2p/go-hopwire/lib/porthop"
	"github.com/go-i2p/go-hopwire/lib/wire"
)

func recordN(t *Tuner, n int, deviationMillis int64) {
	for i := 0; i < n; i++ {
		t.RecordDelay(1000, 1000+deviationMillis)
	}
}

func TestRecordDelayIgnoresEarlyArrivals(t *testing.T) {
	tuner := NewTuner(porthop.HopInterval)
	tuner.RecordDelay(1000, 900) // arrived "before" it was sent
	assert.Equal(t, 0, tuner.SampleCount())
	tuner.RecordDelay(1000, 1000)
	tuner.RecordDelay(1000, 1040)
	assert.Equal(t, 2, tuner.SampleCount())
}

func TestSampleBufferBounded(t *testing.T) {
	tuner := NewTuner(porthop.HopInterval)
	recordN(tuner, 5*TargetSampleCount, 10)
	assert.Equal(t, 2*TargetSampleCount, tuner.SampleCount())
}

func TestRecomputeNeedsHalfTargetSamples(t *testing.T) {
	tuner := NewTuner(porthop.HopInterval)
	recordN(tuner, TargetSampleCount/2-1, 4000)
	assert.Equal(t, porthop.DefaultDelayWindow, tuner.RecomputeWindow(),
		"window must not move with insufficient samples")
}

// Ten samples clustered at 40ms plus a single 400ms outlier: the p95 picks
// up the outlier and the window grows, but only by the 30% smoothing step
// toward the new target, not a jump to it.
func TestRecomputeOutlierSmoothed(t *testing.T) {
	tuner := NewTuner(100 * time.Millisecond)
	recordN(tuner, 10, 40)
	tuner.RecordDelay(1000, 1400)

	got := tuner.RecomputeWindow()
	// target: ceil((400 + jitter≈108) / 100) = 6; smoothed: 3 + 0.3*(6-3) ≈ 3.9
	assert.Equal(t, 4, got, "expected one smoothed step toward the target")
	assert.Greater(t, got, porthop.DefaultDelayWindow)
	assert.Less(t, got, 6, "window must not jump straight to the target")
}

func TestRecomputeConvergesWithoutOscillation(t *testing.T) {
	tuner := NewTuner(porthop.HopInterval)
	recordN(tuner, 2*TargetSampleCount, 2000) // consistently very late
	var prev int
	for i := 0; i < 30; i++ {
		w := tuner.RecomputeWindow()
		assert.GreaterOrEqual(t, w, prev, "window oscillated downward while input is constant")
		prev = w
	}
	assert.Equal(t, 9, prev) // ceil((2000+50)/250)
}

// Window bounds hold for any input extreme.
func TestWindowBounds(t *testing.T) {
	tests := []struct {
		name   string
		record func(*Tuner)
	}{
		{"zero samples", func(*Tuner) {}},
		{"all identical zero delays", func(tu *Tuner) { recordN(tu, 40, 0) }},
		{"extreme delays", func(tu *Tuner) { recordN(tu, 40, 1<<40) }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tuner := NewTuner(porthop.HopInterval)
			tc.record(tuner)
			for i := 0; i < 50; i++ {
				w := tuner.RecomputeWindow()
				assert.GreaterOrEqual(t, w, porthop.DelayWindowMin)
				assert.LessOrEqual(t, w, porthop.DelayWindowMax)
			}
			w := tuner.Negotiate(wire.DelayExtension{Window: 255, JitterMillis: 4095, LossPerMille: 1000, SampleCount: 255}, 0)
			assert.GreaterOrEqual(t, w, porthop.DelayWindowMin)
			assert.LessOrEqual(t, w, porthop.DelayWindowMax)
		})
	}
}

func TestNegotiateBlendsByConfidence(t *testing.T) {
	tuner := NewTuner(porthop.HopInterval)
	recordN(tuner, TargetSampleCount, 0) // full local confidence, window stays 3

	peer := wire.DelayExtension{Window: 9, SampleCount: TargetSampleCount}
	got := tuner.Negotiate(peer, 1000)
	assert.Equal(t, 6, got, "equal confidence should meet in the middle")
}

func TestNegotiateWithNoEvidenceKeepsLocal(t *testing.T) {
	tuner := NewTuner(porthop.HopInterval)
	got := tuner.Negotiate(wire.DelayExtension{Window: 16, SampleCount: 0}, 1000)
	assert.Equal(t, porthop.DefaultDelayWindow, got)
}

func TestNegotiateWidensForLossAndJitter(t *testing.T) {
	tuner := NewTuner(porthop.HopInterval)
	recordN(tuner, TargetSampleCount, 0)

	peer := wire.DelayExtension{
		Window:       3,
		SampleCount:  TargetSampleCount,
		LossPerMille: 50,  // 5% > 2% threshold
		JitterMillis: 150, // > 100ms threshold
	}
	got := tuner.Negotiate(peer, 1000)
	assert.Equal(t, 5, got, "high loss and high jitter each widen by one")
}

func TestEffectiveWindowFallsBackWhenStale(t *testing.T) {
	tuner := NewTuner(porthop.HopInterval)
	recordN(tuner, TargetSampleCount, 0)

	now := int64(10_000)
	negotiated := tuner.Negotiate(wire.DelayExtension{Window: 9, SampleCount: TargetSampleCount}, now)
	assert.Equal(t, negotiated, tuner.EffectiveWindow(now+1000))

	stale := now + int64((2*NegotiationInterval)/time.Millisecond) + 1
	assert.Equal(t, tuner.LocalWindow(), tuner.EffectiveWindow(stale))
}

func TestNeedsNegotiation(t *testing.T) {
	tuner := NewTuner(porthop.HopInterval)
	assert.True(t, tuner.NeedsNegotiation(0), "never negotiated")

	recordN(tuner, TargetSampleCount, 0)
	now := int64(10_000)
	tuner.Negotiate(wire.DelayExtension{Window: 3, SampleCount: TargetSampleCount}, now)
	assert.False(t, tuner.NeedsNegotiation(now+1000))

	// Periodic interval elapsed.
	later := now + int64(NegotiationInterval/time.Millisecond)
	assert.True(t, tuner.NeedsNegotiation(later))

	// Loss rate crossing the threshold forces a renegotiation.
	tuner.RecordLoss(100, 10)
	assert.True(t, tuner.NeedsNegotiation(now+1000))
}

func TestNeedsNegotiationOnDivergence(t *testing.T) {
	tuner := NewTuner(porthop.HopInterval)
	recordN(tuner, TargetSampleCount, 0)
	now := int64(10_000)
	tuner.Negotiate(wire.DelayExtension{Window: 9, SampleCount: TargetSampleCount}, now)
	// negotiated = 6, local = 3: divergence >= 2
	assert.True(t, tuner.NeedsNegotiation(now+1000))
}

func TestLossAccounting(t *testing.T) {
	tuner := NewTuner(porthop.HopInterval)
	assert.Equal(t, uint16(0), tuner.LossPerMille())
	tuner.RecordLoss(1000, 25)
	assert.Equal(t, uint16(25), tuner.LossPerMille())
}

func TestBuildExtension(t *testing.T) {
	tuner := NewTuner(porthop.HopInterval)
	recordN(tuner, 10, 40)
	tuner.RecordLoss(1000, 30)

	ext := tuner.BuildExtension()
	assert.Equal(t, uint8(porthop.DefaultDelayWindow), ext.Window)
	assert.Equal(t, uint8(10), ext.SampleCount)
	assert.Equal(t, uint16(30), ext.LossPerMille)
	assert.True(t, ext.AdaptationEnabled)

	// Survives the wire format.
	assert.Equal(t, ext, wire.UnpackDelayExtension(ext.Pack()))
}
