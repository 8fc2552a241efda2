package beatoracle

import "math"

// PhaseTracker is the reference PrimaryTracker: it predicts the sample
// offset of the next beat from a running period estimate and counts down
// against each incoming block, refining the period from the same
// energy/flux novelty signal used by bpm.go's detectBPM, but applied
// incrementally one block at a time instead of over a whole buffer.
type PhaseTracker struct {
	sampleRate int

	periodSamples float64 // estimated samples per beat
	phase         float64 // samples remaining until the next predicted beat
	beatDue       bool

	lastEnergy    float64
	fluxHistory   []float64
	maxHistory    int
	blocksSeen    int
	refineEvery   int
}

// NewPhaseTracker creates a primary tracker seeded at initialBPM (120 if
// unknown). refineEvery controls how many blocks pass between period
// re-estimates from the accumulated flux history.
func NewPhaseTracker(sampleRate int, initialBPM float64) *PhaseTracker {
	if initialBPM <= 0 {
		initialBPM = 120
	}
	period := 60.0 / initialBPM * float64(sampleRate)
	return &PhaseTracker{
		sampleRate:    sampleRate,
		periodSamples: period,
		phase:         period,
		maxHistory:    sampleRate * 4 / 256, // ~4s of ~256-sample flux samples
		refineEvery:   8,
	}
}

// FixTempo seeds the tracker with a known-good tempo, used when the
// caller already has a prior estimate (e.g. from offline loop analysis).
func (t *PhaseTracker) FixTempo(bpm float64) {
	if bpm <= 0 {
		return
	}
	t.periodSamples = 60.0 / bpm * float64(t.sampleRate)
	t.phase = t.periodSamples
}

// Process advances the phase countdown by len(block) samples and records
// a flux novelty sample for periodic period refinement.
func (t *PhaseTracker) Process(block []float32) {
	if len(block) == 0 {
		t.beatDue = false
		return
	}

	var sum float64
	for _, s := range block {
		sum += float64(s) * float64(s)
	}
	energy := math.Sqrt(sum / float64(len(block)))

	flux := energy - t.lastEnergy
	if flux < 0 {
		flux = 0
	}
	t.lastEnergy = energy

	t.fluxHistory = append(t.fluxHistory, flux)
	if len(t.fluxHistory) > t.maxHistory {
		t.fluxHistory = t.fluxHistory[len(t.fluxHistory)-t.maxHistory:]
	}

	t.phase -= float64(len(block))
	t.beatDue = false
	if t.phase <= 0 {
		t.beatDue = true
		t.phase += t.periodSamples
		if t.phase <= 0 {
			t.phase = t.periodSamples
		}
	}

	t.blocksSeen++
	if t.blocksSeen%t.refineEvery == 0 {
		t.refinePeriod(len(block))
	}
}

// refinePeriod autocorrelates the accumulated flux history (one sample
// per block of size blockLen) to pull the period estimate toward the
// strongest periodicity actually observed in the signal, the same
// technique bpm.go applies to a whole buffer at once.
func (t *PhaseTracker) refinePeriod(blockLen int) {
	n := len(t.fluxHistory)
	if n < 8 {
		return
	}

	blocksPerSecond := float64(t.sampleRate) / float64(blockLen)
	minLag := int(blocksPerSecond * 60.0 / 200.0)
	maxLag := int(blocksPerSecond * 60.0 / 60.0)
	if minLag < 1 {
		minLag = 1
	}
	if maxLag >= n/2 {
		maxLag = n/2 - 1
	}
	if minLag >= maxLag {
		return
	}

	bestLag := minLag
	bestCorr := -1.0
	for lag := minLag; lag <= maxLag; lag++ {
		var corr float64
		count := 0
		for i := 0; i+lag < n; i++ {
			corr += t.fluxHistory[i] * t.fluxHistory[i+lag]
			count++
		}
		if count > 0 {
			corr /= float64(count)
		}
		if corr > bestCorr {
			bestCorr = corr
			bestLag = lag
		}
	}

	observedPeriod := float64(bestLag) * float64(blockLen)
	// Pull gently toward the observed period instead of snapping to it;
	// a single noisy autocorrelation peak should not whiplash the phase.
	t.periodSamples = 0.8*t.periodSamples + 0.2*observedPeriod
}

// BeatDueInCurrentFrame reports whether the last Process call crossed a
// predicted beat boundary.
func (t *PhaseTracker) BeatDueInCurrentFrame() bool {
	return t.beatDue
}

// CurrentTempoBPM returns the tracker's current period estimate as BPM.
func (t *PhaseTracker) CurrentTempoBPM() float64 {
	if t.periodSamples <= 0 {
		return 0
	}
	return 60.0 * float64(t.sampleRate) / t.periodSamples
}
