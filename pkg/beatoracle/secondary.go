package beatoracle

import (
	"math"

	"github.com/mjibson/go-dsp/fft"
)

// FluxAutocorrelationTracker is the reference SecondaryTracker. It
// accumulates one RMS-energy sample per hop, derives a half-wave
// rectified energy-flux novelty signal exactly as bpm.go's detectBPM
// does, and periodically estimates BPM and confidence from that signal's
// autocorrelation — computed here via FFT (Wiener-Khinchin: autocorrelate
// by inverse-transforming the power spectrum) rather than bpm.go's direct
// O(n·lag) double loop, since this is the hop-rate path running far more
// often than the reference file's one-shot offline analysis.
type FluxAutocorrelationTracker struct {
	sampleRate int
	hopSize    int

	lastEnergy float64
	history    []float64
	maxHistory int

	refineEvery int
	hopsSeen    int

	bpm        float64
	confidence float64

	fluxMean float64
	fluxVar  float64
}

// NewFluxAutocorrelationTracker creates a secondary tracker. historySeconds
// bounds how much flux history is kept for periodic autocorrelation.
func NewFluxAutocorrelationTracker(sampleRate, hopSize int, historySeconds float64) *FluxAutocorrelationTracker {
	maxHistory := int(historySeconds * float64(sampleRate) / float64(hopSize))
	if maxHistory < 16 {
		maxHistory = 16
	}
	return &FluxAutocorrelationTracker{
		sampleRate:  sampleRate,
		hopSize:     hopSize,
		maxHistory:  maxHistory,
		refineEvery: 4,
	}
}

// Process records one hop's novelty and reports onset-style beat hits: a
// flux spike well above the signal's running mean.
func (s *FluxAutocorrelationTracker) Process(hop []float32) bool {
	if len(hop) == 0 {
		return false
	}

	var sum float64
	for _, v := range hop {
		sum += float64(v) * float64(v)
	}
	energy := math.Sqrt(sum / float64(len(hop)))

	flux := energy - s.lastEnergy
	if flux < 0 {
		flux = 0
	}
	s.lastEnergy = energy

	s.history = append(s.history, flux)
	if len(s.history) > s.maxHistory {
		s.history = s.history[len(s.history)-s.maxHistory:]
	}

	// Exponential running mean/variance for adaptive onset threshold.
	const alpha = 0.05
	delta := flux - s.fluxMean
	s.fluxMean += alpha * delta
	s.fluxVar = (1 - alpha) * (s.fluxVar + alpha*delta*delta)

	s.hopsSeen++
	if s.hopsSeen%s.refineEvery == 0 {
		s.refine()
	}

	threshold := s.fluxMean + 1.5*math.Sqrt(s.fluxVar)
	return flux > threshold && flux > 0
}

// refine recomputes bpm and confidence from the accumulated flux history
// via FFT-based autocorrelation.
func (s *FluxAutocorrelationTracker) refine() {
	n := len(s.history)
	if n < 16 {
		return
	}

	// Zero-pad to the next power of two >= 2n so the circular
	// autocorrelation from the FFT matches the linear one.
	fftLen := 1
	for fftLen < 2*n {
		fftLen <<= 1
	}
	padded := make([]float64, fftLen)
	copy(padded, s.history)

	spectrum := fft.FFTReal(padded)
	power := make([]complex128, fftLen)
	for i, c := range spectrum {
		power[i] = complex(real(c)*real(c)+imag(c)*imag(c), 0)
	}
	autocorr := fft.IFFT(power)

	hopsPerSecond := float64(s.sampleRate) / float64(s.hopSize)
	minLag := int(hopsPerSecond * 60.0 / 200.0)
	maxLag := int(hopsPerSecond * 60.0 / 60.0)
	if minLag < 1 {
		minLag = 1
	}
	if maxLag >= n/2 {
		maxLag = n/2 - 1
	}
	if minLag >= maxLag {
		s.confidence = 0
		return
	}

	bestLag := minLag
	bestVal := real(autocorr[minLag])
	sumVal, count := 0.0, 0
	for lag := minLag; lag <= maxLag; lag++ {
		v := real(autocorr[lag])
		sumVal += v
		count++
		if v > bestVal {
			bestVal = v
			bestLag = lag
		}
	}

	bpm := hopsPerSecond * 60.0 / float64(bestLag)
	for bpm < 60 {
		bpm *= 2
	}
	for bpm > 200 {
		bpm /= 2
	}
	s.bpm = bpm

	meanVal := sumVal / float64(count)
	zeroLag := real(autocorr[0])
	if zeroLag <= 0 {
		s.confidence = 0
		return
	}
	// Confidence: how far the peak stands above the average candidate,
	// normalized by the signal's own total energy (the zero-lag term).
	peakProminence := (bestVal - meanVal) / zeroLag
	s.confidence = clamp01(peakProminence * 4)
}

// BPM returns the most recently estimated tempo.
func (s *FluxAutocorrelationTracker) BPM() float64 {
	return s.bpm
}

// Confidence returns the autocorrelation peak's prominence in [0,1].
func (s *FluxAutocorrelationTracker) Confidence() float64 {
	return s.confidence
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
