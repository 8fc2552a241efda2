// Package loopanalysis implements the offline "Offline loop analysis"
// step: decode a whole loop file, estimate its base tempo and beat grid,
// and optionally align the grid so the first detected beat lands at
// sample zero. Grounded on original_source's AudioLoop.__init__ analysis
// branch (loop.py) for the alignment arithmetic, and on
// pkg/beatoracle.FluxAutocorrelationTracker's flux/autocorrelation
// technique (itself grounded on bpm.go) run hop-by-hop over the entire
// decoded buffer instead of a live stream, to produce both the base tempo
// and a beat grid in one pass.
package loopanalysis

import (
	"fmt"
	"math"

	"github.com/drgolem/beatsync/pkg/audio"
	"github.com/drgolem/beatsync/pkg/loop"
)

// Result is the outcome of analyzing one loop file: everything needed to
// construct a loop.Loop and persist it.
type Result struct {
	BaseTempoBPM      float64
	BeatFrames        []int // hop-index positions into the audio
	NumFramesAdjusted int
}

// Options controls the analysis pass.
type Options struct {
	HopLength        int
	EstimatedBPM     float64 // seed tempo to fold toward; 0 folds into 60-200 BPM instead
	AlignBeatsToStart bool
}

// DefaultOptions returns the analysis defaults used by the `analyze` CLI.
func DefaultOptions() Options {
	return Options{HopLength: 512, EstimatedBPM: 120, AlignBeatsToStart: true}
}

// Analyze estimates tempo and a beat grid for a decoded mono-or-stereo
// audio block, returning hop-index beat positions. When
// opts.AlignBeatsToStart is set the positions are shifted by AlignToStart
// before being returned; otherwise they are the raw detected positions.
func Analyze(block audio.Block, opts Options) (Result, error) {
	if opts.HopLength <= 0 {
		return Result{}, fmt.Errorf("loopanalysis: hop_length must be positive")
	}
	mono := audio.Downmix(block)
	if mono.Frames < opts.HopLength*8 {
		return Result{}, fmt.Errorf("loopanalysis: audio too short to analyze (%d frames)", mono.Frames)
	}

	hopLength := opts.HopLength
	numHops := mono.Frames / hopLength

	energy := make([]float64, numHops)
	for i := 0; i < numHops; i++ {
		start := i * hopLength
		var sum float64
		for j := 0; j < hopLength; j++ {
			s := float64(mono.Samples[start+j])
			sum += s * s
		}
		energy[i] = math.Sqrt(sum / float64(hopLength))
	}

	flux := make([]float64, numHops)
	for i := 1; i < numHops; i++ {
		d := energy[i] - energy[i-1]
		if d > 0 {
			flux[i] = d
		}
	}

	bpm := estimateTempo(flux, mono.Format.SampleRate, hopLength, opts.EstimatedBPM)
	beatFrames := detectBeatGrid(flux, mono.Format.SampleRate, hopLength, bpm)

	if len(beatFrames) < 2 {
		return Result{}, fmt.Errorf("loopanalysis: could not find enough beats in the audio (found %d)", len(beatFrames))
	}

	result := Result{BaseTempoBPM: bpm, BeatFrames: beatFrames}
	if opts.AlignBeatsToStart {
		result = AlignToStart(result)
	}
	return result, nil
}

// estimateTempo autocorrelates the flux novelty curve over the whole
// buffer (bpm.go's direct O(n·lag) technique, grounded directly since
// this runs once offline rather than per-hop) and returns the BPM that
// best explains the dominant periodicity, folded toward estimatedBPM's
// octave if one was supplied.
func estimateTempo(flux []float64, sampleRate uint32, hopLength int, estimatedBPM float64) float64 {
	n := len(flux)
	hopsPerSecond := float64(sampleRate) / float64(hopLength)
	minLag := int(hopsPerSecond * 60.0 / 200.0)
	maxLag := int(hopsPerSecond * 60.0 / 60.0)
	if minLag < 1 {
		minLag = 1
	}
	if maxLag >= n/2 {
		maxLag = n/2 - 1
	}
	if minLag >= maxLag {
		if estimatedBPM > 0 {
			return estimatedBPM
		}
		return 120
	}

	bestLag := minLag
	bestCorr := -1.0
	for lag := minLag; lag <= maxLag; lag++ {
		var corr float64
		count := 0
		for i := 0; i+lag < n; i++ {
			corr += flux[i] * flux[i+lag]
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

	bpm := hopsPerSecond * 60.0 / float64(bestLag)
	if estimatedBPM > 0 {
		for bpm < estimatedBPM*0.75 {
			bpm *= 2
		}
		for bpm > estimatedBPM*1.5 {
			bpm /= 2
		}
	} else {
		for bpm < 60 {
			bpm *= 2
		}
		for bpm > 200 {
			bpm /= 2
		}
	}
	return bpm
}

// detectBeatGrid places a beat at the strongest flux peak within each
// expected beat-period window, walking the buffer forward from the first
// strong onset at the estimated tempo.
func detectBeatGrid(flux []float64, sampleRate uint32, hopLength int, bpm float64) []int {
	if bpm <= 0 {
		return nil
	}
	hopsPerBeat := (60.0 / bpm) * float64(sampleRate) / float64(hopLength)
	if hopsPerBeat < 1 {
		return nil
	}

	n := len(flux)
	windowRadius := int(hopsPerBeat * 0.25)
	if windowRadius < 1 {
		windowRadius = 1
	}

	var beats []int
	pos := 0.0
	for pos < float64(n) {
		center := int(pos)
		lo := center - windowRadius
		if lo < 0 {
			lo = 0
		}
		hi := center + windowRadius
		if hi >= n {
			hi = n - 1
		}

		bestIdx, bestVal := center, -1.0
		for i := lo; i <= hi; i++ {
			if flux[i] > bestVal {
				bestVal = flux[i]
				bestIdx = i
			}
		}
		beats = append(beats, bestIdx)
		pos += hopsPerBeat
	}
	return beats
}

// AlignToStart implements loop.py's align_beats_to_start: shifts every
// beat position so the first detected beat lands at hop index zero,
// recording the shift as NumFramesAdjusted (in hop units, matching the
// persisted field's original units before multiplying by hop_length).
func AlignToStart(r Result) Result {
	if len(r.BeatFrames) == 0 {
		return r
	}
	shift := r.BeatFrames[0]
	if shift == 0 {
		return r
	}
	adjusted := make([]int, len(r.BeatFrames))
	for i, f := range r.BeatFrames {
		adjusted[i] = f - shift
	}
	return Result{
		BaseTempoBPM:      r.BaseTempoBPM,
		BeatFrames:        adjusted,
		NumFramesAdjusted: shift,
	}
}

// BuildLoop constructs a loop.Loop from an analysis Result and the
// decoded audio it was computed from.
func BuildLoop(block audio.Block, blockSize, hopLength int, result Result) (*loop.Loop, error) {
	return loop.New(block.Samples, int(block.Format.SampleRate), int(block.Format.Channels),
		result.BaseTempoBPM, result.BeatFrames, blockSize, hopLength, result.NumFramesAdjusted)
}
