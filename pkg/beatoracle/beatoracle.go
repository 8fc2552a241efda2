// Package beatoracle wraps one or two beat-tracker black boxes behind a
// single worker that dequeues input blocks, fuses their tempo estimates,
// and publishes BeatEvents to the synchronization engine through a
// one-slot, idempotent-overwriting mailbox.
//
// Grounded on the spectral-flux + autocorrelation BPM estimator in
// other_examples' bpm.go (energy → flux → autocorrelation → BPM), split
// here into a cheap block-rate PrimaryTracker (phase prediction refined
// by the same flux/autocorrelation technique) and a hop-rate
// SecondaryTracker that additionally uses github.com/mjibson/go-dsp's FFT
// to compute the autocorrelation via the power spectrum (Wiener-Khinchin)
// instead of the reference file's direct O(n·lag) sum, since go-dsp is
// already part of this module's dependency stack.
package beatoracle

import (
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/drgolem/beatsync/pkg/analysisqueue"
	"github.com/drgolem/beatsync/pkg/audio"
)

// BeatEvent carries a fused tempo estimate and the input frame index at
// which the primary tracker declared the beat.
type BeatEvent struct {
	TempoBPM        float64
	InputFrameIndex uint64
	Confidence      float64
}

// PrimaryTracker is the block-rate beat detector contract. Process is
// called once per input block (after mono downmix); BeatDueInCurrentFrame
// reports whether a beat fell somewhere within the block just processed.
type PrimaryTracker interface {
	Process(monoBlock []float32)
	BeatDueInCurrentFrame() bool
	CurrentTempoBPM() float64
}

// SecondaryTracker is the hop-rate beat detector contract. Process is
// called once per hop_size-sized slice of the current block.
type SecondaryTracker interface {
	Process(monoHop []float32) (beatHit bool)
	BPM() float64
	Confidence() float64
}

// Oracle is the worker that drives both trackers and fuses their output.
type Oracle struct {
	primary   PrimaryTracker
	secondary SecondaryTracker

	queue      *analysisqueue.Queue
	hopSize    int
	sampleRate int
	// referenceSampleRate is the sample rate the primary tracker's
	// internal frame rate is normalized against. The reference
	// PhaseTracker below always operates directly in the input's own
	// sample rate, so this rescale is a documented no-op (ratio 1.0);
	// it is kept so a different PrimaryTracker implementation that does
	// assume a fixed internal rate (e.g. 44100) can be dropped in
	// without touching the oracle.
	referenceSampleRate int

	latest atomic.Pointer[BeatEvent]

	samplesSinceLastInputBeat atomic.Uint64
	lastObservedTempoBits     atomic.Uint64
}

// New creates a beat-tracking oracle. hopSize must divide the size of the
// blocks the oracle dequeues from queue.
func New(primary PrimaryTracker, secondary SecondaryTracker, queue *analysisqueue.Queue, sampleRate, referenceSampleRate, hopSize int) *Oracle {
	return &Oracle{
		primary:             primary,
		secondary:           secondary,
		queue:               queue,
		hopSize:             hopSize,
		sampleRate:          sampleRate,
		referenceSampleRate: referenceSampleRate,
	}
}

// Run is the worker loop: dequeue, downmix, feed both trackers, fuse, and
// publish. It returns when shutdown is closed and the queue has been
// drained of anything already pending.
func (o *Oracle) Run(shutdown <-chan struct{}) {
	var inputFrameIndex uint64

	for {
		block, ok := o.queue.Get()
		if !ok {
			// Bounded wait timed out (or the queue was closed) with
			// nothing pending; exit if shutdown was requested.
			select {
			case <-shutdown:
				return
			default:
			}
			continue
		}

		mono := audio.Downmix(block)
		inputFrameIndex += uint64(mono.Frames)

		o.primary.Process(mono.Samples)

		for off := 0; off+o.hopSize <= len(mono.Samples); off += o.hopSize {
			o.secondary.Process(mono.Samples[off : off+o.hopSize])
		}

		if o.primary.BeatDueInCurrentFrame() {
			o.emitBeat(inputFrameIndex)
			o.samplesSinceLastInputBeat.Store(uint64(mono.Frames))
		} else {
			o.samplesSinceLastInputBeat.Add(uint64(mono.Frames))
		}
	}
}

// emitBeat fuses the two trackers' estimates and overwrites the one-slot
// mailbox: only the most recent unserviced event matters.
func (o *Oracle) emitBeat(inputFrameIndex uint64) {
	tempoPrimary := o.primary.CurrentTempoBPM() * (float64(o.sampleRate) / float64(o.referenceSampleRate))

	tempo := tempoPrimary
	confidence := 1.0

	confSecondary := o.secondary.Confidence()
	if confSecondary > 0 {
		tempoSecondary := foldToOctave(o.secondary.BPM(), tempoPrimary)
		tempo = (tempoPrimary + tempoSecondary) / 2
		confidence = confSecondary
	}

	evt := BeatEvent{
		TempoBPM:        tempo,
		InputFrameIndex: inputFrameIndex,
		Confidence:      confidence,
	}
	o.latest.Store(&evt)
	o.lastObservedTempoBits.Store(math.Float64bits(tempo))

	slog.Debug("beat detected", "tempo_bpm", tempo, "confidence", confidence, "input_frame_index", inputFrameIndex)
}

// foldToOctave doubles or halves secondary until it falls above ×0.5 and
// at most ×1.5 of primary, per the fusion rule; an exact half-tempo
// reading is folded up.
func foldToOctave(secondary, primary float64) float64 {
	if secondary <= 0 || primary <= 0 {
		return primary
	}
	for secondary <= primary*0.5 {
		secondary *= 2
	}
	for secondary > primary*1.5 {
		secondary /= 2
	}
	return secondary
}

// TakeLatestEvent atomically swaps out and returns the pending BeatEvent,
// if any. Subsequent calls return ok=false until another beat is emitted:
// the mailbox is one-slot and idempotent-overwriting, never a queue.
func (o *Oracle) TakeLatestEvent() (BeatEvent, bool) {
	p := o.latest.Swap(nil)
	if p == nil {
		return BeatEvent{}, false
	}
	return *p, true
}

// SamplesSinceLastInputBeat returns the beat worker's running count of
// samples observed since the last emitted beat.
func (o *Oracle) SamplesSinceLastInputBeat() uint64 {
	return o.samplesSinceLastInputBeat.Load()
}

// LastObservedTempoBPM returns the fused tempo from the most recently
// emitted beat, or 0 before the first beat.
func (o *Oracle) LastObservedTempoBPM() float64 {
	return math.Float64frombits(o.lastObservedTempoBits.Load())
}
