// Package stretch implements the Stretcher contract consumed by the sync
// engine: set_ratio/feed/retrieve, all called from a single thread. The
// stretcher is free to buffer arbitrarily and to emit a variable number of
// frames per call to Retrieve.
//
// The default implementation is grounded on cmd/transform.go's use of
// github.com/zaf/resample (an SoX-resampler binding): a ratio change is a
// sample-rate change relative to a fixed reference rate, so time-stretching
// is implemented as resampling the loop's own sample rate by ratio and
// recreating the underlying resampler whenever the ratio moves. Output is
// always played back at the loop's fixed native rate, so asking the
// resampler for ratio*sampleRate output samples per sampleRate input
// samples is what makes output_duration/input_duration come out to ratio
// once played back at that fixed rate.
package stretch

import (
	"bytes"
	"fmt"
	"math"

	soxr "github.com/zaf/resample"
)

// Stretcher is the contract the sync engine drives: set the current
// stretch ratio, feed input frames, and drain however many stretched
// frames are ready.
type Stretcher interface {
	SetRatio(ratio float64)
	Feed(block []float32, final bool) error
	Retrieve() []float32
	Close() error
}

// Resampler is the default Stretcher, backed by github.com/zaf/resample.
// ratio is output-duration/input-duration: ratio>1 slows playback down
// (the resampler's output rate is raised to sampleRate*ratio, so it emits
// more frames per input frame), ratio<1 speeds it up.
type Resampler struct {
	sampleRate int
	channels   int
	quality    soxr.Quality

	ratio    float64
	resamp   *soxr.Resampler
	out      bytes.Buffer
	inScratch  []int16
	outScratch []float32
}

// New builds a Resampler-backed Stretcher for the given sample rate and
// channel count, starting at ratio 1.0 (no stretch).
func New(sampleRate, channels int) *Resampler {
	return NewWithQuality(sampleRate, channels, soxr.HighQ)
}

// NewWithQuality is New with an explicit soxr quality preset, for callers
// that want to trade quality for CPU (e.g. soxr.LowQ on constrained
// devices).
func NewWithQuality(sampleRate, channels int, quality soxr.Quality) *Resampler {
	r := &Resampler{
		sampleRate: sampleRate,
		channels:   channels,
		quality:    quality,
		ratio:      1.0,
	}
	r.rebuild()
	return r
}

func (r *Resampler) rebuild() {
	if r.resamp != nil {
		r.resamp.Close()
	}
	outRate := float64(r.sampleRate) * r.ratio
	resamp, err := soxr.New(&r.out, float64(r.sampleRate), outRate, r.channels, soxr.I16, r.quality)
	if err != nil {
		// soxr.New only fails on invalid parameters, which we control
		// internally; a panic here means a programming error, not a
		// runtime condition the caller can recover from.
		panic(fmt.Sprintf("stretch: failed to build resampler: %v", err))
	}
	r.resamp = resamp
}

// SetRatio changes the stretch ratio applied to all subsequently fed
// frames. Frames already buffered internally keep their prior ratio.
func (r *Resampler) SetRatio(ratio float64) {
	if ratio <= 0 {
		return
	}
	if math.Abs(ratio-r.ratio) < 1e-9 {
		return
	}
	r.ratio = ratio
	r.rebuild()
}

// Feed pushes interleaved float32 frames through the resampler at the
// current ratio. final is accepted for contract compatibility; zaf/resample
// has no partial-flush primitive short of Close, so a final call closes
// and immediately rebuilds the resampler so the Stretcher remains usable.
func (r *Resampler) Feed(block []float32, final bool) error {
	if len(block) > 0 {
		if cap(r.inScratch) < len(block) {
			r.inScratch = make([]int16, len(block))
		}
		samples := r.inScratch[:len(block)]
		for i, s := range block {
			samples[i] = floatToInt16(s)
		}
		if _, err := r.resamp.Write(int16SliceToBytes(samples)); err != nil {
			return fmt.Errorf("stretch: resample write: %w", err)
		}
	}
	if final {
		r.rebuild()
	}
	return nil
}

// Retrieve drains whatever stretched frames are currently available,
// possibly zero-length. Output is interleaved float32.
func (r *Resampler) Retrieve() []float32 {
	raw := r.out.Bytes()
	n := len(raw) / 2
	if n == 0 {
		return nil
	}
	if cap(r.outScratch) < n {
		r.outScratch = make([]float32, n)
	}
	out := r.outScratch[:n]
	for i := 0; i < n; i++ {
		v := int16(raw[2*i]) | int16(raw[2*i+1])<<8
		out[i] = int16ToFloat(v)
	}
	r.out.Reset()
	return out
}

// Close releases the underlying resampler.
func (r *Resampler) Close() error {
	if r.resamp == nil {
		return nil
	}
	err := r.resamp.Close()
	r.resamp = nil
	return err
}

func floatToInt16(s float32) int16 {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	return int16(s * 32767)
}

func int16ToFloat(v int16) float32 {
	return float32(v) / 32768.0
}

func int16SliceToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		buf[2*i] = byte(uint16(s))
		buf[2*i+1] = byte(uint16(s) >> 8)
	}
	return buf
}
