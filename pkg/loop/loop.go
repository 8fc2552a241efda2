// Package loop implements the pre-analyzed backing track played in
// synchrony with the live input: read-only interleaved audio plus a beat
// grid and a wrapping read cursor, grounded on original_source's
// AudioLoop/CircularBuffer (loop.py, circular_buffer.py) with the
// put/get_into wraparound arithmetic kept exactly and the persistence
// layer rewritten onto this module's own tight binary format (the same
// idiom as pkg/audio.Block.Marshal/Unmarshal) in place of Python pickle.
package loop

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
)

// Loop is a fixed backing track with a beat grid and a single read
// cursor. Only the sync worker may advance the cursor.
type Loop struct {
	Audio             []float32 // interleaved, Frames()*Channels samples
	SampleRate        int
	Channels          int
	BaseTempoBPM      float64
	BeatFrames        []int // hop-index beat positions, as persisted
	BlockSize         int
	HopLength         int
	NumFramesAdjusted int

	beatSamples []int // BeatFrames[i] * HopLength, derived at load time
	readCursor  int
	beatIndex   int
}

// New constructs a Loop from decoded audio and an offline-estimated beat
// grid (in hop-index units, matching librosa-style beat_track output).
// beatFrames must have at least 2 strictly increasing entries.
func New(audioSamples []float32, sampleRate, channels int, baseTempoBPM float64, beatFrames []int, blockSize, hopLength, numFramesAdjusted int) (*Loop, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("loop: channels must be positive, got %d", channels)
	}
	if len(audioSamples)%channels != 0 {
		return nil, fmt.Errorf("loop: audio sample count %d is not a multiple of channels %d", len(audioSamples), channels)
	}
	if len(beatFrames) < 2 {
		return nil, fmt.Errorf("loop: beat grid needs at least 2 entries, got %d", len(beatFrames))
	}
	for i := 1; i < len(beatFrames); i++ {
		if beatFrames[i] <= beatFrames[i-1] {
			return nil, fmt.Errorf("loop: beat_frames must be strictly increasing at index %d", i)
		}
	}

	l := &Loop{
		Audio:             audioSamples,
		SampleRate:        sampleRate,
		Channels:          channels,
		BaseTempoBPM:      baseTempoBPM,
		BeatFrames:        beatFrames,
		BlockSize:         blockSize,
		HopLength:         hopLength,
		NumFramesAdjusted: numFramesAdjusted,
	}
	l.deriveBeatSamples()
	return l, nil
}

func (l *Loop) deriveBeatSamples() {
	l.beatSamples = make([]int, len(l.BeatFrames))
	for i, f := range l.BeatFrames {
		l.beatSamples[i] = f * l.HopLength
	}
}

// Frames returns the loop's total frame count.
func (l *Loop) Frames() int {
	return len(l.Audio) / l.Channels
}

// ReadCursor returns the current read position, in frames, mod Frames().
func (l *Loop) ReadCursor() int {
	return l.readCursor
}

// BeatIndex returns the index of the most recently passed beat.
func (l *Loop) BeatIndex() int {
	return l.beatIndex
}

// NextBlock copies n frames starting at the read cursor, wrapping modulo
// Frames(), advances the cursor, and updates BeatIndex. Returns
// n*Channels interleaved samples.
func (l *Loop) NextBlock(n int) []float32 {
	out := make([]float32, n*l.Channels)
	l.readCursor = l.getInto(l.readCursor, out, n)
	l.incrementBeatIndex()
	return out
}

// getInto is circular_buffer.py's get_into, operating on frames instead
// of raw samples: copies length frames starting at idx into out (which
// must hold length*Channels samples already sized by the caller),
// splitting across the physical wrap. Returns the next buf_idx.
func (l *Loop) getInto(idx int, out []float32, length int) int {
	total := l.Frames()
	ch := l.Channels

	if idx+length >= total {
		framesLeft := total - idx
		extraFrames := length - framesLeft
		copy(out[:framesLeft*ch], l.Audio[idx*ch:total*ch])
		copy(out[framesLeft*ch:length*ch], l.Audio[:extraFrames*ch])
		return extraFrames
	}
	copy(out[:length*ch], l.Audio[idx*ch:(idx+length)*ch])
	return idx + length
}

// incrementBeatIndex advances BeatIndex zero or more steps while the
// cursor has passed the next beat marker (a block can span more than one
// beat), with the last-beat wrap special case checked on every step.
func (l *Loop) incrementBeatIndex() {
	last := len(l.beatSamples) - 1
	for {
		if l.beatIndex == last {
			if l.readCursor >= l.beatSamples[0] && l.readCursor < l.beatSamples[last] {
				l.beatIndex = 0
				continue
			}
			return
		}
		if l.readCursor >= l.beatSamples[l.beatIndex+1] {
			l.beatIndex++
			continue
		}
		return
	}
}

// SamplesUntilNextBeat is loop.py's get_samples_til_next_beat.
func (l *Loop) SamplesUntilNextBeat() int {
	last := len(l.beatSamples) - 1
	if l.beatIndex == last {
		return l.beatSamples[0] + l.Frames() - l.readCursor
	}
	return l.beatSamples[l.beatIndex+1] - l.readCursor
}

// LengthOfBeat is loop.py's get_sample_length_of_beat: the frame span of
// beat i, wrapping for the last beat.
func (l *Loop) LengthOfBeat(i int) int {
	n := len(l.beatSamples)
	i = ((i % n) + n) % n
	last := n - 1
	if i == last {
		return l.beatSamples[0] + l.Frames() - l.beatSamples[last]
	}
	return l.beatSamples[i+1] - l.beatSamples[i]
}

// LengthOfNextBeat is loop.py's get_sample_length_of_next_beat.
func (l *Loop) LengthOfNextBeat() int {
	return l.LengthOfBeat(l.beatIndex + 1)
}

const blobMagic = "BSLP"
const blobVersion = uint32(1)

// Save persists the loop to path using a tightly packed little-endian
// binary layout (magic, version, scalar header fields, beat_frames
// array, sample data), the same encoding idiom as pkg/audio.Block.
func (l *Loop) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("loop: failed to create %s: %w", path, err)
	}
	defer f.Close()

	header := make([]byte, 4+4+4+1+8+4+4+4+4)
	off := 0
	copy(header[off:], blobMagic)
	off += 4
	binary.LittleEndian.PutUint32(header[off:], blobVersion)
	off += 4
	binary.LittleEndian.PutUint32(header[off:], uint32(l.SampleRate))
	off += 4
	header[off] = byte(l.Channels)
	off++
	binary.LittleEndian.PutUint64(header[off:], math.Float64bits(l.BaseTempoBPM))
	off += 8
	binary.LittleEndian.PutUint32(header[off:], uint32(l.BlockSize))
	off += 4
	binary.LittleEndian.PutUint32(header[off:], uint32(l.HopLength))
	off += 4
	binary.LittleEndian.PutUint32(header[off:], uint32(l.NumFramesAdjusted))
	off += 4
	binary.LittleEndian.PutUint32(header[off:], uint32(len(l.BeatFrames)))

	if _, err := f.Write(header); err != nil {
		return fmt.Errorf("loop: failed writing header: %w", err)
	}

	beatBuf := make([]byte, len(l.BeatFrames)*4)
	for i, bf := range l.BeatFrames {
		binary.LittleEndian.PutUint32(beatBuf[i*4:], uint32(bf))
	}
	if _, err := f.Write(beatBuf); err != nil {
		return fmt.Errorf("loop: failed writing beat_frames: %w", err)
	}

	sampleCountBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(sampleCountBuf, uint32(len(l.Audio)))
	if _, err := f.Write(sampleCountBuf); err != nil {
		return fmt.Errorf("loop: failed writing sample count: %w", err)
	}

	sampleBuf := make([]byte, len(l.Audio)*4)
	for i, s := range l.Audio {
		binary.LittleEndian.PutUint32(sampleBuf[i*4:], math.Float32bits(s))
	}
	if _, err := f.Write(sampleBuf); err != nil {
		return fmt.Errorf("loop: failed writing audio samples: %w", err)
	}

	return nil
}

// Load reads a loop blob written by Save. Mono audio (Channels==1) is
// kept as a [samples][1] layout already, matching the "promoted to shape
// [samples][1]" rule on load.
func Load(path string) (*Loop, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loop: failed to read %s: %w", path, err)
	}

	const headerSize = 4 + 4 + 4 + 1 + 8 + 4 + 4 + 4 + 4
	if len(data) < headerSize {
		return nil, fmt.Errorf("loop: %s is too small to be a loop blob", path)
	}
	if string(data[0:4]) != blobMagic {
		return nil, fmt.Errorf("loop: %s has bad magic %q", path, data[0:4])
	}

	off := 4
	version := binary.LittleEndian.Uint32(data[off:])
	if version != blobVersion {
		return nil, fmt.Errorf("loop: %s has unsupported version %d", path, version)
	}
	off += 4

	sampleRate := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4
	channels := int(data[off])
	off++
	baseTempo := math.Float64frombits(binary.LittleEndian.Uint64(data[off:]))
	off += 8
	blockSize := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4
	hopLength := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4
	numFramesAdjusted := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4
	numBeatFrames := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4

	if len(data) < off+numBeatFrames*4+4 {
		return nil, fmt.Errorf("loop: %s truncated before beat_frames", path)
	}
	beatFrames := make([]int, numBeatFrames)
	for i := range beatFrames {
		beatFrames[i] = int(binary.LittleEndian.Uint32(data[off:]))
		off += 4
	}

	numSamples := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4

	if len(data) < off+numSamples*4 {
		return nil, fmt.Errorf("loop: %s truncated before audio samples", path)
	}
	audioSamples := make([]float32, numSamples)
	for i := range audioSamples {
		audioSamples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
		off += 4
	}

	return New(audioSamples, sampleRate, channels, baseTempo, beatFrames, blockSize, hopLength, numFramesAdjusted)
}
