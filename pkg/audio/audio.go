// Package audio defines the frame/block data model shared across the
// input, loop and ring-buffer packages: fixed-channel-count interleaved
// float32 audio, plus the binary layout used to persist it.
package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Format describes the shape of a stream of interleaved float32 samples.
type Format struct {
	SampleRate uint32 // Hz
	Channels   uint8  // 1 = mono, 2 = stereo, ...
}

// Block is a contiguous sequence of frames of interleaved float32 samples.
// Samples has length Frames*Format.Channels; sample i, channel c lives at
// Samples[i*Format.Channels+c].
type Block struct {
	Format  Format
	Frames  int
	Samples []float32
}

// NewBlock allocates a Block with n frames of silence.
func NewBlock(format Format, n int) Block {
	return Block{
		Format:  format,
		Frames:  n,
		Samples: make([]float32, n*int(format.Channels)),
	}
}

// Downmix averages all channels of b into a new single-channel Block.
// If b is already mono, it is returned as-is (no copy).
func Downmix(b Block) Block {
	ch := int(b.Format.Channels)
	if ch <= 1 {
		return b
	}

	out := NewBlock(Format{SampleRate: b.Format.SampleRate, Channels: 1}, b.Frames)
	for i := 0; i < b.Frames; i++ {
		var sum float32
		base := i * ch
		for c := 0; c < ch; c++ {
			sum += b.Samples[base+c]
		}
		out.Samples[i] = sum / float32(ch)
	}
	return out
}

// DecodePCM converts little-endian PCM samples of the given bit depth into
// normalized float32 samples in [-1, 1], writing len(out) samples read from
// raw. Shared by pkg/inputsource's file pacer and the offline analyze path
// so both decode PCM identically.
func DecodePCM(raw []byte, out []float32, bitsPerSample int) {
	switch bitsPerSample {
	case 16:
		for i := range out {
			v := int16(binary.LittleEndian.Uint16(raw[i*2 : i*2+2]))
			out[i] = float32(v) / 32768.0
		}
	case 24:
		for i := range out {
			b := raw[i*3 : i*3+3]
			v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
			if v&0x800000 != 0 {
				v |= -1 << 24
			}
			out[i] = float32(v) / 8388608.0
		}
	case 32:
		for i := range out {
			v := int32(binary.LittleEndian.Uint32(raw[i*4 : i*4+4]))
			out[i] = float32(v) / 2147483648.0
		}
	}
}

// Marshal serializes a Block to a byte slice using little-endian encoding.
//
// Binary format (tightly packed, 13 byte header):
//   - SampleRate (4 bytes, uint32)
//   - Channels (1 byte, uint8)
//   - Frames (4 bytes, uint32)
//   - Samples length (4 bytes, uint32, number of float32 values)
//   - Samples data (4 bytes per float32, little-endian)
func (b *Block) Marshal() []byte {
	headerSize := 13
	totalSize := headerSize + len(b.Samples)*4
	buf := make([]byte, totalSize)

	binary.LittleEndian.PutUint32(buf[0:4], b.Format.SampleRate)
	buf[4] = b.Format.Channels
	binary.LittleEndian.PutUint32(buf[5:9], uint32(b.Frames))
	binary.LittleEndian.PutUint32(buf[9:13], uint32(len(b.Samples)))

	off := headerSize
	for _, s := range b.Samples {
		binary.LittleEndian.PutUint32(buf[off:off+4], math.Float32bits(s))
		off += 4
	}
	return buf
}

// Unmarshal deserializes a byte slice produced by Marshal back into b.
func (b *Block) Unmarshal(data []byte) error {
	headerSize := 13
	if len(data) < headerSize {
		return fmt.Errorf("audio: buffer too small: got %d bytes, need at least %d", len(data), headerSize)
	}

	b.Format.SampleRate = binary.LittleEndian.Uint32(data[0:4])
	b.Format.Channels = data[4]
	b.Frames = int(binary.LittleEndian.Uint32(data[5:9]))
	numSamples := int(binary.LittleEndian.Uint32(data[9:13]))

	need := headerSize + numSamples*4
	if len(data) < need {
		return fmt.Errorf("audio: buffer too small for samples: got %d bytes, need %d", len(data), need)
	}

	b.Samples = make([]float32, numSamples)
	off := headerSize
	for i := range b.Samples {
		b.Samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[off : off+4]))
		off += 4
	}
	return nil
}
