package audio

import (
	"encoding/binary"
	"math"
	"testing"
)

func TestDecodePCM_16Bit(t *testing.T) {
	raw := make([]byte, 4)
	neg := int16(-16384)
	binary.LittleEndian.PutUint16(raw[0:2], uint16(int16(16384))) // 0.5
	binary.LittleEndian.PutUint16(raw[2:4], uint16(neg))          // -0.5

	out := make([]float32, 2)
	DecodePCM(raw, out, 16)

	if math.Abs(float64(out[0]-0.5)) > 1e-4 {
		t.Errorf("out[0]: got %v, want ~0.5", out[0])
	}
	if math.Abs(float64(out[1]+0.5)) > 1e-4 {
		t.Errorf("out[1]: got %v, want ~-0.5", out[1])
	}
}

func TestDecodePCM_32Bit(t *testing.T) {
	raw := make([]byte, 4)
	binary.LittleEndian.PutUint32(raw[0:4], uint32(int32(1<<30)))

	out := make([]float32, 1)
	DecodePCM(raw, out, 32)

	if math.Abs(float64(out[0]-0.5)) > 1e-4 {
		t.Errorf("out[0]: got %v, want ~0.5", out[0])
	}
}

func TestBlockMarshalUnmarshal(t *testing.T) {
	original := Block{
		Format:  Format{SampleRate: 44100, Channels: 2},
		Frames:  4,
		Samples: []float32{0.1, -0.2, 0.3, -0.4, 0.5, -0.6, 0.7, -0.8},
	}

	data := original.Marshal()

	expectedSize := 13 + len(original.Samples)*4
	if len(data) != expectedSize {
		t.Errorf("Marshal size: got %d, want %d", len(data), expectedSize)
	}

	var decoded Block
	if err := decoded.Unmarshal(data); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if decoded.Format != original.Format {
		t.Errorf("Format: got %+v, want %+v", decoded.Format, original.Format)
	}
	if decoded.Frames != original.Frames {
		t.Errorf("Frames: got %d, want %d", decoded.Frames, original.Frames)
	}
	if len(decoded.Samples) != len(original.Samples) {
		t.Fatalf("Samples length: got %d, want %d", len(decoded.Samples), len(original.Samples))
	}
	for i := range original.Samples {
		if decoded.Samples[i] != original.Samples[i] {
			t.Errorf("Samples[%d]: got %v, want %v", i, decoded.Samples[i], original.Samples[i])
		}
	}
}

func TestUnmarshalTooSmall(t *testing.T) {
	var b Block
	if err := b.Unmarshal([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for truncated header")
	}
}

func TestDownmixMono(t *testing.T) {
	mono := Block{Format: Format{SampleRate: 44100, Channels: 1}, Frames: 2, Samples: []float32{0.5, -0.5}}
	out := Downmix(mono)
	if &out.Samples[0] != &mono.Samples[0] {
		t.Error("Downmix on mono input should return the same backing array")
	}
}

func TestDownmixStereo(t *testing.T) {
	stereo := Block{
		Format:  Format{SampleRate: 44100, Channels: 2},
		Frames:  2,
		Samples: []float32{1.0, -1.0, 0.5, 0.5},
	}
	out := Downmix(stereo)
	if out.Format.Channels != 1 {
		t.Fatalf("expected mono output, got %d channels", out.Format.Channels)
	}
	want := []float32{0.0, 0.5}
	for i, w := range want {
		if out.Samples[i] != w {
			t.Errorf("Samples[%d]: got %v, want %v", i, out.Samples[i], w)
		}
	}
}
