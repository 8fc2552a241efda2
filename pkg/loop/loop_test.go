package loop

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

// makeTestLoop builds an 8-frame mono loop with beats at frames 0, 2, 5.
func makeTestLoop(t *testing.T) *Loop {
	t.Helper()
	audio := []float32{0, 1, 2, 3, 4, 5, 6, 7}
	l, err := New(audio, 8000, 1, 120, []int{0, 2, 5}, 4, 1, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func TestNextBlockNoWrap(t *testing.T) {
	l := makeTestLoop(t)
	out := l.NextBlock(3)
	want := []float32{0, 1, 2}
	for i, w := range want {
		if out[i] != w {
			t.Errorf("out[%d]: got %v, want %v", i, out[i], w)
		}
	}
	if l.ReadCursor() != 3 {
		t.Errorf("ReadCursor: got %d, want 3", l.ReadCursor())
	}
}

func TestNextBlockWraps(t *testing.T) {
	l := makeTestLoop(t)
	l.NextBlock(6) // cursor -> 6
	out := l.NextBlock(4)
	want := []float32{6, 7, 0, 1}
	for i, w := range want {
		if out[i] != w {
			t.Errorf("wrapped out[%d]: got %v, want %v", i, out[i], w)
		}
	}
	if l.ReadCursor() != 2 {
		t.Errorf("ReadCursor after wrap: got %d, want 2", l.ReadCursor())
	}
}

func TestBeatIndexAdvancesAndWraps(t *testing.T) {
	l := makeTestLoop(t)
	if l.BeatIndex() != 0 {
		t.Fatalf("initial BeatIndex: got %d, want 0", l.BeatIndex())
	}

	l.NextBlock(2) // cursor == beat_samples[1] (2) -> advance to beat 1
	if l.BeatIndex() != 1 {
		t.Errorf("BeatIndex after reaching beat 1: got %d, want 1", l.BeatIndex())
	}

	l.NextBlock(3) // cursor == 5 == beat_samples[2] (last) -> advance to beat 2
	if l.BeatIndex() != 2 {
		t.Errorf("BeatIndex after reaching last beat: got %d, want 2", l.BeatIndex())
	}

	l.NextBlock(4) // cursor wraps to 1, which is >= beat_samples[0] and < beat_samples[last] -> wrap to 0
	if l.BeatIndex() != 0 {
		t.Errorf("BeatIndex after wrap: got %d, want 0", l.BeatIndex())
	}
}

func TestSamplesUntilNextBeat(t *testing.T) {
	l := makeTestLoop(t)
	if got := l.SamplesUntilNextBeat(); got != 2 {
		t.Errorf("SamplesUntilNextBeat at start: got %d, want 2", got)
	}

	l.NextBlock(5) // cursor -> 5, beat_idx -> last (2)
	if l.BeatIndex() != 2 {
		t.Fatalf("expected beat_idx 2, got %d", l.BeatIndex())
	}
	// last-beat wrap: beat_samples[0] + length - cursor = 0 + 8 - 5 = 3
	if got := l.SamplesUntilNextBeat(); got != 3 {
		t.Errorf("SamplesUntilNextBeat on last beat: got %d, want 3", got)
	}
}

func TestLengthOfBeatWraps(t *testing.T) {
	l := makeTestLoop(t)
	if got := l.LengthOfBeat(0); got != 2 {
		t.Errorf("LengthOfBeat(0): got %d, want 2", got)
	}
	if got := l.LengthOfBeat(1); got != 3 {
		t.Errorf("LengthOfBeat(1): got %d, want 3", got)
	}
	// last beat: beat_samples[0] + length - beat_samples[last] = 0+8-5 = 3
	if got := l.LengthOfBeat(2); got != 3 {
		t.Errorf("LengthOfBeat(2) (last, wraps): got %d, want 3", got)
	}
}

func TestRejectsNonIncreasingBeatFrames(t *testing.T) {
	audio := make([]float32, 8)
	_, err := New(audio, 8000, 1, 120, []int{0, 3, 2}, 4, 1, 0)
	if err == nil {
		t.Fatal("expected error for non-increasing beat_frames")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	l := makeTestLoop(t)
	path := filepath.Join(t.TempDir(), "test.loop")

	if err := l.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if loaded.SampleRate != l.SampleRate {
		t.Errorf("SampleRate: got %d, want %d", loaded.SampleRate, l.SampleRate)
	}
	if loaded.Channels != l.Channels {
		t.Errorf("Channels: got %d, want %d", loaded.Channels, l.Channels)
	}
	if math.Abs(loaded.BaseTempoBPM-l.BaseTempoBPM) > 1e-6 {
		t.Errorf("BaseTempoBPM: got %v, want %v", loaded.BaseTempoBPM, l.BaseTempoBPM)
	}
	if len(loaded.Audio) != len(l.Audio) {
		t.Fatalf("Audio length: got %d, want %d", len(loaded.Audio), len(l.Audio))
	}
	for i := range l.Audio {
		if loaded.Audio[i] != l.Audio[i] {
			t.Errorf("Audio[%d]: got %v, want %v", i, loaded.Audio[i], l.Audio[i])
		}
	}
	if len(loaded.BeatFrames) != len(l.BeatFrames) {
		t.Fatalf("BeatFrames length: got %d, want %d", len(loaded.BeatFrames), len(l.BeatFrames))
	}
	for i := range l.BeatFrames {
		if loaded.BeatFrames[i] != l.BeatFrames[i] {
			t.Errorf("BeatFrames[%d]: got %d, want %d", i, loaded.BeatFrames[i], l.BeatFrames[i])
		}
	}
}

func TestLoadRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.loop")
	if err := os.WriteFile(path, []byte("not a loop blob at all"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error loading a non-loop-blob file")
	}
}
