package loopanalysis

import (
	"math"
	"testing"

	"github.com/drgolem/beatsync/pkg/audio"
)

// syntheticMetronome builds a mono block with short energy bursts every
// beatPeriodSamples, simulating a click track at the given tempo.
func syntheticMetronome(sampleRate int, bpm float64, seconds float64) audio.Block {
	n := int(float64(sampleRate) * seconds)
	period := int(60.0 / bpm * float64(sampleRate))
	samples := make([]float32, n)
	burst := period / 10
	if burst < 4 {
		burst = 4
	}
	for start := 0; start+burst <= n; start += period {
		for i := 0; i < burst; i++ {
			samples[start+i] = 0.9
		}
	}
	return audio.Block{
		Format:  audio.Format{SampleRate: uint32(sampleRate), Channels: 1},
		Frames:  n,
		Samples: samples,
	}
}

func TestAnalyzeRecoversApproximateTempo(t *testing.T) {
	block := syntheticMetronome(44100, 120, 8)
	result, err := Analyze(block, Options{HopLength: 512, EstimatedBPM: 120, AlignBeatsToStart: false})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	if math.Abs(result.BaseTempoBPM-120) > 6 {
		t.Errorf("BaseTempoBPM: got %v, want ~120", result.BaseTempoBPM)
	}
	if len(result.BeatFrames) < 2 {
		t.Fatalf("expected at least 2 beats, got %d", len(result.BeatFrames))
	}
}

func TestAlignToStartShiftsAllBeatsToZero(t *testing.T) {
	r := Result{BaseTempoBPM: 120, BeatFrames: []int{10, 30, 50}}
	aligned := AlignToStart(r)

	if aligned.BeatFrames[0] != 0 {
		t.Errorf("first beat after alignment: got %d, want 0", aligned.BeatFrames[0])
	}
	if aligned.NumFramesAdjusted != 10 {
		t.Errorf("NumFramesAdjusted: got %d, want 10", aligned.NumFramesAdjusted)
	}
	want := []int{0, 20, 40}
	for i, w := range want {
		if aligned.BeatFrames[i] != w {
			t.Errorf("BeatFrames[%d]: got %d, want %d", i, aligned.BeatFrames[i], w)
		}
	}
}

func TestAlignToStartNoOpWhenAlreadyZero(t *testing.T) {
	r := Result{BaseTempoBPM: 120, BeatFrames: []int{0, 20, 40}}
	aligned := AlignToStart(r)
	if aligned.NumFramesAdjusted != 0 {
		t.Errorf("NumFramesAdjusted: got %d, want 0", aligned.NumFramesAdjusted)
	}
}

func TestAnalyzeRejectsTooShortAudio(t *testing.T) {
	block := audio.Block{
		Format:  audio.Format{SampleRate: 44100, Channels: 1},
		Frames:  100,
		Samples: make([]float32, 100),
	}
	if _, err := Analyze(block, DefaultOptions()); err == nil {
		t.Fatal("expected error for too-short audio")
	}
}

func TestBuildLoopProducesUsableLoop(t *testing.T) {
	block := syntheticMetronome(44100, 120, 8)
	result, err := Analyze(block, DefaultOptions())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	l, err := BuildLoop(block, 1024, DefaultOptions().HopLength, result)
	if err != nil {
		t.Fatalf("BuildLoop: %v", err)
	}
	if l.Frames() != block.Frames {
		t.Errorf("Frames: got %d, want %d", l.Frames(), block.Frames)
	}
}
