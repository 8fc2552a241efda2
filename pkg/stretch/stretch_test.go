package stretch

import (
	"math"
	"testing"
)

func synthSine(n int, freq float64, sampleRate int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(math.Sin(2 * math.Pi * freq * float64(i) / float64(sampleRate)))
	}
	return out
}

func TestRetrieveEmptyWhenNothingFed(t *testing.T) {
	s := New(44100, 1)
	defer s.Close()

	if got := s.Retrieve(); len(got) != 0 {
		t.Errorf("Retrieve with no input: got %d frames, want 0", len(got))
	}
}

func TestFeedAtUnityRatioProducesComparableFrameCount(t *testing.T) {
	s := New(44100, 1)
	defer s.Close()

	block := synthSine(4410, 440, 44100)
	if err := s.Feed(block, false); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if err := s.Feed(nil, true); err != nil {
		t.Fatalf("Feed(final): %v", err)
	}

	out := s.Retrieve()
	if len(out) == 0 {
		t.Fatal("expected nonzero output at unity ratio")
	}
	// Resampling at ratio 1.0 should roughly preserve frame count; allow
	// generous slack for the resampler's internal filter delay.
	if len(out) < len(block)/2 || len(out) > len(block)*2 {
		t.Errorf("output length %d far from input length %d at unity ratio", len(out), len(block))
	}
}

func TestSetRatioSlowsOutputDown(t *testing.T) {
	s := New(44100, 1)
	defer s.Close()

	s.SetRatio(2.0) // slow down: double the output rate's sample count for the same content
	block := synthSine(4410, 440, 44100)
	if err := s.Feed(block, false); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if err := s.Feed(nil, true); err != nil {
		t.Fatalf("Feed(final): %v", err)
	}

	out := s.Retrieve()
	if len(out) == 0 {
		t.Fatal("expected nonzero output")
	}
	// At ratio 2.0 the resampler is asked to double its output rate, so the
	// same input content decodes to roughly twice as many frames, which at
	// the loop's fixed native playback rate take twice as long to play.

	if len(out) < len(block) {
		t.Errorf("output length %d should exceed input length %d when slowing down", len(out), len(block))
	}
}

func TestIgnoresNonPositiveRatio(t *testing.T) {
	s := New(44100, 1)
	defer s.Close()

	s.SetRatio(0)
	s.SetRatio(-1)
	if s.ratio != 1.0 {
		t.Errorf("ratio: got %v, want 1.0 after ignoring invalid SetRatio calls", s.ratio)
	}
}
