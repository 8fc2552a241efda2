package engine

import (
	"testing"
	"time"

	"github.com/drgolem/beatsync/pkg/analysisqueue"
	"github.com/drgolem/beatsync/pkg/beatoracle"
	"github.com/drgolem/beatsync/pkg/loop"
	"github.com/drgolem/beatsync/pkg/ring"
)

// fakeStretcher is a unity passthrough: Retrieve returns exactly what was
// last Fed, unmodified, regardless of ratio. Good enough to exercise the
// engine's render/backpressure/gate wiring without pulling in a real
// resampler.
type fakeStretcher struct {
	ratio   float64
	pending []float32
}

func (f *fakeStretcher) SetRatio(r float64) { f.ratio = r }
func (f *fakeStretcher) Feed(block []float32, final bool) error {
	f.pending = append(f.pending, block...)
	return nil
}
func (f *fakeStretcher) Retrieve() []float32 {
	out := f.pending
	f.pending = nil
	return out
}
func (f *fakeStretcher) Close() error { return nil }

func makeTestLoop(t *testing.T) *loop.Loop {
	t.Helper()
	n := 4096
	audio := make([]float32, n)
	for i := range audio {
		audio[i] = float32(i%100) / 100
	}
	l, err := loop.New(audio, 44100, 1, 120, []int{0, 1024, 2048, 3072}, 256, 128, 0)
	if err != nil {
		t.Fatalf("loop.New: %v", err)
	}
	return l
}

func TestRenderQueuesFramesAndGatesFirstBlock(t *testing.T) {
	l := makeTestLoop(t)
	st := &fakeStretcher{}
	q := analysisqueue.New(4)
	primary := beatoracle.NewPhaseTracker(44100, 120)
	secondary := beatoracle.NewFluxAutocorrelationTracker(44100, 256, 2.0)
	oracle := beatoracle.New(primary, secondary, q, 44100, 44100, 256)

	loopRing := ring.New(8192, 1)

	gated := false
	e := New(l, st, oracle, loopRing, 44100, 256, func() { gated = true })

	if err := e.render(); err != nil {
		t.Fatalf("render: %v", err)
	}
	if loopRing.Size() == 0 {
		t.Fatal("expected frames queued into loop ring after render")
	}

	e.maybeOpenLoopOutput()
	if !gated {
		t.Error("expected onLoopReady to fire once enough frames were queued")
	}
}

func TestWaitForBackpressureReturnsFalseOnShutdown(t *testing.T) {
	l := makeTestLoop(t)
	loopRing := ring.New(256, 1)
	// Fill the ring above blockSize so the wait loop actually blocks.
	filler := make([]float32, 256)
	if _, err := loopRing.Put(filler, 256, ring.NoWait); err != nil {
		t.Fatalf("Put: %v", err)
	}

	q := analysisqueue.New(4)
	primary := beatoracle.NewPhaseTracker(44100, 120)
	secondary := beatoracle.NewFluxAutocorrelationTracker(44100, 256, 2.0)
	oracle := beatoracle.New(primary, secondary, q, 44100, 44100, 256)

	e := New(l, &fakeStretcher{}, oracle, loopRing, 44100, 128, nil)

	shutdown := make(chan struct{})
	close(shutdown)

	if e.waitForBackpressure(shutdown) {
		t.Error("expected waitForBackpressure to return false after shutdown")
	}
}

func TestUpdateRatioKeepsPositiveScaleAndSetsResetPending(t *testing.T) {
	l := makeTestLoop(t)
	loopRing := ring.New(8192, 1)
	q := analysisqueue.New(4)
	primary := beatoracle.NewPhaseTracker(44100, 120)
	secondary := beatoracle.NewFluxAutocorrelationTracker(44100, 256, 2.0)
	oracle := beatoracle.New(primary, secondary, q, 44100, 44100, 256)

	e := New(l, &fakeStretcher{}, oracle, loopRing, 44100, 256, nil)

	e.updateRatio(beatoracle.BeatEvent{TempoBPM: 120, InputFrameIndex: 0, Confidence: 1})
	if e.state.TimeScale <= 0 {
		t.Errorf("TimeScale should remain positive, got %v", e.state.TimeScale)
	}
	if !e.state.ResetPending {
		t.Error("expected ResetPending to be set after a ratio update")
	}
}

func TestRunExitsCleanlyOnShutdown(t *testing.T) {
	l := makeTestLoop(t)
	loopRing := ring.New(8192, 1)
	q := analysisqueue.New(4)
	primary := beatoracle.NewPhaseTracker(44100, 120)
	secondary := beatoracle.NewFluxAutocorrelationTracker(44100, 256, 2.0)
	oracle := beatoracle.New(primary, secondary, q, 44100, 44100, 256)

	e := New(l, &fakeStretcher{}, oracle, loopRing, 44100, 256, nil)

	shutdown := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- e.Run(shutdown) }()

	time.Sleep(20 * time.Millisecond)
	close(shutdown)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit within 2s of shutdown")
	}
}
