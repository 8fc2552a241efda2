// Package engine implements the SyncEngine: the controller that owns the
// stretch-ratio state machine, drives the stretcher, writes stretched
// frames into the loop output ring, and gates the loop output stream
// start.
//
// The reference implementation this is grounded on (original_source's
// main.py) carries this state as captured mutable locals inside a single
// worker closure. Per the "Closures over mutable state" design note, it is
// re-architected here as an explicit SyncState record: time_scale,
// loop_started and reset_pending are owned exclusively by the sync
// worker's goroutine (plain fields, no synchronization needed), while the
// beat-worker-written fields it reads (samples_since_last_input_beat,
// last_observed_tempo_bpm) live behind the relaxed atomics in
// pkg/beatoracle.Oracle.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/drgolem/beatsync/pkg/beatoracle"
	"github.com/drgolem/beatsync/pkg/loop"
	"github.com/drgolem/beatsync/pkg/ring"
	"github.com/drgolem/beatsync/pkg/stretch"
	"github.com/drgolem/beatsync/pkg/types"
)

// lookaheadBlocks is the heuristic penalty subtracted (in block_size
// units) from samples_until_next_input_beat before it is rescaled into
// the ratio calculation, matching original_source/main.py's
// `samples_til_next_input_beat -= block_size*2`. Its exact value is
// flagged in the source spec as tunable per audio backend latency.
const lookaheadBlocks = 2

// backpressurePoll is how often the render loop re-checks the loop output
// ring's fill level while waiting for the consumer to drain it. Bounded
// well under the 1s shutdown-responsiveness ceiling.
const backpressurePoll = 2 * time.Millisecond

// phaseWaitPoll is the polling interval for the one-shot startup phase
// wait.
const phaseWaitPoll = 10 * time.Millisecond

// SyncState is the explicit state record called for by the "Closures over
// mutable state" design note. TimeScale, LoopStarted and ResetPending are
// touched only by the sync worker goroutine.
type SyncState struct {
	TimeScale    float64
	LoopStarted  bool
	ResetPending bool
}

// SyncEngine is the real-time synchronization controller.
type SyncEngine struct {
	loop      *loop.Loop
	stretcher stretch.Stretcher
	oracle    *beatoracle.Oracle
	loopRing  *ring.RingBuffer

	inputSampleRate int
	blockSize       int

	// onLoopReady is called exactly once, from the sync worker goroutine,
	// when at least blockSize frames have been queued into loopRing for
	// the first time. It opens the loop output audio stream.
	onLoopReady func()

	state SyncState

	playedFrames uint64
}

// New builds a SyncEngine. inputSampleRate is the live input's sample
// rate; the loop's own sample rate is read from l. onLoopReady may be nil.
func New(l *loop.Loop, stretcher stretch.Stretcher, oracle *beatoracle.Oracle, loopRing *ring.RingBuffer, inputSampleRate, blockSize int, onLoopReady func()) *SyncEngine {
	return &SyncEngine{
		loop:            l,
		stretcher:       stretcher,
		oracle:          oracle,
		loopRing:        loopRing,
		inputSampleRate: inputSampleRate,
		blockSize:       blockSize,
		onLoopReady:     onLoopReady,
		state:           SyncState{TimeScale: 1.0},
	}
}

// Run executes the sync worker loop until shutdown is closed. It returns
// nil on a clean shutdown and a non-nil error only for stretcher failures,
// which §7 treats as fatal.
func (e *SyncEngine) Run(shutdown <-chan struct{}) error {
	e.maybeWaitForPhaseAlignment(shutdown)

	for {
		select {
		case <-shutdown:
			return nil
		default:
		}

		if !e.waitForBackpressure(shutdown) {
			return nil
		}

		if evt, ok := e.oracle.TakeLatestEvent(); ok {
			e.updateRatio(evt)
		}
		e.maybeResetRatio()

		if err := e.render(); err != nil {
			if errors.Is(err, types.ErrClosed) {
				return nil
			}
			return fmt.Errorf("engine: render failed: %w", err)
		}

		e.maybeOpenLoopOutput()
	}
}

// waitForBackpressure clocks the engine to the consumer: it sleeps while
// the loop output ring holds at least blockSize frames. Returns false if
// shutdown fired while waiting.
func (e *SyncEngine) waitForBackpressure(shutdown <-chan struct{}) bool {
	for e.loopRing.Size() >= uint64(e.blockSize) {
		select {
		case <-shutdown:
			return false
		case <-time.After(backpressurePoll):
		}
	}
	return true
}

// updateRatio implements §4.5 step 2: on a fresh BeatEvent, recompute
// time_scale from the four-case table.
func (e *SyncEngine) updateRatio(evt beatoracle.BeatEvent) {
	tempo := evt.TempoBPM
	if tempo <= 0 {
		return
	}

	loopSampleRate := e.loop.SampleRate
	betaIn := math.Round(float64(e.inputSampleRate)*60.0/tempo - float64(e.oracle.SamplesSinceLastInputBeat()))
	betaIn = betaIn * float64(loopSampleRate) / float64(e.inputSampleRate)
	betaIn -= float64(lookaheadBlocks * e.blockSize)

	betaLoop := float64(e.loop.SamplesUntilNextBeat()) + float64(e.loopRing.Size())/e.state.TimeScale

	var newScale float64
	switch {
	case betaIn <= 0 || betaLoop <= 0:
		newScale = e.loop.BaseTempoBPM / tempo // case D: nominal, degenerate inputs
	case betaLoop > betaIn:
		newScale = betaIn / betaLoop // case A: loop ahead, compress
	case betaLoop > 0.5*betaIn:
		newScale = betaIn / betaLoop // case B: stretch
	case betaLoop < 0.5*betaIn:
		nextBeatLen := float64(e.loop.LengthOfBeat(e.loop.BeatIndex()+1)) / e.state.TimeScale
		newScale = betaIn / (betaLoop + nextBeatLen) // case C: compress, aim past next beat
	default:
		newScale = e.loop.BaseTempoBPM / tempo // case D: nominal
	}

	if newScale > 0 && !math.IsInf(newScale, 0) && !math.IsNaN(newScale) {
		e.state.TimeScale = newScale
	}
	e.state.ResetPending = true

	slog.Debug("ratio updated", "time_scale", e.state.TimeScale, "beta_in", betaIn, "beta_loop", betaLoop, "tempo_bpm", tempo)
}

// maybeResetRatio implements §4.5 step 3: once a full beat period of
// input has elapsed with no fresh BeatEvent, revert to the nominal ratio.
func (e *SyncEngine) maybeResetRatio() {
	if !e.state.ResetPending {
		return
	}
	tempo := e.oracle.LastObservedTempoBPM()
	if tempo <= 0 {
		return
	}
	beatPeriod := float64(e.inputSampleRate) * 60.0 / tempo
	if float64(e.oracle.SamplesSinceLastInputBeat()) >= beatPeriod {
		e.state.TimeScale = e.loop.BaseTempoBPM / tempo
		e.state.ResetPending = false
		slog.Debug("ratio reset to nominal", "time_scale", e.state.TimeScale)
	}
}

// render implements §4.5 step 4: stretch one loop block at the current
// ratio and drain the stretcher into the loop output ring.
func (e *SyncEngine) render() error {
	e.stretcher.SetRatio(e.state.TimeScale)

	block := e.loop.NextBlock(e.blockSize)
	if err := e.stretcher.Feed(block, false); err != nil {
		return fmt.Errorf("stretcher feed: %w", err)
	}

	channels := e.loop.Channels
	for {
		out := e.stretcher.Retrieve()
		if len(out) == 0 {
			break
		}
		frames := len(out) / channels
		if _, err := e.loopRing.Put(out, frames, ring.Incremental); err != nil {
			return err
		}
		e.playedFrames += uint64(frames)
	}
	return nil
}

// maybeOpenLoopOutput implements §4.5 step 5: the first time the ring
// holds at least one block's worth of frames, open the loop output
// stream.
func (e *SyncEngine) maybeOpenLoopOutput() {
	if e.state.LoopStarted {
		return
	}
	if e.loopRing.Size() < uint64(e.blockSize) {
		return
	}
	e.state.LoopStarted = true
	if e.onLoopReady != nil {
		e.onLoopReady()
	}
}

// maybeWaitForPhaseAlignment implements the one-shot startup
// synchronization: if the input is already more than 30% of the way
// through the current beat period, wait for the next BeatEvent before
// beginning playback so the loop starts phase-aligned.
func (e *SyncEngine) maybeWaitForPhaseAlignment(shutdown <-chan struct{}) {
	tempo := e.oracle.LastObservedTempoBPM()
	if tempo <= 0 {
		return
	}
	beatPeriod := float64(e.inputSampleRate) * 60.0 / tempo
	if float64(e.oracle.SamplesSinceLastInputBeat()) < 0.3*beatPeriod {
		return
	}

	slog.Info("waiting for next beat to start phase-aligned")
	for {
		select {
		case <-shutdown:
			return
		case <-time.After(phaseWaitPoll):
		}
		if _, ok := e.oracle.TakeLatestEvent(); ok {
			return
		}
	}
}

// GetPlaybackStatus reports the loop output ring's current fill level,
// satisfying types.PlaybackMonitor for the `-v` buffer-fill diagnostic.
func (e *SyncEngine) GetPlaybackStatus() types.PlaybackStatus {
	buffered := e.loopRing.Size()
	return types.PlaybackStatus{
		SampleRate:      e.loop.SampleRate,
		Channels:        e.loop.Channels,
		PlayedSamples:   e.playedFrames - buffered,
		BufferedSamples: buffered,
	}
}

// TimeScale returns the engine's current stretch ratio, for diagnostics.
func (e *SyncEngine) TimeScale() float64 {
	return e.state.TimeScale
}
