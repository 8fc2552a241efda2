package cmd

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/drgolem/go-portaudio/portaudio"
	"github.com/spf13/cobra"

	"github.com/drgolem/beatsync/internal/engine"
	"github.com/drgolem/beatsync/pkg/analysisqueue"
	"github.com/drgolem/beatsync/pkg/beatoracle"
	"github.com/drgolem/beatsync/pkg/decoders"
	"github.com/drgolem/beatsync/pkg/inputsource"
	"github.com/drgolem/beatsync/pkg/loop"
	"github.com/drgolem/beatsync/pkg/ring"
	"github.com/drgolem/beatsync/pkg/stretch"
)

// defaultOutputDevice is used for the input pass-through stream, which §6
// leaves unconfigured by CLI flag (only the loop output device is named by
// -o); it defaults to the same device index the teacher's play commands
// default to.
const defaultOutputDevice = 1

const referenceSampleRate = 44100

var (
	syncLoopPath    string
	syncInput       string
	syncOutput      int
	syncBlockSize   int
	syncVerbose     bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Play a loop synced to a live device or file input",
	Long: `sync starts the real-time synchronization engine: it listens to a live
input (a device or a file played back in real time), tracks its tempo and
beat grid, and plays a pre-analyzed loop time-stretched to stay phase-locked
to the input.

Examples:
  # Sync to input device 0 (-i is required; there is no default device)
  beatsync sync -l drum_loop.loop -i 0

  # Sync to a recorded file, verbose buffer-fill logging
  beatsync sync -l drum_loop.loop -i track.wav -v

  # Route the loop to a specific output device
  beatsync sync -l drum_loop.loop -o 2`,
	Run: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)

	syncCmd.Flags().StringVarP(&syncLoopPath, "loop", "l", "", "Pre-analyzed loop blob (required)")
	syncCmd.Flags().StringVarP(&syncInput, "input", "i", "", "Input device index or file path (required; no default device is chosen)")
	syncCmd.Flags().IntVarP(&syncOutput, "output", "o", defaultOutputDevice, "Output device index for the loop stream")
	syncCmd.Flags().IntVarP(&syncBlockSize, "block-size", "b", 1024, "Block size in frames (power of two)")
	syncCmd.Flags().BoolVarP(&syncVerbose, "verbose", "v", false, "Verbose output (debug logging, buffer-fill status)")

	syncCmd.MarkFlagRequired("loop")
}

func runSync(cmd *cobra.Command, args []string) {
	logLevel := slog.LevelInfo
	if syncVerbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	l, err := loop.Load(syncLoopPath)
	if err != nil {
		slog.Error("failed to load loop blob", "path", syncLoopPath, "error", err)
		os.Exit(1)
	}
	slog.Info("loop loaded",
		"path", syncLoopPath, "sample_rate", l.SampleRate, "channels", l.Channels,
		"base_tempo_bpm", l.BaseTempoBPM, "beats", len(l.BeatFrames), "frames", l.Frames())

	slog.Info("initializing PortAudio")
	if err := portaudio.Initialize(); err != nil {
		slog.Error("failed to initialize PortAudio", "error", err)
		os.Exit(1)
	}
	defer portaudio.Terminate()
	slog.Info("PortAudio initialized", "version", portaudio.GetVersion())

	source, passRing, analysisQ, err := buildInputSource(syncInput, syncBlockSize)
	if err != nil {
		slog.Error("failed to set up input source", "error", err)
		os.Exit(1)
	}

	ringCapacity := uint64(syncBlockSize * 8)
	loopRing := ring.New(ringCapacity, l.Channels)

	primary := beatoracle.NewPhaseTracker(source.SampleRate(), l.BaseTempoBPM)
	secondary := beatoracle.NewFluxAutocorrelationTracker(source.SampleRate(), syncBlockSize/2, 4.0)
	oracle := beatoracle.New(primary, secondary, analysisQ, source.SampleRate(), referenceSampleRate, syncBlockSize/2)

	stretcher := stretch.New(l.SampleRate, l.Channels)
	defer stretcher.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	shutdown := make(chan struct{})
	var loopOutput *ringOutputSink

	eng := engine.New(l, stretcher, oracle, loopRing, source.SampleRate(), syncBlockSize, func() {
		slog.Info("loop output buffered, starting loop playback")
		sink, err := newRingOutputSink(loopRing, syncOutput, l.SampleRate, l.Channels, syncBlockSize)
		if err != nil {
			slog.Error("failed to open loop output stream", "error", err)
			return
		}
		if err := sink.Start(); err != nil {
			slog.Error("failed to start loop output stream", "error", err)
			return
		}
		loopOutput = sink
	})

	passOutput, err := newRingOutputSink(passRing, defaultOutputDevice, source.SampleRate(), source.Channels(), syncBlockSize)
	if err != nil {
		slog.Error("failed to open input pass-through output stream", "error", err)
		os.Exit(1)
	}
	if err := passOutput.Start(); err != nil {
		slog.Error("failed to start input pass-through output stream", "error", err)
		os.Exit(1)
	}

	if err := source.Start(); err != nil {
		slog.Error("failed to start input source", "error", err)
		os.Exit(1)
	}

	go oracle.Run(shutdown)

	engineDone := make(chan error, 1)
	go func() { engineDone <- eng.Run(shutdown) }()

	if syncVerbose {
		monitorDone := make(chan struct{})
		defer close(monitorDone)
		go monitorBufferFill(eng, monitorDone)
	}

	select {
	case <-sigChan:
		slog.Info("signal received, shutting down")
	case err := <-engineDone:
		if err != nil {
			slog.Error("sync engine exited with error", "error", err)
		}
	}

	close(shutdown)

	if loopOutput != nil {
		loopOutput.Stop()
	}
	passOutput.Stop()
	if err := source.Stop(); err != nil {
		slog.Warn("failed to stop input source", "error", err)
	}

	slog.Info("exiting")
}

// buildInputSource interprets -i as a device index if it parses as an
// integer, else as a file path; an empty spec is rejected with an error.
// It also builds the pass-through ring and analysis queue the source
// feeds, sized once the source's own channel count is known.
func buildInputSource(spec string, blockSize int) (inputsource.InputSource, *ring.RingBuffer, *analysisqueue.Queue, error) {
	if spec == "" {
		return nil, nil, nil, fmt.Errorf("sync: a default input device requires -i <device_index>; pass a device index or a file path")
	}

	ringCapacity := uint64(blockSize * 8)

	if idx, err := strconv.Atoi(spec); err == nil {
		sampleRate, channels := referenceSampleRate, 2
		passRing := ring.New(ringCapacity, channels)
		analysisQ := analysisqueue.New(16)
		source := inputsource.NewDeviceInput(idx, sampleRate, channels, blockSize, passRing, analysisQ)
		return source, passRing, analysisQ, nil
	}

	decoder, err := decoders.NewDecoder(spec)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("sync: opening input file: %w", err)
	}
	_, channels, _ := decoder.GetFormat()
	passRing := ring.New(ringCapacity, channels)
	analysisQ := analysisqueue.New(16)
	source := inputsource.NewFileInput(decoder, spec, blockSize, passRing, analysisQ)
	return source, passRing, analysisQ, nil
}

// monitorBufferFill logs the loop output ring's fill level periodically,
// matching pkg/audioplayer/player.go's monitorBufferStatus idiom.
func monitorBufferFill(eng *engine.SyncEngine, done chan struct{}) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			status := eng.GetPlaybackStatus()
			slog.Info("buffer status",
				"buffered_samples", status.BufferedSamples,
				"time_scale", fmt.Sprintf("%.4f", eng.TimeScale()))
		case <-done:
			return
		}
	}
}

// ringOutputSink drives a PortAudio output callback directly from a
// ring.RingBuffer: underrun (NoWait GetInto returns false) is filled with
// silence rather than blocking the audio thread, exactly as §4.1 and §7.2
// require of the consumer side.
type ringOutputSink struct {
	stream   *portaudio.PaStream
	ringBuf  *ring.RingBuffer
	channels int
	scratch  [4][]float32
	scratchIx int
}

func newRingOutputSink(ringBuf *ring.RingBuffer, deviceIndex, sampleRate, channels, framesPerBuffer int) (*ringOutputSink, error) {
	s := &ringOutputSink{ringBuf: ringBuf, channels: channels}
	for i := range s.scratch {
		s.scratch[i] = make([]float32, framesPerBuffer*channels)
	}

	s.stream = &portaudio.PaStream{
		OutputParameters: &portaudio.PaStreamParameters{
			DeviceIndex:  deviceIndex,
			ChannelCount: channels,
			SampleFormat: portaudio.SampleFmtFloat32,
		},
		SampleRate: float64(sampleRate),
	}
	if err := s.stream.OpenCallback(framesPerBuffer, s.callback); err != nil {
		return nil, fmt.Errorf("ring output: failed to open stream: %w", err)
	}
	return s, nil
}

func (s *ringOutputSink) Start() error {
	return s.stream.StartStream()
}

func (s *ringOutputSink) Stop() {
	if err := s.stream.StopStream(); err != nil {
		slog.Warn("ring output: failed to stop stream", "error", err)
	}
	if err := s.stream.Close(); err != nil {
		slog.Warn("ring output: failed to close stream", "error", err)
	}
}

func (s *ringOutputSink) callback(
	_, output []byte,
	frameCount uint,
	_ *portaudio.StreamCallbackTimeInfo,
	_ portaudio.StreamCallbackFlags,
) portaudio.StreamCallbackResult {
	frames := int(frameCount)
	buf := s.scratch[s.scratchIx]
	s.scratchIx = (s.scratchIx + 1) % len(s.scratch)

	n := frames * s.channels
	if n > len(buf) {
		n = len(buf)
	}

	if !s.ringBuf.GetInto(buf[:n], frames, ring.NoWait) {
		slog.Debug("ring output underrun, filling silence")
		for i := range buf[:n] {
			buf[i] = 0
		}
	}

	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(output[i*4:i*4+4], math.Float32bits(buf[i]))
	}
	return portaudio.Continue
}
