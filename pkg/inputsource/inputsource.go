// Package inputsource implements the two interchangeable producers of
// input blocks described in the synchronization engine's design: a live
// device stream and a paced file reader. Both deliver fixed-size blocks
// of interleaved float32 frames to a pass-through ring and a beat-analysis
// queue through the same callback shape, so the rest of the engine never
// needs to know which one is driving it.
//
// Grounded on github.com/drgolem/musictools's pkg/audioplayer (the
// callback-driven PortAudio stream setup) and internal/fileplayer (the
// self-paced file-reading loop), generalized from PCM byte buffers to
// audio.Block values and from single-sink playback to the pass-through +
// analysis-queue fan-out this engine needs.
package inputsource

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drgolem/go-portaudio/portaudio"

	"github.com/drgolem/beatsync/pkg/analysisqueue"
	"github.com/drgolem/beatsync/pkg/audio"
	"github.com/drgolem/beatsync/pkg/ring"
	"github.com/drgolem/beatsync/pkg/types"
)

// InputSource is the common producer contract: both DeviceInput and
// FileInput deliver blocks to a pass-through ring and an analysis queue,
// and signal readiness once the first block has been delivered.
type InputSource interface {
	SampleRate() int
	Channels() int
	Start() error
	Stop() error
	// Ready is closed after the first block has been delivered.
	Ready() <-chan struct{}
}

// scratchDepth is the size of the preallocated pool of sample buffers the
// device callback rotates through when decoding captured frames. The
// pass-through ring write reads straight from the pool; the block handed
// to the analysis queue is a fresh copy, so each callback still makes one
// allocation.
const scratchDepth = 8

// DeviceInput captures live audio from a PortAudio input device and fans
// each captured block out to a pass-through ring (for the input-output
// stream) and an analysis queue (for the beat-tracking worker).
type DeviceInput struct {
	deviceIndex     int
	sampleRate      int
	channels        int
	framesPerBuffer int

	passRing  *ring.RingBuffer
	analysisQ *analysisqueue.Queue

	stream *portaudio.PaStream

	scratch   [scratchDepth][]float32
	scratchIx int

	readyOnce sync.Once
	readyChan chan struct{}
	stopped   atomic.Bool
}

// NewDeviceInput creates a device-backed input source. passRing and
// analysisQ must already be sized for framesPerBuffer*channels capacity.
func NewDeviceInput(deviceIndex, sampleRate, channels, framesPerBuffer int, passRing *ring.RingBuffer, analysisQ *analysisqueue.Queue) *DeviceInput {
	d := &DeviceInput{
		deviceIndex:     deviceIndex,
		sampleRate:      sampleRate,
		channels:        channels,
		framesPerBuffer: framesPerBuffer,
		passRing:        passRing,
		analysisQ:       analysisQ,
		readyChan:       make(chan struct{}),
	}
	for i := range d.scratch {
		d.scratch[i] = make([]float32, framesPerBuffer*channels)
	}
	return d
}

func (d *DeviceInput) SampleRate() int        { return d.sampleRate }
func (d *DeviceInput) Channels() int          { return d.channels }
func (d *DeviceInput) Ready() <-chan struct{} { return d.readyChan }

// Start opens and starts the PortAudio input stream.
func (d *DeviceInput) Start() error {
	d.stream = &portaudio.PaStream{
		InputParameters: &portaudio.PaStreamParameters{
			DeviceIndex:  d.deviceIndex,
			ChannelCount: d.channels,
			SampleFormat: portaudio.SampleFmtFloat32,
		},
		SampleRate: float64(d.sampleRate),
	}

	if err := d.stream.OpenCallback(d.framesPerBuffer, d.callback); err != nil {
		return fmt.Errorf("inputsource: failed to open input stream: %w", err)
	}
	if err := d.stream.StartStream(); err != nil {
		return fmt.Errorf("inputsource: failed to start input stream: %w", err)
	}

	slog.Info("device input started",
		"sample_rate", d.sampleRate, "channels", d.channels, "frames_per_buffer", d.framesPerBuffer)
	return nil
}

// Stop signals the callback to report completion and closes the stream.
func (d *DeviceInput) Stop() error {
	d.stopped.Store(true)
	if d.stream == nil {
		return nil
	}
	if err := d.stream.StopStream(); err != nil {
		slog.Warn("failed to stop input stream", "error", err)
	}
	return d.stream.Close()
}

// callback runs on the PortAudio realtime thread. It does not block:
// samples are decoded into a preallocated scratch buffer and fanned out via
// the non-blocking ring/queue primitives only. It does allocate once per
// call, for the copy of the block pushed to the analysis queue.
func (d *DeviceInput) callback(
	input, _ []byte,
	frameCount uint,
	_ *portaudio.StreamCallbackTimeInfo,
	_ portaudio.StreamCallbackFlags,
) portaudio.StreamCallbackResult {
	frames := int(frameCount)
	samples := d.scratch[d.scratchIx]
	d.scratchIx = (d.scratchIx + 1) % scratchDepth

	n := frames * d.channels
	if n > len(samples) {
		n = len(samples)
	}
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(input[i*4 : i*4+4])
		samples[i] = math.Float32frombits(bits)
	}

	d.passRing.Put(samples[:n], frames, ring.NoWait)
	d.analysisQ.Push(audio.Block{
		Format:  audio.Format{SampleRate: uint32(d.sampleRate), Channels: uint8(d.channels)},
		Frames:  frames,
		Samples: append([]float32(nil), samples[:n]...),
	})

	d.readyOnce.Do(func() { close(d.readyChan) })

	if d.stopped.Load() {
		return portaudio.Complete
	}
	return portaudio.Continue
}

// FileInput reads fixed-size blocks from a decoded audio file and paces
// itself to match real-time playback, looping back to the start of the
// file at EOF so a sync session driven from a file never simply stops.
type FileInput struct {
	decoder         types.AudioDecoder
	fileName        string
	sampleRate      int
	channels        int
	bitsPerSample   int
	framesPerBuffer int

	passRing  *ring.RingBuffer
	analysisQ *analysisqueue.Queue

	readyOnce sync.Once
	readyChan chan struct{}
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewFileInput wraps an already-open decoder as a paced input source.
// fileName is retained so the source can reopen the decoder and loop back
// to the start of the file at EOF.
func NewFileInput(decoder types.AudioDecoder, fileName string, framesPerBuffer int, passRing *ring.RingBuffer, analysisQ *analysisqueue.Queue) *FileInput {
	rate, channels, bps := decoder.GetFormat()
	return &FileInput{
		decoder:         decoder,
		fileName:        fileName,
		sampleRate:      rate,
		channels:        channels,
		bitsPerSample:   bps,
		framesPerBuffer: framesPerBuffer,
		passRing:        passRing,
		analysisQ:       analysisQ,
		readyChan:       make(chan struct{}),
		stopChan:        make(chan struct{}),
	}
}

func (f *FileInput) SampleRate() int        { return f.sampleRate }
func (f *FileInput) Channels() int          { return f.channels }
func (f *FileInput) Ready() <-chan struct{} { return f.readyChan }

// Start launches the pacing goroutine.
func (f *FileInput) Start() error {
	f.wg.Add(1)
	go f.pace()
	return nil
}

// Stop signals the pacing goroutine to exit and waits for it.
func (f *FileInput) Stop() error {
	close(f.stopChan)
	f.wg.Wait()
	return nil
}

// pace reads block_size frames from the decoder on a fixed cadence,
// correcting for oversleep by carrying the residual into the next
// interval, exactly as the file-driven input must emulate a realtime
// device clock.
func (f *FileInput) pace() {
	defer f.wg.Done()

	bytesPerSample := f.bitsPerSample / 8
	bytesPerFrame := f.channels * bytesPerSample
	raw := make([]byte, f.framesPerBuffer*bytesPerFrame)
	samples := make([]float32, f.framesPerBuffer*f.channels)

	interval := time.Duration(float64(f.framesPerBuffer) / float64(f.sampleRate) * float64(time.Second))
	var overslept time.Duration

	for {
		select {
		case <-f.stopChan:
			return
		default:
		}

		start := time.Now()

		n, err := f.decoder.DecodeSamples(f.framesPerBuffer, raw)
		if err != nil || n == 0 {
			if cerr := f.decoder.Close(); cerr != nil {
				slog.Warn("file input: error closing decoder before loop restart", "error", cerr)
			}
			if rerr := f.decoder.Open(f.fileName); rerr != nil {
				slog.Error("file input: failed to loop back to start", "error", rerr)
				return
			}
			continue
		}

		audio.DecodePCM(raw, samples[:n*f.channels], f.bitsPerSample)

		block := audio.Block{
			Format:  audio.Format{SampleRate: uint32(f.sampleRate), Channels: uint8(f.channels)},
			Frames:  n,
			Samples: append([]float32(nil), samples[:n*f.channels]...),
		}

		f.passRing.Put(block.Samples, n, ring.NoWait)
		f.analysisQ.Push(block)
		f.readyOnce.Do(func() { close(f.readyChan) })

		elapsed := time.Since(start)
		sleepFor := interval - elapsed - overslept
		if sleepFor > 0 {
			sleepStart := time.Now()
			time.Sleep(sleepFor)
			overslept = time.Since(sleepStart) - sleepFor
		} else {
			overslept = -sleepFor
		}
	}
}
