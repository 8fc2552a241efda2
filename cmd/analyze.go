package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	wav "github.com/youpy/go-wav"

	"github.com/spf13/cobra"

	"github.com/drgolem/beatsync/pkg/audio"
	"github.com/drgolem/beatsync/pkg/decoders"
	"github.com/drgolem/beatsync/pkg/loopanalysis"
	"github.com/drgolem/beatsync/pkg/types"
)

var (
	analyzeHopLength    int
	analyzeBlockSize    int
	analyzeEstimatedBPM float64
	analyzeNoAlign      bool
	analyzeOut          string
	analyzeClickWAV     string
)

// analyzeCmd is the "Offline loop analysis" collaborator §1 treats as an
// external producer of loop blobs: it decodes a file, estimates tempo and
// beat grid, and persists a .loop blob the sync engine consumes read-only.
// Supplements the distilled spec from original_source/parse_loop.py.
var analyzeCmd = &cobra.Command{
	Use:   "analyze <audio_file>",
	Short: "Estimate tempo and beat grid for a loop file offline",
	Long: `analyze decodes an audio file, estimates its base tempo and beat grid,
and writes a pre-analyzed .loop blob that "sync" consumes read-only.

Examples:
  # Analyze a WAV loop and write drum_loop.loop next to it
  beatsync analyze drum_loop.wav

  # Override the seed tempo and write a debug click track
  beatsync analyze drum_loop.wav --bpm 100 --click-wav clicks.wav`,
	Args: cobra.ExactArgs(1),
	Run:  runAnalyze,
}

func init() {
	rootCmd.AddCommand(analyzeCmd)

	analyzeCmd.Flags().IntVar(&analyzeHopLength, "hop-length", 512, "Analysis hop length in frames")
	analyzeCmd.Flags().IntVar(&analyzeBlockSize, "block-size", 1024, "Block size recorded into the loop blob for later playback")
	analyzeCmd.Flags().Float64Var(&analyzeEstimatedBPM, "bpm", 120, "Seed tempo estimate in BPM (0 disables octave-folding toward a hint)")
	analyzeCmd.Flags().BoolVar(&analyzeNoAlign, "no-align", false, "Do not shift the beat grid so the first beat lands at sample 0")
	analyzeCmd.Flags().StringVar(&analyzeOut, "out", "", "Output .loop path (default: input file with .loop extension)")
	analyzeCmd.Flags().StringVar(&analyzeClickWAV, "click-wav", "", "Optional debug WAV marking detected beats with clicks")
}

func runAnalyze(cmd *cobra.Command, args []string) {
	inFileName := args[0]

	if _, err := os.Stat(inFileName); os.IsNotExist(err) {
		slog.Error("input file not found", "path", inFileName)
		os.Exit(1)
	}

	outPath := analyzeOut
	if outPath == "" {
		ext := filepath.Ext(inFileName)
		outPath = strings.TrimSuffix(inFileName, ext) + ".loop"
	}

	decoder, err := decoders.NewDecoder(inFileName)
	if err != nil {
		slog.Error("failed to open input file", "error", err)
		os.Exit(1)
	}
	defer decoder.Close()

	rate, channels, bitsPerSample := decoder.GetFormat()
	slog.Info("decoding audio", "file", inFileName, "sample_rate", rate, "channels", channels, "bits_per_sample", bitsPerSample)

	block, err := decodeAllAudio(decoder, rate, channels, bitsPerSample)
	if err != nil {
		slog.Error("failed to decode audio", "error", err)
		os.Exit(1)
	}
	slog.Info("decoding complete", "frames", block.Frames)

	opts := loopanalysis.Options{
		HopLength:         analyzeHopLength,
		EstimatedBPM:      analyzeEstimatedBPM,
		AlignBeatsToStart: !analyzeNoAlign,
	}

	result, err := loopanalysis.Analyze(block, opts)
	if err != nil {
		slog.Error("analysis failed", "error", err)
		os.Exit(1)
	}
	slog.Info("analysis complete",
		"base_tempo_bpm", fmt.Sprintf("%.2f", result.BaseTempoBPM),
		"beats_found", len(result.BeatFrames),
		"num_frames_adjusted", result.NumFramesAdjusted)

	l, err := loopanalysis.BuildLoop(block, analyzeBlockSize, analyzeHopLength, result)
	if err != nil {
		slog.Error("failed to build loop", "error", err)
		os.Exit(1)
	}

	if err := l.Save(outPath); err != nil {
		slog.Error("failed to save loop blob", "path", outPath, "error", err)
		os.Exit(1)
	}
	slog.Info("loop blob written", "path", outPath)

	if analyzeClickWAV != "" {
		if err := writeClickTrackWAV(analyzeClickWAV, block, result); err != nil {
			slog.Error("failed to write click-track debug WAV", "error", err)
			os.Exit(1)
		}
		slog.Info("click-track debug WAV written", "path", analyzeClickWAV)
	}
}

// decodeAllAudio reads an entire file into memory as a mono-or-stereo
// audio.Block, adapted from cmd/transform.go's decodeAllAudio (which
// accumulates raw PCM bytes) to decode straight into normalized float32
// samples via audio.DecodePCM.
func decodeAllAudio(decoder types.AudioDecoder, sampleRate, channels, bitsPerSample int) (audio.Block, error) {
	const chunkFrames = 4096
	bytesPerSample := bitsPerSample / 8
	rawChunk := make([]byte, chunkFrames*channels*bytesPerSample)

	var samples []float32
	totalFrames := 0

	for {
		n, err := decoder.DecodeSamples(chunkFrames, rawChunk)
		if n > 0 {
			chunkSamples := make([]float32, n*channels)
			audio.DecodePCM(rawChunk[:n*channels*bytesPerSample], chunkSamples, bitsPerSample)
			samples = append(samples, chunkSamples...)
			totalFrames += n
		}
		if err != nil || n == 0 {
			break
		}
	}

	return audio.Block{
		Format:  audio.Format{SampleRate: uint32(sampleRate), Channels: uint8(channels)},
		Frames:  totalFrames,
		Samples: samples,
	}, nil
}

// writeClickTrackWAV renders a debug WAV: the original audio's envelope
// is discarded in favor of short clicks at each detected beat frame, so a
// reviewer can scrub the file and hear whether the grid lines up.
func writeClickTrackWAV(path string, block audio.Block, result loopanalysis.Result) error {
	samples := make([]int16, block.Frames)
	const clickLen = 200 // frames
	for _, hopIdx := range result.BeatFrames {
		start := hopIdx * analyzeHopLength
		for i := 0; i < clickLen && start+i < len(samples); i++ {
			decay := 1.0 - float64(i)/float64(clickLen)
			samples[start+i] = int16(32000 * decay)
		}
	}

	raw := make([]byte, len(samples)*2)
	for i, s := range samples {
		raw[i*2] = byte(uint16(s))
		raw[i*2+1] = byte(uint16(s) >> 8)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("click-track: failed to create %s: %w", path, err)
	}
	defer f.Close()

	writer := wav.NewWriter(f, uint32(len(samples)), 1, uint32(block.Format.SampleRate), 16)
	if _, err := writer.Write(raw); err != nil {
		return fmt.Errorf("click-track: failed to write WAV data: %w", err)
	}
	return nil
}
