// Package audio assembles per-unit synthesis outputs into a single audio
// file and reads playback metadata, shelling out to ffmpeg and ffprobe.
package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/book-expert/logger"
	"github.com/book-expert/narrator-service/internal/core"
	"github.com/google/uuid"
)

const (
	ffmpegBinary  = "ffmpeg"
	ffprobeBinary = "ffprobe"

	manifestFileFormat = "concat_%s.txt"
	outputFileMode     = 0o600

	maxSampleRate = 192000
	maxChannels   = 8
	maxVBRQuality = 9

	codecMP3 = "libmp3lame"

	// loudnormFilter evens out loudness across units synthesized in
	// separate requests, which otherwise drift in level.
	loudnormFilter = "dynaudnorm=f=150:g=15,loudnorm=I=-16:TP=-1.5:LRA=11"
)

// Error message formats for settings validation.
const (
	errFmtSampleRateRange = "%w: sample rate must be between 1 and %d Hz"
	errFmtChannelsRange   = "%w: channels must be between 1 and %d"
	errFmtQualityRange    = "%w: VBR quality must be between 0 and %d"
	errFmtCodecRequired   = "%w: output codec is required"
)

// ErrInvalidSettings reports encoder settings outside reasonable bounds.
var ErrInvalidSettings = errors.New("invalid encoder settings")

// Settings configure the output encode of merged audio.
type Settings struct {
	Codec      string
	Bitrate    string
	Quality    int
	SampleRate int
	Channels   int
	Normalize  bool
}

// DefaultSettings returns the MP3 encode used for narration output.
func DefaultSettings() Settings {
	return Settings{
		Codec:      codecMP3,
		Bitrate:    "192k",
		Quality:    2,
		SampleRate: 24000,
		Channels:   1,
		Normalize:  true,
	}
}

// Validate checks the settings are within reasonable bounds.
func (s Settings) Validate() error {
	if s.Codec == "" {
		return fmt.Errorf(errFmtCodecRequired, ErrInvalidSettings)
	}

	if s.SampleRate <= 0 || s.SampleRate > maxSampleRate {
		return fmt.Errorf(errFmtSampleRateRange, ErrInvalidSettings, maxSampleRate)
	}

	if s.Channels <= 0 || s.Channels > maxChannels {
		return fmt.Errorf(errFmtChannelsRange, ErrInvalidSettings, maxChannels)
	}

	if s.Quality < 0 || s.Quality > maxVBRQuality {
		return fmt.Errorf(errFmtQualityRange, ErrInvalidSettings, maxVBRQuality)
	}

	return nil
}

// Assembler concatenates ordered audio segments with ffmpeg.
type Assembler struct {
	settings Settings
	log      *logger.Logger
}

// NewAssembler validates the settings, verifies the transcoder binaries are
// installed, and returns an Assembler.
func NewAssembler(settings Settings, log *logger.Logger) (*Assembler, error) {
	err := settings.Validate()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrConfiguration, err)
	}

	for _, binary := range []string{ffmpegBinary, ffprobeBinary} {
		_, err = exec.LookPath(binary)
		if err != nil {
			return nil, fmt.Errorf(
				"%w: %s not found in PATH: %w",
				core.ErrConfiguration, binary, err,
			)
		}
	}

	return &Assembler{settings: settings, log: log}, nil
}

// Merge concatenates orderedPaths, in the order given, into outputPath. A
// single input is copied verbatim with no transcoder run. When normalize is
// true the output is passed through a loudness normalization filter chain.
func (a *Assembler) Merge(
	ctx context.Context,
	orderedPaths []string,
	outputPath string,
	normalize bool,
) error {
	if len(orderedPaths) == 0 {
		return fmt.Errorf("%w: no input files to merge", core.ErrAudioProcessing)
	}

	if len(orderedPaths) == 1 {
		return copySegment(orderedPaths[0], outputPath)
	}

	manifestPath, err := a.writeManifest(orderedPaths, filepath.Dir(outputPath))
	if err != nil {
		return err
	}

	defer a.removeManifest(manifestPath)

	args := []string{
		"-f", "concat",
		"-safe", "0",
		"-i", manifestPath,
	}
	args = append(args, a.encodeArgs(normalize)...)
	args = append(args, "-y", outputPath)

	return runFFmpeg(ctx, args)
}

// copySegment handles the one-unit case where no concatenation is needed.
func copySegment(inputPath, outputPath string) error {
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("%w: read segment: %w", core.ErrAudioProcessing, err)
	}

	err = os.WriteFile(outputPath, data, outputFileMode)
	if err != nil {
		return fmt.Errorf("%w: write output: %w", core.ErrAudioProcessing, err)
	}

	return nil
}

// encodeArgs maps the settings onto ffmpeg output flags. MP3 uses VBR
// quality; other codecs get a fixed bitrate.
func (a *Assembler) encodeArgs(normalize bool) []string {
	args := make([]string, 0, 12)

	if normalize {
		args = append(args, "-af", loudnormFilter)
	}

	args = append(args, "-codec:a", a.settings.Codec)

	if a.settings.Codec == codecMP3 {
		args = append(args, "-q:a", strconv.Itoa(a.settings.Quality))
	} else if a.settings.Bitrate != "" {
		args = append(args, "-b:a", a.settings.Bitrate)
	}

	args = append(
		args,
		"-ar", strconv.Itoa(a.settings.SampleRate),
		"-ac", strconv.Itoa(a.settings.Channels),
	)

	return args
}

// writeManifest lays down the concat demuxer file list. Paths are wrapped
// in single quotes, with embedded quotes escaped the way the demuxer
// expects.
func (a *Assembler) writeManifest(inputPaths []string, dir string) (string, error) {
	var builder strings.Builder

	for _, path := range inputPaths {
		escaped := strings.ReplaceAll(path, "'", `'\''`)

		builder.WriteString("file '")
		builder.WriteString(escaped)
		builder.WriteString("'\n")
	}

	manifestPath := filepath.Join(
		dir,
		fmt.Sprintf(manifestFileFormat, uuid.NewString()),
	)

	err := os.WriteFile(manifestPath, []byte(builder.String()), outputFileMode)
	if err != nil {
		return "", fmt.Errorf(
			"%w: write concat manifest: %w",
			core.ErrAudioProcessing, err,
		)
	}

	return manifestPath, nil
}

// removeManifest cleans up the temporary file list. Removal failure never
// fails the merge.
func (a *Assembler) removeManifest(manifestPath string) {
	err := os.Remove(manifestPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		a.log.Warn("Failed to remove concat manifest %s: %v", manifestPath, err)
	}
}

// runFFmpeg executes ffmpeg with the given arguments and captures its
// combined output for diagnostics on failure.
func runFFmpeg(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, ffmpegBinary, args...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf(
			"%w: ffmpeg %s: %w: %s",
			core.ErrAudioProcessing,
			strings.Join(args, " "),
			err,
			strings.TrimSpace(string(output)),
		)
	}

	return nil
}

// Duration reads the playback length of an audio file in seconds via
// ffprobe.
func Duration(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(
		ctx,
		ffprobeBinary,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf(
			"%w: ffprobe %s: %w: %s",
			core.ErrAudioProcessing, path, err,
			strings.TrimSpace(string(output)),
		)
	}

	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(output)), 64)
	if err != nil {
		return 0, fmt.Errorf(
			"%w: parse ffprobe duration: %w",
			core.ErrAudioProcessing, err,
		)
	}

	return seconds, nil
}
