package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Runner executes an external tool and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Prober reads codec information with ffprobe. Only the first 10 MB of the
// file are inspected.
type Prober struct {
	path   string
	run    Runner
	logger zerolog.Logger
}

func NewProber(ffprobePath string, logger zerolog.Logger) *Prober {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Prober{
		path:   ffprobePath,
		run:    execRunner,
		logger: logger.With().Str("component", "prober").Logger(),
	}
}

// WithRunner swaps the process runner. Used in tests.
func (p *Prober) WithRunner(run Runner) *Prober {
	p.run = run
	return p
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Profile   string `json:"profile"`
		Level     int    `json:"level"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func (p *Prober) Probe(ctx context.Context, file string) (*Probe, error) {
	out, err := p.run(ctx, p.path,
		"-v", "error",
		"-probesize", "10M",
		"-show_streams",
		"-show_format",
		"-of", "json",
		file,
	)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return nil, fmt.Errorf("ffprobe %s: %w: %s", file, err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("ffprobe %s: %w", file, err)
	}
	return parseProbe(out)
}

func parseProbe(out []byte) (*Probe, error) {
	var raw ffprobeOutput
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode ffprobe output: %w", err)
	}

	probe := &Probe{}
	for _, s := range raw.Streams {
		switch s.CodecType {
		case "video":
			if probe.VideoCodec != "" {
				continue
			}
			probe.VideoCodec = s.CodecName
			probe.Profile = s.Profile
			probe.Level = s.Level
			probe.IsHEVC = s.CodecName == "hevc" || s.CodecName == "h265"
		case "audio":
			if probe.AudioCodec == "" {
				probe.AudioCodec = s.CodecName
			}
			if s.CodecName == "aac" {
				probe.HasAAC = true
			}
		}
	}
	if d, err := strconv.ParseFloat(raw.Format.Duration, 64); err == nil {
		probe.Duration = d
	}
	return probe, nil
}

// Describe probes when the container needs it and classifies the file. A
// failed probe degrades to the direct path.
func (p *Prober) Describe(ctx context.Context, file, mime string, size int64, hevcSupported bool) Descriptor {
	src := NewSource(filepath.Base(file), size)

	var probe *Probe
	if NeedsProbe(file, mime) {
		var err error
		probe, err = p.Probe(ctx, file)
		if err != nil {
			p.logger.Warn().Err(err).Str("file", file).Msg("classifier-probe-failed")
			return Descriptor{Source: src, Path: PathDirect, MimeType: GenericMime}
		}
	}

	d := Classify(file, mime, probe, hevcSupported)
	p.logger.Debug().Str("file", file).Str("path", string(d.Path)).Str("reason", d.Reason).Msg("classified")

	desc := Descriptor{Source: src, Probe: probe, Path: d.Path, MimeType: MimeFor(probe)}
	if src.Ext == ".webm" {
		desc.MimeType = "video/webm"
	}
	return desc
}
