// Package transcode turns a classified source into a file the player can
// consume, by remuxing or transcoding with a local ffmpeg.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/BiswasSekhar/lovestream/internal/library"
	"github.com/BiswasSekhar/lovestream/internal/media"
)

var (
	ErrTransformTimeout = errors.New("transform-timeout")
	ErrTransformExit    = errors.New("transform-nonzero-exit")
	ErrEmptyOutput      = errors.New("transform-empty-output")
	ErrNoTranscoder     = errors.New("no-transcoder")
)

// Transformer is the fallback used when no ffmpeg binary is available.
type Transformer interface {
	Transform(ctx context.Context, path media.Path, in, out string) error
}

// Library is the part of the library cache the dispatcher reads and fills.
type Library interface {
	Find(name string, size int64) (*library.Entry, error)
	Load(key string) (*library.Entry, []byte, error)
	Save(name, mimeType string, blob []byte) (library.Entry, error)
	MaxBlobSize() int64
}

// ProbeFunc reads codec data of a produced file.
type ProbeFunc func(ctx context.Context, file string) (*media.Probe, error)

type Config struct {
	FFmpegPath       string
	WorkDir          string
	RemuxTimeout     time.Duration
	TranscodeTimeout time.Duration
	HEVCSupported    bool
}

// Result is the file handed to the seeder and the player.
type Result struct {
	Path        string
	Name        string
	MimeType    string
	Transformed bool
	FromLibrary bool
}

type Dispatcher struct {
	cfg      Config
	run      Runner
	lookPath func(string) (string, error)
	fallback Transformer
	library  Library
	probe    ProbeFunc
	logger   zerolog.Logger
}

type Option func(*Dispatcher)

func WithRunner(run Runner) Option { return func(d *Dispatcher) { d.run = run } }

func WithLookPath(fn func(string) (string, error)) Option {
	return func(d *Dispatcher) { d.lookPath = fn }
}

func WithFallback(t Transformer) Option { return func(d *Dispatcher) { d.fallback = t } }

func WithLibrary(l Library) Option { return func(d *Dispatcher) { d.library = l } }

func WithProbe(p ProbeFunc) Option { return func(d *Dispatcher) { d.probe = p } }

func NewDispatcher(cfg Config, logger zerolog.Logger, opts ...Option) *Dispatcher {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.RemuxTimeout <= 0 {
		cfg.RemuxTimeout = 4 * time.Minute
	}
	if cfg.TranscodeTimeout <= 0 {
		cfg.TranscodeTimeout = 12 * time.Minute
	}
	d := &Dispatcher{
		cfg:      cfg,
		run:      execRunner,
		lookPath: exec.LookPath,
		logger:   logger.With().Str("component", "transcode").Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OutputName is the file name a transformed source is published under.
func OutputName(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name)) + ".mp4"
}

// Prepare makes desc playable. Direct sources are returned untouched. A
// library entry named after the output replaces the transform.
func (d *Dispatcher) Prepare(ctx context.Context, desc media.Descriptor, in string) (Result, error) {
	if desc.Path == media.PathDirect {
		return Result{Path: in, Name: filepath.Base(in), MimeType: desc.MimeType}, nil
	}

	name := OutputName(filepath.Base(in))
	if err := os.MkdirAll(d.cfg.WorkDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("failed to create work dir: %w", err)
	}
	out := filepath.Join(d.cfg.WorkDir, name)
	if sameFile(in, out) {
		out = filepath.Join(d.cfg.WorkDir, strings.TrimSuffix(name, ".mp4")+".out.mp4")
	}

	if res, ok := d.fromLibrary(name, out); ok {
		return res, nil
	}

	start := time.Now()
	path, err := d.transform(ctx, desc, in, out)
	if err != nil {
		os.Remove(out)
		return Result{}, err
	}
	if err := nonEmpty(out); err != nil {
		return Result{}, err
	}
	d.logger.Info().
		Str("input", in).
		Str("path", string(path)).
		Dur("took", time.Since(start)).
		Msg("transform finished")

	res := Result{Path: out, Name: name, MimeType: d.outputMime(ctx, out, desc, path), Transformed: true}
	d.saveToLibrary(res)
	return res, nil
}

func (d *Dispatcher) transform(ctx context.Context, desc media.Descriptor, in, out string) (media.Path, error) {
	if _, err := d.lookPath(d.cfg.FFmpegPath); err != nil {
		if d.fallback == nil {
			return "", fmt.Errorf("%w: %s not found", ErrNoTranscoder, d.cfg.FFmpegPath)
		}
		d.logger.Warn().Str("ffmpeg", d.cfg.FFmpegPath).Msg("ffmpeg missing, using fallback transformer")
		return desc.Path, d.fallback.Transform(ctx, desc.Path, in, out)
	}

	if desc.Path == media.PathRemux {
		hevcOut := desc.Probe != nil && desc.Probe.IsHEVC && !d.cfg.HEVCSupported
		if !hevcOut {
			err := d.ffmpeg(ctx, d.cfg.RemuxTimeout, remuxArgs(in, out))
			if err == nil {
				err = nonEmpty(out)
			}
			if err == nil && d.unplayableHEVC(ctx, out) {
				os.Remove(out)
				err = errors.New("remux produced HEVC")
			}
			if err == nil {
				return media.PathRemux, nil
			}
			d.logger.Warn().Err(err).Str("input", in).Msg("remux failed, escalating to transcode")
		}
	}
	return media.PathTranscode, d.ffmpeg(ctx, d.cfg.TranscodeTimeout, transcodeArgs(in, out))
}

// unplayableHEVC reports whether a produced file carries HEVC video the
// player cannot decode. Containers that hid the codec end up here.
func (d *Dispatcher) unplayableHEVC(ctx context.Context, out string) bool {
	if d.probe == nil || d.cfg.HEVCSupported {
		return false
	}
	p, err := d.probe(ctx, out)
	return err == nil && p.IsHEVC
}

func (d *Dispatcher) ffmpeg(ctx context.Context, timeout time.Duration, args []string) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := d.run(ctx, d.cfg.FFmpegPath, args...); err != nil {
		return classify(ctx, err)
	}
	return nil
}

func (d *Dispatcher) fromLibrary(name, out string) (Result, bool) {
	if d.library == nil {
		return Result{}, false
	}
	e, err := d.library.Find(name, 0)
	if err != nil {
		if !errors.Is(err, library.ErrNotFound) {
			d.logger.Warn().Err(err).Str("name", name).Msg("library lookup failed")
		}
		return Result{}, false
	}
	key := e.Key
	e, blob, err := d.library.Load(key)
	if err != nil || len(blob) == 0 {
		d.logger.Warn().Err(err).Str("key", key).Msg("library entry unreadable")
		return Result{}, false
	}
	if err := os.WriteFile(out, blob, 0o644); err != nil {
		d.logger.Warn().Err(err).Str("file", out).Msg("failed to materialize library entry")
		return Result{}, false
	}
	mime := e.MimeType
	if mime == "" {
		mime = media.GenericMime
	}
	d.logger.Info().Str("key", e.Key).Msg("library hit, transform skipped")
	return Result{Path: out, Name: name, MimeType: mime, FromLibrary: true}, true
}

func (d *Dispatcher) saveToLibrary(res Result) {
	if d.library == nil {
		return
	}
	if st, err := os.Stat(res.Path); err == nil && st.Size() > d.library.MaxBlobSize() {
		d.logger.Info().Str("name", res.Name).Int64("size", st.Size()).Msg("output too large for the library, not cached")
		return
	}
	blob, err := os.ReadFile(res.Path)
	if err != nil {
		d.logger.Warn().Err(err).Str("file", res.Path).Msg("failed to read output for library")
		return
	}
	if _, err := d.library.Save(res.Name, res.MimeType, blob); err != nil {
		d.logger.Warn().Err(err).Str("name", res.Name).Msg("failed to save output to library")
	}
}

// outputMime describes the produced file. A transcode always yields H.264.
func (d *Dispatcher) outputMime(ctx context.Context, out string, desc media.Descriptor, path media.Path) string {
	if d.probe != nil {
		if p, err := d.probe(ctx, out); err == nil {
			return media.MimeFor(p)
		}
	}
	if path == media.PathRemux && desc.Probe != nil {
		p := *desc.Probe
		p.HasAAC = true
		return media.MimeFor(&p)
	}
	return media.GenericMime
}

func nonEmpty(path string) error {
	st, err := os.Stat(path)
	if err != nil || st.Size() == 0 {
		return ErrEmptyOutput
	}
	return nil
}

func sameFile(a, b string) bool {
	aa, err1 := filepath.Abs(a)
	bb, err2 := filepath.Abs(b)
	return err1 == nil && err2 == nil && aa == bb
}
