// Package player feeds a swarm file into the viewer's media element. It
// prefers a streamed media source and falls back to binding the complete
// file as a blob.
package player

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/BiswasSekhar/lovestream/internal/media"
)

var (
	ErrQuotaExceeded = errors.New("source-buffer-quota")
	ErrUnsupported   = errors.New("mse-unsupported")
)

const (
	DefaultQueueCap = 50
	// Seconds of already played media kept in the buffer.
	keepBehind      = 60
	keepBehindQuota = 10
	readyPercent    = 5
)

// SourceBuffer mirrors the browser object. Append and Remove start an
// asynchronous operation; Updating is true until its updateend arrives.
type SourceBuffer interface {
	Updating() bool
	Append(chunk []byte) error
	Remove(start, end float64) error
	// Buffered reports the first buffered range.
	Buffered() (start, end float64, ok bool)
}

type MediaSource interface {
	IsTypeSupported(mime string) bool
	AddSourceBuffer(mime string) (SourceBuffer, error)
	EndOfStream() error
}

type Element interface {
	CurrentTime() float64
	BindBlob(name, mime string, blob []byte) error
}

// ResumeStore keeps the viewer's blob per room.
type ResumeStore interface {
	SaveResume(room, name, mimeType string, blob []byte) error
}

// Materializer returns the complete file, blocking until it is available.
type Materializer func(ctx context.Context) ([]byte, error)

type Mode string

const (
	ModeIdle   Mode = "idle"
	ModeStream Mode = "stream"
	ModeBlob   Mode = "blob"
)

type Config struct {
	Room     string
	Name     string
	MimeType string
	QueueCap int
	// Valid reports whether the swarm generation that created the player
	// is still current. Nil means always valid.
	Valid func() bool
	// OnReady fires once when enough of the file streamed to start.
	OnReady func(percent float64)
	// OnFallback fires when the player switched to the blob path.
	OnFallback func(reason error)
}

type Player struct {
	cfg     Config
	source  MediaSource
	element Element
	resume  ResumeStore
	fetch   Materializer
	logger  zerolog.Logger

	mu          sync.Mutex
	mode        Mode
	sb          SourceBuffer
	queue       [][]byte
	inflight    []byte
	appending   bool
	quotaRetry  bool
	firstAppend bool
	readySent   bool
	progress    float64
	ended       bool
	eosCalled   bool
	dropped     int
	maxQueue    int
	fallbackRun bool
	pending     []func()
	space       chan struct{}
}

func New(cfg Config, source MediaSource, element Element, resume ResumeStore, fetch Materializer, logger zerolog.Logger) *Player {
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = DefaultQueueCap
	}
	if cfg.MimeType == "" {
		cfg.MimeType = media.GenericMime
	}
	return &Player{
		cfg:     cfg,
		source:  source,
		element: element,
		resume:  resume,
		fetch:   fetch,
		mode:    ModeIdle,
		space:   make(chan struct{}, 1),
		logger:  logger.With().Str("component", "player").Str("file", cfg.Name).Logger(),
	}
}

// Open sets up the streamed path. The precise MIME is tried first, then the
// generic H.264+AAC one. It returns the MIME in use.
func (p *Player) Open() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.source == nil {
		return "", ErrUnsupported
	}
	var lastErr error = ErrUnsupported
	for _, mime := range candidates(p.cfg.MimeType) {
		if !p.source.IsTypeSupported(mime) {
			continue
		}
		sb, err := p.source.AddSourceBuffer(mime)
		if err != nil {
			lastErr = err
			continue
		}
		p.sb = sb
		p.mode = ModeStream
		p.logger.Debug().Str("mime", mime).Msg("source buffer opened")
		return mime, nil
	}
	return "", fmt.Errorf("failed to open source buffer: %w", lastErr)
}

func candidates(mime string) []string {
	if mime == media.GenericMime {
		return []string{mime}
	}
	return []string{mime, media.GenericMime}
}

func (p *Player) valid() bool {
	return p.cfg.Valid == nil || p.cfg.Valid()
}

// Push enqueues a segment. The oldest queued segment is dropped when the
// queue is full.
func (p *Player) Push(chunk []byte) {
	p.mu.Lock()
	defer p.unlock()
	if p.mode != ModeStream || !p.valid() {
		return
	}
	p.queue = append(p.queue, chunk)
	if len(p.queue) > p.cfg.QueueCap {
		p.queue = p.queue[1:]
		p.dropped++
		p.logger.Warn().Int("cap", p.cfg.QueueCap).Msg("append queue full, oldest segment dropped")
	}
	if len(p.queue) > p.maxQueue {
		p.maxQueue = len(p.queue)
	}
	p.drain()
}

// UpdateEnd handles the source buffer's updateend.
func (p *Player) UpdateEnd() {
	p.mu.Lock()
	defer p.unlock()
	if p.mode != ModeStream || !p.valid() {
		return
	}
	if p.appending {
		p.appending = false
		p.inflight = nil
		p.quotaRetry = false
		if !p.firstAppend {
			p.firstAppend = true
			p.checkReady()
		}
	}
	if p.trim(keepBehind) {
		return
	}
	p.drain()
}

// Error handles a failed append. Quota errors trim and retry once; anything
// else discards the segment.
func (p *Player) Error(err error) {
	p.mu.Lock()
	defer p.unlock()
	if p.mode != ModeStream || !p.valid() {
		return
	}
	chunk := p.inflight
	p.appending = false
	p.inflight = nil

	if errors.Is(err, ErrQuotaExceeded) && chunk != nil {
		p.quota(chunk)
		return
	}
	p.logger.Warn().Err(err).Msg("source buffer error, segment discarded")
	p.drain()
}

// Progress records the download percentage of the file.
func (p *Player) Progress(percent float64) {
	p.mu.Lock()
	defer p.unlock()
	if !p.valid() {
		return
	}
	p.progress = percent
	p.checkReady()
}

// StreamEnded marks the swarm stream as fully delivered.
func (p *Player) StreamEnded() {
	p.mu.Lock()
	defer p.unlock()
	if !p.valid() {
		return
	}
	p.ended = true
	p.maybeEnd()
}

// unlock releases the mutex and runs callbacks queued while it was held.
func (p *Player) unlock() {
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

func (p *Player) signalSpace() {
	select {
	case p.space <- struct{}{}:
	default:
	}
}

func (p *Player) drain() {
	for p.sb != nil && !p.sb.Updating() && !p.appending {
		if len(p.queue) == 0 {
			p.maybeEnd()
			return
		}
		chunk := p.queue[0]
		p.queue = p.queue[1:]
		p.signalSpace()

		err := p.sb.Append(chunk)
		switch {
		case err == nil:
			p.appending = true
			p.inflight = chunk
			return
		case errors.Is(err, ErrQuotaExceeded):
			p.quota(chunk)
			return
		default:
			p.logger.Warn().Err(err).Msg("append failed, segment discarded")
		}
	}
}

// quota trims to the last few seconds behind the playhead and requeues
// chunk at the front. A second quota error for the same chunk escalates to
// the blob path.
func (p *Player) quota(chunk []byte) {
	if p.quotaRetry {
		p.logger.Warn().Msg("quota exceeded after trim, falling back to blob")
		p.escalate(ErrQuotaExceeded)
		return
	}
	p.quotaRetry = true
	p.queue = append([][]byte{chunk}, p.queue...)
	if !p.trim(keepBehindQuota) {
		// Nothing to trim; retry right away so the second failure escalates.
		p.drain()
	}
}

// trim removes media older than behind seconds before the playhead. It
// reports whether a removal started.
func (p *Player) trim(behind float64) bool {
	if p.sb == nil || p.sb.Updating() || p.element == nil {
		return false
	}
	start, _, ok := p.sb.Buffered()
	cut := p.element.CurrentTime() - behind
	if !ok || cut <= start {
		return false
	}
	if err := p.sb.Remove(start, cut); err != nil {
		p.logger.Warn().Err(err).Msg("buffer trim failed")
		return false
	}
	return true
}

func (p *Player) maybeEnd() {
	if !p.ended || p.eosCalled || len(p.queue) > 0 || p.appending || p.sb == nil || p.sb.Updating() {
		return
	}
	p.eosCalled = true
	if err := p.source.EndOfStream(); err != nil {
		p.logger.Warn().Err(err).Msg("end of stream failed")
	}
}

func (p *Player) checkReady() {
	if p.readySent || !p.firstAppend || p.progress < readyPercent {
		return
	}
	p.readySent = true
	if p.cfg.OnReady != nil {
		percent := p.progress
		p.pending = append(p.pending, func() { p.cfg.OnReady(percent) })
	}
}

func (p *Player) escalate(reason error) {
	p.mode = ModeBlob
	p.queue = nil
	p.inflight = nil
	p.signalSpace()
	if p.cfg.OnFallback != nil {
		p.pending = append(p.pending, func() { p.cfg.OnFallback(reason) })
	}
}

// Fallback materializes the complete file and binds it to the element. The
// blob is stored for the room so a reload can resume without the swarm.
func (p *Player) Fallback(ctx context.Context) error {
	p.mu.Lock()
	if p.fallbackRun {
		p.mu.Unlock()
		return nil
	}
	p.fallbackRun = true
	p.mode = ModeBlob
	p.queue = nil
	p.mu.Unlock()

	if p.fetch == nil {
		return errors.New("no materializer")
	}
	blob, err := p.fetch(ctx)
	if err != nil {
		return fmt.Errorf("failed to materialize file: %w", err)
	}
	if !p.valid() {
		return nil
	}
	return p.Bind(blob)
}

// Bind hands a complete file to the element directly.
func (p *Player) Bind(blob []byte) error {
	p.mu.Lock()
	p.mode = ModeBlob
	p.queue = nil
	p.mu.Unlock()

	if err := p.element.BindBlob(p.cfg.Name, p.cfg.MimeType, blob); err != nil {
		return fmt.Errorf("failed to bind blob: %w", err)
	}
	if p.resume != nil && p.cfg.Room != "" {
		if err := p.resume.SaveResume(p.cfg.Room, p.cfg.Name, p.cfg.MimeType, blob); err != nil {
			p.logger.Warn().Err(err).Str("room", p.cfg.Room).Msg("failed to persist resume blob")
		}
	}
	p.logger.Info().Int("bytes", len(blob)).Msg("blob bound")
	return nil
}

type Stats struct {
	Mode      Mode `json:"mode"`
	Queued    int  `json:"queued"`
	MaxQueued int  `json:"maxQueued"`
	Dropped   int  `json:"dropped"`
	Ended     bool `json:"ended"`
	Ready     bool `json:"ready"`
}

func (p *Player) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Mode:      p.mode,
		Queued:    len(p.queue),
		MaxQueued: p.maxQueue,
		Dropped:   p.dropped,
		Ended:     p.eosCalled,
		Ready:     p.readySent,
	}
}
