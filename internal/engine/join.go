package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
)

var playable = map[string]bool{".mp4": true, ".mkv": true, ".webm": true, ".mov": true}

// Membership is the viewer's current swarm. It is only meaningful while its
// Token is valid.
type Membership struct {
	Token    uint64
	Magnet   string
	InfoHash string
	Name     string
	Path     string
	Length   int64

	torrent *torrent.Torrent
	file    *torrent.File
}

// ErrStale is returned when a newer Join or Leave superseded the call.
var ErrStale = errors.New("swarm membership superseded")

// ValidateMagnet checks the magnet shape before handing it to the client.
func ValidateMagnet(uri string) (metainfo.Magnet, error) {
	if !strings.HasPrefix(uri, "magnet:?") {
		return metainfo.Magnet{}, fmt.Errorf("%w: must start with 'magnet:?'", ErrInvalidMagnet)
	}
	if !strings.Contains(uri, "xt=urn:btih:") {
		return metainfo.Magnet{}, fmt.Errorf("%w: missing info hash (xt=urn:btih:)", ErrInvalidMagnet)
	}
	m, err := metainfo.ParseMagnetUri(uri)
	if err != nil {
		return metainfo.Magnet{}, fmt.Errorf("%w: %v", ErrInvalidMagnet, err)
	}
	return m, nil
}

// Join tears down the previous membership, bumps the generation token and
// joins the swarm of magnet. It returns once the metadata is known and the
// playable file is selected.
func (e *Engine) Join(ctx context.Context, magnet string) (*Membership, error) {
	m, err := ValidateMagnet(magnet)
	if err != nil {
		return nil, err
	}

	e.Leave()
	token := e.Tokens.Current()

	t, err := e.client.AddMagnet(magnet)
	if err != nil {
		return nil, fmt.Errorf("failed to add magnet: %w", err)
	}
	if tiers := announceList(e.cfg.Trackers); len(tiers) > 0 {
		t.AddTrackers(tiers)
	}

	ih := m.InfoHash.HexString()
	e.mu.Lock()
	e.torrents[ih] = t
	e.mu.Unlock()

	select {
	case <-t.GotInfo():
	case <-ctx.Done():
		e.dropIfCurrent(token, ih)
		return nil, ctx.Err()
	}
	if !e.Tokens.Valid(token) {
		e.abandon(ih)
		return nil, ErrStale
	}

	f := pickFile(t.Files())
	if f == nil {
		e.abandon(ih)
		return nil, ErrFileNotFound
	}
	f.Download()

	member := &Membership{
		Token:    token,
		Magnet:   magnet,
		InfoHash: ih,
		Name:     filepath.Base(f.Path()),
		Path:     f.Path(),
		Length:   f.Length(),
		torrent:  t,
		file:     f,
	}

	e.mu.Lock()
	if !e.Tokens.Valid(token) {
		e.mu.Unlock()
		e.abandon(ih)
		return nil, ErrStale
	}
	e.member = member
	e.mu.Unlock()

	e.logger.Info().Str("infoHash", ih).Str("file", member.Path).Uint64("token", token).Msg("joined swarm")
	return member, nil
}

// Current returns the live membership or nil.
func (e *Engine) Current() *Membership {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.member
}

// Leave drops the current membership, if any, and invalidates its token.
func (e *Engine) Leave() {
	e.Tokens.Bump()

	e.mu.Lock()
	member := e.member
	e.member = nil
	e.mu.Unlock()

	if member != nil && !e.isSeed(member.InfoHash) {
		e.drop(member.InfoHash)
		e.logger.Debug().Str("infoHash", member.InfoHash).Msg("left swarm")
	}
}

func (e *Engine) dropIfCurrent(token uint64, infoHash string) {
	if e.Tokens.Valid(token) && !e.isSeed(infoHash) {
		e.drop(infoHash)
	}
}

// abandon drops a torrent whose join was superseded, unless a newer
// membership or a seed uses it.
func (e *Engine) abandon(infoHash string) {
	e.mu.RLock()
	inUse := e.member != nil && e.member.InfoHash == infoHash
	e.mu.RUnlock()
	if !inUse && !e.isSeed(infoHash) {
		e.drop(infoHash)
	}
}

func (e *Engine) isSeed(infoHash string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, s := range e.seeds {
		if s.InfoHash == infoHash {
			return true
		}
	}
	return false
}

// Reader opens the membership's file for streaming.
func (m *Membership) Reader() *FileReader {
	return newFileReader(m.file)
}

// Stream opens a reader over m's file. It fails once m is superseded.
func (e *Engine) Stream(m *Membership) (io.ReadCloser, error) {
	if m == nil || !e.Tokens.Valid(m.Token) {
		return nil, ErrStale
	}
	return m.Reader(), nil
}

type Progress struct {
	Token        uint64  `json:"-"`
	Percent      float64 `json:"progress"`
	Downloaded   int64   `json:"downloaded"`
	Length       int64   `json:"length"`
	Peers        int     `json:"peers"`
	DownloadRate float64 `json:"downloadRate"`
	Complete     bool    `json:"complete"`
}

// Track samples download progress of m every progress interval until the
// file completes, ctx ends or the membership goes stale. The final sample
// has Complete set when the file finished.
func (e *Engine) Track(ctx context.Context, m *Membership, fn func(Progress)) {
	ticker := time.NewTicker(e.cfg.ProgressInterval)
	defer ticker.Stop()

	var (
		last   int64
		lastAt = time.Now()
	)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if !e.Tokens.Valid(m.Token) {
				return
			}
			done := m.file.BytesCompleted()
			rate := 0.0
			if dt := now.Sub(lastAt).Seconds(); dt > 0 {
				rate = float64(done-last) / dt
			}
			last, lastAt = done, now

			p := sample(m.Token, done, m.Length, m.torrent.Stats().ActivePeers, rate)
			fn(p)
			if p.Complete {
				return
			}
		}
	}
}

func sample(token uint64, done, length int64, peers int, rate float64) Progress {
	p := Progress{Token: token, Downloaded: done, Length: length, Peers: peers, DownloadRate: rate}
	if length > 0 {
		p.Percent = float64(done) / float64(length) * 100
	}
	p.Complete = length > 0 && done >= length
	return p
}

type named interface{ Path() string }

// pickFile selects the first playable file, else the first file.
func pickFile[F named](files []F) F {
	var zero F
	for _, f := range files {
		if playable[strings.ToLower(filepath.Ext(f.Path()))] {
			return f
		}
	}
	if len(files) > 0 {
		return files[0]
	}
	return zero
}
