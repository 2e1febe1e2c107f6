// Package engine is the swarm endpoint: it seeds the host's processed file
// and joins the viewer to that swarm over BitTorrent.
package engine

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/rs/zerolog"

	"github.com/BiswasSekhar/lovestream/internal/config"
)

var (
	ErrTorrentNotFound = errors.New("torrent not found")
	ErrFileNotFound    = errors.New("file not found in torrent")
	ErrInvalidMagnet   = errors.New("invalid magnet URI")
	ErrNoInfo          = errors.New("torrent info not available")
)

type Engine struct {
	client   *torrent.Client
	cfg      config.SwarmConfig
	torrents map[string]*torrent.Torrent
	seeds    map[string]Seed
	member   *Membership
	mu       sync.RWMutex
	logger   zerolog.Logger

	Tokens Tokens
}

type Option func(*torrent.ClientConfig)

func New(cfg config.SwarmConfig, logger zerolog.Logger, opts ...Option) (*Engine, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	if cfg.PieceLength <= 0 {
		cfg.PieceLength = 256 * 1024
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 500 * time.Millisecond
	}

	tcfg := torrent.NewDefaultClientConfig()
	tcfg.DataDir = cfg.DataDir
	tcfg.ListenPort = cfg.ListenPort
	tcfg.Seed = true
	for _, opt := range opts {
		opt(tcfg)
	}

	client, err := torrent.NewClient(tcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create torrent client: %w", err)
	}

	return &Engine{
		client:   client,
		cfg:      cfg,
		torrents: make(map[string]*torrent.Torrent),
		seeds:    make(map[string]Seed),
		logger:   logger.With().Str("component", "swarm").Logger(),
	}, nil
}

func (e *Engine) Torrent(infoHash string) *torrent.Torrent {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.torrents[strings.ToLower(infoHash)]
}

func (e *Engine) InfoHashes() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	hashes := make([]string, 0, len(e.torrents))
	for hash := range e.torrents {
		hashes = append(hashes, hash)
	}
	sort.Strings(hashes)
	return hashes
}

type FileInfo struct {
	Path      string `json:"path"`
	Length    int64  `json:"length"`
	Completed int64  `json:"completed"`
}

type TorrentInfo struct {
	Name         string     `json:"name"`
	InfoHash     string     `json:"infoHash"`
	TotalBytes   int64      `json:"totalBytes"`
	BytesDone    int64      `json:"bytesDone"`
	BytesMissing int64      `json:"bytesMissing"`
	Files        []FileInfo `json:"files"`
	NumPieces    int        `json:"numPieces"`
	Complete     bool       `json:"complete"`
	Seeding      bool       `json:"seeding"`
	ActivePeers  int        `json:"activePeers"`
	TotalPeers   int        `json:"totalPeers"`
}

// Info describes a torrent whose metadata is known.
func (e *Engine) Info(infoHash string) (TorrentInfo, error) {
	t := e.Torrent(infoHash)
	if t == nil {
		return TorrentInfo{}, ErrTorrentNotFound
	}
	if t.Info() == nil {
		return TorrentInfo{}, ErrNoInfo
	}

	files := t.Files()
	list := make([]FileInfo, len(files))
	for i, f := range files {
		list[i] = FileInfo{Path: f.Path(), Length: f.Length(), Completed: f.BytesCompleted()}
	}
	stats := t.Stats()

	return TorrentInfo{
		Name:         t.Name(),
		InfoHash:     t.InfoHash().HexString(),
		TotalBytes:   t.Length(),
		BytesDone:    t.BytesCompleted(),
		BytesMissing: t.BytesMissing(),
		Files:        list,
		NumPieces:    t.NumPieces(),
		Complete:     t.Complete().Bool(),
		Seeding:      t.Seeding(),
		ActivePeers:  stats.ActivePeers,
		TotalPeers:   stats.TotalPeers,
	}, nil
}

// FileReader is a seekable view of one file of a torrent.
type FileReader struct {
	io.ReadSeekCloser
	Name   string
	Length int64
}

// Open returns a responsive reader over path inside the torrent. Reads block
// until the requested pieces arrive.
func (e *Engine) Open(infoHash, path string) (*FileReader, error) {
	t := e.Torrent(infoHash)
	if t == nil {
		return nil, ErrTorrentNotFound
	}
	if t.Info() == nil {
		return nil, ErrNoInfo
	}
	for _, f := range t.Files() {
		if f.Path() == path {
			return newFileReader(f), nil
		}
	}
	return nil, ErrFileNotFound
}

func newFileReader(f *torrent.File) *FileReader {
	r := f.NewReader()
	r.SetResponsive()
	return &FileReader{ReadSeekCloser: r, Name: filepath.Base(f.Path()), Length: f.Length()}
}

func (e *Engine) drop(infoHash string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.torrents[infoHash]; ok {
		t.Drop()
		delete(e.torrents, infoHash)
	}
}

func (e *Engine) ListenPort() int {
	return e.client.LocalPort()
}

func (e *Engine) Close() error {
	e.Tokens.Bump()
	errs := e.client.Close()
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func announceList(trackers []string) [][]string {
	tiers := make([][]string, 0, len(trackers))
	for _, tr := range trackers {
		if tr = strings.TrimSpace(tr); tr != "" {
			tiers = append(tiers, []string{tr})
		}
	}
	return tiers
}
