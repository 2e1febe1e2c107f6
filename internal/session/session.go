// Package session connects the media pipeline to the signal server and the
// desktop shell for either side of a room.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/BiswasSekhar/lovestream/internal/engine"
	"github.com/BiswasSekhar/lovestream/internal/ipc"
	"github.com/BiswasSekhar/lovestream/internal/library"
	"github.com/BiswasSekhar/lovestream/internal/media"
	"github.com/BiswasSekhar/lovestream/internal/player"
	"github.com/BiswasSekhar/lovestream/internal/playsync"
	"github.com/BiswasSekhar/lovestream/internal/protocol"
	"github.com/BiswasSekhar/lovestream/internal/signal"
	"github.com/BiswasSekhar/lovestream/internal/transcode"
)

// Error kinds sent to the shell that have no sentinel of their own.
const (
	KindReseedRequired = "reseed-required"
	KindJoinFailed     = "swarm-join-failed"
	KindSeedFailed     = "seed-failed"
	KindOpenFailed     = "open-failed"
	KindRoomFailed     = "room-failed"
)

const ackTimeout = 10 * time.Second

// Signal is the signaling connection.
type Signal interface {
	On(event string, h signal.Handler)
	OnConnect(fn func())
	OnDisconnect(fn func(error))
	Emit(event string, payload any) error
	EmitWithAck(ctx context.Context, event string, payload any) (json.RawMessage, error)
}

// Events delivers events to the shell.
type Events interface {
	Send(ev ipc.Event) error
}

// Shell is the desktop player as seen by the engine.
type Shell interface {
	playsync.Player
	player.MediaSource
	player.Element
	Observe(cmd ipc.Command)
}

type Swarm interface {
	Join(ctx context.Context, magnet string) (*engine.Membership, error)
	Leave()
	Valid(token uint64) bool
	Stream(m *engine.Membership) (io.ReadCloser, error)
	Track(ctx context.Context, m *engine.Membership, fn func(engine.Progress))
	Seed(path string) (engine.Seed, error)
	WatchSeed(ctx context.Context, infoHash string, fn func(engine.SeedStats))
}

type Describer interface {
	Describe(ctx context.Context, file, mime string, size int64, hevcSupported bool) media.Descriptor
}

type Preparer interface {
	Prepare(ctx context.Context, desc media.Descriptor, in string) (transcode.Result, error)
}

// Resume is the per-room blob store of the viewer.
type Resume interface {
	player.ResumeStore
	LoadResume(room string) (*library.Resume, []byte, error)
}

type Config struct {
	ParticipantID string
	Capabilities  protocol.Capabilities
	QueueCap      int
	// AckRetries bounds the attempts of an unacknowledged room request.
	AckRetries       int
	AckRetryInterval time.Duration
}

type Deps struct {
	Signal  Signal
	Events  Events
	Shell   Shell
	Swarm   Swarm
	Media   Describer
	Prepare Preparer
	Resume  Resume
	// StreamURL returns the local HTTP address of a swarm file. Optional.
	StreamURL func(infoHash, path string) string
}

type intent int

const (
	intentNone intent = iota
	intentCreate
	intentJoin
)

type Session struct {
	cfg     Config
	sig     Signal
	events  Events
	shell   Shell
	swarm   Swarm
	media   Describer
	prepare Preparer
	resume  Resume
	url     func(infoHash, path string) string
	machine *playsync.Machine
	logger  zerolog.Logger
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	intent       intent
	code         string
	role         protocol.Role
	attached     string
	prefetched   string
	player       *player.Player
	stopView     context.CancelFunc
	stopSeed     context.CancelFunc
	transforming bool
	reseed       bool
	seed         *engine.Seed
}

func New(cfg Config, deps Deps, logger zerolog.Logger, opts ...playsync.Option) *Session {
	if cfg.AckRetries <= 0 {
		cfg.AckRetries = 3
	}
	if cfg.AckRetryInterval <= 0 {
		cfg.AckRetryInterval = 500 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:     cfg,
		sig:     deps.Signal,
		events:  deps.Events,
		shell:   deps.Shell,
		swarm:   deps.Swarm,
		media:   deps.Media,
		prepare: deps.Prepare,
		resume:  deps.Resume,
		url:     deps.StreamURL,
		role:    protocol.RoleViewer,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.With().Str("component", "session").Logger(),
	}
	s.machine = playsync.New(protocol.RoleViewer, deps.Shell, deps.Signal, logger, opts...)
	s.register()
	return s
}

// Close stops all background work of the session.
func (s *Session) Close() {
	s.mu.Lock()
	s.stopViewing()
	if s.stopSeed != nil {
		s.stopSeed()
	}
	s.mu.Unlock()
	s.cancel()
}

// forwarded server events the shell renders without engine involvement.
var forwarded = []string{
	protocol.EventStartWebRTC,
	protocol.EventOffer,
	protocol.EventAnswer,
	protocol.EventICECandidate,
	protocol.EventChatMessage,
	protocol.EventSubtitleData,
	protocol.EventMovieLoaded,
	protocol.EventRoomMode,
	protocol.EventTorrentDownloadComplete,
	protocol.EventRoomCreated,
	protocol.EventRoomJoined,
}

func (s *Session) register() {
	for _, name := range forwarded {
		name := name
		s.sig.On(name, func(data json.RawMessage) { s.forward(name, data) })
	}
	for _, name := range []string{protocol.EventSyncPlay, protocol.EventSyncPause, protocol.EventSyncSeek} {
		name := name
		s.sig.On(name, func(data json.RawMessage) { s.onSync(name, data) })
	}
	s.sig.On(protocol.EventPlaybackSnapshot, s.onSnapshot)
	s.sig.On(protocol.EventViewerStreamReady, s.onStreamReady)
	s.sig.On(protocol.EventPeerLeft, s.onPeerLeft)
	s.sig.On(protocol.EventTorrentMagnet, s.onMagnet)
	s.sig.OnConnect(s.onConnect)
	s.sig.OnDisconnect(s.onDisconnect)
}

func (s *Session) forward(name string, data json.RawMessage) {
	s.events.Send(ipc.Event{Event: ipc.EvSignal, Name: name, Data: data})
}

func (s *Session) onSync(name string, data json.RawMessage) {
	var p protocol.Sync
	if err := json.Unmarshal(data, &p); err != nil || p.Time == nil {
		s.logger.Warn().Err(err).Str("event", name).Msg("malformed sync event dropped")
		return
	}
	kind, _ := protocol.KindOfEvent(name)
	s.machine.Remote(kind, p)
}

func (s *Session) onSnapshot(data json.RawMessage) {
	var p protocol.PlaybackSnapshot
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Warn().Err(err).Msg("malformed playback snapshot dropped")
		return
	}
	s.machine.Snapshot(p.Playback)
}

func (s *Session) onStreamReady(data json.RawMessage) {
	s.forward(protocol.EventViewerStreamReady, data)
	s.machine.PeerReady()
}

func (s *Session) onPeerLeft(data json.RawMessage) {
	s.forward(protocol.EventPeerLeft, data)
	s.machine.PeerLeft()
}

// HandleCommand implements ipc.Handler.
func (s *Session) HandleCommand(ctx context.Context, cmd ipc.Command) {
	switch cmd.Cmd {
	case ipc.CmdCreate:
		s.setIntent(intentCreate, "")
		go s.enter(s.ctx)
	case ipc.CmdJoin:
		s.setIntent(intentJoin, cmd.Code)
		go s.enter(s.ctx)
	case ipc.CmdOpen:
		go s.Open(s.ctx, cmd.FilePath, cmd.MimeType)
	case ipc.CmdPlay, ipc.CmdPause, ipc.CmdSeeked:
		s.shell.Observe(cmd)
		s.machine.Local(localKind(cmd.Cmd), cmd.Time)
	case ipc.CmdChat:
		s.emit(protocol.EventChatMessage, protocol.ChatOutbound{Text: cmd.Text})
	case ipc.CmdSolo:
		s.machine.SetSolo(cmd.Solo)
	case ipc.CmdLeave:
		s.Leave()
	case ipc.CmdReady:
		s.emit(protocol.EventReadyForConnection, nil)
	case ipc.CmdOffer, ipc.CmdAnswer, ipc.CmdICECandidate:
		s.emit(cmd.Cmd, cmd.Data)
	case ipc.CmdSubtitles:
		s.emit(protocol.EventSubtitleData, cmd.Data)
	case ipc.CmdSBUpdateEnd:
		s.shell.Observe(cmd)
		if p := s.currentPlayer(); p != nil {
			p.UpdateEnd()
		}
	case ipc.CmdSBError:
		s.shell.Observe(cmd)
		if p := s.currentPlayer(); p != nil {
			p.Error(sourceBufferError(cmd.Error))
		}
	case ipc.CmdPlayerState:
		s.shell.Observe(cmd)
	case ipc.CmdInfo:
		s.events.Send(ipc.Event{Event: ipc.EvInfo, Info: s.Info()})
	case ipc.CmdQuit:
		s.Close()
	default:
		s.events.Send(ipc.Event{Event: ipc.EvError, Kind: "unknown-command", Message: cmd.Cmd})
	}
}

func localKind(cmd string) protocol.PlaybackKind {
	switch cmd {
	case ipc.CmdPlay:
		return protocol.PlaybackPlay
	case ipc.CmdPause:
		return protocol.PlaybackPause
	}
	return protocol.PlaybackSeek
}

func sourceBufferError(name string) error {
	if name == "QuotaExceededError" || name == player.ErrQuotaExceeded.Error() {
		return player.ErrQuotaExceeded
	}
	return errors.New(name)
}

func (s *Session) emit(event string, payload any) {
	if err := s.sig.Emit(event, payload); err != nil {
		s.logger.Debug().Err(err).Str("event", event).Msg("event dropped")
	}
}

func (s *Session) currentPlayer() *player.Player {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.player
}

// Info is the engine state reported to the shell.
type Info struct {
	Code     string         `json:"code,omitempty"`
	Role     protocol.Role  `json:"role"`
	Attached string         `json:"attached,omitempty"`
	Seed     *engine.Seed   `json:"seed,omitempty"`
	Player   *player.Stats  `json:"player,omitempty"`
	Sync     playsync.State `json:"sync"`
}

func (s *Session) Info() Info {
	s.mu.Lock()
	info := Info{Code: s.code, Role: s.role, Attached: s.attached, Seed: s.seed}
	p := s.player
	s.mu.Unlock()
	if p != nil {
		st := p.Stats()
		info.Player = &st
	}
	info.Sync = s.machine.State()
	return info
}

// errKind maps err to the wire kind shown by the shell.
func errKind(err error, fallback string) string {
	for _, known := range []error{
		transcode.ErrTransformTimeout,
		transcode.ErrTransformExit,
		transcode.ErrEmptyOutput,
		transcode.ErrNoTranscoder,
		engine.ErrInvalidMagnet,
		engine.ErrFileNotFound,
		signal.ErrDisconnected,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return fallback
}

func (s *Session) streamURL(infoHash, path string) string {
	if s.url == nil {
		return ""
	}
	return s.url(infoHash, path)
}

func (s *Session) fail(kind string, err error) {
	s.events.Send(ipc.Event{Event: ipc.EvError, Kind: kind, Message: err.Error()})
}
