// Package handlers is the signaling hub. Every inbound socket event is
// handled to completion on one goroutine, so the room registry and the ready
// set need no locking.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog"

	"github.com/BiswasSekhar/lovestream/internal/models"
	"github.com/BiswasSekhar/lovestream/internal/protocol"
)

// Emitter delivers an event to one socket. Payloads are JSON-encodable.
type Emitter interface {
	Emit(socketID, event string, payload any)
}

// Recorder receives hub counters. *metrics.Metrics implements it.
type Recorder interface {
	SetRooms(n int)
	Event(name string)
	Dropped(name, reason string)
	Handshake()
	Join(outcome string)
}

type nopRecorder struct{}

func (nopRecorder) SetRooms(int)           {}
func (nopRecorder) Event(string)           {}
func (nopRecorder) Dropped(string, string) {}
func (nopRecorder) Handshake()             {}
func (nopRecorder) Join(string)            {}

// Event is one inbound message from a socket. Ack is nil when the client did
// not ask for an acknowledgement.
type Event struct {
	Socket string
	Name   string
	Data   json.RawMessage
	Ack    func(resp any)
}

type Config struct {
	ReconnectGrace  time.Duration
	CleanupInterval time.Duration
	QueueSize       int
	Recorder        Recorder
}

var ErrStopped = errors.New("hub stopped")

type Handler struct {
	rooms    *models.RoomManager
	emitter  Emitter
	metrics  Recorder
	logger   zerolog.Logger
	validate *validator.Validate

	grace           time.Duration
	cleanupInterval time.Duration

	// ready holds sockets that sent ready-for-connection since they connected.
	ready map[string]struct{}

	events chan Event
	stats  chan chan protocol.Health
	done   chan struct{}

	now   func() time.Time
	newID func() string
}

func New(rooms *models.RoomManager, emitter Emitter, cfg Config, logger zerolog.Logger) *Handler {
	if cfg.ReconnectGrace <= 0 {
		cfg.ReconnectGrace = models.DefaultReconnectGrace
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 30 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	return &Handler{
		rooms:           rooms,
		emitter:         emitter,
		metrics:         cfg.Recorder,
		logger:          logger.With().Str("component", "hub").Logger(),
		validate:        validator.New(),
		grace:           cfg.ReconnectGrace,
		cleanupInterval: cfg.CleanupInterval,
		ready:           make(map[string]struct{}),
		events:          make(chan Event, cfg.QueueSize),
		stats:           make(chan chan protocol.Health),
		done:            make(chan struct{}),
		now:             time.Now,
		newID:           func() string { return uuid.Must(uuid.NewV4()).String() },
	}
}

// Dispatch queues ev for the loop. Events from one caller are handled in the
// order they were dispatched.
func (h *Handler) Dispatch(ev Event) {
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

// Run is the event loop. It returns when ctx is cancelled.
func (h *Handler) Run(ctx context.Context) {
	defer close(h.done)

	ticker := time.NewTicker(h.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-h.events:
			h.Handle(ev)
		case reply := <-h.stats:
			reply <- h.health()
		case <-ticker.C:
			h.cleanup()
		case <-ctx.Done():
			return
		}
	}
}

// Stats reads the health view on the loop.
func (h *Handler) Stats(ctx context.Context) (protocol.Health, error) {
	reply := make(chan protocol.Health, 1)
	select {
	case h.stats <- reply:
	case <-h.done:
		return protocol.Health{}, ErrStopped
	case <-ctx.Done():
		return protocol.Health{}, ctx.Err()
	}
	select {
	case health := <-reply:
		return health, nil
	case <-ctx.Done():
		return protocol.Health{}, ctx.Err()
	}
}

// Handle runs a single event to completion. Only the loop, or a test that
// owns the Handler, may call it.
func (h *Handler) Handle(ev Event) {
	h.metrics.Event(ev.Name)

	switch ev.Name {
	case protocol.EventCreateRoom:
		h.handleCreateRoom(ev)
	case protocol.EventJoinRoom:
		h.handleJoinRoom(ev)
	case protocol.EventReadyForConnection:
		h.handleReady(ev)
	case protocol.EventLeaveRoom:
		delete(h.ready, ev.Socket)
		h.leave(ev.Socket, false)
	case protocol.EventDisconnect:
		delete(h.ready, ev.Socket)
		h.leave(ev.Socket, true)

	case protocol.EventOffer, protocol.EventAnswer, protocol.EventICECandidate:
		h.handleRelay(ev)

	case protocol.EventSyncPlay, protocol.EventSyncPause, protocol.EventSyncSeek:
		h.handleSync(ev)
	case protocol.EventChatMessage:
		h.handleChat(ev)
	case protocol.EventSubtitleData:
		h.handleSubtitles(ev)
	case protocol.EventMovieLoaded:
		h.handleMovieLoaded(ev)
	case protocol.EventTorrentMagnet:
		h.handleMagnet(ev)
	case protocol.EventViewerStreamReady:
		var p protocol.ViewerStreamReady
		if h.decode(ev, &p) {
			h.fanOut(ev, p)
		}
	case protocol.EventTorrentDownloadComplete:
		var p protocol.DownloadComplete
		if h.decode(ev, &p) {
			h.fanOut(ev, p)
		}

	default:
		h.logger.Debug().Str("socket", ev.Socket).Str("event", ev.Name).Msg("unknown event dropped")
		h.metrics.Dropped(ev.Name, "unknown")
	}

	h.metrics.SetRooms(h.rooms.Count())
}

func (h *Handler) health() protocol.Health {
	return protocol.Health{Status: "ok", Rooms: h.rooms.Count()}
}

func (h *Handler) cleanup() {
	removed := h.rooms.CleanupExpired(h.grace)
	for _, code := range removed {
		h.logger.Info().Str("room", code).Msg("room expired")
	}
	h.metrics.SetRooms(h.rooms.Count())
}

// decode unmarshals and validates the event payload, running prepare in
// between. Failures are logged and counted; the caller drops the event.
func (h *Handler) decode(ev Event, v any, prepare ...func()) bool {
	err := json.Unmarshal(ev.Data, v)
	if err == nil {
		for _, fn := range prepare {
			fn()
		}
		err = h.validate.Struct(v)
	}
	if err != nil {
		h.logger.Warn().Err(err).Str("socket", ev.Socket).Str("event", ev.Name).Msg("malformed payload dropped")
		h.metrics.Dropped(ev.Name, protocol.ErrKindInvalidPayload)
		return false
	}
	return true
}

func (h *Handler) graceMs() int64 { return h.grace.Milliseconds() }
