// Package playsync keeps the two players in step. Local actions become
// sync-* events with a fresh action id; incoming events are applied under a
// short latch so the player's resulting events are not sent back.
package playsync

import (
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog"

	"github.com/BiswasSekhar/lovestream/internal/protocol"
)

const LatchWindow = 100 * time.Millisecond

// Player controls the local media element. Implementations report the
// resulting element events later through Machine.Local, never from inside
// these calls.
type Player interface {
	Play()
	Pause()
	Seek(t float64)
	CurrentTime() float64
}

// Emitter sends a sync event to the server.
type Emitter interface {
	Emit(event string, payload any) error
}

// Timer is the part of *time.Timer the latch needs.
type Timer interface {
	Stop() bool
}

type AfterFunc func(d time.Duration, fn func()) Timer

func realAfter(d time.Duration, fn func()) Timer { return time.AfterFunc(d, fn) }

func newActionID(now time.Time) string {
	id, err := uuid.NewV4()
	if err != nil {
		return fmt.Sprintf("%d-%d", now.UnixMilli(), now.UnixNano())
	}
	return fmt.Sprintf("%d-%s", now.UnixMilli(), id.String()[:8])
}

type Machine struct {
	mu     sync.Mutex
	role   protocol.Role
	player Player
	emit   Emitter
	logger zerolog.Logger

	after func(time.Duration, func()) Timer
	now   func() time.Time
	newID func(time.Time) string

	lastActionID     string
	applyingRemote   bool
	latchGen         uint64
	latchTimer       Timer
	peerReady        bool
	pendingHostStart bool
	solo             bool
}

type Option func(*Machine)

func WithAfterFunc(after AfterFunc) Option {
	return func(m *Machine) { m.after = after }
}

func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

func WithIDs(newID func(time.Time) string) Option {
	return func(m *Machine) { m.newID = newID }
}

func New(role protocol.Role, player Player, emit Emitter, logger zerolog.Logger, opts ...Option) *Machine {
	m := &Machine{
		role:   role,
		player: player,
		emit:   emit,
		logger: logger.With().Str("component", "playsync").Str("role", string(role)).Logger(),
		after:  realAfter,
		now:    time.Now,
		newID:  newActionID,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) SetRole(role protocol.Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.role = role
}

// SetSolo lets the host play without waiting for the viewer.
func (m *Machine) SetSolo(solo bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.solo = solo
	if solo {
		m.pendingHostStart = false
	}
}

// Local handles a play, pause or seeked event raised by the local player.
func (m *Machine) Local(kind protocol.PlaybackKind, at float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.applyingRemote {
		m.logger.Debug().Str("kind", string(kind)).Msg("local event from remote apply suppressed")
		return
	}

	if kind == protocol.PlaybackPlay && m.role == protocol.RoleHost && !m.peerReady && !m.solo {
		m.pendingHostStart = true
		m.latch()
		m.player.Pause()
		m.logger.Info().Float64("time", at).Msg("host start held until viewer is ready")
		return
	}

	m.send(kind, at)
}

// Remote applies a sync event received from the server.
func (m *Machine) Remote(kind protocol.PlaybackKind, p protocol.Sync) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.ActionID != "" && p.ActionID == m.lastActionID {
		return
	}
	if p.Time == nil {
		return
	}
	m.apply(kind, *p.Time)
}

// Snapshot applies the playback state replayed after a (re)join.
func (m *Machine) Snapshot(s protocol.PlaybackState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ActionID != "" && s.ActionID == m.lastActionID {
		return
	}
	m.apply(s.Kind, s.Time)
}

func (m *Machine) apply(kind protocol.PlaybackKind, at float64) {
	m.latch()
	switch kind {
	case protocol.PlaybackPlay:
		m.player.Seek(at)
		m.player.Play()
	case protocol.PlaybackPause:
		m.player.Pause()
		m.player.Seek(at)
	case protocol.PlaybackSeek:
		m.player.Seek(at)
	}
}

// PeerReady records that the viewer can play. A held host start is
// released from the current position.
func (m *Machine) PeerReady() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.peerReady = true
	if !m.pendingHostStart {
		return
	}
	m.pendingHostStart = false

	at := m.player.CurrentTime()
	m.latch()
	m.player.Play()
	m.send(protocol.PlaybackPlay, at)
	m.logger.Info().Float64("time", at).Msg("held host start released")
}

// PeerLeft resets readiness and pauses until the next viewer-stream-ready.
func (m *Machine) PeerLeft() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.peerReady = false
	m.pendingHostStart = false
	m.latch()
	m.player.Pause()
}

type State struct {
	LastActionID     string `json:"lastActionId"`
	ApplyingRemote   bool   `json:"applyingRemote"`
	PeerReady        bool   `json:"peerReady"`
	PendingHostStart bool   `json:"pendingHostStart"`
	Solo             bool   `json:"solo"`
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		LastActionID:     m.lastActionID,
		ApplyingRemote:   m.applyingRemote,
		PeerReady:        m.peerReady,
		PendingHostStart: m.pendingHostStart,
		Solo:             m.solo,
	}
}

func (m *Machine) send(kind protocol.PlaybackKind, at float64) {
	id := m.newID(m.now())
	m.lastActionID = id
	t := at
	if err := m.emit.Emit(kind.Event(), protocol.Sync{Time: &t, ActionID: id}); err != nil {
		m.logger.Warn().Err(err).Str("kind", string(kind)).Msg("sync event dropped")
	}
}

// latch suppresses local events for the next LatchWindow. Re-latching
// extends the window.
func (m *Machine) latch() {
	m.applyingRemote = true
	m.latchGen++
	gen := m.latchGen
	if m.latchTimer != nil {
		m.latchTimer.Stop()
	}
	m.latchTimer = m.after(LatchWindow, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.latchGen == gen {
			m.applyingRemote = false
		}
	})
}
