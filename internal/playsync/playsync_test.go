package playsync

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BiswasSekhar/lovestream/internal/protocol"
)

type localEvent struct {
	kind protocol.PlaybackKind
	at   float64
}

// fakePlayer queues the element events its calls would raise.
type fakePlayer struct {
	paused bool
	now    float64
	events []localEvent
}

func (p *fakePlayer) Play() {
	p.paused = false
	p.events = append(p.events, localEvent{protocol.PlaybackPlay, p.now})
}

func (p *fakePlayer) Pause() {
	p.paused = true
	p.events = append(p.events, localEvent{protocol.PlaybackPause, p.now})
}

func (p *fakePlayer) Seek(t float64) {
	p.now = t
	p.events = append(p.events, localEvent{protocol.PlaybackSeek, t})
}

func (p *fakePlayer) CurrentTime() float64 { return p.now }

// flush delivers the queued element events to m.
func (p *fakePlayer) flush(m *Machine) {
	events := p.events
	p.events = nil
	for _, e := range events {
		m.Local(e.kind, e.at)
	}
}

type sent struct {
	event   string
	payload protocol.Sync
}

type fakeEmitter struct{ sent []sent }

func (e *fakeEmitter) Emit(event string, payload any) error {
	e.sent = append(e.sent, sent{event, payload.(protocol.Sync)})
	return nil
}

type fakeTimer struct {
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeClock struct{ timers []*fakeTimer }

func (c *fakeClock) after(_ time.Duration, fn func()) Timer {
	t := &fakeTimer{fn: fn}
	c.timers = append(c.timers, t)
	return t
}

// elapse fires every pending timer.
func (c *fakeClock) elapse() {
	timers := c.timers
	c.timers = nil
	for _, t := range timers {
		if !t.stopped {
			t.fn()
		}
	}
}

type side struct {
	m      *Machine
	player *fakePlayer
	out    *fakeEmitter
	clock  *fakeClock
}

func newSide(role protocol.Role, prefix string) *side {
	s := &side{player: &fakePlayer{paused: true}, out: &fakeEmitter{}, clock: &fakeClock{}}
	n := 0
	s.m = New(role, s.player, s.out, zerolog.Nop(),
		WithAfterFunc(s.clock.after),
		WithIDs(func(time.Time) string {
			n++
			return fmt.Sprintf("%s-%d", prefix, n)
		}))
	return s
}

func at(t float64) *float64 { return &t }

func TestOwnEchoDropped(t *testing.T) {
	host := newSide(protocol.RoleHost, "h")
	host.m.SetSolo(true)
	host.player.now = 42

	host.m.Local(protocol.PlaybackPlay, 42)
	require.Len(t, host.out.sent, 1)
	msg := host.out.sent[0]
	assert.Equal(t, protocol.EventSyncPlay, msg.event)
	assert.Equal(t, "h-1", msg.payload.ActionID)

	host.m.Remote(protocol.PlaybackPlay, msg.payload)
	assert.Empty(t, host.player.events, "own echo changes nothing")
}

func TestRemoteAppliesAndSuppressesEcho(t *testing.T) {
	viewer := newSide(protocol.RoleViewer, "v")

	viewer.m.Remote(protocol.PlaybackPlay, protocol.Sync{Time: at(42), ActionID: "X"})
	assert.Equal(t, 42.0, viewer.player.now)
	assert.False(t, viewer.player.paused)
	assert.True(t, viewer.m.State().ApplyingRemote)

	viewer.player.flush(viewer.m)
	assert.Empty(t, viewer.out.sent, "seek and play from the apply are not re-emitted")

	viewer.clock.elapse()
	assert.False(t, viewer.m.State().ApplyingRemote)
}

func TestRemotePauseOrder(t *testing.T) {
	viewer := newSide(protocol.RoleViewer, "v")
	viewer.player.paused = false

	viewer.m.Remote(protocol.PlaybackPause, protocol.Sync{Time: at(10), ActionID: "X"})
	require.Len(t, viewer.player.events, 2)
	assert.Equal(t, protocol.PlaybackPause, viewer.player.events[0].kind)
	assert.Equal(t, protocol.PlaybackSeek, viewer.player.events[1].kind)
	assert.True(t, viewer.player.paused)
}

func TestGatedHostStart(t *testing.T) {
	host := newSide(protocol.RoleHost, "h")
	host.player.now = 12.5

	host.player.Play()
	host.player.flush(host.m)
	assert.True(t, host.player.paused, "play cancelled")
	assert.True(t, host.m.State().PendingHostStart)
	assert.Empty(t, host.out.sent)

	// The cancel-pause is latched.
	host.player.flush(host.m)
	assert.Empty(t, host.out.sent)
	host.clock.elapse()

	host.m.PeerReady()
	assert.False(t, host.player.paused)
	require.Len(t, host.out.sent, 1)
	assert.Equal(t, protocol.EventSyncPlay, host.out.sent[0].event)
	assert.Equal(t, 12.5, *host.out.sent[0].payload.Time)

	host.player.flush(host.m)
	assert.Len(t, host.out.sent, 1, "sync-play emitted once")
	assert.False(t, host.m.State().PendingHostStart)
}

func TestPeerReadyWithoutPendingStartDoesNothing(t *testing.T) {
	host := newSide(protocol.RoleHost, "h")
	host.m.PeerReady()
	assert.Empty(t, host.player.events)
	assert.Empty(t, host.out.sent)

	host.m.Local(protocol.PlaybackPlay, 0)
	assert.Len(t, host.out.sent, 1, "ready viewer, no gating")
}

func TestHostPauseAndSeekNotGated(t *testing.T) {
	host := newSide(protocol.RoleHost, "h")
	host.m.Local(protocol.PlaybackSeek, 30)
	host.m.Local(protocol.PlaybackPause, 30)
	assert.Len(t, host.out.sent, 2)
}

func TestViewerNeverGated(t *testing.T) {
	viewer := newSide(protocol.RoleViewer, "v")
	viewer.m.Local(protocol.PlaybackPlay, 3)
	assert.Len(t, viewer.out.sent, 1)
}

func TestSoloBypassesGating(t *testing.T) {
	host := newSide(protocol.RoleHost, "h")
	host.m.Local(protocol.PlaybackPlay, 0)
	require.True(t, host.m.State().PendingHostStart)

	host.m.SetSolo(true)
	assert.False(t, host.m.State().PendingHostStart)
	host.clock.elapse()
	host.m.Local(protocol.PlaybackPlay, 0)
	assert.Len(t, host.out.sent, 1)
}

func TestPeerLeft(t *testing.T) {
	host := newSide(protocol.RoleHost, "h")
	host.m.PeerReady()
	host.player.paused = false

	host.m.PeerLeft()
	st := host.m.State()
	assert.False(t, st.PeerReady)
	assert.False(t, st.PendingHostStart)
	assert.True(t, host.player.paused)
	host.player.flush(host.m)
	assert.Empty(t, host.out.sent)

	host.clock.elapse()
	host.m.Local(protocol.PlaybackPlay, 5)
	assert.True(t, host.m.State().PendingHostStart, "gating restarts after the peer left")
}

func TestRelatchExtendsWindow(t *testing.T) {
	viewer := newSide(protocol.RoleViewer, "v")
	viewer.m.Remote(protocol.PlaybackSeek, protocol.Sync{Time: at(1), ActionID: "a"})
	first := viewer.clock.timers[0]
	viewer.m.Remote(protocol.PlaybackSeek, protocol.Sync{Time: at(2), ActionID: "b"})

	assert.True(t, first.stopped)
	first.fn()
	assert.True(t, viewer.m.State().ApplyingRemote, "stale timer does not clear a newer latch")
}

func TestSnapshot(t *testing.T) {
	viewer := newSide(protocol.RoleViewer, "v")
	viewer.m.Snapshot(protocol.PlaybackState{Kind: protocol.PlaybackPause, Time: 77, ActionID: "x"})
	assert.Equal(t, 77.0, viewer.player.now)
	assert.True(t, viewer.player.paused)
}

// relay delivers everything one side sent to the other side, and to the
// sender too, the way a reconnecting client may receive its own fan-out.
func relay(from, to *side) {
	msgs := from.out.sent
	from.out.sent = nil
	for _, msg := range msgs {
		kind, _ := protocol.KindOfEvent(msg.event)
		to.m.Remote(kind, msg.payload)
		from.m.Remote(kind, msg.payload)
	}
}

func TestThreeActionSequence(t *testing.T) {
	host := newSide(protocol.RoleHost, "h")
	viewer := newSide(protocol.RoleViewer, "v")
	host.m.SetSolo(true)
	total := 0
	count := func(s *side) { total += len(s.out.sent) }

	// host plays at 10
	host.player.now = 10
	host.player.Play()
	host.player.flush(host.m)
	count(host)
	relay(host, viewer)
	viewer.player.flush(viewer.m)
	host.player.flush(host.m)
	viewer.clock.elapse()
	host.clock.elapse()

	// viewer pauses at 20
	viewer.player.now = 20
	viewer.player.Pause()
	viewer.player.flush(viewer.m)
	count(viewer)
	relay(viewer, host)
	host.player.flush(host.m)
	viewer.player.flush(viewer.m)
	host.clock.elapse()
	viewer.clock.elapse()

	// host seeks to 35
	host.player.Seek(35)
	host.player.flush(host.m)
	count(host)
	relay(host, viewer)
	viewer.player.flush(viewer.m)
	host.player.flush(host.m)
	count(host)
	count(viewer)

	assert.Equal(t, 3, total)
	assert.True(t, host.player.paused)
	assert.True(t, viewer.player.paused)
	assert.Equal(t, 35.0, host.player.now)
	assert.Equal(t, 35.0, viewer.player.now)
}
