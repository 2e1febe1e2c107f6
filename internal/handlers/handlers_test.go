package handlers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BiswasSekhar/lovestream/internal/models"
	"github.com/BiswasSekhar/lovestream/internal/protocol"
)

type sent struct {
	To      string
	Event   string
	Payload any
}

type fakeEmitter struct{ out []sent }

func (f *fakeEmitter) Emit(socketID, event string, payload any) {
	f.out = append(f.out, sent{To: socketID, Event: event, Payload: payload})
}

// to returns the events delivered to socketID, in order.
func (f *fakeEmitter) to(socketID string) []sent {
	var out []sent
	for _, s := range f.out {
		if s.To == socketID {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeEmitter) names(socketID string) []string {
	var out []string
	for _, s := range f.to(socketID) {
		out = append(out, s.Event)
	}
	return out
}

func (f *fakeEmitter) reset() { f.out = nil }

type testHub struct {
	*Handler
	emitter *fakeEmitter
	now     time.Time
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()
	th := &testHub{
		emitter: &fakeEmitter{},
		now:     time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return th.now }
	rooms := models.NewRoomManager(
		models.WithClock(clock),
		models.WithCodeGenerator(func() (string, error) { return "ABCDEF", nil }),
	)
	th.Handler = New(rooms, th.emitter, Config{}, zerolog.Nop())
	th.Handler.now = clock
	th.Handler.newID = func() string { return "msg-1" }
	return th
}

func event(socket, name string, payload any) Event {
	ev := Event{Socket: socket, Name: name}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			panic(err)
		}
		ev.Data = b
	}
	return ev
}

// call handles a control event and returns its acknowledgement.
func (th *testHub) call(t *testing.T, socket, name string, payload any) protocol.RoomResponse {
	t.Helper()
	var resp protocol.RoomResponse
	acked := false
	ev := event(socket, name, payload)
	ev.Ack = func(r any) {
		acked = true
		resp = r.(protocol.RoomResponse)
	}
	th.Handle(ev)
	require.True(t, acked, "%s was not acknowledged", name)
	return resp
}

func (th *testHub) createAndJoin(t *testing.T) {
	t.Helper()
	resp := th.call(t, "host-1", protocol.EventCreateRoom, protocol.CreateRoomRequest{ParticipantID: "P1"})
	require.True(t, resp.Success)
	resp = th.call(t, "viewer-1", protocol.EventJoinRoom, protocol.JoinRoomRequest{Code: "ABCDEF", ParticipantID: "P2"})
	require.True(t, resp.Success)
}

func syncPayload(at float64, id string) protocol.Sync {
	return protocol.Sync{Time: &at, ActionID: id}
}

func TestCreateAndJoinHandshake(t *testing.T) {
	th := newTestHub(t)

	resp := th.call(t, "host-1", protocol.EventCreateRoom, protocol.CreateRoomRequest{ParticipantID: "P1"})
	require.True(t, resp.Success)
	assert.Equal(t, &protocol.RoomInfo{Code: "ABCDEF", Role: protocol.RoleHost}, resp.Room)
	assert.Equal(t, protocol.ModeWeb, resp.Mode)

	resp = th.call(t, "viewer-1", protocol.EventJoinRoom, protocol.JoinRoomRequest{Code: "ABCDEF", ParticipantID: "P2"})
	require.True(t, resp.Success)
	assert.Equal(t, protocol.RoleViewer, resp.Room.Role)
	assert.Equal(t, int64(24*time.Hour/time.Millisecond), resp.ReconnectGraceMs)

	th.Handle(event("host-1", protocol.EventReadyForConnection, nil))
	assert.Empty(t, th.emitter.out)

	th.Handle(event("viewer-1", protocol.EventReadyForConnection, nil))
	require.Len(t, th.emitter.out, 2)
	assert.Equal(t, sent{"host-1", protocol.EventStartWebRTC, protocol.StartWebRTC{Role: protocol.RoleHost}}, th.emitter.out[0])
	assert.Equal(t, sent{"viewer-1", protocol.EventStartWebRTC, protocol.StartWebRTC{Role: protocol.RoleViewer}}, th.emitter.out[1])
}

func TestJoinCodeIsCaseInsensitive(t *testing.T) {
	th := newTestHub(t)
	th.call(t, "host-1", protocol.EventCreateRoom, protocol.CreateRoomRequest{ParticipantID: "P1"})

	resp := th.call(t, "viewer-1", protocol.EventJoinRoom, protocol.JoinRoomRequest{Code: "abcdef", ParticipantID: "P2"})
	assert.True(t, resp.Success)
}

func TestNativeCapabilitySetsMode(t *testing.T) {
	th := newTestHub(t)
	resp := th.call(t, "host-1", protocol.EventCreateRoom, protocol.CreateRoomRequest{
		ParticipantID: "P1",
		Capabilities:  protocol.Capabilities{NativeTranscode: true},
	})
	assert.Equal(t, protocol.ModeNative, resp.Mode)
}

func TestViewerJoinCarriesModeInAck(t *testing.T) {
	th := newTestHub(t)
	th.call(t, "host-1", protocol.EventCreateRoom, protocol.CreateRoomRequest{
		ParticipantID: "P1",
		Capabilities:  protocol.Capabilities{NativeTranscode: true},
	})

	resp := th.call(t, "viewer-1", protocol.EventJoinRoom, protocol.JoinRoomRequest{Code: "ABCDEF", ParticipantID: "P2"})
	require.True(t, resp.Success)
	assert.Equal(t, protocol.ModeNative, resp.Mode)
	assert.NotContains(t, th.emitter.names("host-1"), protocol.EventRoomMode)
	assert.NotContains(t, th.emitter.names("viewer-1"), protocol.EventRoomMode)
}

func TestLegacyClientGetsResponseEvent(t *testing.T) {
	th := newTestHub(t)
	th.Handle(event("host-1", protocol.EventCreateRoom, protocol.CreateRoomRequest{ParticipantID: "P1"}))

	require.Len(t, th.emitter.out, 1)
	assert.Equal(t, protocol.EventRoomCreated, th.emitter.out[0].Event)
	resp := th.emitter.out[0].Payload.(protocol.RoomResponse)
	assert.True(t, resp.Success)
}

func TestJoinErrors(t *testing.T) {
	th := newTestHub(t)

	resp := th.call(t, "viewer-1", protocol.EventJoinRoom, protocol.JoinRoomRequest{Code: "ZZZZZZ", ParticipantID: "P2"})
	assert.False(t, resp.Success)
	assert.Equal(t, protocol.ErrKindRoomNotFound, resp.Error)

	th.createAndJoin(t)
	resp = th.call(t, "third", protocol.EventJoinRoom, protocol.JoinRoomRequest{Code: "ABCDEF", ParticipantID: "P3"})
	assert.Equal(t, protocol.ErrKindRoomFull, resp.Error)

	th.Handle(event("viewer-1", protocol.EventDisconnect, nil))
	resp = th.call(t, "third", protocol.EventJoinRoom, protocol.JoinRoomRequest{Code: "ABCDEF", ParticipantID: "P3"})
	assert.Equal(t, protocol.ErrKindPartnerReconnecting, resp.Error)

	resp = th.call(t, "bad", protocol.EventJoinRoom, map[string]any{"code": 12})
	assert.Equal(t, protocol.ErrKindInvalidPayload, resp.Error)
}

func TestHostReclaimReplaysSnapshot(t *testing.T) {
	th := newTestHub(t)
	th.createAndJoin(t)

	th.Handle(event("host-1", protocol.EventMovieLoaded, protocol.MovieLoaded{Name: "m.mp4", Duration: 5400}))
	th.Handle(event("host-1", protocol.EventSyncPlay, syncPayload(42, "X")))

	th.Handle(event("host-1", protocol.EventDisconnect, nil))
	left := th.emitter.to("viewer-1")
	require.NotEmpty(t, left)
	assert.Equal(t, sent{"viewer-1", protocol.EventPeerLeft, protocol.PeerLeft{
		Role:             protocol.RoleHost,
		Temporary:        true,
		ReconnectGraceMs: int64(24 * time.Hour / time.Millisecond),
	}}, left[len(left)-1])

	th.now = th.now.Add(10 * time.Minute)
	th.emitter.reset()

	resp := th.call(t, "host-2", protocol.EventJoinRoom, protocol.JoinRoomRequest{Code: "ABCDEF", ParticipantID: "P1"})
	require.True(t, resp.Success)
	assert.Equal(t, protocol.RoleHost, resp.Room.Role)
	assert.True(t, resp.Reclaimed)

	room, ok := th.rooms.GetRoom("ABCDEF")
	require.True(t, ok)
	assert.Equal(t, "viewer-1", room.ViewerSocket)

	assert.Equal(t, []string{protocol.EventMovieLoaded, protocol.EventPlaybackSnapshot}, th.emitter.names("host-2"))
	snap := th.emitter.to("host-2")[1].Payload.(protocol.PlaybackSnapshot)
	assert.Equal(t, protocol.PlaybackPlay, snap.Playback.Kind)
	assert.Equal(t, 42.0, snap.Playback.Time)
	assert.Equal(t, "X", snap.Playback.ActionID)
}

func TestHostReclaimWithNewModeNotifiesViewer(t *testing.T) {
	th := newTestHub(t)
	th.createAndJoin(t)
	th.Handle(event("host-1", protocol.EventDisconnect, nil))
	th.emitter.reset()

	th.call(t, "host-2", protocol.EventJoinRoom, protocol.JoinRoomRequest{
		Code:          "ABCDEF",
		ParticipantID: "P1",
		Capabilities:  protocol.Capabilities{NativeTranscode: true},
	})
	assert.Equal(t, []sent{{"viewer-1", protocol.EventRoomMode, protocol.RoomMode{Mode: protocol.ModeNative}}}, th.emitter.to("viewer-1"))
}

func TestReplayIsIdempotent(t *testing.T) {
	th := newTestHub(t)
	th.createAndJoin(t)

	th.Handle(event("host-1", protocol.EventMovieLoaded, protocol.MovieLoaded{Name: "m.mp4", Duration: 10}))
	th.Handle(event("host-1", protocol.EventSubtitleData, protocol.SubtitleData{
		Subtitles: []protocol.Cue{{ID: "1", Start: 1, End: 2, Text: "hello\nthere"}},
		Filename:  "m.srt",
	}))
	th.Handle(event("host-1", protocol.EventTorrentMagnet, protocol.TorrentMagnet{MagnetURI: "magnet:?xt=urn:btih:AAA", Name: "m.mp4"}))
	th.Handle(event("host-1", protocol.EventSyncPause, syncPayload(3, "Y")))

	rejoin := func(socket string) []sent {
		th.emitter.reset()
		th.Handle(event("viewer-1", protocol.EventLeaveRoom, nil))
		th.emitter.reset()
		resp := th.call(t, socket, protocol.EventJoinRoom, protocol.JoinRoomRequest{Code: "ABCDEF", ParticipantID: "P2"})
		require.True(t, resp.Success)
		return th.emitter.to(socket)
	}

	first := rejoin("viewer-1")
	second := rejoin("viewer-1")
	assert.Equal(t, []string{
		protocol.EventMovieLoaded,
		protocol.EventSubtitleData,
		protocol.EventTorrentMagnet,
		protocol.EventPlaybackSnapshot,
	}, th.emitter.names("viewer-1"))
	assert.Equal(t, first, second)
}

func TestPreTranscodeMagnetIsNotCached(t *testing.T) {
	th := newTestHub(t)
	th.createAndJoin(t)

	th.Handle(event("host-1", protocol.EventTorrentMagnet, protocol.TorrentMagnet{
		MagnetURI:    "magnet:?xt=urn:btih:PRE",
		PreTranscode: true,
		Name:         "m.mkv",
	}))
	// Fanned out even though not cached.
	assert.Equal(t, []string{protocol.EventTorrentMagnet}, th.emitter.names("viewer-1"))

	th.Handle(event("viewer-1", protocol.EventLeaveRoom, nil))
	th.emitter.reset()
	th.call(t, "viewer-2", protocol.EventJoinRoom, protocol.JoinRoomRequest{Code: "ABCDEF", ParticipantID: "P2"})
	assert.NotContains(t, th.emitter.names("viewer-2"), protocol.EventTorrentMagnet)
}

func TestReadinessIsClearedOnDisconnect(t *testing.T) {
	th := newTestHub(t)
	th.createAndJoin(t)

	th.Handle(event("host-1", protocol.EventReadyForConnection, nil))
	th.Handle(event("host-1", protocol.EventDisconnect, nil))
	th.call(t, "host-2", protocol.EventJoinRoom, protocol.JoinRoomRequest{Code: "ABCDEF", ParticipantID: "P1"})
	th.emitter.reset()

	th.Handle(event("viewer-1", protocol.EventReadyForConnection, nil))
	assert.Empty(t, th.emitter.out, "host-2 has not sent readiness since connecting")

	th.Handle(event("host-2", protocol.EventReadyForConnection, nil))
	assert.Equal(t, []string{protocol.EventStartWebRTC}, th.emitter.names("host-2"))
	assert.Equal(t, []string{protocol.EventStartWebRTC}, th.emitter.names("viewer-1"))
	assert.Equal(t, protocol.StartWebRTC{Role: protocol.RoleHost}, th.emitter.to("host-2")[0].Payload)
}

func TestReadyBeforeJoinHandshakesAfterReplay(t *testing.T) {
	th := newTestHub(t)
	th.call(t, "host-1", protocol.EventCreateRoom, protocol.CreateRoomRequest{ParticipantID: "P1"})
	th.Handle(event("host-1", protocol.EventMovieLoaded, protocol.MovieLoaded{Name: "m.mp4"}))
	th.Handle(event("host-1", protocol.EventReadyForConnection, nil))
	th.Handle(event("viewer-1", protocol.EventReadyForConnection, nil))
	th.emitter.reset()

	th.call(t, "viewer-1", protocol.EventJoinRoom, protocol.JoinRoomRequest{Code: "ABCDEF", ParticipantID: "P2"})
	assert.Equal(t, []string{protocol.EventMovieLoaded, protocol.EventStartWebRTC}, th.emitter.names("viewer-1"))
	assert.Equal(t, []string{protocol.EventStartWebRTC}, th.emitter.names("host-1"))
}

func TestExplicitLeaveIsNotTemporary(t *testing.T) {
	th := newTestHub(t)
	th.createAndJoin(t)

	th.Handle(event("viewer-1", protocol.EventLeaveRoom, nil))
	assert.Equal(t, []sent{{"host-1", protocol.EventPeerLeft, protocol.PeerLeft{Role: protocol.RoleViewer}}}, th.emitter.to("host-1"))
}

func TestRelayGoesToPeerOnly(t *testing.T) {
	th := newTestHub(t)
	th.createAndJoin(t)

	th.Handle(event("host-1", protocol.EventOffer, map[string]any{"offer": map[string]string{"type": "offer", "sdp": "v=0"}}))
	require.Len(t, th.emitter.out, 1)
	out := th.emitter.out[0]
	assert.Equal(t, "viewer-1", out.To)
	assert.Equal(t, protocol.EventOffer, out.Event)

	relay := out.Payload.(protocol.Relay)
	assert.JSONEq(t, `"host-1"`, string(relay["from"]))
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0"}`, string(relay["offer"]))
}

func TestRelayWithoutPeerIsNoop(t *testing.T) {
	th := newTestHub(t)
	th.call(t, "host-1", protocol.EventCreateRoom, protocol.CreateRoomRequest{ParticipantID: "P1"})

	th.Handle(event("host-1", protocol.EventICECandidate, map[string]any{"candidate": "c"}))
	assert.Empty(t, th.emitter.out)
}

func TestSyncFansOutExcludingOrigin(t *testing.T) {
	th := newTestHub(t)
	th.createAndJoin(t)

	th.Handle(event("host-1", protocol.EventSyncPlay, syncPayload(42, "X")))
	assert.Empty(t, th.emitter.to("host-1"))
	require.Len(t, th.emitter.to("viewer-1"), 1)
	got := th.emitter.to("viewer-1")[0].Payload.(protocol.Sync)
	assert.Equal(t, 42.0, *got.Time)
	assert.Equal(t, "X", got.ActionID)
}

func TestSyncWithoutRoomIsDropped(t *testing.T) {
	th := newTestHub(t)
	th.Handle(event("ghost", protocol.EventSyncPlay, syncPayload(1, "A")))
	th.Handle(event("ghost", protocol.EventChatMessage, protocol.ChatOutbound{Text: "hi"}))
	assert.Empty(t, th.emitter.out)
}

func TestMalformedSyncIsDropped(t *testing.T) {
	th := newTestHub(t)
	th.createAndJoin(t)

	th.Handle(event("host-1", protocol.EventSyncSeek, map[string]any{"actionId": "A"}))
	th.Handle(event("host-1", protocol.EventSyncSeek, map[string]any{"time": -1, "actionId": "A"}))
	th.Handle(Event{Socket: "host-1", Name: protocol.EventSyncSeek, Data: json.RawMessage(`not json`)})
	assert.Empty(t, th.emitter.out)

	snap, _ := th.rooms.Snapshot("ABCDEF")
	assert.Nil(t, snap.Playback)
}

func TestChatIsEchoedToAll(t *testing.T) {
	th := newTestHub(t)
	th.createAndJoin(t)

	th.Handle(event("viewer-1", protocol.EventChatMessage, protocol.ChatOutbound{Text: "hi"}))
	want := protocol.ChatMessage{
		ID:        "msg-1",
		Text:      "hi",
		Sender:    protocol.RoleViewer,
		Timestamp: th.now.UnixMilli(),
	}
	assert.Equal(t, []sent{
		{"host-1", protocol.EventChatMessage, want},
		{"viewer-1", protocol.EventChatMessage, want},
	}, th.emitter.out)
}

func TestSwitchingRoomsLeavesThePreviousOne(t *testing.T) {
	th := newTestHub(t)
	th.createAndJoin(t)

	th.Handler.rooms = models.NewRoomManager(models.WithCodeGenerator(sequence("AAAAAA", "BBBBBB")))
	th.call(t, "a", protocol.EventCreateRoom, protocol.CreateRoomRequest{ParticipantID: "PA"})
	th.call(t, "b", protocol.EventCreateRoom, protocol.CreateRoomRequest{ParticipantID: "PB"})
	th.call(t, "v", protocol.EventJoinRoom, protocol.JoinRoomRequest{Code: "AAAAAA", ParticipantID: "PV"})
	th.emitter.reset()

	th.call(t, "v", protocol.EventJoinRoom, protocol.JoinRoomRequest{Code: "BBBBBB", ParticipantID: "PV"})
	assert.Equal(t, []string{protocol.EventPeerLeft}, th.emitter.names("a"))

	roomA, _ := th.rooms.GetRoom("AAAAAA")
	assert.Empty(t, roomA.ViewerSocket)
	current, ok := th.rooms.RoomOf("v")
	require.True(t, ok)
	assert.Equal(t, "BBBBBB", current.Code)
}

func sequence(codes ...string) func() (string, error) {
	i := 0
	return func() (string, error) {
		c := codes[i%len(codes)]
		i++
		return c, nil
	}
}

func TestRunDispatchAndStats(t *testing.T) {
	emitter := &fakeEmitter{}
	h := New(models.NewRoomManager(), emitter, Config{CleanupInterval: time.Hour}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	acked := make(chan protocol.RoomResponse, 1)
	ev := event("host-1", protocol.EventCreateRoom, protocol.CreateRoomRequest{ParticipantID: "P1"})
	ev.Ack = func(r any) { acked <- r.(protocol.RoomResponse) }
	h.Dispatch(ev)

	select {
	case resp := <-acked:
		assert.True(t, resp.Success)
	case <-time.After(time.Second):
		t.Fatal("create-room was not acknowledged")
	}

	health, err := h.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, protocol.Health{Status: "ok", Rooms: 1}, health)

	cancel()
	<-done

	_, err = h.Stats(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestCleanupRemovesExpiredRooms(t *testing.T) {
	th := newTestHub(t)
	th.call(t, "host-1", protocol.EventCreateRoom, protocol.CreateRoomRequest{ParticipantID: "P1"})
	th.Handle(event("host-1", protocol.EventDisconnect, nil))

	th.now = th.now.Add(25 * time.Hour)
	th.cleanup()
	assert.Equal(t, 0, th.rooms.Count())
}
