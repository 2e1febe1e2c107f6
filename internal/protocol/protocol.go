// Package protocol defines the event names and JSON payloads exchanged over
// the signaling channel between the engine and the signal server.
package protocol

import "encoding/json"

type Role string

const (
	RoleHost   Role = "host"
	RoleViewer Role = "viewer"
)

func (r Role) Valid() bool { return r == RoleHost || r == RoleViewer }

// Control events.
const (
	EventCreateRoom         = "create-room"
	EventJoinRoom           = "join-room"
	EventReadyForConnection = "ready-for-connection"
	EventLeaveRoom          = "leave-room"
	EventDisconnect         = "disconnect"

	// Sent instead of an acknowledgement to clients that did not ask for one.
	EventRoomCreated = "room-created"
	EventRoomJoined  = "room-joined"
)

// Peer-paired relay events.
const (
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "ice-candidate"
)

// Room fan-out events.
const (
	EventSyncPlay                = "sync-play"
	EventSyncPause               = "sync-pause"
	EventSyncSeek                = "sync-seek"
	EventChatMessage             = "chat-message"
	EventSubtitleData            = "subtitle-data"
	EventMovieLoaded             = "movie-loaded"
	EventTorrentMagnet           = "torrent-magnet"
	EventViewerStreamReady       = "viewer-stream-ready"
	EventTorrentDownloadComplete = "torrent-download-complete"
)

// Server to client only.
const (
	EventStartWebRTC      = "start-webrtc"
	EventPeerLeft         = "peer-left"
	EventRoomMode         = "room-mode"
	EventPlaybackSnapshot = "playback-snapshot"
)

// Error kinds carried in failed acknowledgements.
const (
	ErrKindRoomNotFound        = "room-not-found"
	ErrKindRoomFull            = "room-full"
	ErrKindPartnerReconnecting = "partner-reconnecting"
	ErrKindInvalidPayload      = "invalid-payload"
)

// Room modes.
const (
	ModeWeb    = "web"
	ModeNative = "native"
)

type Capabilities struct {
	NativeTranscode bool `json:"nativeTranscode,omitempty"`
	HEVC            bool `json:"hevc,omitempty"`
	MSE             bool `json:"mse,omitempty"`
}

type CreateRoomRequest struct {
	ParticipantID string       `json:"participantId" validate:"required,max=128"`
	Capabilities  Capabilities `json:"capabilities"`
}

type JoinRoomRequest struct {
	Code          string       `json:"code" validate:"required,len=6,alphanum"`
	ParticipantID string       `json:"participantId" validate:"required,max=128"`
	Capabilities  Capabilities `json:"capabilities"`
}

type RoomInfo struct {
	Code string `json:"code"`
	Role Role   `json:"role"`
}

// RoomResponse answers create-room and join-room.
type RoomResponse struct {
	Success          bool      `json:"success"`
	Room             *RoomInfo `json:"room,omitempty"`
	Mode             string    `json:"mode,omitempty"`
	ReconnectGraceMs int64     `json:"reconnectGraceMs,omitempty"`
	Reclaimed        bool      `json:"reclaimed,omitempty"`
	Error            string    `json:"error,omitempty"`
}

type StartWebRTC struct {
	Role Role `json:"role"`
}

type PeerLeft struct {
	Role             Role  `json:"role"`
	Temporary        bool  `json:"temporary"`
	ReconnectGraceMs int64 `json:"reconnectGraceMs,omitempty"`
}

type RoomMode struct {
	Mode string `json:"mode"`
}

// Sync is the payload of sync-play, sync-pause and sync-seek.
type Sync struct {
	Time     *float64 `json:"time" validate:"required,gte=0"`
	ActionID string   `json:"actionId" validate:"required,max=128"`
}

type PlaybackKind string

const (
	PlaybackPlay  PlaybackKind = "play"
	PlaybackPause PlaybackKind = "pause"
	PlaybackSeek  PlaybackKind = "seek"
)

// Event returns the sync-* event name for the kind.
func (k PlaybackKind) Event() string { return "sync-" + string(k) }

// KindOfEvent maps a sync-* event name back to its kind.
func KindOfEvent(event string) (PlaybackKind, bool) {
	switch event {
	case EventSyncPlay:
		return PlaybackPlay, true
	case EventSyncPause:
		return PlaybackPause, true
	case EventSyncSeek:
		return PlaybackSeek, true
	}
	return "", false
}

type PlaybackState struct {
	Kind      PlaybackKind `json:"kind"`
	Time      float64      `json:"time"`
	ActionID  string       `json:"actionId"`
	UpdatedAt int64        `json:"updatedAt"`
}

type PlaybackSnapshot struct {
	Playback PlaybackState `json:"playback"`
}

type ChatOutbound struct {
	Text string `json:"text" validate:"required,max=4000"`
}

type ChatMessage struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Sender    Role   `json:"sender"`
	Timestamp int64  `json:"timestamp"`
}

// Cue is one subtitle line. Text uses \n for line breaks.
type Cue struct {
	ID    string  `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
	Style string  `json:"style,omitempty"`
}

type SubtitleData struct {
	Subtitles []Cue  `json:"subtitles" validate:"required"`
	Filename  string `json:"filename"`
}

type MovieLoaded struct {
	Name     string  `json:"name" validate:"required"`
	Duration float64 `json:"duration"`
}

type TorrentMagnet struct {
	MagnetURI    string `json:"magnetURI" validate:"required,startswith=magnet:?"`
	PreTranscode bool   `json:"preTranscode"`
	Name         string `json:"name"`
	MimeType     string `json:"mimeType,omitempty"`
}

type ViewerStreamReady struct {
	Progress  float64 `json:"progress" validate:"gte=0,lte=100"`
	Timestamp int64   `json:"timestamp"`
}

type DownloadComplete struct {
	Name string `json:"name"`
}

// Relay payloads are forwarded verbatim with "from" added.
type Relay map[string]json.RawMessage

type Health struct {
	Status string `json:"status"`
	Rooms  int    `json:"rooms"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}
