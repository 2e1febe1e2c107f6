package models

import (
	"crypto/rand"
	"errors"
	"time"

	"github.com/BiswasSekhar/lovestream/internal/protocol"
)

// Room codes avoid I, O, 0 and 1.
const (
	CodeAlphabet   = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	CodeLength     = 6
	maxCodeRetries = 10

	DefaultReconnectGrace = 24 * time.Hour
)

var (
	ErrRoomNotFound        = errors.New(protocol.ErrKindRoomNotFound)
	ErrRoomFull            = errors.New(protocol.ErrKindRoomFull)
	ErrPartnerReconnecting = errors.New(protocol.ErrKindPartnerReconnecting)
	ErrCodeExhausted       = errors.New("failed to generate unique room code after multiple attempts")
)

// RoomManager is the room registry. It is not safe for concurrent use; the
// hub's event loop owns it.
type RoomManager struct {
	rooms   map[string]*Room
	sockets map[string]string // socket id -> room code

	now     func() time.Time
	newCode func() (string, error)
}

type Room struct {
	Code string

	HostSocket   string
	ViewerSocket string

	HostParticipant   string
	ViewerParticipant string

	HostDisconnectedAt   time.Time
	ViewerDisconnectedAt time.Time

	CreatedAt time.Time
	Mode      string
	Snapshot  Snapshot
}

type CachedMagnet struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType,omitempty"`
}

// Snapshot is the state replayed to a socket that joins the room.
type Snapshot struct {
	Movie     *protocol.MovieLoaded
	Subtitles *protocol.SubtitleData
	Magnet    *CachedMagnet
	Playback  *protocol.PlaybackState
}

// Patch fields that are nil leave the snapshot untouched.
type Patch struct {
	Movie     *protocol.MovieLoaded
	Subtitles *protocol.SubtitleData
	Magnet    *CachedMagnet
	Playback  *protocol.PlaybackState
}

type JoinResult struct {
	Role      protocol.Role
	Reclaimed bool
	Room      *Room
}

type LeaveResult struct {
	Code       string
	Role       protocol.Role
	PeerSocket string
}

type Option func(*RoomManager)

func WithClock(now func() time.Time) Option {
	return func(rm *RoomManager) { rm.now = now }
}

func WithCodeGenerator(gen func() (string, error)) Option {
	return func(rm *RoomManager) { rm.newCode = gen }
}

func NewRoomManager(opts ...Option) *RoomManager {
	rm := &RoomManager{
		rooms:   make(map[string]*Room),
		sockets: make(map[string]string),
		now:     time.Now,
		newCode: GenerateRoomCode,
	}
	for _, opt := range opts {
		opt(rm)
	}
	return rm
}

// GenerateRoomCode returns a random code drawn from CodeAlphabet.
func GenerateRoomCode() (string, error) {
	b := make([]byte, CodeLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = CodeAlphabet[int(b[i])%len(CodeAlphabet)]
	}
	return string(b), nil
}

// CreateRoom allocates a fresh code and reserves the host slot for
// participantID. The socket must not be in another room.
func (rm *RoomManager) CreateRoom(socketID, participantID, mode string) (*Room, error) {
	var code string
	for i := 0; ; i++ {
		c, err := rm.newCode()
		if err != nil {
			return nil, err
		}
		if _, taken := rm.rooms[c]; !taken {
			code = c
			break
		}
		if i == maxCodeRetries-1 {
			return nil, ErrCodeExhausted
		}
	}

	room := &Room{
		Code:            code,
		HostSocket:      socketID,
		HostParticipant: participantID,
		CreatedAt:       rm.now(),
		Mode:            mode,
	}
	rm.rooms[code] = room
	rm.sockets[socketID] = code
	return room, nil
}

func (rm *RoomManager) JoinRoom(code, socketID, participantID string, grace time.Duration) (JoinResult, error) {
	room, ok := rm.rooms[code]
	if !ok {
		return JoinResult{}, ErrRoomNotFound
	}

	now := rm.now()
	room.pruneReservations(now, grace)

	if role, in := room.roleOf(socketID); in {
		return JoinResult{Role: role, Room: room}, nil
	}

	switch {
	case room.HostSocket == "" && participantID != "" && participantID == room.HostParticipant:
		room.HostSocket = socketID
		room.HostDisconnectedAt = time.Time{}
		rm.sockets[socketID] = code
		return JoinResult{Role: protocol.RoleHost, Reclaimed: true, Room: room}, nil

	case room.ViewerSocket == "" && participantID != "" && participantID == room.ViewerParticipant:
		room.ViewerSocket = socketID
		room.ViewerDisconnectedAt = time.Time{}
		rm.sockets[socketID] = code
		return JoinResult{Role: protocol.RoleViewer, Reclaimed: true, Room: room}, nil

	case participantID != "" && participantID == room.HostParticipant:
		// The host reservation is live on another socket; one role per participant.
		return JoinResult{}, ErrRoomFull

	case room.ViewerSocket == "" && room.ViewerParticipant == "":
		room.ViewerSocket = socketID
		room.ViewerParticipant = participantID
		room.ViewerDisconnectedAt = time.Time{}
		rm.sockets[socketID] = code
		return JoinResult{Role: protocol.RoleViewer, Room: room}, nil

	case room.ViewerSocket == "":
		return JoinResult{}, ErrPartnerReconnecting
	}

	return JoinResult{}, ErrRoomFull
}

// LeaveRoom empties the socket's slot. The participant reservation stays
// until the grace window elapses.
func (rm *RoomManager) LeaveRoom(socketID string) (LeaveResult, bool) {
	code, ok := rm.sockets[socketID]
	if !ok {
		return LeaveResult{}, false
	}
	delete(rm.sockets, socketID)

	room, ok := rm.rooms[code]
	if !ok {
		return LeaveResult{}, false
	}

	now := rm.now()
	res := LeaveResult{Code: code}
	switch socketID {
	case room.HostSocket:
		room.HostSocket = ""
		room.HostDisconnectedAt = now
		res.Role = protocol.RoleHost
		res.PeerSocket = room.ViewerSocket
	case room.ViewerSocket:
		room.ViewerSocket = ""
		room.ViewerDisconnectedAt = now
		res.Role = protocol.RoleViewer
		res.PeerSocket = room.HostSocket
	default:
		return LeaveResult{}, false
	}
	return res, true
}

// UpdateCache merges patch into the room snapshot, last writer wins.
func (rm *RoomManager) UpdateCache(code string, patch Patch) bool {
	room, ok := rm.rooms[code]
	if !ok {
		return false
	}
	if patch.Movie != nil {
		m := *patch.Movie
		room.Snapshot.Movie = &m
	}
	if patch.Subtitles != nil {
		s := protocol.SubtitleData{
			Subtitles: append([]protocol.Cue(nil), patch.Subtitles.Subtitles...),
			Filename:  patch.Subtitles.Filename,
		}
		room.Snapshot.Subtitles = &s
	}
	if patch.Magnet != nil {
		m := *patch.Magnet
		room.Snapshot.Magnet = &m
	}
	if patch.Playback != nil {
		p := *patch.Playback
		room.Snapshot.Playback = &p
	}
	return true
}

func (rm *RoomManager) Snapshot(code string) (Snapshot, bool) {
	room, ok := rm.rooms[code]
	if !ok {
		return Snapshot{}, false
	}
	return room.Snapshot, true
}

// CleanupExpired removes rooms with no live socket and no valid reservation
// and returns their codes.
func (rm *RoomManager) CleanupExpired(grace time.Duration) []string {
	now := rm.now()
	var removed []string
	for code, room := range rm.rooms {
		room.pruneReservations(now, grace)
		if room.HostSocket != "" || room.ViewerSocket != "" {
			continue
		}
		if room.HostParticipant != "" || room.ViewerParticipant != "" {
			continue
		}
		delete(rm.rooms, code)
		removed = append(removed, code)
	}
	return removed
}

func (rm *RoomManager) GetRoom(code string) (*Room, bool) {
	room, ok := rm.rooms[code]
	return room, ok
}

// RoomOf returns the room the socket is seated in.
func (rm *RoomManager) RoomOf(socketID string) (*Room, bool) {
	code, ok := rm.sockets[socketID]
	if !ok {
		return nil, false
	}
	room, ok := rm.rooms[code]
	return room, ok
}

// PeerOf resolves the socket currently paired with socketID.
func (rm *RoomManager) PeerOf(socketID string) (string, bool) {
	room, ok := rm.RoomOf(socketID)
	if !ok {
		return "", false
	}
	peer := room.PeerOf(socketID)
	return peer, peer != ""
}

func (rm *RoomManager) Count() int { return len(rm.rooms) }

func (rm *RoomManager) GetAllRooms() []*Room {
	rooms := make([]*Room, 0, len(rm.rooms))
	for _, r := range rm.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}

// Sockets returns the live sockets of the room, host first.
func (r *Room) Sockets() []string {
	out := make([]string, 0, 2)
	if r.HostSocket != "" {
		out = append(out, r.HostSocket)
	}
	if r.ViewerSocket != "" {
		out = append(out, r.ViewerSocket)
	}
	return out
}

func (r *Room) PeerOf(socketID string) string {
	switch socketID {
	case r.HostSocket:
		return r.ViewerSocket
	case r.ViewerSocket:
		return r.HostSocket
	}
	return ""
}

func (r *Room) RoleOf(socketID string) (protocol.Role, bool) { return r.roleOf(socketID) }

func (r *Room) roleOf(socketID string) (protocol.Role, bool) {
	if socketID == "" {
		return "", false
	}
	switch socketID {
	case r.HostSocket:
		return protocol.RoleHost, true
	case r.ViewerSocket:
		return protocol.RoleViewer, true
	}
	return "", false
}

// pruneReservations clears reservations of empty slots whose grace elapsed.
// An occupied slot never times out.
func (r *Room) pruneReservations(now time.Time, grace time.Duration) {
	if r.HostSocket == "" && r.HostParticipant != "" && expired(r.HostDisconnectedAt, now, grace) {
		r.HostParticipant = ""
		r.HostDisconnectedAt = time.Time{}
	}
	if r.ViewerSocket == "" && r.ViewerParticipant != "" && expired(r.ViewerDisconnectedAt, now, grace) {
		r.ViewerParticipant = ""
		r.ViewerDisconnectedAt = time.Time{}
	}
}

func expired(since, now time.Time, grace time.Duration) bool {
	return since.IsZero() || now.Sub(since) > grace
}
