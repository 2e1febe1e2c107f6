package handlers

import (
	"strings"

	"github.com/BiswasSekhar/lovestream/internal/protocol"
)

func modeFor(caps protocol.Capabilities) string {
	if caps.NativeTranscode {
		return protocol.ModeNative
	}
	return protocol.ModeWeb
}

// respond answers a control event through its acknowledgement, or with the
// fallback event for clients that did not pass one.
func (h *Handler) respond(ev Event, fallback string, resp protocol.RoomResponse) {
	if ev.Ack != nil {
		ev.Ack(resp)
		return
	}
	h.emitter.Emit(ev.Socket, fallback, resp)
}

func (h *Handler) handleCreateRoom(ev Event) {
	var req protocol.CreateRoomRequest
	if !h.decode(ev, &req) {
		h.respond(ev, protocol.EventRoomCreated, protocol.RoomResponse{Error: protocol.ErrKindInvalidPayload})
		return
	}

	if _, in := h.rooms.RoomOf(ev.Socket); in {
		h.leave(ev.Socket, false)
	}

	mode := modeFor(req.Capabilities)
	room, err := h.rooms.CreateRoom(ev.Socket, req.ParticipantID, mode)
	if err != nil {
		h.logger.Error().Err(err).Str("socket", ev.Socket).Msg("create room failed")
		h.respond(ev, protocol.EventRoomCreated, protocol.RoomResponse{Error: err.Error()})
		return
	}

	h.logger.Info().
		Str("room", room.Code).
		Str("socket", ev.Socket).
		Str("participant", req.ParticipantID).
		Str("mode", mode).
		Msg("room created")

	h.respond(ev, protocol.EventRoomCreated, protocol.RoomResponse{
		Success:          true,
		Room:             &protocol.RoomInfo{Code: room.Code, Role: protocol.RoleHost},
		Mode:             mode,
		ReconnectGraceMs: h.graceMs(),
	})
}

func (h *Handler) handleJoinRoom(ev Event) {
	var req protocol.JoinRoomRequest
	normalize := func() { req.Code = strings.ToUpper(strings.TrimSpace(req.Code)) }
	if !h.decode(ev, &req, normalize) {
		h.respond(ev, protocol.EventRoomJoined, protocol.RoomResponse{Error: protocol.ErrKindInvalidPayload})
		return
	}

	if current, in := h.rooms.RoomOf(ev.Socket); in && current.Code != req.Code {
		h.leave(ev.Socket, false)
	}

	res, err := h.rooms.JoinRoom(req.Code, ev.Socket, req.ParticipantID, h.grace)
	if err != nil {
		kind := err.Error()
		h.logger.Info().
			Str("room", req.Code).
			Str("socket", ev.Socket).
			Str("participant", req.ParticipantID).
			Str("error", kind).
			Msg("join rejected")
		h.metrics.Join(kind)
		h.respond(ev, protocol.EventRoomJoined, protocol.RoomResponse{Error: kind})
		return
	}

	room := res.Room
	if res.Role == protocol.RoleHost && res.Reclaimed {
		if mode := modeFor(req.Capabilities); mode != room.Mode {
			room.Mode = mode
			if room.ViewerSocket != "" {
				h.emitter.Emit(room.ViewerSocket, protocol.EventRoomMode, protocol.RoomMode{Mode: mode})
			}
		}
	}

	outcome := "admitted"
	if res.Reclaimed {
		outcome = "reclaimed"
	}
	h.metrics.Join(outcome)
	h.logger.Info().
		Str("room", room.Code).
		Str("socket", ev.Socket).
		Str("participant", req.ParticipantID).
		Str("role", string(res.Role)).
		Bool("reclaimed", res.Reclaimed).
		Msg("room joined")

	h.respond(ev, protocol.EventRoomJoined, protocol.RoomResponse{
		Success:          true,
		Room:             &protocol.RoomInfo{Code: room.Code, Role: res.Role},
		Mode:             room.Mode,
		ReconnectGraceMs: h.graceMs(),
		Reclaimed:        res.Reclaimed,
	})

	h.replay(ev.Socket, room.Code)

	if _, ready := h.ready[ev.Socket]; ready {
		h.tryHandshake(ev.Socket)
	}
}

// replay sends the cached room state to one socket, movie first and the last
// playback action last.
func (h *Handler) replay(socketID, code string) {
	snap, ok := h.rooms.Snapshot(code)
	if !ok {
		return
	}
	if snap.Movie != nil {
		h.emitter.Emit(socketID, protocol.EventMovieLoaded, *snap.Movie)
	}
	if snap.Subtitles != nil {
		h.emitter.Emit(socketID, protocol.EventSubtitleData, *snap.Subtitles)
	}
	if snap.Magnet != nil {
		h.emitter.Emit(socketID, protocol.EventTorrentMagnet, protocol.TorrentMagnet{
			MagnetURI: snap.Magnet.ID,
			Name:      snap.Magnet.Name,
			MimeType:  snap.Magnet.MimeType,
		})
	}
	if snap.Playback != nil {
		h.emitter.Emit(socketID, protocol.EventPlaybackSnapshot, protocol.PlaybackSnapshot{Playback: *snap.Playback})
	}
}

func (h *Handler) handleReady(ev Event) {
	h.ready[ev.Socket] = struct{}{}
	h.tryHandshake(ev.Socket)
}

// tryHandshake starts the peer connection once both sockets of the room are
// ready. The host socket is always told to initiate.
func (h *Handler) tryHandshake(socketID string) {
	room, ok := h.rooms.RoomOf(socketID)
	if !ok {
		return
	}
	peer := room.PeerOf(socketID)
	if peer == "" {
		return
	}
	if _, ready := h.ready[peer]; !ready {
		return
	}

	h.emitter.Emit(room.HostSocket, protocol.EventStartWebRTC, protocol.StartWebRTC{Role: protocol.RoleHost})
	h.emitter.Emit(room.ViewerSocket, protocol.EventStartWebRTC, protocol.StartWebRTC{Role: protocol.RoleViewer})
	h.metrics.Handshake()
	h.logger.Info().Str("room", room.Code).Msg("webrtc handshake started")
}

// leave empties the socket's slot and tells the peer. temporary is true for
// transport disconnects.
func (h *Handler) leave(socketID string, temporary bool) {
	res, ok := h.rooms.LeaveRoom(socketID)
	if !ok {
		return
	}
	h.logger.Info().
		Str("room", res.Code).
		Str("socket", socketID).
		Str("role", string(res.Role)).
		Bool("temporary", temporary).
		Msg("left room")

	if res.PeerSocket == "" {
		return
	}
	msg := protocol.PeerLeft{Role: res.Role, Temporary: temporary}
	if temporary {
		msg.ReconnectGraceMs = h.graceMs()
	}
	h.emitter.Emit(res.PeerSocket, protocol.EventPeerLeft, msg)
}
