package handlers

import (
	"encoding/json"

	"github.com/BiswasSekhar/lovestream/internal/models"
	"github.com/BiswasSekhar/lovestream/internal/protocol"
)

// handleRelay forwards call signaling to the paired peer only. The payload
// is passed through untouched apart from the added "from".
func (h *Handler) handleRelay(ev Event) {
	var payload protocol.Relay
	if err := json.Unmarshal(ev.Data, &payload); err != nil || payload == nil {
		h.logger.Warn().Err(err).Str("socket", ev.Socket).Str("event", ev.Name).Msg("malformed payload dropped")
		h.metrics.Dropped(ev.Name, protocol.ErrKindInvalidPayload)
		return
	}

	peer, ok := h.rooms.PeerOf(ev.Socket)
	if !ok {
		h.logger.Debug().Str("socket", ev.Socket).Str("event", ev.Name).Msg("no peer to relay to")
		h.metrics.Dropped(ev.Name, "no-peer")
		return
	}

	from, _ := json.Marshal(ev.Socket)
	payload["from"] = from
	h.emitter.Emit(peer, ev.Name, payload)
}

func (h *Handler) handleSync(ev Event) {
	var p protocol.Sync
	if !h.decode(ev, &p) {
		return
	}
	room, ok := h.roomOrDrop(ev)
	if !ok {
		return
	}

	kind, _ := protocol.KindOfEvent(ev.Name)
	h.rooms.UpdateCache(room.Code, models.Patch{Playback: &protocol.PlaybackState{
		Kind:      kind,
		Time:      *p.Time,
		ActionID:  p.ActionID,
		UpdatedAt: h.now().UnixMilli(),
	}})
	h.broadcast(room, ev.Socket, ev.Name, p)
}

// handleChat echoes the message to every socket in the room, the sender
// included, stamped with an id, the sender role and the server time.
func (h *Handler) handleChat(ev Event) {
	var p protocol.ChatOutbound
	if !h.decode(ev, &p) {
		return
	}
	room, ok := h.roomOrDrop(ev)
	if !ok {
		return
	}
	role, _ := room.RoleOf(ev.Socket)

	msg := protocol.ChatMessage{
		ID:        h.newID(),
		Text:      p.Text,
		Sender:    role,
		Timestamp: h.now().UnixMilli(),
	}
	for _, s := range room.Sockets() {
		h.emitter.Emit(s, protocol.EventChatMessage, msg)
	}
}

func (h *Handler) handleSubtitles(ev Event) {
	var p protocol.SubtitleData
	if !h.decode(ev, &p) {
		return
	}
	room, ok := h.roomOrDrop(ev)
	if !ok {
		return
	}
	h.rooms.UpdateCache(room.Code, models.Patch{Subtitles: &p})
	h.broadcast(room, ev.Socket, ev.Name, p)
}

func (h *Handler) handleMovieLoaded(ev Event) {
	var p protocol.MovieLoaded
	if !h.decode(ev, &p) {
		return
	}
	room, ok := h.roomOrDrop(ev)
	if !ok {
		return
	}
	h.rooms.UpdateCache(room.Code, models.Patch{Movie: &p})
	h.broadcast(room, ev.Socket, ev.Name, p)
}

// handleMagnet fans out every magnet but caches only finalized ones;
// pre-transcode magnets are prefetch hints.
func (h *Handler) handleMagnet(ev Event) {
	var p protocol.TorrentMagnet
	if !h.decode(ev, &p) {
		return
	}
	room, ok := h.roomOrDrop(ev)
	if !ok {
		return
	}
	if !p.PreTranscode {
		h.rooms.UpdateCache(room.Code, models.Patch{Magnet: &models.CachedMagnet{
			ID:       p.MagnetURI,
			Name:     p.Name,
			MimeType: p.MimeType,
		}})
	}
	h.broadcast(room, ev.Socket, ev.Name, p)
}

func (h *Handler) fanOut(ev Event, payload any) {
	room, ok := h.roomOrDrop(ev)
	if !ok {
		return
	}
	h.broadcast(room, ev.Socket, ev.Name, payload)
}

// broadcast sends to every socket of the room except origin.
func (h *Handler) broadcast(room *models.Room, origin, event string, payload any) {
	for _, s := range room.Sockets() {
		if s == origin {
			continue
		}
		h.emitter.Emit(s, event, payload)
	}
}

// roomOrDrop resolves the sender's room. Senders outside any room are
// usually clients that outlived a server restart.
func (h *Handler) roomOrDrop(ev Event) (*models.Room, bool) {
	room, ok := h.rooms.RoomOf(ev.Socket)
	if !ok {
		h.logger.Warn().Str("socket", ev.Socket).Str("event", ev.Name).Msg("sender not in a room, dropped")
		h.metrics.Dropped(ev.Name, "not-in-room")
		return nil, false
	}
	return room, true
}
