package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/BiswasSekhar/lovestream/internal/ipc"
	"github.com/BiswasSekhar/lovestream/internal/library"
	"github.com/BiswasSekhar/lovestream/internal/protocol"
	"github.com/BiswasSekhar/lovestream/internal/signal"
)

func (s *Session) setIntent(in intent, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.code != "" && code != s.code {
		s.stopViewing()
	}
	s.intent = in
	s.code = code
}

// enter creates or joins the room for the current intent. Once a room code
// is known it is always joined, which lets the host reclaim its seat after a
// reconnect.
func (s *Session) enter(ctx context.Context) error {
	s.mu.Lock()
	in, code := s.intent, s.code
	s.mu.Unlock()

	var (
		event   string
		payload any
	)
	switch {
	case in == intentNone:
		return nil
	case code != "":
		event = protocol.EventJoinRoom
		payload = protocol.JoinRoomRequest{Code: code, ParticipantID: s.cfg.ParticipantID, Capabilities: s.cfg.Capabilities}
	default:
		event = protocol.EventCreateRoom
		payload = protocol.CreateRoomRequest{ParticipantID: s.cfg.ParticipantID, Capabilities: s.cfg.Capabilities}
	}

	raw, err := s.request(ctx, event, payload)
	if err != nil {
		if !errors.Is(err, signal.ErrDisconnected) {
			s.fail(KindRoomFailed, err)
		}
		return err
	}

	var resp protocol.RoomResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		err = fmt.Errorf("failed to decode %s response: %w", event, err)
		s.fail(KindRoomFailed, err)
		return err
	}
	if !resp.Success || resp.Room == nil {
		kind := resp.Error
		if kind == "" {
			kind = KindRoomFailed
		}
		s.events.Send(ipc.Event{Event: ipc.EvError, Kind: kind, Message: event + " rejected", Code: code})
		return errors.New(kind)
	}

	s.mu.Lock()
	if s.intent != in {
		s.mu.Unlock()
		return nil
	}
	s.code = resp.Room.Code
	s.role = resp.Room.Role
	reseed := s.reseed && s.role == protocol.RoleHost
	s.reseed = false
	s.mu.Unlock()

	s.machine.SetRole(resp.Room.Role)
	s.logger.Info().Str("room", resp.Room.Code).Str("role", string(resp.Room.Role)).Bool("reclaimed", resp.Reclaimed).Msg("entered room")
	s.events.Send(ipc.Event{
		Event:     ipc.EvRoom,
		Code:      resp.Room.Code,
		Role:      string(resp.Room.Role),
		Mode:      resp.Mode,
		Reclaimed: resp.Reclaimed,
	})
	s.emit(protocol.EventReadyForConnection, nil)

	if reseed {
		s.events.Send(ipc.Event{Event: ipc.EvError, Kind: KindReseedRequired, Message: "connection dropped while the file was being prepared; open it again to share"})
	}
	if resp.Room.Role == protocol.RoleViewer {
		s.restore(resp.Room.Code)
	}
	return nil
}

// request emits a room request, retrying while the server does not
// acknowledge it. A dropped connection is not retried here since the next
// connect enters the room again.
func (s *Session) request(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.AckRetryInterval
	return backoff.Retry(ctx, func() (json.RawMessage, error) {
		ackCtx, cancel := context.WithTimeout(ctx, ackTimeout)
		defer cancel()
		raw, err := s.sig.EmitWithAck(ackCtx, event, payload)
		if err != nil && !errors.Is(err, signal.ErrAckTimeout) {
			return nil, backoff.Permanent(err)
		}
		return raw, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.cfg.AckRetries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Warn().Err(err).Str("event", event).Dur("retryIn", next).Msg("room request not acknowledged")
		}),
	)
}

func (s *Session) onConnect() {
	s.enter(s.ctx)
}

func (s *Session) onDisconnect(err error) {
	s.mu.Lock()
	if s.transforming {
		s.reseed = true
	}
	s.mu.Unlock()
	s.logger.Warn().Err(err).Msg("signal connection lost")
}

// restore binds the blob a previous visit to the room left behind.
func (s *Session) restore(code string) {
	if s.resume == nil {
		return
	}
	s.mu.Lock()
	attached := s.attached != ""
	s.mu.Unlock()
	if attached {
		return
	}

	rec, blob, err := s.resume.LoadResume(code)
	if err != nil {
		if !errors.Is(err, library.ErrNotFound) {
			s.logger.Warn().Err(err).Str("room", code).Msg("failed to load resume blob")
		}
		return
	}
	if err := s.shell.BindBlob(rec.FileName, rec.MimeType, blob); err != nil {
		s.logger.Warn().Err(err).Msg("failed to bind resume blob")
		return
	}
	s.logger.Info().Str("room", code).Str("file", rec.FileName).Msg("resumed from stored blob")
}

// Leave exits the room and the swarm.
func (s *Session) Leave() {
	s.mu.Lock()
	s.intent = intentNone
	s.code = ""
	s.role = protocol.RoleViewer
	s.stopViewing()
	s.mu.Unlock()

	s.emit(protocol.EventLeaveRoom, nil)
	s.swarm.Leave()
	s.machine.SetSolo(false)
	s.machine.SetRole(protocol.RoleViewer)
}
