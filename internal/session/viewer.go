package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/BiswasSekhar/lovestream/internal/engine"
	"github.com/BiswasSekhar/lovestream/internal/ipc"
	"github.com/BiswasSekhar/lovestream/internal/player"
	"github.com/BiswasSekhar/lovestream/internal/protocol"
)

// onMagnet runs the viewer side of a shared file. The same magnet is
// attached at most once; pre-transcode magnets only warm up the swarm.
func (s *Session) onMagnet(data json.RawMessage) {
	var p protocol.TorrentMagnet
	if err := json.Unmarshal(data, &p); err != nil || p.MagnetURI == "" {
		s.logger.Warn().Err(err).Msg("malformed torrent-magnet dropped")
		return
	}

	s.mu.Lock()
	if s.role == protocol.RoleHost {
		s.mu.Unlock()
		return
	}
	if p.MagnetURI == s.attached || (p.PreTranscode && p.MagnetURI == s.prefetched) {
		s.mu.Unlock()
		s.logger.Debug().Str("magnet", p.MagnetURI).Msg("duplicate magnet ignored")
		return
	}
	s.stopViewing()
	ctx, cancel := context.WithCancel(s.ctx)
	s.stopView = cancel
	if p.PreTranscode {
		s.prefetched = p.MagnetURI
	} else {
		s.attached = p.MagnetURI
		s.prefetched = ""
	}
	room := s.code
	s.mu.Unlock()

	s.forward(protocol.EventTorrentMagnet, data)
	if p.PreTranscode {
		go s.prefetch(ctx, p)
		return
	}
	go s.watch(ctx, room, p)
}

// stopViewing cancels the current viewer pipeline and forgets the magnets
// it was built from, so a replay after teardown attaches again. Callers
// hold s.mu.
func (s *Session) stopViewing() {
	if s.stopView != nil {
		s.stopView()
		s.stopView = nil
	}
	s.player = nil
	s.attached = ""
	s.prefetched = ""
}

func (s *Session) prefetch(ctx context.Context, p protocol.TorrentMagnet) {
	m, err := s.swarm.Join(ctx, p.MagnetURI)
	if err != nil {
		s.joinFailed(ctx, err)
		return
	}
	s.logger.Info().Str("infoHash", m.InfoHash).Msg("prefetching original while the host prepares the file")
	s.swarm.Track(ctx, m, func(pr engine.Progress) {
		s.events.Send(ipc.Event{Event: ipc.EvProgress, Name: m.Name, Progress: pr.Percent, Peers: pr.Peers, Speed: pr.DownloadRate})
	})
}

func (s *Session) joinFailed(ctx context.Context, err error) {
	if ctx.Err() != nil || errors.Is(err, engine.ErrStale) {
		return
	}
	s.logger.Error().Err(err).Msg("failed to join swarm")
	s.fail(errKind(err, KindJoinFailed), err)
}

func (s *Session) watch(ctx context.Context, room string, p protocol.TorrentMagnet) {
	m, err := s.swarm.Join(ctx, p.MagnetURI)
	if err != nil {
		s.joinFailed(ctx, err)
		return
	}
	name := p.Name
	if name == "" {
		name = m.Name
	}
	s.events.Send(ipc.Event{
		Event:     ipc.EvStream,
		Name:      name,
		MimeType:  p.MimeType,
		MagnetURI: p.MagnetURI,
		ServerURL: s.streamURL(m.InfoHash, m.Path),
	})

	var pl *player.Player
	pl = player.New(player.Config{
		Room:     room,
		Name:     name,
		MimeType: p.MimeType,
		QueueCap: s.cfg.QueueCap,
		Valid:    func() bool { return s.swarm.Valid(m.Token) },
		OnReady: func(percent float64) {
			s.emit(protocol.EventViewerStreamReady, protocol.ViewerStreamReady{Progress: percent, Timestamp: s.now().UnixMilli()})
		},
		OnFallback: func(reason error) {
			s.logger.Warn().Err(reason).Msg("streaming failed, falling back to the complete file")
			go s.fallback(ctx, pl)
		},
	}, s.shell, s.shell, s.resume, s.materializer(m), s.logger)

	s.mu.Lock()
	if ctx.Err() != nil || !s.swarm.Valid(m.Token) {
		s.mu.Unlock()
		return
	}
	s.player = pl
	s.mu.Unlock()

	go s.track(ctx, m, pl, name)

	if _, err := pl.Open(); err != nil {
		s.logger.Warn().Err(err).Msg("streamed playback unavailable")
		s.fallback(ctx, pl)
		return
	}
	r, err := s.swarm.Stream(m)
	if err != nil {
		return
	}
	defer r.Close()
	if err := pl.Pump(ctx, r, player.Chunker{}); err != nil && ctx.Err() == nil {
		s.logger.Warn().Err(err).Msg("stream pump stopped")
	}
}

func (s *Session) track(ctx context.Context, m *engine.Membership, pl *player.Player, name string) {
	s.swarm.Track(ctx, m, func(pr engine.Progress) {
		pl.Progress(pr.Percent)
		s.events.Send(ipc.Event{Event: ipc.EvProgress, Name: name, Progress: pr.Percent, Peers: pr.Peers, Speed: pr.DownloadRate})
		if pr.Complete {
			s.emit(protocol.EventTorrentDownloadComplete, protocol.DownloadComplete{Name: name})
		}
	})
}

func (s *Session) fallback(ctx context.Context, pl *player.Player) {
	if err := pl.Fallback(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error().Err(err).Msg("blob fallback failed")
		s.fail("fallback-failed", err)
	}
}

func (s *Session) materializer(m *engine.Membership) player.Materializer {
	return func(ctx context.Context) ([]byte, error) {
		r, err := s.swarm.Stream(m)
		if err != nil {
			return nil, err
		}
		defer r.Close()
		stop := context.AfterFunc(ctx, func() { r.Close() })
		defer stop()
		return io.ReadAll(r)
	}
}
