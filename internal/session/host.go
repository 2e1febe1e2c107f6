package session

import (
	"context"
	"fmt"
	"os"

	"github.com/BiswasSekhar/lovestream/internal/engine"
	"github.com/BiswasSekhar/lovestream/internal/ipc"
	"github.com/BiswasSekhar/lovestream/internal/media"
	"github.com/BiswasSekhar/lovestream/internal/protocol"
)

// Open shares a local file with the room. Files that need a transform are
// seeded as-is first so the viewer can start fetching, then the prepared
// file is seeded and announced as the final magnet.
func (s *Session) Open(ctx context.Context, path, mime string) error {
	st, err := os.Stat(path)
	if err != nil {
		err = fmt.Errorf("failed to open %s: %w", path, err)
		s.fail(KindOpenFailed, err)
		return err
	}

	s.mu.Lock()
	s.transforming = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.transforming = false
		s.mu.Unlock()
	}()

	desc := s.media.Describe(ctx, path, mime, st.Size(), s.cfg.Capabilities.HEVC)
	log := s.logger.With().Str("file", desc.Source.Name).Str("path", string(desc.Path)).Logger()
	log.Info().Msg("opening file")

	if desc.Path != media.PathDirect {
		if orig, err := s.swarm.Seed(path); err != nil {
			log.Warn().Err(err).Msg("failed to seed original for prefetch")
		} else {
			s.emit(protocol.EventTorrentMagnet, protocol.TorrentMagnet{
				MagnetURI:    orig.Magnet,
				PreTranscode: true,
				Name:         orig.Name,
			})
		}
	}

	res, err := s.prepare.Prepare(ctx, desc, path)
	if err != nil {
		log.Error().Err(err).Msg("failed to prepare file")
		s.fail(errKind(err, KindOpenFailed), err)
		return err
	}

	seed, err := s.swarm.Seed(res.Path)
	if err != nil {
		err = fmt.Errorf("failed to seed %s: %w", res.Name, err)
		s.fail(KindSeedFailed, err)
		return err
	}

	duration := 0.0
	if desc.Probe != nil {
		duration = desc.Probe.Duration
	}
	s.emit(protocol.EventMovieLoaded, protocol.MovieLoaded{Name: res.Name, Duration: duration})
	s.emit(protocol.EventTorrentMagnet, protocol.TorrentMagnet{
		MagnetURI: seed.Magnet,
		Name:      res.Name,
		MimeType:  res.MimeType,
	})

	s.mu.Lock()
	s.seed = &seed
	if s.stopSeed != nil {
		s.stopSeed()
	}
	watchCtx, cancel := context.WithCancel(s.ctx)
	s.stopSeed = cancel
	s.mu.Unlock()

	s.events.Send(ipc.Event{
		Event:     ipc.EvSeeding,
		Name:      res.Name,
		Path:      res.Path,
		MimeType:  res.MimeType,
		MagnetURI: seed.Magnet,
		ServerURL: s.streamURL(seed.InfoHash, seed.Name),
	})
	go s.swarm.WatchSeed(watchCtx, seed.InfoHash, func(st engine.SeedStats) {
		s.events.Send(ipc.Event{Event: ipc.EvProgress, Name: res.Name, Peers: st.Peers, Speed: st.UploadRate})
	})
	log.Info().Str("infoHash", seed.InfoHash).Bool("transformed", res.Transformed).Bool("fromLibrary", res.FromLibrary).Msg("file shared")
	return nil
}
