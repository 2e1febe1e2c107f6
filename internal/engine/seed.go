package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
)

// Seed is a file this endpoint shares.
type Seed struct {
	Magnet   string `json:"magnetURI"`
	InfoHash string `json:"infoHash"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	// Reused is set when the file was already being seeded.
	Reused bool `json:"reused,omitempty"`
}

// SeedKey identifies a file by name, size and modification time.
func SeedKey(name string, size int64, modTime time.Time) string {
	return name + "::" + strconv.FormatInt(size, 10) + "::" + strconv.FormatInt(modTime.UnixMilli(), 10)
}

// Seed shares the file at path. Seeding the same file twice returns the
// existing magnet.
func (e *Engine) Seed(path string) (Seed, error) {
	st, err := os.Stat(path)
	if err != nil {
		return Seed{}, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	name := filepath.Base(path)
	key := SeedKey(name, st.Size(), st.ModTime())

	e.mu.RLock()
	s, ok := e.seeds[key]
	_, live := e.torrents[s.InfoHash]
	e.mu.RUnlock()
	if ok && live {
		e.logger.Debug().Str("key", key).Msg("already seeding, magnet re-emitted")
		s.Reused = true
		return s, nil
	}

	if err := e.stage(path, name); err != nil {
		return Seed{}, err
	}

	info := metainfo.Info{PieceLength: e.cfg.PieceLength}
	if err := info.BuildFromFilePath(path); err != nil {
		return Seed{}, fmt.Errorf("failed to build info from file: %w", err)
	}
	info.Name = name

	infoBytes, err := bencode.Marshal(info)
	if err != nil {
		return Seed{}, fmt.Errorf("failed to bencode info: %w", err)
	}
	mi := &metainfo.MetaInfo{InfoBytes: infoBytes, AnnounceList: announceList(e.cfg.Trackers)}

	t, err := e.client.AddTorrent(mi)
	if err != nil {
		return Seed{}, fmt.Errorf("failed to add torrent: %w", err)
	}

	ih := t.InfoHash().HexString()
	s = Seed{
		Magnet:   mi.Magnet(nil, &info).String(),
		InfoHash: ih,
		Name:     name,
		Size:     st.Size(),
	}

	e.mu.Lock()
	e.torrents[ih] = t
	e.seeds[key] = s
	e.mu.Unlock()

	e.logger.Info().Str("name", name).Str("infoHash", ih).Msg("seeding")
	return s, nil
}

// stage makes the file visible at the client's data dir, where the
// storage layer expects it.
func (e *Engine) stage(path, name string) error {
	dst := filepath.Join(e.cfg.DataDir, name)
	src, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(dst)
	if err != nil {
		return err
	}
	if src == abs {
		return nil
	}

	os.Remove(dst)
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	return copyFile(src, dst)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}

type SeedStats struct {
	InfoHash   string  `json:"infoHash"`
	Peers      int     `json:"peers"`
	UploadRate float64 `json:"uploadRate"`
	Uploaded   int64   `json:"uploaded"`
}

// WatchSeed samples peer count and upload rate of a seed until ctx ends.
// fn runs on every tick.
func (e *Engine) WatchSeed(ctx context.Context, infoHash string, fn func(SeedStats)) {
	t := e.Torrent(infoHash)
	if t == nil {
		return
	}
	ticker := time.NewTicker(e.cfg.ProgressInterval)
	defer ticker.Stop()

	var (
		lastBytes int64
		lastAt    = time.Now()
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Closed():
			return
		case now := <-ticker.C:
			st := t.Stats()
			written := st.BytesWrittenData.Int64()
			rate := 0.0
			if dt := now.Sub(lastAt).Seconds(); dt > 0 {
				rate = float64(written-lastBytes) / dt
			}
			lastBytes, lastAt = written, now
			fn(SeedStats{InfoHash: infoHash, Peers: st.ActivePeers, UploadRate: rate, Uploaded: written})
		}
	}
}
