package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BiswasSekhar/lovestream/internal/config"
)

func TestTokens(t *testing.T) {
	var tok Tokens
	first := tok.Current()
	assert.True(t, tok.Valid(first))

	second := tok.Bump()
	assert.False(t, tok.Valid(first))
	assert.True(t, tok.Valid(second))
	assert.Greater(t, second, first)
}

type fakeFile string

func (f fakeFile) Path() string { return string(f) }

func TestPickFile(t *testing.T) {
	assert.Equal(t, fakeFile("dir/movie.MKV"), pickFile([]fakeFile{"readme.txt", "dir/movie.MKV", "b.mp4"}))
	assert.Equal(t, fakeFile("b.mov"), pickFile([]fakeFile{"a.srt", "b.mov"}))
	assert.Equal(t, fakeFile("a.srt"), pickFile([]fakeFile{"a.srt", "b.avi"}))
	assert.Equal(t, fakeFile(""), pickFile([]fakeFile{}))
}

func TestSample(t *testing.T) {
	p := sample(3, 50, 200, 2, 10)
	assert.InDelta(t, 25.0, p.Percent, 0.001)
	assert.False(t, p.Complete)

	p = sample(3, 200, 200, 1, 0)
	assert.True(t, p.Complete)
	assert.InDelta(t, 100.0, p.Percent, 0.001)

	assert.False(t, sample(1, 0, 0, 0, 0).Complete)
}

func TestSeedKey(t *testing.T) {
	mod := time.UnixMilli(1_700_000_000_123)
	assert.Equal(t, "movie.mp4::42::1700000000123", SeedKey("movie.mp4", 42, mod))
}

func TestValidateMagnet(t *testing.T) {
	_, err := ValidateMagnet("http://example.com")
	assert.ErrorIs(t, err, ErrInvalidMagnet)
	_, err = ValidateMagnet("magnet:?dn=movie")
	assert.ErrorIs(t, err, ErrInvalidMagnet)

	m, err := ValidateMagnet("magnet:?xt=urn:btih:c9e15763f722f23e98a29decdfae341b98d53056&dn=movie.mp4")
	require.NoError(t, err)
	assert.Equal(t, "c9e15763f722f23e98a29decdfae341b98d53056", m.InfoHash.HexString())
}

func TestAnnounceList(t *testing.T) {
	assert.Equal(t, [][]string{{"udp://a"}, {"udp://b"}}, announceList([]string{"udp://a", " ", " udp://b "}))
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(config.SwarmConfig{DataDir: t.TempDir(), Trackers: []string{"udp://tracker.example:1337/announce"}}, zerolog.Nop(),
		func(c *torrent.ClientConfig) {
			c.ListenPort = 0
			c.NoDHT = true
			c.DisableTrackers = true
			c.NoDefaultPortForwarding = true
		})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestSeedDedup(t *testing.T) {
	e := newTestEngine(t)

	path := filepath.Join(t.TempDir(), "movie.mp4")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", 300*1024)), 0o644))

	first, err := e.Seed(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(first.Magnet, "magnet:?xt=urn:btih:"))
	assert.Contains(t, first.Magnet, "dn=movie.mp4")
	assert.Contains(t, first.Magnet, "tr=")
	assert.False(t, first.Reused)
	assert.EqualValues(t, 300*1024, first.Size)

	second, err := e.Seed(path)
	require.NoError(t, err)
	assert.True(t, second.Reused)
	assert.Equal(t, first.Magnet, second.Magnet)
	assert.Equal(t, []string{first.InfoHash}, e.InfoHashes())

	// A touched file is a different seed.
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))
	third, err := e.Seed(path)
	require.NoError(t, err)
	assert.False(t, third.Reused)

	info, err := e.Info(first.InfoHash)
	require.NoError(t, err)
	assert.Equal(t, "movie.mp4", info.Name)
	require.Len(t, info.Files, 1)
	assert.EqualValues(t, 300*1024, info.Files[0].Length)
}

func TestLookupErrors(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Info("deadbeef")
	assert.ErrorIs(t, err, ErrTorrentNotFound)
	_, err = e.Open("deadbeef", "movie.mp4")
	assert.ErrorIs(t, err, ErrTorrentNotFound)

	_, err = e.Join(context.Background(), "magnet:?dn=nothing")
	assert.ErrorIs(t, err, ErrInvalidMagnet)
}

func TestJoinCancelledBeforeMetadata(t *testing.T) {
	e := newTestEngine(t)
	before := e.Tokens.Current()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := e.Join(ctx, "magnet:?xt=urn:btih:c9e15763f722f23e98a29decdfae341b98d53056&dn=movie.mp4")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, e.Tokens.Current(), before)
	assert.Nil(t, e.Current())
	assert.Empty(t, e.InfoHashes())
}

func TestAbandonDropsUnusedTorrent(t *testing.T) {
	e := newTestEngine(t)
	const ih = "c9e15763f722f23e98a29decdfae341b98d53056"

	tr, err := e.client.AddMagnet("magnet:?xt=urn:btih:" + ih)
	require.NoError(t, err)
	e.mu.Lock()
	e.torrents[ih] = tr
	e.mu.Unlock()
	require.Equal(t, []string{ih}, e.InfoHashes())

	e.abandon(ih)
	assert.Empty(t, e.InfoHashes())
	assert.Nil(t, e.Current())
}
