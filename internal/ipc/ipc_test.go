package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) events(t *testing.T) []Event {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Event
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var ev Event
		require.NoError(t, json.Unmarshal([]byte(line), &ev), line)
		out = append(out, ev)
	}
	return out
}

func TestRunDispatchesInOrder(t *testing.T) {
	in := strings.NewReader(`{"cmd":"join","code":"ABCDEF"}
{"cmd":"play","time":3.5}
not json
{"cmd":"sb-updateend","buffered":{"start":0,"end":12}}
`)
	out := &syncBuffer{}
	i := New(in, out, zerolog.Nop())

	var got []Command
	err := i.Run(context.Background(), HandlerFunc(func(_ context.Context, cmd Command) {
		got = append(got, cmd)
	}))
	require.NoError(t, err)

	require.Len(t, got, 3)
	assert.Equal(t, CmdJoin, got[0].Cmd)
	assert.Equal(t, "ABCDEF", got[0].Code)
	assert.Equal(t, 3.5, got[1].Time)
	require.NotNil(t, got[2].Buffered)
	assert.Equal(t, 12.0, got[2].Buffered.End)

	events := out.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, EvError, events[0].Event)
	assert.Equal(t, "invalid-command", events[0].Kind)
}

func TestRunStopsOnQuit(t *testing.T) {
	in := strings.NewReader("{\"cmd\":\"quit\"}\n{\"cmd\":\"info\"}\n")
	i := New(in, &syncBuffer{}, zerolog.Nop())

	var got []string
	err := i.Run(context.Background(), HandlerFunc(func(_ context.Context, cmd Command) {
		got = append(got, cmd.Cmd)
	}))
	require.ErrorIs(t, err, ErrQuit)
	assert.Equal(t, []string{CmdQuit}, got)
}

func TestRunStopsOnCancel(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer w.Close()
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	i := New(r, &syncBuffer{}, zerolog.Nop())
	require.NoError(t, i.Run(ctx, HandlerFunc(func(context.Context, Command) {})))
}

func TestSendIsLineDelimited(t *testing.T) {
	out := &syncBuffer{}
	i := New(strings.NewReader(""), out, zerolog.Nop())

	var wg sync.WaitGroup
	for n := 0; n < 20; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			i.Send(Event{Event: EvProgress, Progress: 50, Peers: 1})
		}()
	}
	wg.Wait()
	assert.Len(t, out.events(t), 20)
}

func TestSourceBufferBridge(t *testing.T) {
	out := &syncBuffer{}
	shell := NewShell(New(strings.NewReader(""), out, zerolog.Nop()), t.TempDir())

	sb, err := shell.AddSourceBuffer(`video/mp4; codecs="avc1.640029, mp4a.40.2"`)
	require.NoError(t, err)
	assert.False(t, sb.Updating())
	_, _, ok := sb.Buffered()
	assert.False(t, ok)

	require.NoError(t, sb.Append([]byte{1, 2, 3}))
	assert.True(t, sb.Updating())

	shell.Observe(Command{Cmd: CmdSBUpdateEnd, Buffered: &Range{Start: 0, End: 4}, CurrentTime: 1})
	assert.False(t, sb.Updating())
	start, end, ok := sb.Buffered()
	assert.True(t, ok)
	assert.Equal(t, 0.0, start)
	assert.Equal(t, 4.0, end)
	assert.Equal(t, 1.0, shell.CurrentTime())

	require.NoError(t, sb.Remove(0, 2))
	assert.True(t, sb.Updating())
	shell.Observe(Command{Cmd: CmdSBError, Error: "QuotaExceededError"})
	assert.False(t, sb.Updating())
	require.NoError(t, shell.EndOfStream())

	events := out.events(t)
	require.Len(t, events, 4)
	assert.Equal(t, EvSBOpen, events[0].Event)
	assert.Equal(t, EvSBAppend, events[1].Event)
	assert.Equal(t, []byte{1, 2, 3}, events[1].Chunk)
	assert.Equal(t, EvSBRemove, events[2].Event)
	assert.Equal(t, 2.0, events[2].End)
	assert.Equal(t, EvSBEnd, events[3].Event)
}

func TestTypeSupport(t *testing.T) {
	shell := NewShell(New(strings.NewReader(""), &syncBuffer{}, zerolog.Nop()), t.TempDir())

	assert.True(t, shell.IsTypeSupported(`video/mp4; codecs="avc1.42E01E, mp4a.40.2"`))
	assert.False(t, shell.IsTypeSupported(`video/mp4; codecs="hvc1.1.6.L93.B0, mp4a.40.2"`))

	shell.Observe(Command{Cmd: CmdPlayerState, Supported: []string{"video/webm"}})
	assert.True(t, shell.IsTypeSupported("video/webm"))
	assert.False(t, shell.IsTypeSupported(`video/mp4; codecs="avc1.42E01E, mp4a.40.2"`))

	shell.Observe(Command{Cmd: CmdPlayerState, Supported: []string{}})
	assert.False(t, shell.IsTypeSupported("video/webm"))
}

func TestPlayerControls(t *testing.T) {
	out := &syncBuffer{}
	shell := NewShell(New(strings.NewReader(""), out, zerolog.Nop()), t.TempDir())

	shell.Observe(Command{Cmd: CmdPlayerState, CurrentTime: 7, Paused: true})
	assert.True(t, shell.Paused())
	shell.Play()
	assert.False(t, shell.Paused())
	shell.Seek(20)
	shell.Pause()

	events := out.events(t)
	require.Len(t, events, 3)
	assert.Equal(t, "play", events[0].Action)
	assert.Equal(t, 7.0, events[0].Time)
	assert.Equal(t, "seek", events[1].Action)
	assert.Equal(t, "pause", events[2].Action)
	assert.Equal(t, 20.0, events[2].Time)
}

func TestBindBlobWritesFile(t *testing.T) {
	out := &syncBuffer{}
	dir := t.TempDir()
	shell := NewShell(New(strings.NewReader(""), out, zerolog.Nop()), dir)

	require.NoError(t, shell.BindBlob("../m.mp4", "video/mp4", []byte("movie")))
	events := out.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, EvBlob, events[0].Event)
	assert.Equal(t, dir, strings.TrimSuffix(events[0].Path, string(os.PathSeparator)+"m.mp4"))

	b, err := os.ReadFile(events[0].Path)
	require.NoError(t, err)
	assert.Equal(t, "movie", string(b))
}
