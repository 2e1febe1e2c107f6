// Package ipc is the line-delimited JSON protocol between the desktop shell
// and the engine: commands arrive on stdin, events leave on stdout.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// Commands.
const (
	CmdCreate       = "create"
	CmdJoin         = "join"
	CmdOpen         = "open"
	CmdPlay         = "play"
	CmdPause        = "pause"
	CmdSeeked       = "seeked"
	CmdChat         = "chat"
	CmdSolo         = "solo"
	CmdLeave        = "leave"
	CmdReady        = "ready"
	CmdOffer        = "offer"
	CmdAnswer       = "answer"
	CmdICECandidate = "ice-candidate"
	CmdSubtitles    = "subtitles"
	CmdSBUpdateEnd  = "sb-updateend"
	CmdSBError      = "sb-error"
	CmdPlayerState  = "player-state"
	CmdInfo         = "info"
	CmdQuit         = "quit"
)

// Events.
const (
	EvReady    = "ready"
	EvRoom     = "room"
	EvSignal   = "signal"
	EvPlayer   = "player"
	EvSBOpen   = "sb-open"
	EvSBAppend = "sb-append"
	EvSBRemove = "sb-remove"
	EvSBEnd    = "sb-end"
	EvBlob     = "blob"
	EvProgress = "progress"
	EvSeeding  = "seeding"
	EvStream   = "stream"
	EvInfo     = "info"
	EvError    = "error"
	EvStopped  = "stopped"
)

type Range struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type Command struct {
	Cmd         string          `json:"cmd"`
	Code        string          `json:"code,omitempty"`
	FilePath    string          `json:"filePath,omitempty"`
	MimeType    string          `json:"mimeType,omitempty"`
	Time        float64         `json:"time,omitempty"`
	Text        string          `json:"text,omitempty"`
	Solo        bool            `json:"solo,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Error       string          `json:"error,omitempty"`
	CurrentTime float64         `json:"currentTime,omitempty"`
	Paused      bool            `json:"paused,omitempty"`
	Buffered    *Range          `json:"buffered,omitempty"`
	Supported   []string        `json:"supported,omitempty"`
}

type Event struct {
	Event     string          `json:"event"`
	Port      int             `json:"port,omitempty"`
	Code      string          `json:"code,omitempty"`
	Role      string          `json:"role,omitempty"`
	Mode      string          `json:"mode,omitempty"`
	Reclaimed bool            `json:"reclaimed,omitempty"`
	Name      string          `json:"name,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Action    string          `json:"action,omitempty"`
	Time      float64         `json:"time,omitempty"`
	MimeType  string          `json:"mimeType,omitempty"`
	Chunk     []byte          `json:"chunk,omitempty"`
	Start     float64         `json:"start,omitempty"`
	End       float64         `json:"end,omitempty"`
	Path      string          `json:"path,omitempty"`
	ServerURL string          `json:"serverUrl,omitempty"`
	MagnetURI string          `json:"magnetURI,omitempty"`
	Progress  float64         `json:"progress,omitempty"`
	Peers     int             `json:"peers,omitempty"`
	Speed     float64         `json:"speed,omitempty"`
	Kind      string          `json:"kind,omitempty"`
	Message   string          `json:"message,omitempty"`
	Info      any             `json:"info,omitempty"`
}

// Handler reacts to shell commands. Commands are delivered one at a time in
// arrival order, so long work must move to its own goroutine.
type Handler interface {
	HandleCommand(ctx context.Context, cmd Command)
}

type HandlerFunc func(ctx context.Context, cmd Command)

func (f HandlerFunc) HandleCommand(ctx context.Context, cmd Command) { f(ctx, cmd) }

var ErrQuit = errors.New("quit requested")

type IPC struct {
	in     io.Reader
	out    io.Writer
	mu     sync.Mutex
	logger zerolog.Logger
}

func New(in io.Reader, out io.Writer, logger zerolog.Logger) *IPC {
	return &IPC{
		in:     in,
		out:    out,
		logger: logger.With().Str("component", "ipc").Logger(),
	}
}

// Run reads commands until EOF, quit or ctx cancellation. A quit command is
// passed to the handler first and then ends Run with ErrQuit.
func (i *IPC) Run(ctx context.Context, h Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan []byte)
	errc := make(chan error, 1)
	go func() {
		reader := bufio.NewReaderSize(i.in, 64*1024)
		for {
			line, err := reader.ReadBytes('\n')
			if len(line) > 0 {
				select {
				case lines <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				errc <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read command: %w", err)
		case line := <-lines:
			var cmd Command
			if err := json.Unmarshal(line, &cmd); err != nil {
				i.Error("invalid-command", fmt.Sprintf("invalid command: %v", err))
				continue
			}
			h.HandleCommand(ctx, cmd)
			if cmd.Cmd == CmdQuit {
				return ErrQuit
			}
		}
	}
}

// Send writes one event line. It is safe for concurrent use.
func (i *IPC) Send(ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		i.logger.Error().Err(err).Str("event", ev.Event).Msg("failed to marshal event")
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, err := i.out.Write(append(b, '\n')); err != nil {
		i.logger.Error().Err(err).Str("event", ev.Event).Msg("failed to write event")
		return err
	}
	return nil
}

func (i *IPC) Error(kind, message string) {
	i.Send(Event{Event: EvError, Kind: kind, Message: message})
}
