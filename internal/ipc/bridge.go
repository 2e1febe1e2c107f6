package ipc

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BiswasSekhar/lovestream/internal/player"
)

// Shell state mirrored from player-state and sb-* commands. The bridges
// below implement the player's browser objects on top of it.
type Shell struct {
	ipc     *IPC
	blobDir string

	mu          sync.Mutex
	currentTime float64
	paused      bool
	updating    bool
	buffered    *Range
	supported   map[string]bool
	mse         bool
}

func NewShell(i *IPC, blobDir string) *Shell {
	return &Shell{ipc: i, blobDir: blobDir, paused: true, mse: true}
}

// Observe records state reported by the shell.
func (s *Shell) Observe(cmd Command) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch cmd.Cmd {
	case CmdPlayerState:
		s.currentTime = cmd.CurrentTime
		s.paused = cmd.Paused
		if cmd.Supported != nil {
			s.supported = make(map[string]bool, len(cmd.Supported))
			for _, m := range cmd.Supported {
				s.supported[m] = true
			}
			s.mse = len(cmd.Supported) > 0
		}
		if cmd.Buffered != nil {
			s.buffered = cmd.Buffered
		}
	case CmdSBUpdateEnd, CmdSBError:
		s.updating = false
		if cmd.Buffered != nil {
			s.buffered = cmd.Buffered
		}
		if cmd.CurrentTime > 0 {
			s.currentTime = cmd.CurrentTime
		}
	case CmdPlay, CmdPause, CmdSeeked:
		s.currentTime = cmd.Time
		s.paused = cmd.Cmd == CmdPause
	}
}

func (s *Shell) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Player controls.

func (s *Shell) Play() {
	s.mu.Lock()
	at := s.currentTime
	s.paused = false
	s.mu.Unlock()
	s.ipc.Send(Event{Event: EvPlayer, Action: "play", Time: at})
}

func (s *Shell) Pause() {
	s.mu.Lock()
	at := s.currentTime
	s.paused = true
	s.mu.Unlock()
	s.ipc.Send(Event{Event: EvPlayer, Action: "pause", Time: at})
}

func (s *Shell) Seek(t float64) {
	s.mu.Lock()
	s.currentTime = t
	s.mu.Unlock()
	s.ipc.Send(Event{Event: EvPlayer, Action: "seek", Time: t})
}

func (s *Shell) CurrentTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTime
}

// BindBlob writes the file next to the engine data and points the element
// at it.
func (s *Shell) BindBlob(name, mime string, blob []byte) error {
	if err := os.MkdirAll(s.blobDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(s.blobDir, filepath.Base(name))
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		return fmt.Errorf("failed to write blob: %w", err)
	}
	return s.ipc.Send(Event{Event: EvBlob, Name: name, MimeType: mime, Path: path})
}

// Media source.

func (s *Shell) IsTypeSupported(mime string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mse {
		return false
	}
	if s.supported == nil {
		// Without a reported list assume H.264 and AAC only.
		return !strings.Contains(mime, "hvc1") && !strings.Contains(mime, "hev1")
	}
	return s.supported[mime]
}

func (s *Shell) AddSourceBuffer(mime string) (player.SourceBuffer, error) {
	if err := s.ipc.Send(Event{Event: EvSBOpen, MimeType: mime}); err != nil {
		return nil, err
	}
	return &SourceBuffer{shell: s}, nil
}

func (s *Shell) EndOfStream() error {
	return s.ipc.Send(Event{Event: EvSBEnd})
}

// SourceBuffer forwards operations to the shell. Updating stays true until
// the shell reports sb-updateend or sb-error.
type SourceBuffer struct {
	shell *Shell
}

func (b *SourceBuffer) Updating() bool {
	b.shell.mu.Lock()
	defer b.shell.mu.Unlock()
	return b.shell.updating
}

func (b *SourceBuffer) Append(chunk []byte) error {
	b.shell.mu.Lock()
	b.shell.updating = true
	b.shell.mu.Unlock()
	if err := b.shell.ipc.Send(Event{Event: EvSBAppend, Chunk: chunk}); err != nil {
		b.shell.mu.Lock()
		b.shell.updating = false
		b.shell.mu.Unlock()
		return err
	}
	return nil
}

func (b *SourceBuffer) Remove(start, end float64) error {
	b.shell.mu.Lock()
	b.shell.updating = true
	b.shell.mu.Unlock()
	return b.shell.ipc.Send(Event{Event: EvSBRemove, Start: start, End: end})
}

func (b *SourceBuffer) Buffered() (float64, float64, bool) {
	b.shell.mu.Lock()
	defer b.shell.mu.Unlock()
	if b.shell.buffered == nil {
		return 0, 0, false
	}
	return b.shell.buffered.Start, b.shell.buffered.End, b.shell.buffered.End > b.shell.buffered.Start
}
