package player

import (
	"context"
	"errors"
	"io"
)

const DefaultChunkSize = 1 << 20

// Segmenter splits a byte stream into segments the source buffer accepts.
type Segmenter interface {
	Segments(ctx context.Context, r io.Reader, emit func([]byte) error) error
}

// Chunker emits fixed-size slices of the input. It suits inputs that are
// already fragmented MP4 or WebM.
type Chunker struct {
	Size int
}

func (c Chunker) Segments(ctx context.Context, r io.Reader, emit func([]byte) error) error {
	size := c.Size
	if size <= 0 {
		size = DefaultChunkSize
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		buf := make([]byte, size)
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if err := emit(buf[:n]); err != nil {
				return err
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

var errStopped = errors.New("player left streaming mode")

// Pump feeds r into the player until EOF, then marks the stream ended. It
// waits for queue space instead of overrunning the cap.
func (p *Player) Pump(ctx context.Context, r io.Reader, seg Segmenter) error {
	if seg == nil {
		seg = Chunker{}
	}
	err := seg.Segments(ctx, r, func(chunk []byte) error {
		if err := p.waitSpace(ctx); err != nil {
			return err
		}
		p.Push(chunk)
		return nil
	})
	if errors.Is(err, errStopped) {
		return nil
	}
	if err != nil {
		return err
	}
	p.StreamEnded()
	return nil
}

func (p *Player) waitSpace(ctx context.Context) error {
	for {
		p.mu.Lock()
		mode, queued, valid := p.mode, len(p.queue), p.valid()
		p.mu.Unlock()

		if mode != ModeStream || !valid {
			return errStopped
		}
		if queued < p.cfg.QueueCap {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.space:
		}
	}
}
