// Package signal is the engine's connection to the signal server.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	sioclient "github.com/zishang520/socket.io-client-go/socket"
)

var (
	// ErrDisconnected is returned by Emit while there is no connection.
	// The event is dropped, not queued.
	ErrDisconnected = errors.New("signal-disconnected")
	ErrAckTimeout   = errors.New("signal-ack-timeout")
)

const defaultAckTimeout = 10 * time.Second

type Config struct {
	URL            string
	MinBackoff     time.Duration
	MaxBackoff     time.Duration
	ConnectTimeout time.Duration
}

type Handler func(data json.RawMessage)

// Client wraps a socket.io client socket. Reconnection is left to the
// socket.io manager, configured from MinBackoff and MaxBackoff.
type Client struct {
	cfg    Config
	logger zerolog.Logger

	mu           sync.Mutex
	io           *sioclient.Socket
	handlers     map[string][]Handler
	onConnect    []func()
	onDisconnect []func(error)
	pending      map[int]chan ackResult
	nextAck      int
}

type ackResult struct {
	data json.RawMessage
	err  error
}

func New(cfg Config, logger zerolog.Logger) *Client {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 20 * time.Second
	}
	return &Client{
		cfg:      cfg,
		logger:   logger.With().Str("component", "signal").Logger(),
		handlers: make(map[string][]Handler),
		pending:  make(map[int]chan ackResult),
	}
}

// On registers a handler for a server event. Handlers must be registered
// before Run and run in arrival order.
func (c *Client) On(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

// OnConnect registers fn to run after every successful (re)connect. fn runs
// on its own goroutine so it may emit and wait for acknowledgements.
func (c *Client) OnConnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

func (c *Client) OnDisconnect(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = append(c.onDisconnect, fn)
}

func (c *Client) socket() *sioclient.Socket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.io
}

func (c *Client) Connected() bool {
	io := c.socket()
	return io != nil && io.Connected()
}

// Emit sends an event without waiting for an acknowledgement.
func (c *Client) Emit(event string, payload any) error {
	io := c.socket()
	if io == nil || !io.Connected() {
		return ErrDisconnected
	}
	if payload == nil {
		return io.Emit(event)
	}
	wire, err := toWire(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", event, err)
	}
	return io.Emit(event, wire)
}

// EmitWithAck sends an event and waits for the server's acknowledgement.
// A disconnect while waiting fails the call with ErrDisconnected.
func (c *Client) EmitWithAck(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	io := c.socket()
	if io == nil || !io.Connected() {
		return nil, ErrDisconnected
	}
	wire, err := toWire(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", event, err)
	}

	timeout := defaultAckTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	c.mu.Lock()
	id := c.nextAck
	c.nextAck++
	ch := make(chan ackResult, 1)
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	io.Timeout(timeout).EmitWithAck(event, wire)(func(args []any, err error) {
		res := ackResult{err: err}
		if err != nil {
			res.err = fmt.Errorf("%w: %v", ErrAckTimeout, err)
		} else if len(args) > 0 {
			res.data, res.err = json.Marshal(args[0])
		}
		select {
		case ch <- res:
		default:
		}
	})

	select {
	case res := <-ch:
		return res.data, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run connects and keeps the connection until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	opts := sioclient.DefaultOptions()
	opts.SetAutoConnect(false)
	opts.SetReconnection(true)
	opts.SetReconnectionDelay(float64(c.cfg.MinBackoff.Milliseconds()))
	opts.SetReconnectionDelayMax(float64(c.cfg.MaxBackoff.Milliseconds()))
	opts.SetRandomizationFactor(0.2)
	opts.SetTimeout(c.cfg.ConnectTimeout)

	manager := sioclient.NewManager(c.cfg.URL, opts)
	io := manager.Socket("/", opts)

	c.mu.Lock()
	c.io = io
	handlers := make(map[string][]Handler, len(c.handlers))
	for event, hs := range c.handlers {
		handlers[event] = append([]Handler(nil), hs...)
	}
	c.mu.Unlock()

	for event, hs := range handlers {
		event, hs := event, hs
		io.On(event, func(args ...any) {
			data := firstArg(args)
			for _, h := range hs {
				h(data)
			}
		})
	}
	io.On("connect", func(...any) {
		c.logger.Info().Str("url", c.cfg.URL).Msg("signal connected")
		c.mu.Lock()
		fns := append([]func(){}, c.onConnect...)
		c.mu.Unlock()
		for _, fn := range fns {
			go fn()
		}
	})
	io.On("connect_error", func(args ...any) {
		c.logger.Warn().Interface("error", args).Msg("signal connect failed, retrying")
	})
	io.On("disconnect", func(args ...any) {
		reason := "disconnected"
		if len(args) > 0 {
			reason = fmt.Sprint(args[0])
		}
		c.disconnected(fmt.Errorf("%w: %s", ErrDisconnected, reason))
	})

	io.Connect()
	<-ctx.Done()
	io.Disconnect()
	return nil
}

// disconnected fails pending acknowledgements and notifies listeners.
func (c *Client) disconnected(err error) {
	c.mu.Lock()
	for id, ch := range c.pending {
		select {
		case ch <- ackResult{err: err}:
		default:
		}
		delete(c.pending, id)
	}
	fns := append([]func(error){}, c.onDisconnect...)
	c.mu.Unlock()

	c.logger.Warn().Err(err).Msg("signal connection lost")
	for _, fn := range fns {
		fn(err)
	}
}

// toWire turns typed payloads into plain JSON values so the socket.io
// encoder sees their json tags.
func toWire(payload any) (any, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// firstArg returns the event payload, skipping a trailing acknowledgement.
func firstArg(args []any) json.RawMessage {
	if len(args) == 0 || args[0] == nil {
		return nil
	}
	if _, ok := args[0].(func([]any, error)); ok {
		return nil
	}
	if s, ok := args[0].(string); ok && json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	b, err := json.Marshal(args[0])
	if err != nil {
		return nil
	}
	return b
}
