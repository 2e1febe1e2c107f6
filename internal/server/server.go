package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io/v2/socket"

	"github.com/BiswasSekhar/lovestream/internal/config"
	"github.com/BiswasSekhar/lovestream/internal/handlers"
	"github.com/BiswasSekhar/lovestream/internal/metrics"
	"github.com/BiswasSekhar/lovestream/internal/models"
	"github.com/BiswasSekhar/lovestream/internal/protocol"
	"github.com/BiswasSekhar/lovestream/internal/turn"
)

// inbound lists the socket events forwarded to the hub.
var inbound = []string{
	protocol.EventCreateRoom,
	protocol.EventJoinRoom,
	protocol.EventReadyForConnection,
	protocol.EventLeaveRoom,
	protocol.EventOffer,
	protocol.EventAnswer,
	protocol.EventICECandidate,
	protocol.EventSyncPlay,
	protocol.EventSyncPause,
	protocol.EventSyncSeek,
	protocol.EventChatMessage,
	protocol.EventSubtitleData,
	protocol.EventMovieLoaded,
	protocol.EventTorrentMagnet,
	protocol.EventViewerStreamReady,
	protocol.EventTorrentDownloadComplete,
}

type Server struct {
	cfg     *config.Signal
	logger  zerolog.Logger
	io      *socket.Server
	opts    *socket.ServerOptions
	hub     *handlers.Handler
	turnGen *turn.Generator
	metrics *metrics.Metrics
}

func New(cfg *config.Signal, logger zerolog.Logger) *Server {
	origin := cfg.Server.ClientURL
	if origin == "" {
		origin = "*"
	}

	opts := socket.DefaultServerOptions()
	opts.SetCors(&types.Cors{
		Origin:      origin,
		Credentials: true,
	})
	opts.SetAllowEIO3(true)

	io := socket.NewServer(nil, opts)
	m := metrics.New()

	s := &Server{
		cfg:     cfg,
		logger:  logger.With().Str("component", "server").Logger(),
		io:      io,
		opts:    opts,
		metrics: m,
		turnGen: turn.New(turn.Config{
			STUNURL:    cfg.ICE.STUNURL,
			TURNURL:    cfg.ICE.TURNURL,
			Username:   cfg.ICE.TURNUsername,
			Credential: cfg.ICE.TURNCredential,
			Secret:     cfg.ICE.TURNSecret,
			TTL:        cfg.ICE.TURNTTL,
		}),
	}
	s.hub = handlers.New(models.NewRoomManager(), &emitter{io: io, logger: s.logger}, handlers.Config{
		ReconnectGrace:  cfg.Rooms.ReconnectGrace,
		CleanupInterval: cfg.Rooms.CleanupInterval,
		QueueSize:       cfg.Rooms.QueueSize,
		Recorder:        m,
	}, logger)

	io.On("connection", func(clients ...any) {
		client, ok := clients[0].(*socket.Socket)
		if !ok {
			return
		}
		s.onConnection(client)
	})
	return s
}

func (s *Server) onConnection(client *socket.Socket) {
	id := string(client.Id())
	s.metrics.SocketConnected()
	s.logger.Debug().Str("socket", id).Msg("client connected")

	for _, name := range inbound {
		name := name
		client.On(name, func(args ...any) {
			data, ack := splitArgs(args)
			s.hub.Dispatch(handlers.Event{Socket: id, Name: name, Data: data, Ack: ack})
		})
	}

	client.On("disconnect", func(args ...any) {
		reason := ""
		if len(args) > 0 {
			reason = fmt.Sprintf("%v", args[0])
		}
		s.metrics.SocketDisconnected()
		s.logger.Debug().Str("socket", id).Str("reason", reason).Msg("client disconnected")
		s.hub.Dispatch(handlers.Event{Socket: id, Name: protocol.EventDisconnect})
	})
}

func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.cors)

	router.PathPrefix("/socket.io/").Handler(s.io.ServeHandler(s.opts))
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/ice-servers", s.handleICEServers).Methods(http.MethodGet, http.MethodOptions)
	router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	return router
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Server.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down within the
// configured timeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.Run(hubCtx)

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.Server.ReadTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("signal server listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	s.io.Close(nil)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown http server: %w", err)
	}
	s.logger.Info().Msg("signal server stopped")
	return nil
}

func (s *Server) cors(next http.Handler) http.Handler {
	origin := s.cfg.Server.ClientURL
	if origin == "" {
		origin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	health, err := s.hub.Stats(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, protocol.Health{Status: "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleICEServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.turnGen.ICEServers(r.URL.Query().Get("user")))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}
