// Package server streams swarm files to the local native player over HTTP
// with range support.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/BiswasSekhar/lovestream/internal/engine"
)

// Source is the part of the swarm endpoint the stream server reads from.
type Source interface {
	Open(infoHash, path string) (*engine.FileReader, error)
	InfoHashes() []string
	Info(infoHash string) (engine.TorrentInfo, error)
}

var videoTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".mov":  "video/quicktime",
}

type Server struct {
	source   Source
	logger   zerolog.Logger
	http     *http.Server
	listener net.Listener
	modTime  time.Time
}

func New(source Source, listener net.Listener, logger zerolog.Logger) *Server {
	s := &Server{
		source:   source,
		logger:   logger.With().Str("component", "stream").Logger(),
		listener: listener,
		modTime:  time.Now(),
	}
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/stream/{infoHash}/{path:.+}", s.handleStream).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/torrents", s.handleTorrents).Methods(http.MethodGet)
	router.HandleFunc("/torrent/{infoHash}", s.handleTorrentInfo).Methods(http.MethodGet)
	return router
}

// URL is where the native player fetches a file.
func (s *Server) URL(infoHash, path string) string {
	return fmt.Sprintf("http://%s/stream/%s/%s", s.listener.Addr().String(), infoHash, path)
}

func (s *Server) Port() int {
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	infoHash, path := vars["infoHash"], vars["path"]

	file, err := s.source.Open(infoHash, path)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, engine.ErrTorrentNotFound), errors.Is(err, engine.ErrFileNotFound):
			status = http.StatusNotFound
		case errors.Is(err, engine.ErrNoInfo):
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	defer file.Close()

	s.logger.Debug().
		Str("infoHash", infoHash).
		Str("path", path).
		Str("range", r.Header.Get("Range")).
		Msg("stream request")

	if ct, ok := videoTypes[strings.ToLower(filepath.Ext(file.Name))]; ok {
		w.Header().Set("Content-Type", ct)
	}
	// ServeContent handles Range, If-Range and HEAD.
	http.ServeContent(w, r, file.Name, s.modTime, file)
}

func (s *Server) handleTorrents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"torrents": s.source.InfoHashes()})
}

func (s *Server) handleTorrentInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.source.Info(mux.Vars(r)["infoHash"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, info)
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

// Serve blocks until Shutdown.
func (s *Server) Serve() error {
	s.logger.Info().Str("addr", s.listener.Addr().String()).Msg("stream server listening")
	if err := s.http.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
