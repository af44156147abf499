// Package server exposes the coordination service over HTTP: a JSON API
// for instruments, the WebSocket endpoint probes connect to and a
// WebSocket stream of instrument events.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chess-equality/sourceplusplus/pkg/publisher"
	"github.com/chess-equality/sourceplusplus/pkg/service"
)

// Server serves the control plane API.
type Server struct {
	service   *service.Service
	probes    http.Handler
	publisher *publisher.Publisher
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	streams    map[*websocket.Conn]struct{}
}

// New returns a server for svc. probes handles probe connections on
// /v1/probes; events for /v1/subscribe come from pub.
func New(svc *service.Service, probes http.Handler, pub *publisher.Publisher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		service:   svc,
		probes:    probes,
		publisher: pub,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		streams: make(map[*websocket.Conn]struct{}),
	}
}

// Handler returns the routing for every endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/instruments", s.handleAdd)
	mux.HandleFunc("POST /v1/instruments/batch", s.handleAddBatch)
	mux.HandleFunc("GET /v1/instruments/{id}", s.handleGet)
	mux.HandleFunc("GET /v1/instruments", s.handleList)
	mux.HandleFunc("DELETE /v1/instruments", s.handleClear)
	mux.Handle("GET /v1/probes", s.probes)
	mux.HandleFunc("GET /v1/subscribe", s.handleSubscribe)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.httpServer = httpServer
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("control plane started", "address", listener.Addr().String())
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting requests, closes subscriber streams and waits
// for in-flight requests until ctx is done. Probe connections belong to
// the gateway and are closed by it.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	httpServer := s.httpServer
	for conn := range s.streams {
		conn.Close()
	}
	s.mu.Unlock()
	if httpServer == nil {
		return nil
	}

	err := httpServer.Shutdown(ctx)
	s.logger.Info("control plane stopped")
	return err
}

func (s *Server) trackStream(conn *websocket.Conn, open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if open {
		s.streams[conn] = struct{}{}
	} else {
		delete(s.streams, conn)
	}
}
