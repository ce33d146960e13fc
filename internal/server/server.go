package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"medfinder-chat/internal/chat"
)

// shutdownTimeout bounds graceful shutdown of HTTP server and chat connections together
const shutdownTimeout = 30 * time.Second

// Server defines fields used in HTTP processing
type Server struct {
	logger        *zap.SugaredLogger
	httpServer    *http.Server
	afterShutdown []func()
	h             handler
}

// NewServer returns new Server with chat components built on top of provided store
func NewServer(logger *zap.Logger, store Store, opts ...Option) (*Server, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt.apply(&cfg)
	}

	sugar := logger.Sugar()
	directory := chat.NewDirectory(sugar, store)
	registry := chat.NewRegistry(sugar)

	srv := &Server{
		logger:        sugar,
		httpServer:    cfg.httpServer,
		afterShutdown: cfg.afterShutdown,
		h: handler{
			logger:    sugar,
			store:     store,
			directory: directory,
			registry:  registry,
			relay:     chat.NewRelay(sugar, directory, store, registry, cfg.relay),
			parsers: parsers{
				createConversationPool: fastjson.ParserPool{},
			},
		},
	}

	r := chi.NewRouter()
	r.Use(instrument)
	r.Use(log(logger))
	r.Use(chimw.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", srv.h.health)
	r.Get("/ws/{conversationID}/{userID}", srv.h.ws)

	r.Group(func(r chi.Router) {
		r.Use(timeout(cfg.handlerTimeout))

		r.With(enforcePostJson).Post("/conversations", srv.h.createConversation)
		r.Get("/conversations/{conversationID}/messages", srv.h.messagesByConversationID)
		r.Get("/users/{userID}/conversations", srv.h.conversationsByUserID)
	})

	srv.httpServer.Handler = r

	return srv, nil
}

// Handler returns root http.Handler of Server
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start calls ListenAndServe on http.Server instance inside Server struct
// and implements graceful shutdown via goroutine waiting for signals
func (s *Server) Start() error {
	idleConnsClosed := make(chan struct{})

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := s.Shutdown(ctx); err != nil {
			s.logger.Errorf("s.Shutdown: %v", err)
		}

		close(idleConnsClosed)
	}()

	s.logger.Infof("Starting HTTP server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("s.httpServer.ListenAndServe: %v", err)
	}

	<-idleConnsClosed

	for _, f := range s.afterShutdown {
		f()
	}

	return nil
}

// Shutdown stops accepting requests, then closes chat connections and waits for their
// in-flight messages. Hijacked websocket connections are not tracked by http.Server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("s.httpServer.Shutdown: %w", err)
	}
	s.logger.Info("HTTP server is stopped")

	s.logger.Infof("Closing %d chat connections", s.h.relay.Sessions())
	if err := s.h.relay.Shutdown(ctx); err != nil {
		return fmt.Errorf("s.h.relay.Shutdown: %w", err)
	}
	s.logger.Info("Chat connections are closed")

	return nil
}
