// Package api provides the HTTP server for Sage.
//
// It exposes the conversation-ended trigger that queues lifecycle runs, the
// synchronous summarize and insights calls, plus the conversation, message,
// insight, profile and credit endpoints the client uses between sessions. Callers are identified by a UserIDProvider; unknown
// users are created with free credits on first sight.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/sagedialogue/sage/internal/credits"
	"github.com/sagedialogue/sage/internal/genai"
	"github.com/sagedialogue/sage/internal/store"
	"github.com/sagedialogue/sage/internal/summarize"
)

// Defaults for the HTTP server.
const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
)

// Server serves the Sage HTTP API.
type Server struct {
	st              store.Store
	users           UserIDProvider
	ledger          *credits.Ledger
	summarizer      *summarize.Summarizer
	initialCredits  int
	addr            string
	shutdownTimeout time.Duration
	router          *mux.Router
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr            string
	UserIDProvider  UserIDProvider
	Completer       genai.Completer
	InitialCredits  int
	ShutdownTimeout time.Duration
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithUserIDProvider sets how callers are identified.
func WithUserIDProvider(p UserIDProvider) Option {
	return func(o *Opts) { o.UserIDProvider = p }
}

// WithCompleter sets the model used by the synchronous summarize and insights
// endpoints. Without one they answer 500.
func WithCompleter(c genai.Completer) Option {
	return func(o *Opts) { o.Completer = c }
}

// WithInitialCredits sets the balance new users are created with.
func WithInitialCredits(n int) Option {
	return func(o *Opts) { o.InitialCredits = n }
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ShutdownTimeout = d }
}

// NewServer builds the API server and its routes.
func NewServer(st store.Store, opts ...Option) *Server {
	cfg := Opts{
		Addr:            DefaultAddr,
		UserIDProvider:  HeaderUserIDProvider{},
		InitialCredits:  credits.FreeCredits,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	ledger := credits.NewLedger(st, st)
	s := &Server{
		st:              st,
		users:           cfg.UserIDProvider,
		ledger:          ledger,
		summarizer:      summarize.NewSummarizer(cfg.Completer, st, st, ledger),
		initialCredits:  cfg.InitialCredits,
		addr:            cfg.Addr,
		shutdownTimeout: cfg.ShutdownTimeout,
	}
	s.router = s.buildRouter()
	slog.Debug("Server.NewServer: routes registered", "addr", s.addr, "initialCredits", s.initialCredits)
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.addr }

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(recoverMiddleware, requestLogMiddleware)

	r.HandleFunc("/api/health", s.healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/conversation/end", s.conversationEndHandler).Methods(http.MethodPost)

	// /context is registered before /{id} so it is not captured as an ID.
	r.HandleFunc("/api/conversations/context", s.conversationContextHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/conversations", s.listConversationsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/conversations", s.createConversationHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/conversations/{id}", s.getConversationHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/conversations/{id}", s.updateConversationHandler).Methods(http.MethodPatch, http.MethodPut)
	r.HandleFunc("/api/conversations/{id}", s.deleteConversationHandler).Methods(http.MethodDelete)
	r.HandleFunc("/api/conversations/{id}/messages", s.listMessagesHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/conversations/{id}/messages", s.addMessageHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/conversations/{id}/summarize", s.summarizeConversationHandler).Methods(http.MethodPost)

	r.HandleFunc("/api/insights", s.listInsightsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/insights", s.transcriptInsightsHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/user/profile", s.getProfileHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/user/profile", s.updateProfileHandler).Methods(http.MethodPut)
	r.HandleFunc("/api/credits", s.creditsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/jobs/{id}", s.jobStatusHandler).Methods(http.MethodGet)

	r.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowedHandler)
	r.NotFoundHandler = http.HandlerFunc(notFoundHandler)
	return r
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
		slog.Info("Server.Run: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		slog.Info("Server.Run: server exited")
		return nil
	}
}
