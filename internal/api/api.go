// Package api provides HTTP handlers and the main API server logic for Pestline.
//
// It exposes the Twilio SMS webhook, admin conversation browsing, and the
// bulk re-engagement trigger. The API wires together the store, genai,
// messaging, and reachout modules.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pestline/pestline/internal/flow"
	"github.com/pestline/pestline/internal/genai"
	"github.com/pestline/pestline/internal/messaging"
	"github.com/pestline/pestline/internal/reachout"
	"github.com/pestline/pestline/internal/sms"
	"github.com/pestline/pestline/internal/store"
)

const (
	// DefaultAPIAddr is the default listen address for the API server.
	DefaultAPIAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful HTTP shutdown.
	DefaultShutdownTimeout = 10 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server holds the wired modules behind the HTTP handlers.
type Server struct {
	st          store.Store
	msgService  messaging.Service
	twilioSvc   *messaging.TwilioService
	respHandler *messaging.ResponseHandler
	reachOut    *reachout.Service
}

// Run wires the configured modules together and serves the API until an
// interrupt arrives.
func Run(storeOpts []store.Option, genaiOpts []genai.Option, smsOpts []sms.Option, apiOpts []Option) error {
	cfg := Opts{Addr: DefaultAPIAddr}
	for _, opt := range apiOpts {
		opt(&cfg)
	}

	st, err := buildStore(storeOpts)
	if err != nil {
		return err
	}
	defer st.Close()

	gaClient, err := genai.NewClient(genaiOpts...)
	if err != nil {
		slog.Error("api.Run: failed to create GenAI client", "error", err)
		return err
	}

	smsClient, err := sms.NewClient(smsOpts...)
	if err != nil {
		slog.Error("api.Run: failed to create Twilio client", "error", err)
		return err
	}

	twilioSvc := messaging.NewTwilioService(smsClient)
	orchestrator := flow.NewOrchestrator(gaClient, st)
	respHandler := messaging.NewResponseHandler(twilioSvc, st, orchestrator)
	reachOut := reachout.NewService(st, twilioSvc)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := twilioSvc.Start(ctx); err != nil {
		slog.Error("api.Run: failed to start messaging service", "error", err)
		return err
	}
	defer twilioSvc.Stop()
	respHandler.Start(ctx)

	server := &Server{
		st:          st,
		msgService:  twilioSvc,
		twilioSvc:   twilioSvc,
		respHandler: respHandler,
		reachOut:    reachOut,
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Pestline API running", "addr", cfg.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("api.Run: shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api.Run: HTTP server failed", "error", err)
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("api.Run: HTTP shutdown failed", "error", err)
		return err
	}
	respHandler.Wait()
	slog.Info("api.Run: server stopped")
	return nil
}

// buildStore selects the storage backend from the configured DSN. No DSN
// means the in-memory store.
func buildStore(storeOpts []store.Option) (store.Store, error) {
	var sCfg store.Opts
	for _, opt := range storeOpts {
		opt(&sCfg)
	}
	if sCfg.DSN == "" {
		slog.Debug("api.buildStore: no DSN configured, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(sCfg.DSN) == "postgres" {
		slog.Debug("api.buildStore: using Postgres store")
		return store.NewPostgresStore(storeOpts...)
	}
	slog.Debug("api.buildStore: using SQLite store", "path", sCfg.DSN)
	return store.NewSQLiteStore(storeOpts...)
}

// routes builds the HTTP mux.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sms", s.smsWebhookHandler)
	mux.HandleFunc("/ping", s.pingHandler)
	mux.HandleFunc("/conversations", s.listConversationsHandler)
	mux.HandleFunc("/conversations/", s.conversationRouter)
	mux.HandleFunc("/reachout", s.reachOutHandler)
	return mux
}

// smsWebhookHandler accepts the Twilio inbound-message callback.
func (s *Server) smsWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.twilioSvc.TwilioWebhookHandler(w, r)
}

// pingHandler provides a health check endpoint for monitoring.
func (s *Server) pingHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
