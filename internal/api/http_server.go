package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"runtime/debug"
	"time"

	"syncbridge/internal/config"
	"syncbridge/internal/events"
	"syncbridge/internal/logging"
	"syncbridge/internal/models"
	"syncbridge/internal/service"
	"syncbridge/internal/subscription"
	"syncbridge/internal/worker"

	"github.com/rs/zerolog"
)

// Service is what the HTTP layer drives.
type Service interface {
	HandleWebhook(ctx context.Context, vendor string, headers http.Header, query url.Values, body []byte) (service.WebhookResult, error)
	ProcessQueue(ctx context.Context, opts service.QueueOptions) (worker.ProcessResult, error)
	Poll(ctx context.Context, source string, opts service.PollOptions) (service.PollSummary, error)
	EnsureSubscriptions(ctx context.Context, opts service.SubscriptionOptions) (subscription.RenewReport, error)
	RenewSubscriptions(ctx context.Context, opts service.SubscriptionOptions) (subscription.RenewReport, error)
	DeleteSubscriptions(ctx context.Context, opts service.SubscriptionOptions) (subscription.DeleteReport, error)
	ListSubscriptions(ctx context.Context, source string) ([]models.Subscription, error)
	Health(ctx context.Context) (string, error)
}

// HTTPServer exposes webhook intake, the cron-triggered sync operations and the log stream.
type HTTPServer struct {
	cfg        config.APIConfig
	production bool
	svc        Service
	broker     *events.Broker
	server     *http.Server
	auth       *HTTPAuth
	logger     zerolog.Logger
}

func NewHTTPServer(cfg *config.Config, svc Service, broker *events.Broker, logger *zerolog.Logger) *HTTPServer {
	srv := &HTTPServer{
		cfg:        cfg.API,
		production: cfg.App.Production(),
		svc:        svc,
		broker:     broker,
		auth:       NewHTTPAuth(cfg.API),
		logger:     logging.Component(logger, "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/webhooks/{vendor}", srv.handleWebhook)
	mux.HandleFunc("GET /healthz", srv.handleHealth)

	admin := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, srv.auth.Wrap(h))
	}
	admin("POST /api/sync/process-queue", srv.handleProcessQueue)
	admin("POST /api/sync/poll", srv.handlePoll)
	admin("POST /api/subscriptions/ensure", srv.handleEnsureSubscriptions)
	admin("POST /api/subscriptions/renew", srv.handleRenewSubscriptions)
	admin("DELETE /api/subscriptions", srv.handleDeleteSubscriptions)
	admin("GET /api/subscriptions", srv.handleListSubscriptions)
	admin("GET /api/logs/stream", srv.handleLogStream)

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.API.HTTP.Port),
		Handler:           Chain(mux, RequestID, Logging(logger)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return srv
}

// Handler returns the fully wrapped router.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

// writeInternal reports an unexpected failure with its message and the request id.
// Outside production the wrapped error chain and a stack trace are attached too.
func (s *HTTPServer) writeInternal(w http.ResponseWriter, r *http.Request, err error) {
	requestID := requestIDFrom(r.Context())
	s.logger.Error().Err(err).Str("request_id", requestID).Str("path", r.URL.Path).Msg("Request failed")

	body := map[string]any{"error": err.Error(), "requestId": requestID}
	if !s.production {
		body["causes"] = errorChain(err)
		body["stack"] = string(debug.Stack())
	}
	writeJSON(w, http.StatusInternalServerError, body)
}

// errorChain lists the messages of err and everything it wraps, outermost first.
func errorChain(err error) []string {
	var chain []string
	for err != nil {
		chain = append(chain, err.Error())
		err = errors.Unwrap(err)
	}
	return chain
}
