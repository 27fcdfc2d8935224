package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/glimte/stagerelay/contracts"
	"github.com/glimte/stagerelay/health"
	"github.com/glimte/stagerelay/internal/metrics"
)

// Webhook results recorded in metrics
const (
	ResultAccepted = "accepted"
	ResultRejected = "rejected"
	ResultFailed   = "failed"
)

// EnvelopePublisher publishes RESUME envelopes. messaging.Publisher
// satisfies it.
type EnvelopePublisher interface {
	PublishEnvelope(ctx context.Context, env *contracts.Envelope) error
}

// Server is the inbound reply HTTP server
type Server struct {
	echo          *echo.Echo
	publisher     EnvelopePublisher
	health        *health.Registry
	logger        *slog.Logger
	metrics       *metrics.Metrics
	addr          string
	serviceName   string
	bodyLimit     string
	healthTimeout time.Duration
	shutdown      time.Duration
}

// Option configures the Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics records webhook results
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithHealth serves reg on GET /healthz
func WithHealth(reg *health.Registry) Option {
	return func(s *Server) {
		s.health = reg
	}
}

// WithAddress sets the listen address
func WithAddress(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithServiceName names the server in traces
func WithServiceName(name string) Option {
	return func(s *Server) {
		s.serviceName = name
	}
}

// WithBodyLimit caps request bodies, e.g. "2M"
func WithBodyLimit(limit string) Option {
	return func(s *Server) {
		s.bodyLimit = limit
	}
}

// WithShutdownTimeout bounds the graceful shutdown
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.shutdown = d
	}
}

// New builds the server and its routes
func New(publisher EnvelopePublisher, options ...Option) *Server {
	s := &Server{
		publisher:     publisher,
		logger:        slog.Default(),
		addr:          ":8080",
		serviceName:   "stagerelay-webhook",
		bodyLimit:     "2M",
		healthTimeout: 5 * time.Second,
		shutdown:      10 * time.Second,
	}
	for _, opt := range options {
		opt(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware(s.serviceName))
	e.Use(middleware.BodyLimit(s.bodyLimit))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				s.logger.Warn("request failed", append(attrs, "error", v.Error)...)
				return nil
			}
			s.logger.Debug("request", attrs...)
			return nil
		},
	}))

	e.POST("/webhook", s.handleReply)
	e.GET("/healthz", s.handleHealth)
	s.echo = e
	return s
}

// Handler exposes the routes for embedding and tests
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server starting", "address", s.addr)
		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("webhook server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdown)
	defer cancel()
	s.logger.Info("webhook server stopping")
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down webhook server: %w", err)
	}
	return nil
}

type replyRequest struct {
	Data json.RawMessage `json:"data"`
}

func (s *Server) handleReply(c echo.Context) error {
	ctx := c.Request().Context()

	var req replyRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		s.metrics.WebhookReply(ctx, ResultRejected)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Data) == 0 || string(req.Data) == "null" {
		s.metrics.WebhookReply(ctx, ResultRejected)
		return echo.NewHTTPError(http.StatusBadRequest, "data is missing")
	}

	reply, err := contracts.ParseReply(req.Data)
	if err != nil {
		s.metrics.WebhookReply(ctx, ResultRejected)
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	env, err := contracts.NewResume(req.Data)
	if err != nil {
		s.metrics.WebhookReply(ctx, ResultRejected)
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if err := s.publisher.PublishEnvelope(ctx, env); err != nil {
		s.metrics.WebhookReply(ctx, ResultFailed)
		s.logger.Error("failed to publish reply",
			"messageId", env.ID,
			"sender", reply.Sender(),
			"error", err,
		)
		return echo.NewHTTPError(http.StatusBadGateway, "failed to publish reply")
	}

	s.metrics.WebhookReply(ctx, ResultAccepted)
	s.logger.Info("reply accepted", "messageId", env.ID, "sender", reply.Sender(), "emailId", reply.EmailID)
	return c.String(http.StatusOK, "OK")
}

func (s *Server) handleHealth(c echo.Context) error {
	if s.health == nil {
		return c.JSON(http.StatusOK, map[string]string{"status": string(health.StatusHealthy)})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), s.healthTimeout)
	defer cancel()

	report := s.health.Check(ctx)
	code := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, report)
}
