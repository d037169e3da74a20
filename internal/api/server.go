package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/botcareu/botcareu-core/internal/audit"
	"github.com/botcareu/botcareu-core/internal/infrastructure/config"
	"github.com/botcareu/botcareu-core/internal/infrastructure/logging"
	"github.com/botcareu/botcareu-core/internal/infrastructure/metrics"
	"github.com/botcareu/botcareu-core/internal/pipeline"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// TokenVerifier resolves a bearer token to a user ID.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// DeviceService serves owner-scoped device views.
type DeviceService interface {
	DeviceSnapshot(ctx context.Context, userID, deviceID string) (pipeline.DeviceSnapshot, error)
}

// DeviceCommander pushes commands and configuration to devices.
type DeviceCommander interface {
	SendCommand(ctx context.Context, deviceID, cmd string) error
	PushConfig(ctx context.Context, deviceID string, values map[string]any) error
}

// HealthChecker is implemented by every backing service the health
// endpoint probes.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ClientCounter reports connected realtime clients.
type ClientCounter interface {
	ClientCount() int
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	Logger   *logging.Logger
	Verifier TokenVerifier
	Devices  DeviceService

	// Commands is optional; without MQTT the command routes answer 503.
	Commands DeviceCommander

	// Realtime is mounted at RealtimePath when set.
	Realtime     http.Handler
	RealtimePath string

	Audit   audit.Repository
	Metrics *metrics.Metrics

	// Checks are probed by /health, keyed by component name.
	Checks  map[string]HealthChecker
	Clients ClientCounter
	Version string
}

// Server is the HTTP API server for BotCareU Core.
//
// It manages the HTTP listener, routes and middleware.
// The server is created with New() and started with Start().
type Server struct {
	cfg          config.APIConfig
	logger       *logging.Logger
	verifier     TokenVerifier
	devices      DeviceService
	commands     DeviceCommander
	realtime     http.Handler
	realtimePath string
	auditRepo    audit.Repository
	auditCh      chan *audit.Log
	auditDone    chan struct{}
	metrics      *metrics.Metrics
	checks       map[string]HealthChecker
	clients      ClientCounter
	version      string
	startTime    time.Time
	server       *http.Server
	cancel       context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Verifier == nil {
		return nil, fmt.Errorf("token verifier is required")
	}
	if deps.Devices == nil {
		return nil, fmt.Errorf("device service is required")
	}

	s := &Server{
		cfg:          deps.Config,
		logger:       deps.Logger,
		verifier:     deps.Verifier,
		devices:      deps.Devices,
		commands:     deps.Commands,
		realtime:     deps.Realtime,
		realtimePath: deps.RealtimePath,
		auditRepo:    deps.Audit,
		metrics:      deps.Metrics,
		checks:       deps.Checks,
		clients:      deps.Clients,
		version:      deps.Version,
		startTime:    time.Now(),
	}
	if s.realtimePath == "" {
		s.realtimePath = "/ws"
	}
	if s.auditRepo != nil {
		s.auditCh = make(chan *audit.Log, auditChanSize)
	}
	return s, nil
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections in a background goroutine.
// The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	// Create internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if s.auditCh != nil {
		s.auditDone = make(chan struct{})
		go func() {
			defer close(s.auditDone)
			s.drainAuditLog(srvCtx)
		}()
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections. Pending audit entries
// are written before Close returns.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	err := s.server.Shutdown(ctx)

	if s.cancel != nil {
		s.cancel()
	}
	if s.auditDone != nil {
		<-s.auditDone
	}

	if err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
