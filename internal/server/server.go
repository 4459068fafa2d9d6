// Package server exposes the strategy service over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/spigell/kpi-strategist/internal/auth"
	"github.com/spigell/kpi-strategist/internal/strategy"
)

const (
	defaultMaxUploadBytes  = 10 << 20
	defaultMaxBodyBytes    = 1 << 20
	defaultShutdownTimeout = 15 * time.Second
	readHeaderTimeout      = 10 * time.Second
)

// Config holds the HTTP settings.
type Config struct {
	// RequireAuth rejects anonymous strategy requests.
	RequireAuth     bool          `mapstructure:"require-auth"`
	MaxUploadBytes  int64         `mapstructure:"max-upload-bytes"`
	MaxBodyBytes    int64         `mapstructure:"max-body-bytes"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown-timeout"`
	CORS            CORSConfig    `mapstructure:"cors"`
}

// StrategyService resolves strategy requests and lists past results.
type StrategyService interface {
	Generate(ctx context.Context, req strategy.Request) (*strategy.Result, error)
	History(ctx context.Context, userID string, limit int) ([]strategy.Result, error)
}

// TokenVerifier validates bearer tokens.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*auth.Claims, error)
}

// DocumentArchive stores uploaded files and returns their keys.
type DocumentArchive interface {
	Put(ctx context.Context, name, contentType string, data []byte) (string, error)
}

// Deps are the collaborators of the server. Verifier and Archive are optional.
type Deps struct {
	Service  StrategyService
	Verifier TokenVerifier
	Archive  DocumentArchive
	Logger   *zap.Logger
}

// Server is the HTTP API.
type Server struct {
	cfg      Config
	service  StrategyService
	verifier TokenVerifier
	archive  DocumentArchive
	logger   *zap.Logger
	engine   *gin.Engine
}

// New builds the gin engine and registers the routes.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Service == nil {
		return nil, errors.New("strategy service is required")
	}
	if cfg.RequireAuth && deps.Verifier == nil {
		return nil, errors.New("authentication is required but no token verifier is configured")
	}

	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	cfg.CORS = cfg.CORS.withDefaults()

	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	s := &Server{
		cfg:      cfg,
		service:  deps.Service,
		verifier: deps.Verifier,
		archive:  deps.Archive,
		logger:   log,
	}
	s.engine = s.routes()
	return s, nil
}

func (s *Server) routes() *gin.Engine {
	engine := gin.New()
	engine.MaxMultipartMemory = s.cfg.MaxUploadBytes
	engine.Use(
		requestID(),
		recovery(s.logger),
		requestLogger(s.logger),
		cors(s.cfg.CORS),
	)

	engine.GET("/", s.home)
	engine.GET("/healthz", s.health)

	strategies := engine.Group("/", authenticate(s.verifier, s.cfg.RequireAuth))
	strategies.POST("/strategy", s.createStrategy)
	strategies.POST("/strategy/upload", s.uploadStrategy)

	engine.GET("/strategies", authenticate(s.verifier, true), s.listStrategies)

	engine.NoRoute(func(c *gin.Context) {
		abortWithError(c, http.StatusNotFound, "not found")
	})

	return engine
}

// Handler returns the HTTP handler of the API.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", listener.Addr().String()))
		errCh <- srv.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down http server")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", err)
	}
	return nil
}
