// Package httpapi serves the browser-facing subscription handshake for
// nudged: subscribe and unsubscribe a push endpoint, fetch the VAPID public
// key, and a health probe.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"nudge/internal/domain"
	"nudge/internal/subscription"
	logx "nudge/pkg/logx"
)

// Auth modes.
const (
	AuthJWT  = "jwt"
	AuthNone = "none"
)

// Registry is the subscription surface the handlers need.
type Registry interface {
	Register(ctx context.Context, userID, endpoint string, keys subscription.Keys) (domain.PushSubscription, error)
	Unregister(ctx context.Context, userID, endpoint string) (bool, error)
}

// Config is the live part of the server configuration. Addr and
// CORSOrigins take effect on the next Serve.
type Config struct {
	Addr           string
	Service        string
	Auth           string
	JWTSecret      string
	CORSOrigins    []string
	VAPIDPublicKey string
}

type Server struct {
	reg     Registry
	log     logx.Logger
	started time.Time

	mu  sync.RWMutex
	cfg Config
}

func New(cfg Config, reg Registry, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		reg:     reg,
		log:     log.With(logx.String("comp", "httpapi")),
		started: time.Now(),
		cfg:     cfg,
	}
}

// Apply swaps the auth settings and the advertised public key.
func (s *Server) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Server) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Handler builds the gin engine.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(s.recovery(), s.requestLog())
	r.Use(cors.New(corsConfig(s.config().CORSOrigins)))

	r.GET("/", s.health)
	r.GET("/health", s.health)

	api := r.Group("/api/push")
	api.GET("/vapid-public-key", s.vapidPublicKey)

	authed := api.Group("/subscriptions", s.authenticate())
	authed.POST("", s.subscribe)
	authed.DELETE("", s.unsubscribe)
	return r
}

func corsConfig(origins []string) cors.Config {
	c := cors.DefaultConfig()
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
	}
	c.AllowHeaders = append(c.AllowHeaders, "Authorization", headerUserID)
	c.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}
	return c
}

// Serve listens on Addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	addr := strings.TrimSpace(s.config().Addr)
	if addr == "" {
		addr = ":8080"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.log.Info("http listening", logx.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
	}
	<-errCh
	s.log.Info("http stopped")
	return context.Canceled
}

func (s *Server) recovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, p any) {
		s.log.Error("panic in handler", logx.String("path", c.FullPath()), logx.Any("panic", p))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	})
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		)
	}
}
