// Package status serves the read path and process health over HTTP.
package status

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/chunkrelay/internal/auth"
	"github.com/danmuck/chunkrelay/internal/engine"
	"github.com/danmuck/chunkrelay/internal/observability"
	"github.com/danmuck/chunkrelay/internal/protocol/session"
)

const Version = "0.1.0"

var trustedProxies = []string{"127.0.0.1", "::1"}

// Source is the connection state exposed by the server.
type Source interface {
	Status() engine.Status
	Sessions() []session.Info
}

type Server struct {
	Device   string
	Addr     string
	Appeared time.Time

	source Source
	router *gin.Engine
}

// New builds the router. A non-nil guard protects every route except
// /health.
func New(device, addr string, corsOrigins []string, guard auth.Validator, source Source) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.HTTPMiddleware(log.Logger, device))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	trustProxies(r, trustedProxies)

	s := &Server{
		Device:   device,
		Addr:     addr,
		Appeared: time.Now(),
		source:   source,
		router:   r,
	}
	s.registerRoutes(guard)
	return s
}

func trustProxies(r *gin.Engine, proxies []string) {
	if err := r.SetTrustedProxies(proxies); err != nil {
		log.Warn().Err(err).Strs("proxies", proxies).Msg("status.New trusted proxies rejected")
	}
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes(guard auth.Validator) {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"device":  s.Device,
			"version": Version,
		})
	})

	guarded := s.router.Group("/", auth.Require(guard))

	guarded.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.source.Status())
	})

	guarded.GET("/sessions", func(c *gin.Context) {
		list := s.source.Sessions()
		out := make([]gin.H, 0, len(list))
		for _, info := range list {
			out = append(out, gin.H{
				"session_id":     info.SessionID,
				"total_chunks":   info.TotalChunks,
				"received_count": info.ReceivedCount,
				"updated_at":     info.UpdatedAt,
			})
		}
		c.JSON(http.StatusOK, gin.H{"sessions": out})
	})

	guarded.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Serve listens on Addr until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.Addr).Msg("status.Server.Serve listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
