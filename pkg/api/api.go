package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Flynt56/vo-web/pkg/config"
	"github.com/Flynt56/vo-web/pkg/metrics"
)

// Controller mounts a set of routes on the engine.
type Controller interface {
	Register(engine *gin.Engine)
}

type Server struct {
	gin    *gin.Engine
	config config.Config
}

func NewServer(log *zap.Logger, cfg config.Config, debug bool) *Server {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(
		ginzap.Ginzap(log, time.RFC3339, true),
		ginzap.RecoveryWithZap(log, true),
	)

	if len(cfg.Server.TrustedProxies) > 0 {
		_ = engine.SetTrustedProxies(cfg.Server.TrustedProxies)
	}

	if debug {
		engine.Use(
			cors.New(cors.Config{
				AllowOrigins: []string{"http://localhost:4321", "127.0.0.1:8080"},
				AllowMethods: []string{"GET", "POST", "OPTIONS"},
				AllowHeaders: []string{"Origin", "Content-Type"},
				MaxAge:       12 * time.Hour,
			}),
		)
	}

	// Anything that is not the contact endpoint is a 404 with no side effects.
	// Method mismatches land here too since HandleMethodNotAllowed is off.
	engine.NoRoute(func(c *gin.Context) {
		c.String(http.StatusNotFound, "Not Found")
	})

	engine.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	engine.GET("/metrics", gin.WrapH(metrics.MetricsHandler()))

	return &Server{
		gin:    engine,
		config: cfg,
	}
}

func (s *Server) Register(controllers ...Controller) {
	for _, c := range controllers {
		c.Register(s.gin)
	}
}

func (s *Server) Listen() error {
	if s.config.Server.TLSCertFile != "" && s.config.Server.TLSKeyFile != "" {
		return s.gin.RunTLS(s.config.Server.ListenAddress, s.config.Server.TLSCertFile, s.config.Server.TLSKeyFile)
	}
	return s.gin.Run(s.config.Server.ListenAddress)
}

// Handler exposes the engine as an http.Handler, mainly for tests and for
// serving through a custom http.Server.
func (s *Server) Handler() http.Handler {
	return s.gin
}
