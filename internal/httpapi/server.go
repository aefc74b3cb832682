package httpapi

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/paperfold/paperfold/internal/config"
	"github.com/paperfold/paperfold/internal/export"
	"github.com/paperfold/paperfold/internal/model"
	"github.com/paperfold/paperfold/internal/orchestrator"
	"github.com/paperfold/paperfold/internal/pipeline"
	"github.com/paperfold/paperfold/internal/protocol"
)

// Server exposes the processing engine to the verification UI. All routes are
// mounted under protocol.APIBasePath; the UI itself is served elsewhere and
// talks to us cross-origin, so the CORS allowlist comes from config.
type Server struct {
	cfg      config.Config
	store    model.Store
	orch     *orchestrator.Orchestrator
	pipe     *pipeline.Pipeline
	exporter *export.Assembler
	pages    export.PageSource
	log      *zap.Logger

	engine *gin.Engine
}

func New(cfg config.Config, st model.Store, orch *orchestrator.Orchestrator, pipe *pipeline.Pipeline, exporter *export.Assembler, pages export.PageSource, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		cfg:      cfg,
		store:    st,
		orch:     orch,
		pipe:     pipe,
		exporter: exporter,
		pages:    pages,
		log:      log.Named("httpapi"),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(s.requestLog())
	if len(cfg.AllowedOrigins) > 0 {
		engine.Use(cors.New(corsConfig(cfg.AllowedOrigins)))
	}

	api := engine.Group(protocol.APIBasePath)
	api.GET("/health", s.health)
	api.POST("/process", s.startProcess)
	api.GET("/process/:token", s.processStatus)
	api.GET("/process/:token/events", s.streamEvents)
	api.POST("/process/:token/cancel", s.cancelProcess)
	api.GET("/batches", s.listBatches)
	api.GET("/batches/:id/documents", s.listDocuments)
	api.POST("/batches/:id/documents", s.createGroupedDocument)
	api.POST("/batches/:id/status", s.transitionBatch)
	api.POST("/batches/:id/export", s.exportBatch)
	api.GET("/documents/:id", s.getDocument)
	api.POST("/documents/:id/rescan", s.rescanDocument)
	api.POST("/documents/:id/final", s.finalizeDocument)
	api.POST("/rotations", s.setRotation)
	api.GET("/artifacts/:hash/pages/:page", s.pagePreview)

	s.engine = engine
	return s
}

// Handler returns the routed engine, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Serve blocks while handling HTTP on the listener. Cancel ctx to initiate
// graceful shutdown; in-flight requests are allowed to drain. Write deadlines
// stay unset because SSE streams outlive any fixed timeout.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.log.Info("http api listening", zap.String("addr", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(listener) }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func corsConfig(origins []string) cors.Config {
	return cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Cache-Control", "Last-Event-ID"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			s.log.Warn("http request", fields...)
			return
		}
		s.log.Debug("http request", fields...)
	}
}
