// Package statusapi is the local HTTP surface of a headless client: health,
// session state, a live feed of user-facing effects and the outward actions.
package statusapi

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/guidegame/client/cache"
	"github.com/kasuganosora/guidegame/client/client"
	"github.com/kasuganosora/guidegame/client/config"
	mw "github.com/kasuganosora/guidegame/client/middleware"
	"github.com/kasuganosora/guidegame/client/protocol"
	"github.com/kasuganosora/guidegame/client/store"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Client is the part of *client.Client the API drives.
type Client interface {
	Status() (client.Status, error)
	Snapshot() store.Snapshot
	JoinRoom(teamID string, user client.User) (bool, error)
	SelectScript(teamID, scriptID string) error
	StartGame(gameID string) (protocol.GameStarted, error)
	SubmitTask(data map[string]interface{}, mechanism string, isMainTaskMechanism bool) error
	SelectSubTask(id string) error
}

var _ Client = (*client.Client)(nil)

// Server serves the status API.
type Server struct {
	cfg     config.StatusConfig
	handler *Handler
	effects *EffectsHandler
	logger  *zap.Logger
	srv     *http.Server
}

// New creates a Server. ps may be nil, in which case /effects is not served.
func New(cfg config.StatusConfig, cl Client, ps cache.PubSub, effectsChannel string, logger *zap.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		handler: NewHandler(cl, logger),
		logger:  logger,
	}
	if ps != nil {
		s.effects = NewEffectsHandler(ps, effectsChannel, logger)
	}
	return s
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(mw.TraceID(), mw.Logger(s.logger, "/health"), mw.Recovery(s.logger))
	if len(s.cfg.AllowedIPs) > 0 {
		r.Use(mw.IPWhitelist(s.cfg.AllowedIPs))
	}
	if s.cfg.RateLimitRPS > 0 {
		r.Use(mw.RateLimit(rate.Limit(s.cfg.RateLimitRPS), s.cfg.RateLimitBurst))
	}

	r.GET("/health", s.handler.Health)
	r.GET("/state", s.handler.State)
	r.GET("/rooms/:team", s.handler.Room)

	guarded := r.Group("/", mw.APIKey(s.cfg.APIKey))
	if s.effects != nil {
		guarded.GET("/effects", s.effects.Serve)
	}
	actions := guarded.Group("/actions")
	actions.POST("/join", s.handler.Join)
	actions.POST("/select-script", s.handler.SelectScript)
	actions.POST("/start", s.handler.Start)
	actions.POST("/submit", s.handler.Submit)
	actions.POST("/select-sub-task", s.handler.SelectSubTask)
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status api listening", zap.String("addr", s.cfg.Addr))
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "status api")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return errors.Wrap(s.srv.Shutdown(shutdownCtx), "status api shutdown")
	}
}
