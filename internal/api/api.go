// Package api hosts the HTTP and WebSocket surface of the orchestrator.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	v1 "foreman/internal/api/v1"
	"foreman/internal/auth"
	"foreman/internal/config"
	"foreman/internal/db"
	"foreman/internal/db/repositories"
	"foreman/internal/events"
	"foreman/internal/logging"
	"foreman/internal/services"
	"foreman/internal/template"
)

type Server struct {
	cfg        *config.Config
	db         db.Database
	repos      *repositories.Repositories
	httpServer *http.Server

	broadcaster *events.Broadcaster
	reaper      *services.Reaper
}

func New(cfg *config.Config, database db.Database) *Server {
	return &Server{
		cfg:         cfg,
		db:          database,
		repos:       repositories.New(database),
		broadcaster: events.NewBroadcaster(),
	}
}

// Start builds the service graph, starts the reaper, and serves until the
// context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)

	engine := template.NewEngine(s.cfg.MaxStoriesPerRun)
	notifier := services.NewNotifier()
	scheduler := services.NewStepScheduler(s.repos, engine, s.broadcaster, notifier)
	workflowService := services.NewWorkflowService(s.repos)
	runService := services.NewRunService(s.repos, s.broadcaster)
	authService := auth.NewService(s.repos)

	s.reaper = services.NewReaper(scheduler, s.cfg)
	if err := s.reaper.Start(); err != nil {
		return err
	}
	defer s.reaper.Stop()

	router := gin.New()
	router.Use(gin.Recovery())

	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Agent-Name")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	router.GET("/health", s.healthCheck)

	handlers := v1.NewAPIHandlers(v1.Deps{
		Repos:       s.repos,
		Workflows:   workflowService,
		Runs:        runService,
		Scheduler:   scheduler,
		Reaper:      s.reaper,
		Auth:        authService,
		Broadcaster: s.broadcaster,
	})
	handlers.RegisterRoutes(router.Group("/api/v1"))

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("api listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logging.Info("shutting down api server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "foreman-api",
	})
}
