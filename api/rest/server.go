// Package rest provides the HTTP API of the master: task submission, result
// retrieval, cancellation and status.
package rest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"yqhp/taskfarm/pkg/types"
)

// TaskService is the part of the scheduler the API drives.
type TaskService interface {
	ID() string
	Submit(task *types.Task) (string, error)
	SubmitBatch(tasks []*types.Task) ([]string, error)
	PollOrWait(ctx context.Context, taskID string, block bool, timeout time.Duration) (types.Result, error)
	WaitAll(ctx context.Context, ids []string, timeout time.Duration) ([]types.Result, error)
	WaitAny(ctx context.Context, ids []string, timeout time.Duration) (types.Result, error)
	Cancel(taskID string) error
	Release(taskID string) error
	Workers() []*types.WorkerHandle
	Status() types.SchedulerStatus
}

// RouteMounter contributes extra routes under /api/v1, such as the
// volunteer work-unit protocol.
type RouteMounter interface {
	Routes(router fiber.Router)
}

// Server represents the REST API server.
type Server struct {
	app     *fiber.App
	service TaskService
	config  *Config
	logger  *zap.Logger
}

// Config holds the configuration for the REST API server.
type Config struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	EnableCORS   bool
	// MaxWait caps the timeout of blocking requests; zero disables the cap.
	MaxWait time.Duration
	// AccessLog enables the per-request log line.
	AccessLog bool
}

// DefaultConfig returns a default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:      ":8080",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		MaxWait:      5 * time.Minute,
		AccessLog:    true,
	}
}

// NewServer creates a new REST API server. Mounters are attached under /api/v1.
func NewServer(service TaskService, config *Config, log *zap.Logger, mounters ...RouteMounter) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:           config.ReadTimeout,
		WriteTimeout:          config.WriteTimeout,
		ErrorHandler:          customErrorHandler,
		AppName:               "taskfarm master",
		JSONEncoder:           sonic.Marshal,
		JSONDecoder:           sonic.Unmarshal,
		DisableStartupMessage: true,
	})

	server := &Server{
		app:     app,
		service: service,
		config:  config,
		logger:  log.Named("rest"),
	}

	server.setupMiddleware()
	server.setupRoutes(mounters)

	return server
}

func (s *Server) setupMiddleware() {
	s.app.Use(fiberrecover.New(fiberrecover.Config{
		EnableStackTrace: true,
	}))

	if s.config.AccessLog {
		s.app.Use(logger.New(logger.Config{
			Format:     "${time} | ${status} | ${latency} | ${method} ${path}\n",
			TimeFormat: "2006-01-02 15:04:05",
		}))
	}

	if s.config.EnableCORS {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: "*",
			AllowMethods: "GET,POST,DELETE,OPTIONS",
			AllowHeaders: "Origin,Content-Type,Accept",
			MaxAge:       86400,
		}))
	}
}

func (s *Server) setupRoutes(mounters []RouteMounter) {
	s.app.Get("/health", s.healthCheck)

	api := s.app.Group("/api/v1")
	api.Get("/health", s.healthCheck)

	api.Post("/tasks", s.submitTask)
	api.Post("/tasks/batch", s.submitBatch)
	api.Post("/tasks/wait", s.waitTasks)
	api.Get("/tasks/:id", s.getTask)
	api.Delete("/tasks/:id", s.cancelTask)
	api.Post("/tasks/:id/release", s.releaseTask)

	api.Get("/workers", s.listWorkers)
	api.Get("/status", s.getStatus)

	for _, m := range mounters {
		m.Routes(api)
	}
}

// Start starts the REST API server.
func (s *Server) Start() error {
	s.logger.Info("listening", zap.String("address", s.config.Address))
	return s.app.Listen(s.config.Address)
}

// StartWithContext serves until ctx is done, then shuts down.
func (s *Server) StartWithContext(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		errCh <- s.Start()
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// ShutdownWithTimeout gracefully shuts down the server with a timeout.
func (s *Server) ShutdownWithTimeout(timeout time.Duration) error {
	return s.app.ShutdownWithTimeout(timeout)
}

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// customErrorHandler handles errors returned by handlers.
func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		message = fe.Message
	}

	return c.Status(code).JSON(ErrorResponse{
		Error:   fmt.Sprintf("error_%d", code),
		Message: message,
	})
}
