// Package server exposes the submission pipeline over HTTP.
package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/loanpilot/formgate/pkg/config"
	"github.com/loanpilot/formgate/pkg/csrf"
	"github.com/loanpilot/formgate/pkg/formgate"
	"github.com/loanpilot/formgate/pkg/infra/prometheus"
	"github.com/loanpilot/formgate/pkg/trust"
)

type (
	ServerDI struct {
		Config *config.Config
		Logger *logrus.Logger
		Gate   *formgate.Gate
		Trust  *trust.Registry
		CSRF   *csrf.Manager
	}

	Server struct {
		cfg    *config.Config
		logger *logrus.Logger
		app    *fiber.App
		gate   *formgate.Gate
		trust  *trust.Registry
		csrf   *csrf.Manager

		metricsStarted bool
	}
)

func NewServer(di ServerDI) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReduceMemoryUsage:     true,
		Network:               fiber.NetworkTCP,
		BodyLimit:             1 * 1024 * 1024,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
		IdleTimeout:           120 * time.Second,
	})
	app.Server().NoDefaultServerHeader = true
	app.Server().NoDefaultDate = true

	s := &Server{
		cfg:    di.Config,
		logger: di.Logger,
		app:    app,
		gate:   di.Gate,
		trust:  di.Trust,
		csrf:   di.CSRF,
	}
	s.setupRoutes()
	return s
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Run() error {
	s.setupMetricsEndpoint()
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.logger.WithField("addr", addr).Info("starting form security server")
	return s.app.Listen(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) setupRoutes() {
	s.app.Use(recover.New())
	s.app.Use(s.requestContext)

	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	v1 := s.app.Group("/v1")
	{
		v1.Get("/csrf", s.handleIssueCSRF)

		forms := v1.Group("/forms/:endpoint")
		{
			forms.Post("/submit", s.handleSubmit)
			forms.Get("/challenge", s.handleGetChallenge)
			forms.Post("/challenge", s.handleSolveChallenge)
		}

		trustGroup := v1.Group("/trust")
		{
			trustGroup.Get("", s.handleTrustStatus)
			trustGroup.Post("/verify", s.handleTrustVerify)
			trustGroup.Post("/elevate", s.handleElevate)
		}

		v1.Post("/signout", s.handleSignOut)
	}
}

func (s *Server) setupMetricsEndpoint() {
	if s.metricsStarted {
		return
	}
	s.metricsStarted = true

	metricsApp := fiber.New(fiber.Config{DisableStartupMessage: true})
	metricsApp.Use(recover.New())
	metricsApp.Get("/metrics", func(c *fiber.Ctx) error {
		fasthttpadaptor.NewFastHTTPHandler(prometheus.Handler())(c.Context())
		return nil
	})

	go func() {
		addr := fmt.Sprintf(":%d", s.cfg.Server.MetricsPort)
		if err := metricsApp.Listen(addr); err != nil {
			if !strings.Contains(err.Error(), "address already in use") {
				s.logger.WithError(err).Error("failed to start metrics server")
			}
		}
	}()
}
