// Package main provides the Orion API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/dukex/orion/pkg/client"
	"github.com/dukex/orion/pkg/engagement"
	"github.com/dukex/orion/pkg/persistence"
	"github.com/dukex/orion/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	client      *client.Client
	engagements *engagement.Machine
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	client *client.Client,
	engagements *engagement.Machine,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		client:      client,
		engagements: engagements,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.client, a.engagements, a.persistence, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Orion API")
	})

	handlers.Register(app)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	a.logger.Info("Orion API listening", "port", port, "capabilities", a.client.Capabilities())

	return app.Listen(":" + strconv.Itoa(port))
}
