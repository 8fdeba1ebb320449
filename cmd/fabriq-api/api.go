// Package main provides the Fabriq API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v3"

	"github.com/fabriq-ai/fabriq/pkg/eventbus"
	"github.com/fabriq-ai/fabriq/pkg/execution"
	"github.com/fabriq-ai/fabriq/pkg/persistence"
	"github.com/fabriq-ai/fabriq/pkg/reconciler"
	"github.com/fabriq-ai/fabriq/pkg/registry"
	"github.com/fabriq-ai/fabriq/pkg/web"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	registry    *registry.Registry
	eventBus    eventbus.EventBus
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	registry *registry.Registry,
	eventBus eventbus.EventBus,
) *API {
	return &API{
		persistence: persistence,
		logger:      logger,
		registry:    registry,
		eventBus:    eventBus,
	}
}

func (a *API) App() *fiber.App {
	aggregator := execution.NewAggregator(a.persistence, a.eventBus, a.logger)
	advancer := execution.NewAdvancer(a.persistence, a.eventBus, a.logger)
	starter := execution.NewStarter(a.persistence, a.eventBus, advancer, a.logger)
	rec := reconciler.NewReconciler(a.persistence, a.registry, aggregator, advancer, a.eventBus, nil, a.logger)

	handlers := web.NewAPIHandlers(a.persistence, starter, aggregator, advancer, rec, a.registry, a.eventBus, a.logger)

	return web.NewApp(handlers)
}

func (a *API) Start(port int) error {
	app := a.App()

	err := app.Listen(":" + strconv.Itoa(port))

	return err
}
