package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fabriq-ai/fabriq/pkg/persistence"
	"github.com/fabriq-ai/fabriq/pkg/persistence/memory"
	"github.com/fabriq-ai/fabriq/pkg/persistence/postgresql"
)

func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) persistence.Persistence {
	scheme, _, _ := strings.Cut(databaseURL, "://")

	switch scheme {
	case "postgres", "postgresql":
		p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			panic(fmt.Errorf("failed to initialize postgres persistence: %w", err))
		}

		return p
	case "memory":
		return memory.NewPersistence()
	default:
		panic("Unsupported database URL scheme: " + scheme)
	}
}
