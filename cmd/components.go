package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/profilepilot/internal/browser"
	"github.com/xkilldash9x/profilepilot/internal/config"
	"github.com/xkilldash9x/profilepilot/internal/store"
)

// shutdownTimeout bounds how long browsers get to exit once a command ends.
const shutdownTimeout = 30 * time.Second

var errNoDatabase = errors.New("database.url is required; set PROFILEPILOT_DATABASE_URL")

// openStore connects to the account database, migrating first when
// database.auto_migrate is set. Tests swap it out.
var openStore = func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*store.Store, func(), error) {
	if cfg.Database.URL == "" {
		return nil, nil, errNoDatabase
	}
	if cfg.Database.AutoMigrate {
		if err := store.Migrate(ctx, cfg.Database.URL); err != nil {
			return nil, nil, err
		}
	}
	pool, err := store.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to connect to the account database: %w", err)
	}
	return st, pool.Close, nil
}

// shutdownBrowsers stops the manager on a context detached from the command's,
// which is usually already canceled when this runs.
func shutdownBrowsers(ctx context.Context, m *browser.Manager, logger *zap.Logger) {
	sctx, cancel := context.WithTimeout(browser.Detach(ctx), shutdownTimeout)
	defer cancel()
	if err := m.Shutdown(sctx); err != nil {
		logger.Warn("Browser shutdown failed.", zap.Error(err))
	}
}
