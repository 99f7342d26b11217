// Package app wires configuration, stores, the trading engine, the
// funding scheduler and the admin API into one runnable unit.
package app

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"carrybot/internal/config"
	"carrybot/internal/credential"
	"carrybot/internal/exchange/factory"
	"carrybot/internal/logger"
	"carrybot/internal/scheduler"
	"carrybot/internal/store/gormstore"
	adminhttp "carrybot/internal/transport/http/admin"
	"carrybot/internal/users"
)

// App owns the process lifecycle: Run blocks until ctx is cancelled,
// then Close releases stores and watchers.
type App struct {
	cfg       *config.Config
	creds     *credential.Store
	history   *gormstore.Store
	roster    *users.Registry
	scheduler *scheduler.FundingScheduler
	admin     *adminhttp.Server
}

// NewApp builds the application from config without starting anything.
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.Log.Level)
	return buildAppWithWire(cfg)
}

// Run starts the scheduler and the admin server and blocks until ctx is
// cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	logger.Infof("资金费率套利服务启动, 启用用户数=%d, 支持交易所: %v",
		len(a.roster.Enabled()), factory.Supported())

	a.scheduler.Start()
	defer a.scheduler.Stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := a.admin.Start(ctx); err != nil {
			return fmt.Errorf("admin http server error: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		return nil
	})
	return group.Wait()
}

// Close releases store handles. Safe after Run returns.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			logger.Warnf("关闭历史数据库失败: %v", err)
		}
	}
	if a.creds != nil {
		if err := a.creds.Close(); err != nil {
			logger.Warnf("关闭凭证数据库失败: %v", err)
		}
	}
}

// Admin exposes the admin server (for testing harnesses).
func (a *App) Admin() *adminhttp.Server {
	if a == nil {
		return nil
	}
	return a.admin
}
