package app

import (
	"fmt"

	"carrybot/internal/config"
	"carrybot/internal/credential"
	"carrybot/internal/exchange/factory"
	"carrybot/internal/scheduler"
	"carrybot/internal/store/gormstore"
	"carrybot/internal/trading"
	adminhttp "carrybot/internal/transport/http/admin"
	"carrybot/internal/users"
)

// AppBuilder assembles the application. Provider funcs are fields so
// tests can substitute single components without touching the rest.
type AppBuilder struct {
	cfg *config.Config

	credStoreFn func(*config.Config) (*credential.Store, error)
	historyFn   func(*config.Config) (*gormstore.Store, error)
	rosterFn    func(*config.Config) (*users.Registry, error)
	clientFn    trading.ClientFactory
	adminFn     func(*config.Config, *credential.Store, *gormstore.Store, adminhttp.Trader) (*adminhttp.Server, error)
}

type AppBuilderOption func(*AppBuilder)

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:         cfg,
		credStoreFn: buildCredentialStore,
		historyFn:   buildHistoryStore,
		rosterFn:    buildRoster,
		clientFn:    factory.New,
		adminFn:     buildAdminServer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// WithClientFactory overrides how venue adapters are built.
func WithClientFactory(fn trading.ClientFactory) AppBuilderOption {
	return func(b *AppBuilder) { b.clientFn = fn }
}

func buildCredentialStore(cfg *config.Config) (*credential.Store, error) {
	cipher, err := credential.NewCipher(cfg.Security.EncryptionSecret)
	if err != nil {
		return nil, err
	}
	return credential.NewStore(cfg.Store.CredentialDB, cipher)
}

func buildHistoryStore(cfg *config.Config) (*gormstore.Store, error) {
	return gormstore.Open(cfg.Store.HistoryDB)
}

func buildRoster(cfg *config.Config) (*users.Registry, error) {
	return users.NewRegistry(cfg.Users.File)
}

func buildAdminServer(cfg *config.Config, creds *credential.Store, history *gormstore.Store, trader adminhttp.Trader) (*adminhttp.Server, error) {
	return adminhttp.NewServer(adminhttp.ServerConfig{
		Addr:        cfg.HTTP.Addr,
		Credentials: creds,
		History:     history,
		Trader:      trader,
	})
}

func provideAppBuilder(cfg *config.Config) *AppBuilder {
	return NewAppBuilder(cfg)
}

func provideAppFromBuilder(b *AppBuilder) (*App, error) {
	return b.Build()
}

// Build assembles every component. Failures release what was already
// opened.
func (b *AppBuilder) Build() (*App, error) {
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg

	creds, err := b.credStoreFn(cfg)
	if err != nil {
		return nil, fmt.Errorf("初始化凭证存储失败: %w", err)
	}
	history, err := b.historyFn(cfg)
	if err != nil {
		creds.Close()
		return nil, fmt.Errorf("初始化历史存储失败: %w", err)
	}
	roster, err := b.rosterFn(cfg)
	if err != nil {
		history.Close()
		creds.Close()
		return nil, fmt.Errorf("初始化用户名册失败: %w", err)
	}

	engine := trading.NewEngine(creds, roster, history, b.clientFn, cfg.Trading.Parallelism)
	sched := scheduler.NewFundingScheduler(engine)

	admin, err := b.adminFn(cfg, creds, history, engine)
	if err != nil {
		history.Close()
		creds.Close()
		return nil, fmt.Errorf("初始化管理接口失败: %w", err)
	}

	return &App{
		cfg:       cfg,
		creds:     creds,
		history:   history,
		roster:    roster,
		scheduler: sched,
		admin:     admin,
	}, nil
}
