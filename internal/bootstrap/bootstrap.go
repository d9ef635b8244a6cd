// Package bootstrap 按配置组装票据注册表及其依赖
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/pu-ac-cn/uac-ticket/internal/catalog"
	"github.com/pu-ac-cn/uac-ticket/internal/cleaner"
	"github.com/pu-ac-cn/uac-ticket/internal/codec"
	"github.com/pu-ac-cn/uac-ticket/internal/compactor"
	"github.com/pu-ac-cn/uac-ticket/internal/config"
	"github.com/pu-ac-cn/uac-ticket/internal/database"
	"github.com/pu-ac-cn/uac-ticket/internal/event"
	"github.com/pu-ac-cn/uac-ticket/internal/factory"
	"github.com/pu-ac-cn/uac-ticket/internal/idgen"
	"github.com/pu-ac-cn/uac-ticket/internal/logger"
	"github.com/pu-ac-cn/uac-ticket/internal/redis"
	"github.com/pu-ac-cn/uac-ticket/internal/registry"
	"github.com/pu-ac-cn/uac-ticket/internal/service"
	"github.com/pu-ac-cn/uac-ticket/internal/support"
)

const (
	cleanerLockKey = "cleaner:lock"
	// AdminIssuer 管理令牌签发者
	AdminIssuer = "uac-ticket-admin"
)

// App 组装完成的组件
type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	Catalog   *catalog.Catalog
	Codec     *codec.Codec
	Compactor *compactor.Compactor
	// Sealer 未启用加密时为空
	Sealer   *compactor.Sealer
	Store    registry.Store
	Registry registry.Registry
	Factory  *factory.Factory
	Cleaner  *cleaner.Cleaner
	Tickets  service.TicketService
	Support  support.Support
	// AdminTokens 未配置 admin.jwt_secret 时为空，管理接口不开放
	AdminTokens service.TokenService

	closers []func() error
}

// Build 按配置组装组件，失败时释放已建立的连接
func Build(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	log = logger.OrNop(log)
	app := &App{Config: cfg, Logger: log}
	if err := app.build(ctx); err != nil {
		if cerr := app.Close(); cerr != nil {
			log.Warn("释放连接失败", zap.Error(cerr))
		}
		return nil, err
	}

	log.Info("票据注册表已就绪",
		zap.String("backend", app.Store.Name()),
		zap.Bool("encrypted", app.Codec.Encrypted()),
		zap.Bool("purge_on_read", cfg.Registry.PurgeOnRead),
	)
	return app, nil
}

func (a *App) build(ctx context.Context) (err error) {
	cfg, log := a.Config, a.Logger
	if a.Catalog, err = catalog.FromConfig(cfg.Tickets); err != nil {
		return fmt.Errorf("加载票据定义失败: %w", err)
	}

	var cipher *codec.Cipher
	if cfg.Registry.Crypto.Enabled {
		if cipher, err = codec.NewCipher(cfg.Registry.Crypto.EncryptionKey); err != nil {
			return fmt.Errorf("初始化票据加密失败: %w", err)
		}
	}
	if a.Codec, err = codec.New(codec.Options{
		CompressThreshold: cfg.Registry.Crypto.CompressThreshold,
		Cipher:            cipher,
	}); err != nil {
		return fmt.Errorf("初始化票据编码失败: %w", err)
	}
	a.closers = append(a.closers, func() error { a.Codec.Close(); return nil })

	a.Compactor = compactor.New(a.Catalog)
	if cipher != nil {
		a.Sealer = compactor.NewSealer(a.Compactor, cipher)
	}

	if a.Store, err = a.buildStore(ctx); err != nil {
		return err
	}

	publishers := event.Multi{event.NewLogPublisher(log.Named("event"))}
	if cfg.Registry.PublishEvents {
		if err = a.initRedis(); err != nil {
			return err
		}
		publishers = append(publishers, event.NewRedisPublisher(redis.GetClient(), cfg.Registry.EventChannel))
	}

	a.Registry = registry.New(a.Store,
		registry.WithLogger(log.Named("registry")),
		registry.WithPublisher(publishers),
		registry.WithPurgeOnRead(cfg.Registry.PurgeOnRead),
		registry.WithUpdateRetries(cfg.Registry.UpdateRetries),
	)

	opts := []factory.Option{}
	if cfg.SecurityToken.SigningKey != "" {
		opts = append(opts, factory.WithTokenSigner(factory.NewJWTSigner(cfg.SecurityToken.SigningKey, cfg.SecurityToken.Issuer)))
	}
	a.Factory = factory.New(a.Catalog, idgen.NewDefaultGenerator(cfg.IDGenerator.Suffix, cfg.IDGenerator.RandomLength), opts...)

	cleanerOpts := []cleaner.Option{
		cleaner.WithLogger(log.Named("cleaner")),
		cleaner.WithBatchSize(cfg.Cleaner.BatchSize),
	}
	// 共享 Redis 时多节点之间互斥清理
	if client := redis.GetClient(); client != nil {
		cleanerOpts = append(cleanerOpts, cleaner.WithLocker(
			cleaner.NewRedisLocker(client, cfg.Registry.KeyPrefix+cleanerLockKey), cfg.Cleaner.LockTTL))
	}
	a.Cleaner = cleaner.New(a.Registry, cleanerOpts...)

	a.Tickets = service.NewTicketService(a.Registry, a.Factory, &service.TicketServiceConfig{Logger: log.Named("ticket")})
	a.Support = support.New(a.Registry)
	if cfg.Admin.JWTSecret != "" {
		a.AdminTokens = service.NewTokenService(&service.TokenServiceConfig{
			Secret: cfg.Admin.JWTSecret,
			Issuer: AdminIssuer,
			Expiry: cfg.Admin.TokenExpiry,
		})
	}

	return nil
}

func (a *App) buildStore(ctx context.Context) (registry.Store, error) {
	cfg := a.Config
	switch cfg.Registry.Backend {
	case config.BackendMemory:
		return registry.NewMemoryStore(cfg.Registry.Shards), nil
	case config.BackendRedis:
		if err := a.initRedis(); err != nil {
			return nil, err
		}
		return registry.NewRedisStore(redis.GetClient(), a.Codec, a.Catalog, cfg.Registry.KeyPrefix), nil
	case config.BackendDatabase:
		if err := database.Init(&cfg.Database); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, database.Close)
		s := registry.NewGormStore(database.GetDB(), a.Codec, a.Catalog)
		if err := s.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("迁移票据表失败: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("不支持的票据注册表后端: %s", cfg.Registry.Backend)
	}
}

// initRedis 按需建立 Redis 连接，只建立一次
func (a *App) initRedis() error {
	if redis.GetClient() != nil {
		return nil
	}
	if err := redis.Init(&a.Config.Redis); err != nil {
		return err
	}
	a.closers = append(a.closers, redis.Close)
	return nil
}

// Ping 检查后端连接
func (a *App) Ping(ctx context.Context) map[string]string {
	status := map[string]string{"registry": a.Store.Name()}
	if database.GetDB() != nil {
		status["database"] = "ok"
		if err := database.Ping(); err != nil {
			status["database"] = "error"
		}
	}
	if redis.GetClient() != nil {
		status["redis"] = "ok"
		if err := redis.Ping(ctx); err != nil {
			status["redis"] = "error"
		}
	}
	return status
}

// RunCleaner 按配置周期清理，直到 ctx 取消
func (a *App) RunCleaner(ctx context.Context) {
	if !a.Config.Cleaner.Enabled {
		a.Logger.Info("过期票据清理已关闭")
		return
	}
	a.Cleaner.Run(ctx, a.Config.Cleaner.StartDelay, a.Config.Cleaner.Interval)
}

// Close 按建立的逆序释放资源
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
