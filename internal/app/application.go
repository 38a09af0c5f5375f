package app

import (
	"context"
	"database/sql"
	goerrors "errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/phatvn/flowchain/internal/config"
	"github.com/phatvn/flowchain/internal/holiday"
	"github.com/phatvn/flowchain/workflow"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// CommandLineRunner 应用启动之后执行一次
type CommandLineRunner interface {
	Run(ctx context.Context, args ...string) error
}

type CommandLineRunnerFunc func(ctx context.Context, args ...string) error

func (f CommandLineRunnerFunc) Run(ctx context.Context, args ...string) error {
	return f(ctx, args...)
}

// Application 持有数据库, 锁, 指标和流程引擎
type Application struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *gorm.DB
	sqlDB    *sql.DB
	redis    *redis.Client
	registry *prometheus.Registry
	engine   *workflow.ProcessEngine
	runners  []CommandLineRunner

	closeOnce sync.Once
	closeErr  error
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Application{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	if err := a.init(ctx); err != nil {
		// 已经打开的资源需要释放
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *Application) init(ctx context.Context) error {
	db, err := gorm.Open(sqlite.Open(a.cfg.Database.DSN), &gorm.Config{})
	if err != nil {
		return errors.Wrapf(err, "open database %s failed", a.cfg.Database.DSN)
	}
	a.db = db
	a.sqlDB, err = db.DB()
	if err != nil {
		return errors.Wrap(err, "get sql.DB failed")
	}
	if isMemoryDSN(a.cfg.Database.DSN) {
		// 内存数据库每个连接都是独立的库
		a.sqlDB.SetMaxOpenConns(1)
	}
	if err := db.WithContext(ctx).AutoMigrate(workflow.AllModels()...); err != nil {
		return errors.Wrap(err, "auto migrate failed")
	}

	lock, err := a.newInstanceLock(ctx)
	if err != nil {
		return err
	}

	if err := holiday.Register(); err != nil {
		return errors.WithMessage(err, "register holiday delegates failed")
	}

	a.engine, err = workflow.NewProcessEngine(a.cfg.Engine.Name, workflow.NewProcessRepo(db), lock,
		workflow.WithLogger(a.logger),
		workflow.WithMetrics(workflow.NewMetrics(a.registry)),
		workflow.WithLockTimeout(a.cfg.Engine.LockTimeout),
		workflow.WithMaxSteps(a.cfg.Engine.MaxSteps),
	)
	if err != nil {
		return errors.WithMessagef(err, "create process engine %s failed", a.cfg.Engine.Name)
	}
	a.logger.InfoContext(ctx, "application started", "engine", a.engine.Name(), "lock", a.cfg.Lock.Type)
	return nil
}

func (a *Application) newInstanceLock(ctx context.Context) (workflow.InstanceLock, error) {
	if a.cfg.Lock.Type != "redis" {
		return workflow.NewLocalInstanceLock(), nil
	}
	a.redis = redis.NewClient(&redis.Options{Addr: a.cfg.Lock.RedisAddr})
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrapf(err, "ping redis %s failed", a.cfg.Lock.RedisAddr)
	}
	return workflow.NewRedisInstanceLock(a.redis, a.cfg.Lock.KeyPrefix), nil
}

func isMemoryDSN(dsn string) bool {
	return strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}

func (a *Application) Engine() *workflow.ProcessEngine {
	return a.engine
}

func (a *Application) Registry() *prometheus.Registry {
	return a.registry
}

func (a *Application) Config() *config.Config {
	return a.cfg
}

func (a *Application) AddRunner(runners ...CommandLineRunner) {
	for _, r := range runners {
		if r != nil {
			a.runners = append(a.runners, r)
		}
	}
}

// Run 按添加顺序执行, 第一个失败就返回
func (a *Application) Run(ctx context.Context, args ...string) error {
	for i, r := range a.runners {
		if err := r.Run(ctx, args...); err != nil {
			return errors.WithMessagef(err, "runner %d/%d (%T) failed", i+1, len(a.runners), r)
		}
	}
	return nil
}

// Close 可以重复调用, nil 也可以调用
// 引擎如果还没有被销毁会在这里关闭
func (a *Application) Close() error {
	if a == nil {
		return nil
	}
	a.closeOnce.Do(func() {
		errs := make([]error, 0)
		if a.engine != nil {
			if err := a.engine.Close(); err != nil {
				errs = append(errs, errors.WithMessage(err, "close process engine failed"))
			}
		}
		if a.sqlDB != nil {
			if err := a.sqlDB.Close(); err != nil {
				errs = append(errs, errors.Wrap(err, "close database failed"))
			}
		}
		if a.redis != nil {
			if err := a.redis.Close(); err != nil {
				errs = append(errs, errors.Wrap(err, "close redis failed"))
			}
		}
		a.closeErr = goerrors.Join(errs...)
		a.logger.Info("application context closed")
	})
	return a.closeErr
}
