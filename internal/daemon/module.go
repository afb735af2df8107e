// Package daemon assembles the long-running msyncd process: store, queues,
// scrape engine, watcher and the HTTP control API, wired through fx.
package daemon

import (
	"context"
	"os"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/marketsync/marketsync/internal/browser"
	"github.com/marketsync/marketsync/internal/bus"
	"github.com/marketsync/marketsync/internal/config"
	"github.com/marketsync/marketsync/internal/crm"
	"github.com/marketsync/marketsync/internal/httpapi"
	"github.com/marketsync/marketsync/internal/lock"
	"github.com/marketsync/marketsync/internal/logging"
	"github.com/marketsync/marketsync/internal/queue"
	"github.com/marketsync/marketsync/internal/scrape"
	"github.com/marketsync/marketsync/internal/store"
	"github.com/marketsync/marketsync/internal/watcher"
)

// Module builds the full daemon dependency graph.
func Module(configPath string) fx.Option {
	return fx.Options(
		fx.Provide(
			func() (*config.Config, error) { return config.Load(configPath) },
			newLogger,
			bus.New,
			newRedis,
			newLocker,
			newDB,
			newAMQP,
			newPublisher,
			newCRM,
			newDriver,
			newScrapeService,
			newWatcher,
			newAPIHandler,
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Invoke(
			registerWorkers,
			registerWatcher,
			registerHTTP,
		),
	)
}

func newLogger(cfg *config.Config, lc fx.Lifecycle) (*zap.Logger, error) {
	log, err := logging.New(cfg.LogPath(), "msyncd")
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			_ = log.Sync()
			return nil
		},
	})
	return log, nil
}

func newRedis(cfg *config.Config, lc fx.Lifecycle) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		},
		OnStop: func(context.Context) error {
			return rdb.Close()
		},
	})
	return rdb, nil
}

func newLocker(cfg *config.Config, rdb *redis.Client) *lock.Locker {
	return lock.New(rdb, cfg.Scrape.LockTTL.Duration)
}

func newDB(cfg *config.Config, lc fx.Lifecycle, log *zap.Logger) (*store.DB, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, err
	}
	db, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}
	res, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if res.Changed {
		log.Info("database migrated", zap.Uint("version", res.Version))
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return db.Close()
		},
	})
	return db, nil
}

func newAMQP(cfg *config.Config, lc fx.Lifecycle) (*amqp.Connection, error) {
	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return conn.Close()
		},
	})
	return conn, nil
}

func newPublisher(conn *amqp.Connection, log *zap.Logger, lc fx.Lifecycle) (*queue.Publisher, error) {
	pub, err := queue.NewPublisher(conn, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return pub.Close()
		},
	})
	return pub, nil
}

func newCRM(cfg *config.Config) scrape.CRM {
	return crm.New(cfg.CRM.BaseURL, cfg.CRM.APIKey, cfg.CRM.CustomFieldID)
}

func newDriver(cfg *config.Config) browser.Driver {
	return browser.NewRemoteDriver(cfg.Browser.AgentURL, cfg.Browser.NavTimeout.Duration)
}

func newScrapeService(cfg *config.Config, db *store.DB, driver browser.Driver, locker *lock.Locker, c scrape.CRM, b *bus.Bus, log *zap.Logger) *scrape.Service {
	return scrape.New(db, driver, locker, c, b, log, scrape.Options{
		DirectoryStablePolls: cfg.Scrape.DirectoryStable,
		DirectoryAttempts:    cfg.Scrape.DirectoryAttempts,
		HistoryAttempts:      cfg.Scrape.HistoryAttempts,
		BackfillCap:          cfg.Scrape.InitialBackfillCap,
	})
}

func newWatcher(cfg *config.Config, db *store.DB, svc *scrape.Service, pub *queue.Publisher, b *bus.Bus, log *zap.Logger) *watcher.Watcher {
	return watcher.New(db, svc, pub, b, log, watcher.Options{
		RecoveryInterval: cfg.Watcher.RecoveryInterval.Duration,
		PendingInterval:  cfg.Watcher.PendingInterval.Duration,
		UnreadInterval:   cfg.Watcher.UnreadInterval.Duration,
		RetryCap:         cfg.Watcher.RetryCap,
	})
}

func newAPIHandler(db *store.DB, pub *queue.Publisher, log *zap.Logger) *httpapi.Handler {
	return httpapi.New(db, pub, log)
}

func registerWatcher(lc fx.Lifecycle, w *watcher.Watcher, log *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := w.Run(ctx); err != nil && ctx.Err() == nil {
					log.Error("watcher stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
