package daemon

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/marketsync/marketsync/internal/bus"
	"github.com/marketsync/marketsync/internal/config"
	"github.com/marketsync/marketsync/internal/queue"
	"github.com/marketsync/marketsync/internal/retry"
	"github.com/marketsync/marketsync/internal/scrape"
	"github.com/marketsync/marketsync/internal/store"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Per-queue retry policies. Activation backs off exponentially; a directory
// refresh gets one flat retry; a message sync goes straight to the DLQ so a
// poisoned conversation cannot loop.
var (
	activationPolicy = retry.Policy{MaxAttempts: 2, BaseDelay: 5 * time.Second, Factor: 2}
	directoryPolicy  = retry.Policy{MaxAttempts: 2, BaseDelay: 30 * time.Second}
	syncPolicy       = retry.Policy{MaxAttempts: 1}
)

func registerWorkers(lc fx.Lifecycle, cfg *config.Config, conn *amqp.Connection, pub *queue.Publisher, svc *scrape.Service, db *store.DB, b *bus.Bus, log *zap.Logger) {
	workers := []*queue.Worker{
		queue.NewWorker(conn, queue.Activation, activationHandler(svc), pub, activationPolicy, cfg.Queue.ActivationConcurrency, b, log),
		queue.NewWorker(conn, queue.Directory, directoryHandler(svc, db, pub, log), pub, directoryPolicy, cfg.Queue.DirectoryConcurrency, b, log),
		queue.NewWorker(conn, queue.MessageSync, syncHandler(svc), pub, syncPolicy, cfg.Queue.SyncConcurrency, b, log),
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			for _, w := range workers {
				if err := w.Start(ctx); err != nil {
					return err
				}
			}
			return nil
		},
		OnStop: func(context.Context) error {
			var err error
			for _, w := range workers {
				if stopErr := w.Stop(); stopErr != nil && err == nil {
					err = stopErr
				}
			}
			return err
		},
	})
}

func activationHandler(svc *scrape.Service) queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		return svc.Activate(ctx, job.AccountID)
	}
}

// directoryHandler refreshes the directory; with FollowUnread set it chains
// a message-sync job for whatever threads came back unread.
func directoryHandler(svc *scrape.Service, db *store.DB, pub *queue.Publisher, log *zap.Logger) queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		if err := svc.RefreshDirectory(ctx, job.AccountID); err != nil {
			return err
		}
		if !job.FollowUnread {
			return nil
		}

		unread, err := db.ListUnreadThreads(job.AccountID)
		if err != nil {
			return err
		}
		if len(unread) == 0 {
			return nil
		}
		urls := make([]string, 0, len(unread))
		for _, t := range unread {
			urls = append(urls, t.URL)
		}
		jobID, err := pub.Enqueue(ctx, queue.MessageSync, queue.Job{AccountID: job.AccountID, ChatURLs: urls})
		if err != nil {
			return err
		}
		log.Info("unread threads chained to sync",
			zap.Int64("account_id", job.AccountID),
			zap.Int("threads", len(urls)),
			zap.String("job_id", jobID))
		return nil
	}
}

func syncHandler(svc *scrape.Service) queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		if len(job.ChatURLs) == 0 {
			_, err := svc.SyncAll(ctx, job.AccountID)
			return err
		}
		_, err := svc.SyncChats(ctx, job.AccountID, job.ChatURLs, true)
		return err
	}
}
