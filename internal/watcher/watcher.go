// Package watcher runs the background sweeps: recovery of errored accounts,
// activation of pending accounts and periodic unread-thread refreshes.
package watcher

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/marketsync/marketsync/internal/bus"
	"github.com/marketsync/marketsync/internal/queue"
	"github.com/marketsync/marketsync/internal/scrape"
	"github.com/marketsync/marketsync/internal/status"
	"github.com/marketsync/marketsync/internal/store"
)

// Engine is the subset of the scrape service the watcher drives directly.
type Engine interface {
	Activate(ctx context.Context, accountID int64) error
	RefreshDirectory(ctx context.Context, accountID int64) error
	SyncChats(ctx context.Context, accountID int64, urls []string, batch bool) (*scrape.BatchResult, error)
	SyncAll(ctx context.Context, accountID int64) (*scrape.BatchResult, error)
}

// Enqueuer publishes jobs; the sweeps never scrape inline, they enqueue.
type Enqueuer interface {
	Enqueue(ctx context.Context, q queue.Name, job queue.Job) (string, error)
}

// Options holds the sweep intervals and the recovery retry cap.
type Options struct {
	RecoveryInterval time.Duration
	PendingInterval  time.Duration
	UnreadInterval   time.Duration
	RetryCap         int
}

func (o Options) withDefaults() Options {
	if o.RecoveryInterval <= 0 {
		o.RecoveryInterval = 5 * time.Minute
	}
	if o.PendingInterval <= 0 {
		o.PendingInterval = time.Minute
	}
	if o.UnreadInterval <= 0 {
		o.UnreadInterval = 10 * time.Minute
	}
	if o.RetryCap <= 0 {
		o.RetryCap = 3
	}
	return o
}

// Watcher owns the three periodic loops.
type Watcher struct {
	db     *store.DB
	engine Engine
	jobs   Enqueuer
	bus    *bus.Bus
	log    *zap.Logger
	opts   Options
}

func New(db *store.DB, engine Engine, jobs Enqueuer, b *bus.Bus, log *zap.Logger, opts Options) *Watcher {
	return &Watcher{
		db:     db,
		engine: engine,
		jobs:   jobs,
		bus:    b,
		log:    log.Named("watcher"),
		opts:   opts.withDefaults(),
	}
}

// Run blocks until ctx is cancelled, driving all three sweeps on their
// intervals.
func (w *Watcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.loop(ctx, w.opts.RecoveryInterval, w.RecoverOnce) })
	g.Go(func() error { return w.loop(ctx, w.opts.PendingInterval, w.SweepPendingOnce) })
	g.Go(func() error { return w.loop(ctx, w.opts.UnreadInterval, w.SweepUnreadOnce) })
	return g.Wait()
}

func (w *Watcher) loop(ctx context.Context, interval time.Duration, sweep func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := sweep(ctx); err != nil {
				w.log.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// RecoverOnce walks every recoverable errored account and re-drives the
// operation named by its detail payload. An account that keeps failing past
// the retry cap is frozen terminally and never visited again.
func (w *Watcher) RecoverOnce(ctx context.Context) error {
	accts, err := w.db.ListRecoverableAccounts()
	if err != nil {
		return err
	}
	for _, acct := range accts {
		if err := ctx.Err(); err != nil {
			return err
		}
		w.recoverAccount(ctx, acct)
	}
	return nil
}

func (w *Watcher) recoverAccount(ctx context.Context, acct *store.Account) {
	// Rows already sitting at the cap freeze without another attempt; this
	// only happens when a run was interrupted between increment and freeze.
	if acct.ResolveErrorRetryCount >= w.opts.RetryCap {
		w.freeze(acct)
		return
	}

	err := w.redrive(ctx, acct)
	if err != nil {
		retries := acct.ResolveErrorRetryCount + 1
		w.log.Warn("recovery attempt failed",
			zap.Int64("account_id", acct.ID),
			zap.Int("retries", retries),
			zap.Error(err))
		if retries >= w.opts.RetryCap {
			w.freeze(acct)
			return
		}
		if dbErr := w.db.IncrementRetryCount(acct.ID); dbErr != nil {
			w.log.Error("incrementing retry count", zap.Int64("account_id", acct.ID), zap.Error(dbErr))
		}
		return
	}

	if err := w.db.ClearAccountError(acct.ID); err != nil {
		w.log.Error("clearing error state", zap.Int64("account_id", acct.ID), zap.Error(err))
		return
	}
	w.log.Info("account recovered", zap.Int64("account_id", acct.ID))
	m := status.NewMachine(acct.ID, status.Error, w.bus)
	_ = m.Transition(status.Active)
}

// freeze marks an account terminal: the reason is normalized, the detail
// payload cleared, and the recovery loop never visits it again.
func (w *Watcher) freeze(acct *store.Account) {
	reason := scrape.NormalizeTerminalReason(acct.LastError)
	if err := w.db.MarkTerminal(acct.ID, reason); err != nil {
		w.log.Error("marking terminal", zap.Int64("account_id", acct.ID), zap.Error(err))
		return
	}
	w.log.Warn("account frozen after repeated recovery failures",
		zap.Int64("account_id", acct.ID),
		zap.String("reason", reason))
	m := status.NewMachine(acct.ID, status.Error, w.bus)
	_ = m.Transition(status.Terminal)
}

// redrive maps the detail payload to the narrowest operation that proves
// the account healthy again.
func (w *Watcher) redrive(ctx context.Context, acct *store.Account) error {
	switch acct.ErrorDetails.Type {
	case store.DetailInitialSetup:
		// Written by failed activations; such rows normally sit in the
		// pending status and return through the pending sweep, so this
		// branch handles the ones that errored with setup incomplete.
		if !acct.InitialSetupStatus {
			return w.engine.Activate(ctx, acct.ID)
		}
		_, err := w.engine.SyncAll(ctx, acct.ID)
		return err
	case store.DetailSingleChat:
		if acct.ErrorDetails.URL == "" {
			_, err := w.engine.SyncAll(ctx, acct.ID)
			return err
		}
		_, err := w.engine.SyncChats(ctx, acct.ID, []string{acct.ErrorDetails.URL}, false)
		return err
	default:
		return w.engine.RefreshDirectory(ctx, acct.ID)
	}
}

// SweepPendingOnce enqueues an activation job for every account still
// awaiting first setup.
func (w *Watcher) SweepPendingOnce(ctx context.Context) error {
	accts, err := w.db.ListPendingAccounts()
	if err != nil {
		return err
	}
	for _, acct := range accts {
		jobID, err := w.jobs.Enqueue(ctx, queue.Activation, queue.Job{AccountID: acct.ID})
		if err != nil {
			return err
		}
		w.log.Debug("pending account queued",
			zap.Int64("account_id", acct.ID),
			zap.String("job_id", jobID))
	}
	return nil
}

// SweepUnreadOnce enqueues a follow-unread directory refresh for every
// active account. The directory handler chains a message sync for the
// unread threads it finds.
func (w *Watcher) SweepUnreadOnce(ctx context.Context) error {
	accts, err := w.db.ListAccountsByStatus(store.LoginActive)
	if err != nil {
		return err
	}
	for _, acct := range accts {
		jobID, err := w.jobs.Enqueue(ctx, queue.Directory, queue.Job{AccountID: acct.ID, FollowUnread: true})
		if err != nil {
			return err
		}
		w.log.Debug("unread refresh queued",
			zap.Int64("account_id", acct.ID),
			zap.String("job_id", jobID))
	}
	return nil
}
