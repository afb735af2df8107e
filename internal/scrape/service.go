package scrape

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/marketsync/marketsync/internal/browser"
	"github.com/marketsync/marketsync/internal/bus"
	"github.com/marketsync/marketsync/internal/crm"
	"github.com/marketsync/marketsync/internal/lock"
	"github.com/marketsync/marketsync/internal/status"
	"github.com/marketsync/marketsync/internal/store"
)

// CRM is the downstream the engine forwards contacts, conversations and
// messages to.
type CRM interface {
	CreateContactAndConversation(ctx context.Context, req crm.ContactRequest) (crm.ContactResult, error)
	ForwardMessage(ctx context.Context, crmConversationID, sender, text string) (string, error)
}

// Options bounds the directory and history loops.
type Options struct {
	DirectoryStablePolls int
	DirectoryAttempts    int
	HistoryAttempts      int
	// BackfillCap limits how many messages the first scrape of a
	// conversation persists, keeping ancient history out of the CRM.
	BackfillCap int
}

func (o Options) withDefaults() Options {
	if o.DirectoryStablePolls <= 0 {
		o.DirectoryStablePolls = 3
	}
	if o.DirectoryAttempts <= 0 {
		o.DirectoryAttempts = 5
	}
	if o.HistoryAttempts <= 0 {
		o.HistoryAttempts = 20
	}
	if o.BackfillCap <= 0 {
		o.BackfillCap = 500
	}
	return o
}

// Service runs directory refreshes and message synchronization for
// accounts. All methods are safe for concurrent use across distinct
// accounts; per-conversation mutual exclusion is enforced through the
// distributed lock.
type Service struct {
	db     *store.DB
	driver browser.Driver
	locker *lock.Locker
	crm    CRM
	bus    *bus.Bus
	log    *zap.Logger
	opts   Options

	now func() time.Time
}

func New(db *store.DB, driver browser.Driver, locker *lock.Locker, c CRM, b *bus.Bus, log *zap.Logger, opts Options) *Service {
	return &Service{
		db:     db,
		driver: driver,
		locker: locker,
		crm:    c,
		bus:    b,
		log:    log.Named("scrape"),
		opts:   opts.withDefaults(),
		now:    time.Now,
	}
}

// Activate performs the initial setup for a pending account: a directory
// refresh followed by a full backfill of every discovered conversation.
// On success the account becomes active.
func (s *Service) Activate(ctx context.Context, accountID int64) error {
	acct, err := s.db.GetAccount(accountID)
	if err != nil {
		return err
	}
	if acct == nil {
		return fmt.Errorf("account %d not found", accountID)
	}

	if err := s.RefreshDirectory(ctx, accountID); err != nil {
		s.markSetupFailure(acct, err)
		return err
	}

	threads, err := s.db.ListThreads(accountID)
	if err != nil {
		return err
	}
	urls := make([]string, 0, len(threads))
	for _, t := range threads {
		urls = append(urls, t.URL)
	}
	if len(urls) > 0 {
		if _, err := s.SyncChats(ctx, accountID, urls, true); err != nil {
			s.markSetupFailure(acct, err)
			return err
		}
	}

	if err := s.db.MarkInitialSetupDone(accountID); err != nil {
		return err
	}
	return s.transition(acct, status.Active)
}

// SyncAll synchronizes every known conversation of an account, refreshing
// the directory first when none are known yet.
func (s *Service) SyncAll(ctx context.Context, accountID int64) (*BatchResult, error) {
	threads, err := s.db.ListThreads(accountID)
	if err != nil {
		return nil, err
	}
	if len(threads) == 0 {
		if err := s.RefreshDirectory(ctx, accountID); err != nil {
			return nil, err
		}
		if threads, err = s.db.ListThreads(accountID); err != nil {
			return nil, err
		}
	}
	urls := make([]string, 0, len(threads))
	for _, t := range threads {
		urls = append(urls, t.URL)
	}
	return s.SyncChats(ctx, accountID, urls, true)
}

// markSetupFailure retags a failed activation of a still-pending account
// with the initialSetup detail type, so recovery re-runs the whole setup
// rather than the slice that happened to fail.
func (s *Service) markSetupFailure(acct *store.Account, cause error) {
	if acct.LoginStatus != store.LoginPending {
		return
	}
	if err := s.db.RecordPendingFailure(acct.ID, Classify(cause), &store.ErrorDetails{Type: store.DetailInitialSetup}); err != nil {
		s.log.Error("recording setup failure", zap.Int64("account_id", acct.ID), zap.Error(err))
	}
}

// transition moves an account's login status through the lifecycle machine,
// which validates the move and emits the status event. Disallowed moves are
// skipped silently so a directory refresh on a pending account cannot
// activate it early.
func (s *Service) transition(acct *store.Account, to status.State) error {
	m := status.NewMachine(acct.ID, status.State(acct.LoginStatus), s.bus)
	if m.Transition(to) != nil {
		return nil
	}
	return s.db.UpdateLoginStatus(acct.ID, string(to))
}

// recordFailure persists a scrape failure on the account. Active and
// errored accounts flip to the error status; pending accounts keep their
// status and only record the reason, the pending sweep retries them.
func (s *Service) recordFailure(acct *store.Account, cause error, details *store.ErrorDetails) {
	reason := Classify(cause)
	s.log.Warn("scrape failed",
		zap.Int64("account_id", acct.ID),
		zap.String("detail_type", details.Type),
		zap.String("url", details.URL),
		zap.String("reason", reason))

	var err error
	if acct.LoginStatus == store.LoginPending {
		err = s.db.RecordPendingFailure(acct.ID, reason, details)
	} else {
		err = s.db.SetAccountError(acct.ID, reason, details)
		// Emits the status event on active accounts; an already-errored
		// account has no legal move and stays silent.
		m := status.NewMachine(acct.ID, status.State(acct.LoginStatus), s.bus)
		_ = m.Transition(status.Error)
	}
	if err != nil {
		s.log.Error("recording failure", zap.Int64("account_id", acct.ID), zap.Error(err))
	}

	s.bus.Publish(bus.Event{
		Kind:      bus.KindScrapeFailed,
		Timestamp: s.now(),
		Payload:   bus.Progress{AccountID: acct.ID},
	})
}
