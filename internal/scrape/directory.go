package scrape

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/marketsync/marketsync/internal/browser"
	"github.com/marketsync/marketsync/internal/status"
	"github.com/marketsync/marketsync/internal/store"
)

// RefreshDirectory scrapes the account's chat directory and replaces the
// stored thread set wholesale. The directory is scrolled until the thread
// count holds steady across consecutive polls, so slow-loading tails are
// not cut off.
func (s *Service) RefreshDirectory(ctx context.Context, accountID int64) error {
	acct, err := s.db.GetAccount(accountID)
	if err != nil {
		return err
	}
	if acct == nil {
		return fmt.Errorf("account %d not found", accountID)
	}

	threads, sessBlob, err := s.scrapeDirectory(ctx, acct)
	if err != nil {
		s.recordFailure(acct, err, &store.ErrorDetails{Type: store.DetailChatList})
		return err
	}

	if err := s.db.ReplaceThreads(accountID, threadRecords(accountID, threads)); err != nil {
		return err
	}
	if len(sessBlob) > 0 {
		if err := s.db.UpdateSessionBlob(accountID, sessBlob); err != nil {
			return err
		}
	}

	s.log.Info("directory refreshed",
		zap.Int64("account_id", accountID),
		zap.Int("threads", len(threads)))

	if acct.LoginStatus == store.LoginError {
		if err := s.db.ClearAccountError(accountID); err != nil {
			return err
		}
		return s.transition(acct, status.Active)
	}
	return nil
}

func (s *Service) scrapeDirectory(ctx context.Context, acct *store.Account) ([]browser.Thread, []byte, error) {
	sess, err := s.driver.WithSession(ctx, acct)
	if err != nil {
		return nil, nil, err
	}
	defer sess.Close()

	prompt, err := sess.IsLoginPrompt(ctx)
	if err != nil {
		return nil, nil, err
	}
	if prompt {
		return nil, nil, browser.ErrCookiesExpired
	}

	var threads []browser.Thread
	for attempt := 0; attempt < s.opts.DirectoryAttempts; attempt++ {
		threads, err = s.pollThreads(ctx, sess)
		if err != nil {
			return nil, nil, err
		}
		if len(threads) > 0 {
			break
		}
	}
	if len(threads) == 0 {
		return nil, nil, fmt.Errorf("chat directory: %w", browser.ErrSelectorTimeout)
	}

	blob, err := sess.ExportSession(ctx)
	if err != nil {
		s.log.Warn("session export failed", zap.Int64("account_id", acct.ID), zap.Error(err))
		blob = nil
	}
	return threads, blob, nil
}

// pollThreads scrolls the directory until the visible thread count is
// unchanged across DirectoryStablePolls consecutive reads. A count that
// keeps moving past the poll budget is a typed failure, not a hang.
func (s *Service) pollThreads(ctx context.Context, sess browser.Session) ([]browser.Thread, error) {
	var (
		threads []browser.Thread
		prev    = -1
		stable  = 0
	)
	maxPolls := s.opts.DirectoryAttempts * s.opts.DirectoryStablePolls
	if floor := s.opts.DirectoryStablePolls + 1; maxPolls < floor {
		maxPolls = floor
	}
	for i := 0; i < maxPolls; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var err error
		threads, err = sess.Threads(ctx)
		if err != nil {
			return nil, err
		}
		if len(threads) == prev {
			stable++
			if stable >= s.opts.DirectoryStablePolls {
				return threads, nil
			}
		} else {
			prev = len(threads)
			stable = 0
		}
		if err := sess.ScrollThreads(ctx); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("thread count did not settle after %d polls: %w", maxPolls, browser.ErrSelectorTimeout)
}

func threadRecords(accountID int64, threads []browser.Thread) []store.ChatThread {
	out := make([]store.ChatThread, 0, len(threads))
	for _, t := range threads {
		out = append(out, store.ChatThread{
			AccountID:   accountID,
			URL:         t.URL,
			PartnerName: t.PartnerName,
			Unread:      t.Unread,
		})
	}
	return out
}
