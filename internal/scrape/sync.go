package scrape

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/marketsync/marketsync/internal/browser"
	"github.com/marketsync/marketsync/internal/bus"
	"github.com/marketsync/marketsync/internal/crm"
	"github.com/marketsync/marketsync/internal/store"
)

// BatchResult summarizes one SyncChats invocation.
type BatchResult struct {
	Total     int
	Processed int
	Skipped   int
	Messages  int
}

// SyncChats synchronizes the given conversation URLs for an account. Each
// URL is guarded by the distributed conversation lock; a held lock skips
// the URL rather than waiting. In batch mode a per-URL failure is recorded
// on the account and the remaining URLs still run; in single mode the
// first failure stops the batch.
func (s *Service) SyncChats(ctx context.Context, accountID int64, urls []string, batch bool) (*BatchResult, error) {
	acct, err := s.db.GetAccount(accountID)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, fmt.Errorf("account %d not found", accountID)
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("account %d: no chat urls to sync", accountID)
	}

	partnerByURL := make(map[string]string)
	threads, err := s.db.ListThreads(accountID)
	if err != nil {
		return nil, err
	}
	for _, t := range threads {
		partnerByURL[t.URL] = t.PartnerName
	}

	sess, err := s.driver.WithSession(ctx, acct)
	if err != nil {
		s.recordFailure(acct, err, &store.ErrorDetails{Type: store.DetailSingleChat})
		return nil, err
	}
	defer sess.Close()

	res := &BatchResult{Total: len(urls)}
	var firstErr error
	for i, url := range urls {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		token, ok, err := s.locker.Acquire(ctx, url)
		if err != nil {
			return res, err
		}
		if !ok {
			s.log.Debug("conversation locked elsewhere, skipping", zap.String("url", url))
			res.Skipped++
			continue
		}

		partner, count, syncErr := s.syncOne(ctx, sess, acct, url, partnerByURL[url])
		if relErr := s.locker.Release(ctx, url, token); relErr != nil {
			s.log.Warn("lock release failed", zap.String("url", url), zap.Error(relErr))
		}
		if syncErr != nil {
			s.recordFailure(acct, syncErr, &store.ErrorDetails{Type: store.DetailSingleChat, URL: url})
			if !batch {
				return res, syncErr
			}
			if firstErr == nil {
				firstErr = syncErr
			}
			continue
		}

		res.Processed++
		res.Messages += count
		s.bus.Publish(bus.Event{
			Kind:      bus.KindScrapeProgress,
			Timestamp: s.now(),
			Payload:   bus.Progress{AccountID: accountID, Current: i + 1, Total: len(urls), Partner: partner},
		})
	}

	s.bus.Publish(bus.Event{
		Kind:      bus.KindScrapeCompleted,
		Timestamp: s.now(),
		Payload:   bus.Progress{AccountID: accountID, Current: res.Processed, Total: res.Total},
	})
	return res, firstErr
}

// syncOne runs the full pipeline for one conversation: resolve the local
// and CRM records, compute the resume anchor, scroll history back to it,
// persist everything after it and forward downstream. The caller holds the
// conversation lock.
func (s *Service) syncOne(ctx context.Context, sess browser.Session, acct *store.Account, url, knownPartner string) (partner string, count int, err error) {
	conv, err := s.resolveConversation(ctx, acct, url, knownPartner)
	if err != nil {
		return "", 0, err
	}

	last, err := s.db.LastMessage(conv.ID)
	if err != nil {
		return "", 0, err
	}
	anchor := anchorFrom(last)

	if err := sess.Goto(ctx, url); err != nil {
		return "", 0, err
	}
	prompt, err := sess.IsLoginPrompt(ctx)
	if err != nil {
		return "", 0, err
	}
	if prompt {
		return "", 0, browser.ErrCookiesExpired
	}

	partner = knownPartner
	if name, err := sess.PartnerName(ctx); err == nil && name != "" {
		partner = name
	}

	rows, err := s.loadHistory(ctx, sess, anchor)
	if err != nil {
		return partner, 0, err
	}

	now := s.now()
	fresh := FilterAfterAnchor(rows, anchor, now)
	if anchor == nil && len(fresh) > s.opts.BackfillCap {
		fresh = fresh[len(fresh)-s.opts.BackfillCap:]
	}
	if len(fresh) == 0 {
		s.log.Debug("no new messages", zap.String("url", url))
		return partner, 0, s.finalize(ctx, sess, acct, conv)
	}

	base := 0
	if anchor != nil {
		base = anchor.Index
	}
	for j, r := range fresh {
		sender := partner
		if r.FromSelf {
			sender = acct.Name
		}
		msg := &store.Message{
			ConversationID: conv.ID,
			Sender:         sender,
			Text:           r.Text,
			Timestamp:      ParseTimestamp(r.Timestamp, now),
			MessageIndex:   base + j + 1,
		}
		if err := s.db.UpsertMessage(msg); err != nil {
			return partner, count, err
		}
		count++

		if conv.CRMConversationID == "" {
			continue
		}
		extID, err := s.crm.ForwardMessage(ctx, conv.CRMConversationID, sender, r.Text)
		if err != nil {
			// Already persisted locally; the next run resumes past it and
			// only the forward is lost, mirroring at-least-once delivery.
			return partner, count, err
		}
		if err := s.db.SetCRMMessageID(conv.ID, msg.MessageIndex, extID); err != nil {
			return partner, count, err
		}
	}

	s.log.Info("conversation synced",
		zap.Int64("account_id", acct.ID),
		zap.String("partner", partner),
		zap.Int("messages", count))
	return partner, count, s.finalize(ctx, sess, acct, conv)
}

// resolveConversation returns the conversation row for a chat URL, creating
// it and its CRM counterpart on first contact. CRM creation is retried on
// every sync until the write-once ids stick.
func (s *Service) resolveConversation(ctx context.Context, acct *store.Account, url, partner string) (*store.Conversation, error) {
	conv, err := s.db.GetConversationByURL(url)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		if conv, err = s.db.CreateConversation(url, partner, acct.ID); err != nil {
			return nil, err
		}
	}
	if conv.CRMConversationID != "" {
		return conv, nil
	}

	result, err := s.crm.CreateContactAndConversation(ctx, crm.ContactRequest{
		AccountOwner: acct.Name,
		ThreadID:     url,
		PartnerName:  partner,
	})
	if err != nil {
		return nil, err
	}
	if err := s.db.SetCRMIDs(conv.ID, result.ContactID, result.ConversationID); err != nil {
		return nil, err
	}
	conv.CRMContactID = result.ContactID
	conv.CRMConversationID = result.ConversationID
	return conv, nil
}

// loadHistory scrolls conversation history upward until the resume anchor
// is visible, the history boundary is hit, or the attempt cap runs out.
// Without an anchor it backfills to the cap or the boundary.
func (s *Service) loadHistory(ctx context.Context, sess browser.Session, anchor *Anchor) ([]browser.Row, error) {
	rows, err := sess.Rows(ctx)
	if err != nil {
		return nil, err
	}
	for attempt := 0; attempt < s.opts.HistoryAttempts; attempt++ {
		if containsAnchor(rows, anchor) {
			return rows, nil
		}
		grew, err := sess.LoadOlder(ctx)
		if err != nil {
			return nil, err
		}
		if !grew {
			break
		}
		if rows, err = sess.Rows(ctx); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

// finalize stamps the first full scrape and refreshes the stored session
// export, then clears error state if the account was recovering.
func (s *Service) finalize(ctx context.Context, sess browser.Session, acct *store.Account, conv *store.Conversation) error {
	if !conv.InitialScrapeStatus {
		if err := s.db.MarkInitialScrape(conv.ID); err != nil {
			return err
		}
	}
	if blob, err := sess.ExportSession(ctx); err == nil && len(blob) > 0 {
		if err := s.db.UpdateSessionBlob(acct.ID, blob); err != nil {
			return err
		}
	}
	return nil
}
