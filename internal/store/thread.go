package store

import (
	"fmt"
	"time"
)

// ReplaceThreads swaps an account's chat thread set for the given one in a
// single transaction. A directory refresh replaces wholesale, never appends.
func (db *DB) ReplaceThreads(accountID int64, threads []ChatThread) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM chat_threads WHERE account_id = ?`, accountID); err != nil {
		return fmt.Errorf("clear threads: %w", err)
	}

	now := time.Now().UnixMilli()
	for _, th := range threads {
		if _, err := tx.Exec(`
			INSERT INTO chat_threads (account_id, url, partner_name, unread, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(account_id, url) DO UPDATE SET
				partner_name = excluded.partner_name,
				unread = excluded.unread,
				updated_at = excluded.updated_at`,
			accountID, th.URL, th.PartnerName, th.Unread, now); err != nil {
			return fmt.Errorf("insert thread: %w", err)
		}
	}

	return tx.Commit()
}

// ListThreads returns all chat threads for an account.
func (db *DB) ListThreads(accountID int64) ([]ChatThread, error) {
	return db.listThreads(`
		SELECT account_id, url, partner_name, unread FROM chat_threads
		WHERE account_id = ? ORDER BY url`, accountID)
}

// ListUnreadThreads returns only the threads flagged unread on the last
// directory refresh.
func (db *DB) ListUnreadThreads(accountID int64) ([]ChatThread, error) {
	return db.listThreads(`
		SELECT account_id, url, partner_name, unread FROM chat_threads
		WHERE account_id = ? AND unread = 1 ORDER BY url`, accountID)
}

func (db *DB) listThreads(query string, args ...any) ([]ChatThread, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var threads []ChatThread
	for rows.Next() {
		var th ChatThread
		if err := rows.Scan(&th.AccountID, &th.URL, &th.PartnerName, &th.Unread); err != nil {
			return nil, err
		}
		threads = append(threads, th)
	}
	return threads, rows.Err()
}
