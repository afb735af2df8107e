package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const accountCols = `id, name, owner_id, proxy_url, session_blob, login_status,
	COALESCE(last_error, ''), error_details, resolve_error_retry_count, initial_setup_status`

func scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	var a Account
	var details sql.NullString
	err := row.Scan(&a.ID, &a.Name, &a.OwnerID, &a.ProxyURL, &a.SessionBlob,
		&a.LoginStatus, &a.LastError, &details, &a.ResolveErrorRetryCount, &a.InitialSetupStatus)
	if err != nil {
		return nil, err
	}
	if details.Valid && details.String != "" {
		var d ErrorDetails
		if err := json.Unmarshal([]byte(details.String), &d); err != nil {
			return nil, fmt.Errorf("decode error_details: %w", err)
		}
		a.ErrorDetails = &d
	}
	return &a, nil
}

// CreateAccount inserts a new account in pending state and returns its id.
func (db *DB) CreateAccount(a *Account) (int64, error) {
	now := time.Now().UnixMilli()
	status := a.LoginStatus
	if status == "" {
		status = LoginPending
	}
	res, err := db.Exec(`
		INSERT INTO accounts (name, owner_id, proxy_url, session_blob, login_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.Name, a.OwnerID, a.ProxyURL, a.SessionBlob, status, now, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetAccount returns a single account by id, or nil when absent.
func (db *DB) GetAccount(id int64) (*Account, error) {
	a, err := scanAccount(db.QueryRow(`SELECT `+accountCols+` FROM accounts WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func (db *DB) listAccounts(query string, args ...any) ([]*Account, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var accts []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accts = append(accts, a)
	}
	return accts, rows.Err()
}

// ListAllAccounts returns every account ordered by id.
func (db *DB) ListAllAccounts() ([]*Account, error) {
	return db.listAccounts(`SELECT ` + accountCols + ` FROM accounts ORDER BY id`)
}

// ListAccountsByStatus returns all accounts with the given login status.
func (db *DB) ListAccountsByStatus(status string) ([]*Account, error) {
	return db.listAccounts(`SELECT `+accountCols+` FROM accounts WHERE login_status = ? ORDER BY id`, status)
}

// ListPendingAccounts returns accounts awaiting first activation.
func (db *DB) ListPendingAccounts() ([]*Account, error) {
	return db.ListAccountsByStatus(LoginPending)
}

// ListRecoverableAccounts returns error accounts the watcher may still
// re-drive: the typed detail payload is present. Terminal accounts have it
// cleared and are excluded.
func (db *DB) ListRecoverableAccounts() ([]*Account, error) {
	return db.listAccounts(`SELECT ` + accountCols + ` FROM accounts
		WHERE login_status = 'error' AND error_details IS NOT NULL ORDER BY id`)
}

// UpdateLoginStatus writes a new login status.
func (db *DB) UpdateLoginStatus(id int64, status string) error {
	_, err := db.Exec(`UPDATE accounts SET login_status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UnixMilli(), id)
	return err
}

// UpdateSessionBlob persists a refreshed browser session export.
func (db *DB) UpdateSessionBlob(id int64, blob []byte) error {
	_, err := db.Exec(`UPDATE accounts SET session_blob = ?, updated_at = ? WHERE id = ?`,
		blob, time.Now().UnixMilli(), id)
	return err
}

// SetAccountError records a failure with its typed detail payload and moves
// the account to the error status.
func (db *DB) SetAccountError(id int64, lastError string, details *ErrorDetails) error {
	var raw any
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("encode error_details: %w", err)
		}
		raw = string(b)
	}
	_, err := db.Exec(`
		UPDATE accounts SET login_status = 'error', last_error = ?, error_details = ?, updated_at = ?
		WHERE id = ?`,
		lastError, raw, time.Now().UnixMilli(), id)
	return err
}

// RecordPendingFailure stores failure details on an account that has never
// been active, without flipping it to the error status. The pending sweep
// keeps retrying such accounts.
func (db *DB) RecordPendingFailure(id int64, lastError string, details *ErrorDetails) error {
	var raw any
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("encode error_details: %w", err)
		}
		raw = string(b)
	}
	_, err := db.Exec(`
		UPDATE accounts SET last_error = ?, error_details = ?, updated_at = ?
		WHERE id = ?`,
		lastError, raw, time.Now().UnixMilli(), id)
	return err
}

// ClearAccountError resets error state and returns the account to active.
func (db *DB) ClearAccountError(id int64) error {
	_, err := db.Exec(`
		UPDATE accounts SET login_status = 'active', last_error = NULL, error_details = NULL,
			resolve_error_retry_count = 0, updated_at = ?
		WHERE id = ?`,
		time.Now().UnixMilli(), id)
	return err
}

// IncrementRetryCount bumps the recovery retry counter.
func (db *DB) IncrementRetryCount(id int64) error {
	_, err := db.Exec(`
		UPDATE accounts SET resolve_error_retry_count = resolve_error_retry_count + 1, updated_at = ?
		WHERE id = ?`,
		time.Now().UnixMilli(), id)
	return err
}

// MarkTerminal freezes an account in a terminal error state: counter reset,
// detail payload cleared, reason normalized. The watcher skips such accounts.
func (db *DB) MarkTerminal(id int64, normalizedReason string) error {
	_, err := db.Exec(`
		UPDATE accounts SET login_status = 'error', last_error = ?, error_details = NULL,
			resolve_error_retry_count = 0, updated_at = ?
		WHERE id = ?`,
		normalizedReason, time.Now().UnixMilli(), id)
	return err
}

// MarkInitialSetupDone flags the first completed activation.
func (db *DB) MarkInitialSetupDone(id int64) error {
	_, err := db.Exec(`UPDATE accounts SET initial_setup_status = 1, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id)
	return err
}
