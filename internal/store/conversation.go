package store

import (
	"database/sql"
	"time"
)

// CreateConversation inserts a conversation for a chat URL. Idempotent on the
// URL: a concurrent insert loses quietly and the existing row is returned.
func (db *DB) CreateConversation(chatURL, partnerName string, accountID int64) (*Conversation, error) {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (chat_url, account_id, partner_name, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_url) DO UPDATE SET partner_name = excluded.partner_name`,
		chatURL, accountID, partnerName, now)
	if err != nil {
		return nil, err
	}
	return db.GetConversationByURL(chatURL)
}

// GetConversationByURL returns the conversation for a chat URL, or nil.
func (db *DB) GetConversationByURL(chatURL string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT id, chat_url, account_id, partner_name, crm_contact_id, crm_conversation_id, initial_scrape_status
		FROM conversations WHERE chat_url = ?`, chatURL).
		Scan(&c.ID, &c.ChatURL, &c.AccountID, &c.PartnerName, &c.CRMContactID,
			&c.CRMConversationID, &c.InitialScrapeStatus)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SetCRMIDs records the downstream contact and conversation ids. Write-once:
// an already-set crm_conversation_id is never overwritten.
func (db *DB) SetCRMIDs(conversationID int64, contactID, crmConversationID string) error {
	_, err := db.Exec(`
		UPDATE conversations SET crm_contact_id = ?, crm_conversation_id = ?
		WHERE id = ? AND crm_conversation_id = ''`,
		contactID, crmConversationID, conversationID)
	return err
}

// MarkInitialScrape flags the first full scrape completion for a conversation.
func (db *DB) MarkInitialScrape(conversationID int64) error {
	_, err := db.Exec(`UPDATE conversations SET initial_scrape_status = 1 WHERE id = ?`, conversationID)
	return err
}
