package store

import (
	"database/sql"
	"time"
)

// UpsertMessage inserts or updates a message. Idempotent on
// (conversation_id, message_index): re-syncing an unchanged conversation
// overwrites in place, never duplicates.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, sender, text, timestamp, message_index, crm_message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, message_index) DO UPDATE SET
			sender = excluded.sender,
			text = excluded.text,
			timestamp = excluded.timestamp`,
		m.ConversationID, m.Sender, m.Text, m.Timestamp, m.MessageIndex, m.CRMMessageID, now)
	return err
}

// SetCRMMessageID records the external id returned by the CRM for a message.
func (db *DB) SetCRMMessageID(conversationID int64, messageIndex int, crmMessageID string) error {
	_, err := db.Exec(`
		UPDATE messages SET crm_message_id = ?
		WHERE conversation_id = ? AND message_index = ?`,
		crmMessageID, conversationID, messageIndex)
	return err
}

// LastMessage returns the most recent stored message for a conversation by
// index, or nil when none exists. Its text and index form the resume anchor.
func (db *DB) LastMessage(conversationID int64) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, conversation_id, sender, text, timestamp, message_index, crm_message_id
		FROM messages WHERE conversation_id = ?
		ORDER BY message_index DESC LIMIT 1`, conversationID).
		Scan(&m.ID, &m.ConversationID, &m.Sender, &m.Text, &m.Timestamp, &m.MessageIndex, &m.CRMMessageID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns a conversation's messages ordered by index.
func (db *DB) ListMessages(conversationID int64) ([]Message, error) {
	rows, err := db.Query(`
		SELECT id, conversation_id, sender, text, timestamp, message_index, crm_message_id
		FROM messages WHERE conversation_id = ?
		ORDER BY message_index ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Sender, &m.Text, &m.Timestamp, &m.MessageIndex, &m.CRMMessageID); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
