package store

import (
	"database/sql"
	"fmt"
)

// OutboxStatus values for outbox_messages.status.
const (
	OutboxStatusDraft   = "draft"
	OutboxStatusSending = "sending"
	OutboxStatusSent    = "sent"
	OutboxStatusFailed  = "failed"
)

// OutboxMessage is a composed-but-not-yet-sent message queued for delivery.
type OutboxMessage struct {
	ID             int64
	SourceID       int64
	ConversationID sql.NullInt64
	InReplyTo      sql.NullString // source_message_id being replied to
	Subject        sql.NullString
	BodyText       sql.NullString
	BodyHTML       sql.NullString
	ToAddresses    string // comma-separated
	CcAddresses    string
	BccAddresses   string
	Status         string
	SentMessageID  sql.NullString
	ErrorMessage   sql.NullString
	CreatedAt      sql.NullTime
	SentAt         sql.NullTime
}

// CreateOutboxMessage inserts a new draft outbox message and returns its ID.
func (s *Store) CreateOutboxMessage(m *OutboxMessage) (int64, error) {
	result, err := s.db.Exec(`
		INSERT INTO outbox_messages
			(source_id, conversation_id, in_reply_to, subject, body_text, body_html,
			 to_addresses, cc_addresses, bcc_addresses, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.SourceID, m.ConversationID, m.InReplyTo, m.Subject, m.BodyText, m.BodyHTML,
		m.ToAddresses, m.CcAddresses, m.BccAddresses, OutboxStatusDraft)
	if err != nil {
		return 0, fmt.Errorf("insert outbox_message: %w", err)
	}
	return result.LastInsertId()
}

// GetOutboxMessage fetches a single outbox message by ID.
func (s *Store) GetOutboxMessage(id int64) (*OutboxMessage, error) {
	row := s.db.QueryRow(`
		SELECT id, source_id, conversation_id, in_reply_to, subject, body_text, body_html,
		       to_addresses, cc_addresses, bcc_addresses, status, sent_message_id,
		       error_message, created_at, sent_at
		FROM outbox_messages WHERE id = ?
	`, id)
	return scanOutboxMessage(row)
}

// ListPendingOutboxMessages returns draft messages ready to be sent for a source.
func (s *Store) ListPendingOutboxMessages(sourceID int64) ([]*OutboxMessage, error) {
	rows, err := s.db.Query(`
		SELECT id, source_id, conversation_id, in_reply_to, subject, body_text, body_html,
		       to_addresses, cc_addresses, bcc_addresses, status, sent_message_id,
		       error_message, created_at, sent_at
		FROM outbox_messages WHERE source_id = ? AND status = ?
		ORDER BY created_at ASC
	`, sourceID, OutboxStatusDraft)
	if err != nil {
		return nil, fmt.Errorf("query outbox_messages: %w", err)
	}
	defer rows.Close()

	var out []*OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkOutboxSending flips a draft to the sending state.
func (s *Store) MarkOutboxSending(id int64) error {
	_, err := s.db.Exec(`UPDATE outbox_messages SET status = ? WHERE id = ?`, OutboxStatusSending, id)
	return err
}

// MarkOutboxFailed records a send failure and leaves the row for retry/inspection.
func (s *Store) MarkOutboxFailed(id int64, errMsg string) error {
	_, err := s.db.Exec(`
		UPDATE outbox_messages SET status = ?, error_message = ? WHERE id = ?
	`, OutboxStatusFailed, errMsg, id)
	return err
}

// DeleteOutboxMessage removes an outbox row, called on successful send.
func (s *Store) DeleteOutboxMessage(id int64) error {
	_, err := s.db.Exec(`DELETE FROM outbox_messages WHERE id = ?`, id)
	return err
}

// CompleteOutboxSend deletes the outbox row after a successful send.
// sentMessageID is not stored; the sent copy reaches the replica through
// SendOutboxMessage's own fetch and ingest.
func (s *Store) CompleteOutboxSend(id int64, sentMessageID string) error {
	_, err := s.db.Exec(`DELETE FROM outbox_messages WHERE id = ?`, id)
	_ = sentMessageID
	return err
}

// GetConversationSourceID returns the Gmail thread ID for an internal
// conversation ID, used to thread replies sent via OutboxBuilder.
func (s *Store) GetConversationSourceID(conversationID int64) (string, error) {
	var sourceConversationID string
	err := s.db.QueryRow(`
		SELECT source_conversation_id FROM conversations WHERE id = ?
	`, conversationID).Scan(&sourceConversationID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return sourceConversationID, err
}

func scanOutboxMessage(sc scanner) (*OutboxMessage, error) {
	var m OutboxMessage
	err := sc.Scan(
		&m.ID, &m.SourceID, &m.ConversationID, &m.InReplyTo, &m.Subject, &m.BodyText, &m.BodyHTML,
		&m.ToAddresses, &m.CcAddresses, &m.BccAddresses, &m.Status, &m.SentMessageID,
		&m.ErrorMessage, &m.CreatedAt, &m.SentAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
