package store

import "database/sql"

// MessageAddress is a display-name/email pair attached to a message.
type MessageAddress struct {
	Name  string
	Email string
}

// MessageAttachmentInfo describes an attachment for display purposes.
type MessageAttachmentInfo struct {
	ID          int64
	Filename    string
	MimeType    string
	Size        int64
	ContentHash string
}

// MessageDetail is the full, human-displayable view of a single message,
// assembled from the messages/conversations/recipients/labels/attachments
// tables in one place so callers (the CLI, tests) don't need schema knowledge.
type MessageDetail struct {
	ID              int64
	SourceID        int64
	SourceMessageID string
	ConversationID  int64
	Subject         string
	Snippet         string
	SentAt          sql.NullTime
	ReceivedAt      sql.NullTime
	SizeEstimate    int64
	HasAttachments  bool
	From            []MessageAddress
	To              []MessageAddress
	Cc              []MessageAddress
	Bcc             []MessageAddress
	Labels          []string
	Attachments     []MessageAttachmentInfo
	BodyText        string
	BodyHTML        string
}

// GetMessageDetail returns the full detail view for a message by internal ID.
// Returns (nil, nil) if no such message exists.
func (s *Store) GetMessageDetail(id int64) (*MessageDetail, error) {
	return s.loadMessageDetail("m.id = ?", id)
}

// GetMessageDetailBySourceID returns the full detail view for a message by
// its Gmail (source) message ID. Returns (nil, nil) if no such message exists.
func (s *Store) GetMessageDetailBySourceID(sourceMessageID string) (*MessageDetail, error) {
	return s.loadMessageDetail("m.source_message_id = ?", sourceMessageID)
}

func (s *Store) loadMessageDetail(whereClause string, arg interface{}) (*MessageDetail, error) {
	d := &MessageDetail{}
	var subject, snippet sql.NullString
	err := s.db.QueryRow(s.Rebind(`
		SELECT m.id, m.source_id, m.source_message_id, m.conversation_id, m.subject, m.snippet,
		       m.sent_at, m.received_at, m.size_estimate, m.has_attachments
		FROM messages m
		WHERE `+whereClause), arg).Scan(
		&d.ID, &d.SourceID, &d.SourceMessageID, &d.ConversationID, &subject, &snippet,
		&d.SentAt, &d.ReceivedAt, &d.SizeEstimate, &d.HasAttachments)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.Subject = subject.String
	d.Snippet = snippet.String

	if err := s.loadRecipientsInto(d); err != nil {
		return nil, err
	}
	if err := s.loadLabelsInto(d); err != nil {
		return nil, err
	}
	if err := s.loadAttachmentsInto(d); err != nil {
		return nil, err
	}

	var bodyText, bodyHTML sql.NullString
	err = s.db.QueryRow(s.Rebind(
		"SELECT body_text, body_html FROM message_bodies WHERE message_id = ?"), d.ID).
		Scan(&bodyText, &bodyHTML)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	d.BodyText = bodyText.String
	d.BodyHTML = bodyHTML.String

	return d, nil
}

func (s *Store) loadRecipientsInto(d *MessageDetail) error {
	rows, err := s.db.Query(s.Rebind(`
		SELECT mr.recipient_type, mr.display_name, p.email_address
		FROM message_recipients mr
		JOIN participants p ON mr.participant_id = p.id
		WHERE mr.message_id = ?
	`), d.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var recipType, displayName, email string
		if err := rows.Scan(&recipType, &displayName, &email); err != nil {
			return err
		}
		addr := MessageAddress{Name: displayName, Email: email}
		switch recipType {
		case "from":
			d.From = append(d.From, addr)
		case "to":
			d.To = append(d.To, addr)
		case "cc":
			d.Cc = append(d.Cc, addr)
		case "bcc":
			d.Bcc = append(d.Bcc, addr)
		}
	}
	return rows.Err()
}

func (s *Store) loadLabelsInto(d *MessageDetail) error {
	rows, err := s.db.Query(s.Rebind(`
		SELECT l.name FROM message_labels ml
		JOIN labels l ON ml.label_id = l.id
		WHERE ml.message_id = ?
		ORDER BY l.name
	`), d.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		d.Labels = append(d.Labels, name)
	}
	return rows.Err()
}

func (s *Store) loadAttachmentsInto(d *MessageDetail) error {
	rows, err := s.db.Query(s.Rebind(`
		SELECT id, filename, mime_type, size, content_hash
		FROM attachments WHERE message_id = ?
	`), d.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var a MessageAttachmentInfo
		if err := rows.Scan(&a.ID, &a.Filename, &a.MimeType, &a.Size, &a.ContentHash); err != nil {
			return err
		}
		d.Attachments = append(d.Attachments, a)
	}
	return rows.Err()
}
