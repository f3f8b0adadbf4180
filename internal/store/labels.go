package store

import "database/sql"

// GetMessageInternalID resolves a message's internal row id from its source
// message id, or ok=false if no such message exists locally.
func (s *Store) GetMessageInternalID(sourceID int64, sourceMessageID string) (id int64, ok bool, err error) {
	err = s.db.QueryRow(`
		SELECT id FROM messages WHERE source_id = ? AND source_message_id = ?
	`, sourceID, sourceMessageID).Scan(&id)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, err
	}
	return id, true, nil
}

// GetMessageLabelIDs returns the internal label ids currently attached to a message.
func (s *Store) GetMessageLabelIDs(messageID int64) ([]int64, error) {
	rows, err := s.db.Query(`SELECT label_id FROM message_labels WHERE message_id = ?`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LabelIDBySourceID resolves an internal label id from its Gmail label id,
// restricted to labels already known locally for the account.
func (s *Store) LabelIDBySourceID(sourceID int64, sourceLabelID string) (id int64, ok bool, err error) {
	err = s.db.QueryRow(`
		SELECT id FROM labels WHERE source_id = ? AND source_label_id = ?
	`, sourceID, sourceLabelID).Scan(&id)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, err
	}
	return id, true, nil
}

// SetMessageRead flips a message's read flag.
func (s *Store) SetMessageRead(messageID int64, read bool) error {
	_, err := s.db.Exec(`UPDATE messages SET is_read = ? WHERE id = ?`, read, messageID)
	return err
}

// IsMessageRead reports a message's current read flag.
func (s *Store) IsMessageRead(messageID int64) (bool, error) {
	var read bool
	err := s.db.QueryRow(`SELECT is_read FROM messages WHERE id = ?`, messageID).Scan(&read)
	return read, err
}

// RecomputeLabelUnreadCount recomputes and persists a single label's unread
// count as the number of its attached messages with is_read = false.
func (s *Store) RecomputeLabelUnreadCount(labelID int64) error {
	_, err := s.db.Exec(`
		UPDATE labels SET unread_count = (
			SELECT COUNT(*) FROM message_labels ml
			JOIN messages m ON m.id = ml.message_id
			WHERE ml.label_id = ? AND m.is_read = 0
		) WHERE id = ?
	`, labelID, labelID)
	return err
}

// RecomputeLabelUnreadCounts recomputes unread counts for several labels.
func (s *Store) RecomputeLabelUnreadCounts(labelIDs []int64) error {
	seen := make(map[int64]bool, len(labelIDs))
	for _, id := range labelIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if err := s.RecomputeLabelUnreadCount(id); err != nil {
			return err
		}
	}
	return nil
}
