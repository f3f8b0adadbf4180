package sync

import (
	"context"
	"fmt"
	"strings"

	"github.com/wesm/msgvault/internal/outbox"
	"github.com/wesm/msgvault/internal/store"
)

// splitAddresses turns a comma-separated address list back into recipients.
// Outbox rows store plain addresses (no display names) since the compose
// step already resolved names at write time.
func splitAddresses(csv string) []outbox.Recipient {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	recipients := make([]outbox.Recipient, 0, len(parts))
	for _, p := range parts {
		addr := strings.TrimSpace(p)
		if addr == "" {
			continue
		}
		recipients = append(recipients, outbox.Recipient{Addr: addr})
	}
	return recipients
}

// SendOutboxMessage builds, sends, and retires a single queued outbox
// message. On success the outbox row is deleted and the returned Gmail ID is
// synced into the replica as a sent copy. If building or sending fails, the
// row is kept and marked failed via MarkOutboxFailed.
func (s *Syncer) SendOutboxMessage(ctx context.Context, sourceID int64, row *store.OutboxMessage, fromAddr string) (string, error) {
	if err := s.store.MarkOutboxSending(row.ID); err != nil {
		return "", fmt.Errorf("mark sending: %w", err)
	}

	var threadID string
	if row.InReplyTo.Valid && row.InReplyTo.String != "" {
		original, err := s.store.GetMessageDetailBySourceID(row.InReplyTo.String)
		if err != nil {
			return "", fmt.Errorf("look up original message: %w", err)
		}
		if original != nil {
			threadID, err = s.store.GetConversationSourceID(original.ConversationID)
			if err != nil {
				return "", fmt.Errorf("look up thread id: %w", err)
			}
		}
	}

	msg := &outbox.Message{
		From:      outbox.Recipient{Addr: fromAddr},
		To:        splitAddresses(row.ToAddresses),
		Cc:        splitAddresses(row.CcAddresses),
		Bcc:       splitAddresses(row.BccAddresses),
		Subject:   row.Subject.String,
		BodyHTML:  row.BodyHTML.String,
		InReplyTo: row.InReplyTo.String,
	}

	raw, err := outbox.Build(msg)
	if err != nil {
		_ = s.store.MarkOutboxFailed(row.ID, err.Error())
		return "", fmt.Errorf("build message: %w", err)
	}

	sentID, err := s.client.SendMessage(ctx, raw, threadID)
	if err != nil {
		_ = s.store.MarkOutboxFailed(row.ID, err.Error())
		return "", fmt.Errorf("send message: %w", err)
	}

	if err := s.store.CompleteOutboxSend(row.ID, sentID); err != nil {
		return sentID, fmt.Errorf("complete outbox send: %w", err)
	}

	labelMap, err := s.syncLabels(ctx, sourceID)
	if err != nil {
		s.logger.Warn("failed to refresh labels after send", "error", err)
		return sentID, nil
	}

	rawMsg, err := s.client.GetMessageRaw(ctx, sentID)
	if err != nil {
		s.logger.Warn("failed to fetch sent message for replica sync", "message_id", sentID, "error", err)
		return sentID, nil
	}

	if err := s.ingestMessage(ctx, sourceID, rawMsg, threadID, labelMap); err != nil {
		s.logger.Warn("failed to ingest sent message into replica", "message_id", sentID, "error", err)
	}

	return sentID, nil
}
