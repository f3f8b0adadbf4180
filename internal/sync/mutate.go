package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/wesm/msgvault/internal/gmail"
)

// swallowBadRequest returns nil if err is a 400 from Gmail, meaning the
// label id in question no longer exists remotely. Every other error is
// returned unchanged.
func swallowBadRequest(err error) error {
	var badReq *gmail.BadRequestError
	if errors.As(err, &badReq) {
		return nil
	}
	return err
}

// modifyLabels issues the remote label mutation, swallowing a 400 (label
// vanished), then applies the same diff to the replica and recomputes
// unread counts for every label touched. sourceID identifies the account
// the message belongs to, since source_label_id is only unique per account.
func (s *Syncer) modifyLabels(ctx context.Context, messageID string, internalID, sourceID int64, addLabelIDs, removeLabelIDs []string) error {
	if err := s.client.ModifyMessage(ctx, messageID, addLabelIDs, removeLabelIDs); err != nil {
		if err := swallowBadRequest(err); err != nil {
			return fmt.Errorf("modify labels remotely: %w", err)
		}
	}

	affected := make(map[int64]bool)
	unreadTouched := false

	var addIDs, removeIDs []int64
	for _, gmailID := range addLabelIDs {
		if gmailID == s.opts.UnreadLabel {
			if err := s.store.SetMessageRead(internalID, false); err != nil {
				return fmt.Errorf("set read flag: %w", err)
			}
			unreadTouched = true
			continue
		}
		if id, ok, err := s.store.LabelIDBySourceID(sourceID, gmailID); err == nil && ok {
			addIDs = append(addIDs, id)
			affected[id] = true
		}
	}
	for _, gmailID := range removeLabelIDs {
		if gmailID == s.opts.UnreadLabel {
			if err := s.store.SetMessageRead(internalID, true); err != nil {
				return fmt.Errorf("set read flag: %w", err)
			}
			unreadTouched = true
			continue
		}
		if id, ok, err := s.store.LabelIDBySourceID(sourceID, gmailID); err == nil && ok {
			removeIDs = append(removeIDs, id)
			affected[id] = true
		}
	}

	if err := s.store.AddMessageLabels(internalID, addIDs); err != nil {
		return fmt.Errorf("add message labels: %w", err)
	}
	if err := s.store.RemoveMessageLabels(internalID, removeIDs); err != nil {
		return fmt.Errorf("remove message labels: %w", err)
	}

	if unreadTouched {
		current, err := s.store.GetMessageLabelIDs(internalID)
		if err == nil {
			for _, id := range current {
				affected[id] = true
			}
		}
	}

	ids := make([]int64, 0, len(affected))
	for id := range affected {
		ids = append(ids, id)
	}
	if err := s.store.RecomputeLabelUnreadCounts(ids); err != nil {
		s.logger.Warn("failed to recompute label unread counts", "error", err)
	}
	return nil
}

// ToggleRead flips a message's read state, remotely first then locally.
func (s *Syncer) ToggleRead(ctx context.Context, messageID string, read bool) error {
	internalID, sourceID, err := s.resolveMessage(messageID)
	if err != nil {
		return err
	}
	if s.opts.UnreadLabel == "" {
		return fmt.Errorf("no unread label configured")
	}

	if read {
		return s.modifyLabels(ctx, messageID, internalID, sourceID, nil, []string{s.opts.UnreadLabel})
	}
	return s.modifyLabels(ctx, messageID, internalID, sourceID, []string{s.opts.UnreadLabel}, nil)
}

// Archive removes every label currently attached to the message, which
// includes the unread label if present — the read flag flips as a side
// effect of that removal, not as a separate step. The label set to remove
// is read live from Gmail rather than the local replica, since the two can
// drift (e.g. a label added from another client since the last sync).
func (s *Syncer) Archive(ctx context.Context, messageID string) error {
	internalID, sourceID, err := s.resolveMessage(messageID)
	if err != nil {
		return err
	}

	sourceLabelIDs, err := s.client.GetMessageLabels(ctx, messageID)
	if err != nil {
		return fmt.Errorf("fetch current labels: %w", err)
	}
	if len(sourceLabelIDs) == 0 {
		return nil
	}

	return s.modifyLabels(ctx, messageID, internalID, sourceID, nil, sourceLabelIDs)
}

// Trash moves a message to trash remotely, then re-syncs its label state via
// a minimal-payload fetch (label ids only, no MIME body) rather than a full
// message re-ingest.
func (s *Syncer) Trash(ctx context.Context, messageID string) error {
	internalID, sourceID, err := s.resolveMessage(messageID)
	if err != nil {
		return err
	}
	if err := s.client.TrashMessage(ctx, messageID); err != nil {
		return fmt.Errorf("trash message remotely: %w", err)
	}

	labelMap, err := s.syncLabels(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("refresh labels: %w", err)
	}
	gmailLabelIDs, err := s.client.GetMessageLabels(ctx, messageID)
	if err != nil {
		return fmt.Errorf("fetch message labels after trash: %w", err)
	}
	return s.applyLabelSnapshot(internalID, labelMap, gmailLabelIDs)
}

// applyLabelSnapshot replaces a message's local label rows with the given
// Gmail label ids, without issuing any remote mutation. The unread label
// flips the read flag instead of attaching as an ordinary label, mirroring
// handleLabelChange's treatment during incremental sync.
func (s *Syncer) applyLabelSnapshot(internalID int64, labelMap map[string]int64, gmailLabelIDs []string) error {
	target := make(map[int64]bool, len(gmailLabelIDs))
	unread := false
	for _, gmailID := range gmailLabelIDs {
		if s.opts.UnreadLabel != "" && gmailID == s.opts.UnreadLabel {
			unread = true
			continue
		}
		if id, ok := labelMap[gmailID]; ok {
			target[id] = true
		}
	}

	current, err := s.store.GetMessageLabelIDs(internalID)
	if err != nil {
		return fmt.Errorf("get current labels: %w", err)
	}
	currentSet := make(map[int64]bool, len(current))
	for _, id := range current {
		currentSet[id] = true
	}

	var toRemove []int64
	for _, id := range current {
		if !target[id] {
			toRemove = append(toRemove, id)
		}
	}
	var toAdd []int64
	for id := range target {
		if !currentSet[id] {
			toAdd = append(toAdd, id)
		}
	}

	if err := s.store.AddMessageLabels(internalID, toAdd); err != nil {
		return fmt.Errorf("add message labels: %w", err)
	}
	if err := s.store.RemoveMessageLabels(internalID, toRemove); err != nil {
		return fmt.Errorf("remove message labels: %w", err)
	}
	if err := s.store.SetMessageRead(internalID, !unread); err != nil {
		return fmt.Errorf("set read flag: %w", err)
	}

	affected := append(append([]int64{}, toAdd...), toRemove...)
	if err := s.store.RecomputeLabelUnreadCounts(affected); err != nil {
		s.logger.Warn("failed to recompute label unread counts", "error", err)
	}
	return nil
}

// Delete permanently deletes a message remotely and marks the local row
// deleted (deleted_from_source_at); the row itself is kept.
func (s *Syncer) Delete(ctx context.Context, messageID string) error {
	_, sourceID, err := s.resolveMessage(messageID)
	if err != nil {
		return err
	}
	if err := s.client.DeleteMessage(ctx, messageID); err != nil {
		return fmt.Errorf("delete message remotely: %w", err)
	}
	return s.store.MarkMessageDeleted(sourceID, messageID)
}

// resolveMessage looks up a message's internal id and owning account from
// its Gmail message id. The account is discovered via the message's
// current detail row rather than a second parameter, since every mutation
// entry point only receives the Gmail message id.
func (s *Syncer) resolveMessage(messageID string) (internalID, sourceID int64, err error) {
	detail, err := s.store.GetMessageDetailBySourceID(messageID)
	if err != nil {
		return 0, 0, fmt.Errorf("look up message: %w", err)
	}
	if detail == nil {
		return 0, 0, fmt.Errorf("message %q not found locally", messageID)
	}
	return detail.ID, detail.SourceID, nil
}
