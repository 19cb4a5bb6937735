package engine

import (
	"context"
	"fmt"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
)

// MarkRead is the recipient-driven bulk transition: every message in the
// conversation not authored by userID moves to read, and userID's unread
// counter resets to zero. The model collapses delivered into the same
// operation; there is no separate reached-device acknowledgment.
//
// Both writes are field-scoped so concurrent sends from other
// participants are never clobbered.
func (e *Engine) MarkRead(ctx context.Context, conversationID, userID string) error {
	snap, err := e.store.List(ctx, "conversations/"+conversationID+"/messages")
	if err != nil {
		return &WriteError{Op: "mark read", Err: err}
	}
	for _, doc := range snap.Docs {
		m, derr := docToMessage(doc)
		if derr != nil {
			continue
		}
		if m.SenderID == userID || m.Deleted {
			continue
		}
		if !models.CanAdvance(m.Status, models.StatusRead) {
			continue
		}
		path := fmt.Sprintf("conversations/%s/messages/%s", conversationID, m.ID)
		if uerr := e.store.Update(ctx, path, map[string]any{"status": string(models.StatusRead)}); uerr != nil {
			return &WriteError{Op: "mark read", Err: uerr}
		}
	}
	err = e.store.Update(ctx, "conversations/"+conversationID, map[string]any{
		"unreadCounts." + userID: int64(0),
	})
	if err != nil {
		return &WriteError{Op: "mark read", Err: err}
	}
	logger.Debug("marked_read", "conversation", conversationID, "user", userID)
	return nil
}

// advanceStatus moves a single message's status forward. Regressions are
// rejected locally before any write is issued.
func (e *Engine) advanceStatus(ctx context.Context, conversationID string, m models.Message, to models.MessageStatus) error {
	if !models.CanAdvance(m.Status, to) {
		return fmt.Errorf("illegal status transition %s -> %s", m.Status, to)
	}
	path := fmt.Sprintf("conversations/%s/messages/%s", conversationID, m.ID)
	return e.store.Update(ctx, path, map[string]any{"status": string(to)})
}
