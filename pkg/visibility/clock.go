// Package visibility computes the per-user cleared-history watermark and
// the comparisons derived from it. Message filtering and conversation-list
// filtering intentionally live in one place so both call sites share the
// exact same strict greater-than semantics.
package visibility

import "chatsync/pkg/models"

// Watermark returns the cleared-at cutoff (ns) for userID and whether one
// exists. No entry, or a non-positive entry, means everything is visible.
func Watermark(clearedAt map[string]int64, userID string) (int64, bool) {
	if clearedAt == nil {
		return 0, false
	}
	w, ok := clearedAt[userID]
	if !ok || w <= 0 {
		return 0, false
	}
	return w, true
}

// MessageVisible reports whether a message timestamped ts is visible under
// the given watermark. Boundary: ts == w is hidden.
func MessageVisible(ts int64, w int64, hasWatermark bool) bool {
	if !hasWatermark {
		return true
	}
	return ts > w
}

// ConversationVisible reports whether a conversation appears in userID's
// directory: visible iff no watermark exists, or the last message is
// strictly newer than the watermark. Clearing history hides a conversation
// until new content arrives after the clear point.
func ConversationVisible(c models.Conversation, userID string) bool {
	w, ok := Watermark(c.ClearedAt, userID)
	return MessageVisible(c.LastMessageTS, w, ok)
}
