package models

// Conversation is shared state across its participants. No single client
// owns it; all mutations besides creation are field-scoped partial updates
// so concurrent writers never clobber unrelated fields.
//
// Map keys (UnreadCounts, TypingInfo, ClearedAt) are always a subset of
// ParticipantIDs.
type Conversation struct {
	ID               string            `json:"id"`
	ParticipantIDs   []string          `json:"participantIds"`
	ParticipantNames map[string]string `json:"participantNames,omitempty"`

	// Denormalized last-message summary for list rendering.
	LastMessage         string      `json:"lastMessage,omitempty"`
	LastMessageKind     MessageKind `json:"lastMessageType,omitempty"`
	LastMessageTS       int64       `json:"lastMessageTime,omitempty"`
	LastMessageSenderID string      `json:"lastMessageSenderId,omitempty"`

	// Per-participant unread counters.
	UnreadCounts map[string]int64 `json:"unreadCounts,omitempty"`
	// Per-participant typing timestamps (ns). Absence means not typing.
	TypingInfo map[string]int64 `json:"typingInfo,omitempty"`
	// Per-participant cleared-history watermarks (ns).
	ClearedAt map[string]int64 `json:"clearedAt,omitempty"`

	CreatedTS int64  `json:"createdTs,omitempty"`
	IsGroup   bool   `json:"isGroup,omitempty"`
	GroupName string `json:"groupName,omitempty"`
}

// OtherParticipant returns the id of the peer in a 1:1 conversation, or ""
// when the conversation is a group or selfID is not a participant.
func (c Conversation) OtherParticipant(selfID string) string {
	if c.IsGroup || len(c.ParticipantIDs) != 2 {
		return ""
	}
	switch selfID {
	case c.ParticipantIDs[0]:
		return c.ParticipantIDs[1]
	case c.ParticipantIDs[1]:
		return c.ParticipantIDs[0]
	}
	return ""
}

// HasParticipant reports whether id is a member of the conversation.
func (c Conversation) HasParticipant(id string) bool {
	for _, p := range c.ParticipantIDs {
		if p == id {
			return true
		}
	}
	return false
}

// Unread returns the unread counter for a participant.
func (c Conversation) Unread(id string) int64 {
	if c.UnreadCounts == nil {
		return 0
	}
	return c.UnreadCounts[id]
}
