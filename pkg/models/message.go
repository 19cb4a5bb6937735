package models

// MessageKind discriminates the message payload.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindAudio MessageKind = "audio"
	KindFile  MessageKind = "file"
)

// MessageStatus is the delivery state of a message. Transitions only move
// forward: sending -> sent -> delivered -> read. A recipient-side mark-read
// collapses delivered and read into one transition.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

var statusRank = map[MessageStatus]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// CanAdvance reports whether a status change from `from` to `to` moves
// strictly forward. Regressions are never allowed.
func CanAdvance(from, to MessageStatus) bool {
	fr, ok1 := statusRank[from]
	tr, ok2 := statusRank[to]
	if !ok1 || !ok2 {
		return false
	}
	return tr > fr
}

// Message is a single chat message. Immutable once created except for
// Status, Deleted and the content clearing that accompanies a tombstone.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	SenderName     string      `json:"senderName,omitempty"`
	Kind           MessageKind `json:"type"`
	Content        string      `json:"content"`

	// Kind-specific metadata.
	FileName   string `json:"fileName,omitempty"`
	MimeType   string `json:"mimeType,omitempty"`
	FileSize   int64  `json:"fileSize,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`

	// TS is the server-assigned ordering timestamp (ns).
	TS int64 `json:"timestamp"`

	// Optional reply reference with a denormalized snippet of the target.
	ReplyToID     string `json:"replyToId,omitempty"`
	ReplyToText   string `json:"replyToText,omitempty"`
	ReplyToSender string `json:"replyToSenderName,omitempty"`

	Status  MessageStatus `json:"status"`
	Deleted bool          `json:"isDeleted,omitempty"`
}

// Preview returns the conversation-list preview text for a message,
// appropriate to the payload kind.
func (m Message) Preview() string {
	if m.Deleted {
		return "Message deleted"
	}
	switch m.Kind {
	case KindImage:
		return "Photo"
	case KindAudio:
		return "Voice message"
	case KindFile:
		if m.FileName != "" {
			return "File: " + m.FileName
		}
		return "File"
	default:
		return m.Content
	}
}
