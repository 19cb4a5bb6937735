package models

// User is a chat identity. Mutated by the owning user's profile edits and
// by presence heartbeats; removed only on account deletion.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Online      bool   `json:"online,omitempty"`
	// LastSeen is a ns timestamp updated by presence heartbeats.
	LastSeen int64  `json:"lastSeen,omitempty"`
	Status   string `json:"status,omitempty"`
	// AvatarB64 is an optional inline avatar payload.
	AvatarB64 string `json:"avatarB64,omitempty"`
}
