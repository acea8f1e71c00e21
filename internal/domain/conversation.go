package domain

import "time"

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// TurnType is the media shape of the message a turn was produced from.
type TurnType string

const (
	TurnText  TurnType = "text"
	TurnAudio TurnType = "audio"
	TurnImage TurnType = "image"
)

// Valid reports whether t is one of the known turn types.
func (t TurnType) Valid() bool {
	switch t {
	case TurnText, TurnAudio, TurnImage:
		return true
	}
	return false
}

// TurnMetadata carries optional details about how a turn was produced.
type TurnMetadata struct {
	MediaURL      string
	Transcription string
	DurationMS    int64
	Tokens        int
}

// IsZero reports whether no metadata field is set.
func (m TurnMetadata) IsZero() bool {
	return m == TurnMetadata{}
}

// Turn is a single immutable persisted conversation message.
type Turn struct {
	ID        string
	Phone     string
	Role      Role
	Content   string
	Type      TurnType
	Metadata  TurnMetadata
	CreatedAt time.Time
}

// Continuation is the persisted remainder of a reply that did not fit in one
// outbound segment.
type Continuation struct {
	ID         string
	Phone      string
	Remainder  string
	TurnID     string
	Index      int
	TotalParts int
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the continuation is past its expiry at now.
func (c Continuation) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
