package domain

import "time"

type Participant struct {
	UserID      string    `json:"user_id" db:"user_id"`
	DisplayName string    `json:"display_name" db:"display_name"`
	AvatarURL   string    `json:"avatar_url,omitempty" db:"avatar_url"`
	JoinedAt    time.Time `json:"joined_at" db:"joined_at"`
	LastSeen    time.Time `json:"last_seen" db:"last_seen"`
}

// Name returns the display name, falling back to the user id.
func (p Participant) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.UserID
}
