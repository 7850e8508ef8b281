package http

import (
	"encoding/json"
	"time"

	"github.com/yourhiddentrip/tripcollab/internal/domain"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

// JoinRequest is shared by POST /sessions and POST /sessions/{id}/join.
type JoinRequest struct {
	TripID     string `json:"trip_id"`
	UserID     string `json:"user_id,omitempty"`
	UserName   string `json:"user_name"`
	UserAvatar string `json:"user_avatar,omitempty"`
}

type SessionItem struct {
	ID           string            `json:"id"`
	TripID       string            `json:"trip_id"`
	Participants []ParticipantItem `json:"participants"`
	CreatedAt    time.Time         `json:"created_at"`
}

type JoinResponse struct {
	UserID    string      `json:"user_id"`
	Token     string      `json:"token"`
	Watermark int64       `json:"watermark"`
	Session   SessionItem `json:"session"`
}

type ParticipantItem struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	JoinedAt    time.Time `json:"joined_at"`
	LastSeen    time.Time `json:"last_seen"`
}

type ParticipantsResponse struct {
	Items []ParticipantItem `json:"participants"`
}

type UpdatesResponse struct {
	Updates []domain.Update `json:"updates"`
}

type ActionRequest struct {
	UserID     string            `json:"user_id,omitempty"`
	ActionType domain.UpdateType `json:"action_type"`
	ActionData json.RawMessage   `json:"action_data"`
}

type ActionResponse struct {
	Status    string `json:"status"`
	Watermark int64  `json:"watermark,omitempty"`
}

func toParticipantItems(ps []domain.Participant) []ParticipantItem {
	out := make([]ParticipantItem, 0, len(ps))
	for _, p := range ps {
		out = append(out, ParticipantItem{
			UserID:      p.UserID,
			DisplayName: p.DisplayName,
			AvatarURL:   p.AvatarURL,
			JoinedAt:    p.JoinedAt,
			LastSeen:    p.LastSeen,
		})
	}
	return out
}

func ParticipantsFromItems(items []ParticipantItem) []domain.Participant {
	out := make([]domain.Participant, 0, len(items))
	for _, it := range items {
		out = append(out, domain.Participant{
			UserID:      it.UserID,
			DisplayName: it.DisplayName,
			AvatarURL:   it.AvatarURL,
			JoinedAt:    it.JoinedAt,
			LastSeen:    it.LastSeen,
		})
	}
	return out
}
