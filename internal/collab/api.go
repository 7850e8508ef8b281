// Package collab is the client side of a trip collaboration session: it
// folds the update stream of a session into local state, keeps a live
// channel to the session manager open, and drives the join/leave
// lifecycle.
package collab

import (
	"context"
	"encoding/json"

	"github.com/yourhiddentrip/tripcollab/internal/domain"
)

// Profile describes the local user. UserID may be empty for anonymous
// users; the client generates one.
type Profile struct {
	UserID      string
	DisplayName string
	AvatarURL   string
}

// JoinRequest with an empty SessionID asks the session manager to start a
// new session for TripID.
type JoinRequest struct {
	SessionID string
	TripID    string
	Profile   Profile
}

type JoinResult struct {
	SessionID    string
	TripID       string
	UserID       string
	Participants []domain.Participant
	// Watermark is the log position at the moment of joining.
	Watermark int64
}

type Action struct {
	SessionID string
	UserID    string
	Type      domain.UpdateType
	Data      json.RawMessage
}

// Stream is a live update channel. Recv returns one raw wire message.
type Stream interface {
	Recv() ([]byte, error)
	Close() error
}

// SessionAPI is the contract of the session manager as seen by a client.
type SessionAPI interface {
	Join(ctx context.Context, req JoinRequest) (JoinResult, error)
	Leave(ctx context.Context, sessionID, userID string) error
	Updates(ctx context.Context, sessionID, userID string, since int64) ([]domain.Update, error)
	Act(ctx context.Context, a Action) error
	Stream(ctx context.Context, sessionID, userID string, since int64) (Stream, error)
}
