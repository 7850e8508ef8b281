package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

type UpdateType string

const (
	UpdateUserJoined UpdateType = "user_joined"
	UpdateUserLeft   UpdateType = "user_left"
	UpdateAddStop    UpdateType = "add_stop"
	UpdateRemoveStop UpdateType = "remove_stop"
	UpdateUpdateStop UpdateType = "update_stop"
	UpdateAddComment UpdateType = "add_comment"
	UpdateCursorMove UpdateType = "cursor_move"
)

func (t UpdateType) Valid() bool {
	switch t {
	case UpdateUserJoined, UpdateUserLeft, UpdateAddStop, UpdateRemoveStop,
		UpdateUpdateStop, UpdateAddComment, UpdateCursorMove:
		return true
	}
	return false
}

// Logged reports whether updates of this type are kept in the durable log.
// Cursor moves are ephemeral and only broadcast.
func (t UpdateType) Logged() bool {
	return t != UpdateCursorMove
}

// EditsItinerary reports whether the type mutates the stop list.
func (t UpdateType) EditsItinerary() bool {
	return t == UpdateAddStop || t == UpdateRemoveStop || t == UpdateUpdateStop
}

// Update is the wire shape shared by the stream and the poll endpoint:
// {type, user_id, data, timestamp}. Timestamp is the watermark.
type Update struct {
	Type      UpdateType      `json:"type"`
	UserID    string          `json:"user_id"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// ParseUpdate decodes and validates a single wire message.
func ParseUpdate(raw []byte) (Update, error) {
	var u Update
	if err := json.Unmarshal(raw, &u); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	if !u.Type.Valid() {
		return Update{}, fmt.Errorf("%w: %q", ErrUnknownUpdateType, u.Type)
	}
	return u, nil
}

// SortUpdates orders updates by watermark, keeping arrival order for ties.
func SortUpdates(us []Update) {
	sort.SliceStable(us, func(i, j int) bool { return us[i].Timestamp < us[j].Timestamp })
}

// --- payloads ---

type RosterPayload struct {
	UserID       string        `json:"user_id"`
	Participants []Participant `json:"participants"`
}

type Stop struct {
	StopID   string  `json:"stop_id"`
	Name     string  `json:"name"`
	Lat      float64 `json:"lat,omitempty"`
	Lng      float64 `json:"lng,omitempty"`
	Day      int     `json:"day,omitempty"`
	Position int     `json:"position,omitempty"`
	Notes    string  `json:"notes,omitempty"`
}

type RemoveStopPayload struct {
	StopID string `json:"stop_id"`
}

// StopPatch carries only the fields that changed. Last write wins per field.
type StopPatch struct {
	StopID string          `json:"stop_id"`
	Fields StopPatchFields `json:"fields"`
}

type StopPatchFields struct {
	Name     *string  `json:"name,omitempty"`
	Lat      *float64 `json:"lat,omitempty"`
	Lng      *float64 `json:"lng,omitempty"`
	Day      *int     `json:"day,omitempty"`
	Position *int     `json:"position,omitempty"`
	Notes    *string  `json:"notes,omitempty"`
}

// Apply returns s with the patched fields replaced.
func (f StopPatchFields) Apply(s Stop) Stop {
	if f.Name != nil {
		s.Name = *f.Name
	}
	if f.Lat != nil {
		s.Lat = *f.Lat
	}
	if f.Lng != nil {
		s.Lng = *f.Lng
	}
	if f.Day != nil {
		s.Day = *f.Day
	}
	if f.Position != nil {
		s.Position = *f.Position
	}
	if f.Notes != nil {
		s.Notes = *f.Notes
	}
	return s
}

type Comment struct {
	CommentID string    `json:"comment_id"`
	UserID    string    `json:"user_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

type Cursor struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Target string  `json:"target,omitempty"`
}

// ValidatePayload checks that data decodes into the payload shape of t.
// Roster payloads are produced by the session manager only.
func ValidatePayload(t UpdateType, data json.RawMessage) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty data for %s", ErrInvalidUpdate, t)
	}
	switch t {
	case UpdateAddStop:
		var s Stop
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
		}
		if strings.TrimSpace(s.StopID) == "" {
			return fmt.Errorf("%w: stop_id is required", ErrInvalidUpdate)
		}
	case UpdateRemoveStop:
		var p RemoveStopPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
		}
		if strings.TrimSpace(p.StopID) == "" {
			return fmt.Errorf("%w: stop_id is required", ErrInvalidUpdate)
		}
	case UpdateUpdateStop:
		var p StopPatch
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
		}
		if strings.TrimSpace(p.StopID) == "" {
			return fmt.Errorf("%w: stop_id is required", ErrInvalidUpdate)
		}
	case UpdateAddComment:
		var c Comment
		if err := json.Unmarshal(data, &c); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
		}
		if strings.TrimSpace(c.Text) == "" {
			return fmt.Errorf("%w: empty comment", ErrInvalidUpdate)
		}
	case UpdateCursorMove:
		var c Cursor
		if err := json.Unmarshal(data, &c); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
		}
	case UpdateUserJoined, UpdateUserLeft:
		return fmt.Errorf("%w: %s is reserved for the session manager", ErrInvalidUpdate, t)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownUpdateType, t)
	}
	return nil
}

// MustData marshals v for use as Update.Data.
func MustData(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal update data: %v", err))
	}
	return b
}

// RosterUpdate builds the user_joined or user_left entry carrying the full
// roster after the change. The store assigns the timestamp.
func RosterUpdate(t UpdateType, userID string, roster []Participant) Update {
	if roster == nil {
		roster = []Participant{}
	}
	return Update{
		Type:   t,
		UserID: userID,
		Data:   MustData(RosterPayload{UserID: userID, Participants: roster}),
	}
}
