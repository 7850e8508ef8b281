package collab

import (
	"encoding/json"
	"fmt"

	"github.com/yourhiddentrip/tripcollab/internal/domain"
)

// Reducer folds updates into a projection. It is not safe for concurrent
// use; the Client serializes access.
//
// Updates at or below the high-water mark are discarded, which makes Apply
// safe under the at-least-once delivery of the stream and poll paths.
// Cursor moves never enter the log, so they bypass the mark and do not
// advance it.
type Reducer struct {
	self      string
	joinMark  int64
	watermark int64
	p         *projection
}

func NewReducer(self string) *Reducer {
	return &Reducer{self: self, p: newProjection()}
}

// Seed installs the roster returned by join. Updates at or below joinMark
// are history: they predate the local optimistic state, so they are applied
// even when self-authored and produce no presence notifications.
func (r *Reducer) Seed(participants []domain.Participant, joinMark int64) {
	r.p.participants = append([]domain.Participant(nil), participants...)
	r.joinMark = joinMark
}

func (r *Reducer) Watermark() int64 { return r.watermark }

func (r *Reducer) State() State { return r.p.snapshot() }

// Apply folds one remote update. A malformed payload still consumes its
// watermark and is reported as an error.
func (r *Reducer) Apply(u domain.Update) ([]Event, error) {
	if u.Type == domain.UpdateCursorMove {
		return r.applyCursor(u)
	}
	if u.Timestamp <= r.watermark {
		return nil, nil
	}
	r.watermark = u.Timestamp
	live := u.Timestamp > r.joinMark

	switch u.Type {
	case domain.UpdateUserJoined:
		return r.applyJoined(u, live)
	case domain.UpdateUserLeft:
		return r.applyLeft(u, live)
	case domain.UpdateAddStop, domain.UpdateRemoveStop, domain.UpdateUpdateStop:
		if live && u.UserID == r.self {
			return nil, nil
		}
		return r.applyStop(u.Type, u.Data)
	case domain.UpdateAddComment:
		return r.applyComment(u)
	}
	return nil, fmt.Errorf("%w: %q", domain.ErrUnknownUpdateType, u.Type)
}

// ApplyLocal applies an edit of the local user before it is sent.
func (r *Reducer) ApplyLocal(t domain.UpdateType, data json.RawMessage) ([]Event, error) {
	if !t.EditsItinerary() {
		return nil, fmt.Errorf("%w: %s is not an itinerary edit", domain.ErrInvalidUpdate, t)
	}
	return r.applyStop(t, data)
}

// ExpireCursor drops the cursor of userID.
func (r *Reducer) ExpireCursor(userID string) []Event {
	if _, ok := r.p.cursors[userID]; !ok {
		return nil
	}
	delete(r.p.cursors, userID)
	return []Event{{Kind: EventCursorRemoved, UserID: userID}}
}

func (r *Reducer) MarkRead() []Event {
	if r.p.unread == 0 {
		return nil
	}
	r.p.unread = 0
	return []Event{{Kind: EventUnreadChanged, Unread: 0}}
}

func (r *Reducer) applyJoined(u domain.Update, live bool) ([]Event, error) {
	var p domain.RosterPayload
	if err := decode(u, &p); err != nil {
		return nil, err
	}
	r.p.participants = append([]domain.Participant(nil), p.Participants...)
	evs := []Event{{Kind: EventRosterChanged, Participants: r.p.snapshot().Participants}}

	joined := p.UserID
	if joined == "" {
		joined = u.UserID
	}
	if live && joined != r.self {
		name := joined
		if who, ok := r.p.participant(joined); ok {
			name = who.Name()
		}
		evs = append(evs, Event{Kind: EventNotification, UserID: joined, Message: name + " joined"})
	}
	return evs, nil
}

func (r *Reducer) applyLeft(u domain.Update, live bool) ([]Event, error) {
	var p domain.RosterPayload
	if len(u.Data) > 0 {
		if err := decode(u, &p); err != nil {
			return nil, err
		}
	}
	left := p.UserID
	if left == "" {
		left = u.UserID
	}

	name := left
	if who, ok := r.p.participant(left); ok {
		name = who.Name()
	}
	if !r.p.removeParticipant(left) {
		return nil, nil
	}
	evs := []Event{{Kind: EventRosterChanged, Participants: r.p.snapshot().Participants}}
	evs = append(evs, r.ExpireCursor(left)...)
	if live && left != r.self {
		evs = append(evs, Event{Kind: EventNotification, UserID: left, Message: name + " left"})
	}
	return evs, nil
}

func (r *Reducer) applyStop(t domain.UpdateType, data json.RawMessage) ([]Event, error) {
	switch t {
	case domain.UpdateAddStop:
		var s domain.Stop
		if err := json.Unmarshal(data, &s); err != nil || s.StopID == "" {
			return nil, fmt.Errorf("%w: add_stop", domain.ErrInvalidUpdate)
		}
		r.p.putStop(s)
		return []Event{{Kind: EventStopAdded, StopID: s.StopID, Stop: &s}}, nil

	case domain.UpdateRemoveStop:
		var p domain.RemoveStopPayload
		if err := json.Unmarshal(data, &p); err != nil || p.StopID == "" {
			return nil, fmt.Errorf("%w: remove_stop", domain.ErrInvalidUpdate)
		}
		if !r.p.removeStop(p.StopID) {
			return nil, nil
		}
		return []Event{{Kind: EventStopRemoved, StopID: p.StopID}}, nil

	case domain.UpdateUpdateStop:
		var p domain.StopPatch
		if err := json.Unmarshal(data, &p); err != nil || p.StopID == "" {
			return nil, fmt.Errorf("%w: update_stop", domain.ErrInvalidUpdate)
		}
		cur, ok := r.p.stops[p.StopID]
		if !ok {
			// the stop was removed concurrently
			return nil, nil
		}
		next := p.Fields.Apply(cur)
		r.p.putStop(next)
		return []Event{{Kind: EventStopUpdated, StopID: next.StopID, Stop: &next}}, nil
	}
	return nil, fmt.Errorf("%w: %q", domain.ErrUnknownUpdateType, t)
}

func (r *Reducer) applyComment(u domain.Update) ([]Event, error) {
	var c domain.Comment
	if err := decode(u, &c); err != nil {
		return nil, err
	}
	if c.UserID == "" {
		c.UserID = u.UserID
	}
	r.p.comments = append(r.p.comments, c)
	evs := []Event{{Kind: EventCommentAdded, UserID: c.UserID, Comment: &c}}
	if u.UserID != r.self {
		r.p.unread++
		evs = append(evs, Event{Kind: EventUnreadChanged, Unread: r.p.unread})
	}
	return evs, nil
}

func (r *Reducer) applyCursor(u domain.Update) ([]Event, error) {
	if u.UserID == r.self {
		return nil, nil
	}
	var c domain.Cursor
	if err := decode(u, &c); err != nil {
		return nil, err
	}
	r.p.cursors[u.UserID] = c
	return []Event{{Kind: EventCursorMoved, UserID: u.UserID, Cursor: &c}}, nil
}

func decode(u domain.Update, dst any) error {
	if err := json.Unmarshal(u.Data, dst); err != nil {
		return fmt.Errorf("%w: %s at %d: %v", domain.ErrInvalidUpdate, u.Type, u.Timestamp, err)
	}
	return nil
}
