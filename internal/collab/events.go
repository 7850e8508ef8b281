package collab

import (
	"time"

	"github.com/yourhiddentrip/tripcollab/internal/domain"
)

type EventKind string

const (
	EventRosterChanged EventKind = "roster_changed"
	EventNotification  EventKind = "notification"
	EventStopAdded     EventKind = "stop_added"
	EventStopRemoved   EventKind = "stop_removed"
	EventStopUpdated   EventKind = "stop_updated"
	EventCommentAdded  EventKind = "comment_added"
	EventUnreadChanged EventKind = "unread_changed"
	EventCursorMoved   EventKind = "cursor_moved"
	EventCursorRemoved EventKind = "cursor_removed"
	EventConnection    EventKind = "connection"
	EventPhaseChanged  EventKind = "phase_changed"
	EventSyncFailed    EventKind = "sync_failed"
)

// Event is a state delta published to listeners. Only the fields relevant
// to Kind are set.
type Event struct {
	Kind EventKind

	UserID  string
	Message string

	Stop    *domain.Stop
	StopID  string
	Comment *domain.Comment
	Cursor  *domain.Cursor
	Unread  int

	Participants []domain.Participant

	Conn    ConnState
	Attempt int
	RetryIn time.Duration

	Phase Phase
	Err   error
}

// Listener receives events in the order they were raised. Listeners run
// after the Client has released its lock and may call back into it.
type Listener func(Event)
