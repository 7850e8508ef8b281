package collab

import "github.com/yourhiddentrip/tripcollab/internal/domain"

// State is the local projection of a session.
type State struct {
	Participants []domain.Participant
	Stops        []domain.Stop
	Comments     []domain.Comment
	Unread       int
	Cursors      map[string]domain.Cursor
}

type projection struct {
	participants []domain.Participant
	stops        map[string]domain.Stop
	order        []string
	comments     []domain.Comment
	unread       int
	cursors      map[string]domain.Cursor
}

func newProjection() *projection {
	return &projection{
		stops:   make(map[string]domain.Stop),
		cursors: make(map[string]domain.Cursor),
	}
}

func (p *projection) participant(userID string) (domain.Participant, bool) {
	for _, it := range p.participants {
		if it.UserID == userID {
			return it, true
		}
	}
	return domain.Participant{}, false
}

func (p *projection) removeParticipant(userID string) bool {
	for i, it := range p.participants {
		if it.UserID == userID {
			p.participants = append(p.participants[:i:i], p.participants[i+1:]...)
			return true
		}
	}
	return false
}

// putStop inserts or replaces. A replaced stop keeps its place.
func (p *projection) putStop(s domain.Stop) {
	if _, ok := p.stops[s.StopID]; !ok {
		p.order = append(p.order, s.StopID)
	}
	p.stops[s.StopID] = s
}

func (p *projection) removeStop(id string) bool {
	if _, ok := p.stops[id]; !ok {
		return false
	}
	delete(p.stops, id)
	for i, it := range p.order {
		if it == id {
			p.order = append(p.order[:i:i], p.order[i+1:]...)
			break
		}
	}
	return true
}

func (p *projection) snapshot() State {
	st := State{
		Participants: append([]domain.Participant(nil), p.participants...),
		Comments:     append([]domain.Comment(nil), p.comments...),
		Unread:       p.unread,
		Cursors:      make(map[string]domain.Cursor, len(p.cursors)),
	}
	st.Stops = make([]domain.Stop, 0, len(p.order))
	for _, id := range p.order {
		st.Stops = append(st.Stops, p.stops[id])
	}
	for k, v := range p.cursors {
		st.Cursors[k] = v
	}
	return st
}
