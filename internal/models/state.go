// Package models defines conversation state structures for LeadPipe flows.
package models

import "time"

// Session is the mutable conversation state of one actor.
// Flow is FlowNone until the actor picks a questionnaire; Stage is StageNone in that case.
type Session struct {
	ActorID   string              `json:"actor_id"`
	Flow      FlowType            `json:"flow"`
	Stage     StageType           `json:"stage"`
	Answers   map[FieldKey]string `json:"answers,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// NewSession returns an idle session for actorID.
func NewSession(actorID string, now time.Time) *Session {
	return &Session{
		ActorID:   actorID,
		Answers:   make(map[FieldKey]string),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Active reports whether the session has an active flow.
func (s *Session) Active() bool {
	return s.Flow != FlowNone
}

// Fields returns a copy of the answers keyed by plain strings, the shape the record store expects.
func (s *Session) Fields() map[string]string {
	out := make(map[string]string, len(s.Answers))
	for k, v := range s.Answers {
		out[string(k)] = v
	}
	return out
}
