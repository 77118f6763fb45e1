package models

import "time"

// SessionStatus tracks the lifecycle of a conversation session.
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionEnded   SessionStatus = "ended"
	SessionCleared SessionStatus = "cleared"
)

// Session groups an ordered sequence of messages between a visitor and an agent.
// Sessions are soft-ended, never hard-deleted.
type Session struct {
	ID           string        `json:"session_id"`
	TenantID     string        `json:"tenant_id"`
	AgentID      string        `json:"agent_id"`
	Status       SessionStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActivity time.Time     `json:"last_activity"`
	MessageCount int64         `json:"message_count"`
	EndedAt      *time.Time    `json:"ended_at,omitempty"`
}

// Active reports whether the session still accepts messages.
func (s *Session) Active() bool {
	return s != nil && s.Status == SessionActive
}
