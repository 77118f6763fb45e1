package models

import "time"

// Role identifies who produced a message.
type Role string

const (
	RoleUser     Role = "user"
	RoleAgent    Role = "agent"
	RoleOperator Role = "operator"
)

// Message captures an individual turn stored in a session's history.
type Message struct {
	ID        string    `json:"message_id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}
