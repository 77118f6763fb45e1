package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"agenthub/internal/models"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session not found")
	// ErrSessionEnded is returned when writing to an inactive session.
	ErrSessionEnded = errors.New("session has ended")
	// ErrAlreadyEnded is returned when ending a session twice.
	ErrAlreadyEnded = errors.New("session is already ended")
)

// Service persists sessions and their append-only message history.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// Pagination describes a page of a larger result set.
type Pagination struct {
	Total int64 `json:"total"`
	Limit int   `json:"limit"`
	Page  int   `json:"page"`
	Pages int64 `json:"pages"`
}

// EndSummary reports what a session looked like when it was ended.
type EndSummary struct {
	SessionID     string        `json:"session_id"`
	Duration      time.Duration `json:"duration_ms"`
	TotalMessages int64         `json:"total_messages"`
	Reason        string        `json:"reason,omitempty"`
}

// CreateSession inserts a new active session for the tenant/agent pair.
func (s *Service) CreateSession(ctx context.Context, tenantID, agentID string) (*models.Session, error) {
	tenantID = strings.TrimSpace(tenantID)
	agentID = strings.TrimSpace(agentID)
	if tenantID == "" {
		return nil, errors.New("tenant_id is required")
	}
	if agentID == "" {
		return nil, errors.New("agent_id is required")
	}
	now := time.Now().UTC()
	session := &models.Session{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		AgentID:      agentID,
		Status:       models.SessionActive,
		CreatedAt:    now,
		LastActivity: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, tenant_id, agent_id, status, created_at, last_activity, message_count) VALUES (?, ?, ?, ?, ?, ?, 0)`,
		session.ID, session.TenantID, session.AgentID, session.Status, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

// GetSession returns one session by id.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, agent_id, status, created_at, last_activity, message_count, ended_at FROM sessions WHERE id = ?`,
		sessionID,
	))
}

// ListSessions returns sessions for a tenant ordered by last activity.
// Inactive sessions are excluded unless includeInactive is set.
func (s *Service) ListSessions(ctx context.Context, tenantID string, page, limit int, includeInactive bool) ([]models.Session, Pagination, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if page <= 0 {
		page = 1
	}
	where := `WHERE tenant_id = ?`
	args := []interface{}{tenantID}
	if !includeInactive {
		where += ` AND status = ?`
		args = append(args, models.SessionActive)
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions `+where, args...).Scan(&total); err != nil {
		return nil, Pagination{}, fmt.Errorf("count sessions: %w", err)
	}

	offset := (page - 1) * limit
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, agent_id, status, created_at, last_activity, message_count, ended_at FROM sessions `+
			where+` ORDER BY last_activity DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, Pagination{}, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]models.Session, 0)
	for rows.Next() {
		var se models.Session
		var ended sql.NullTime
		if err := rows.Scan(&se.ID, &se.TenantID, &se.AgentID, &se.Status, &se.CreatedAt, &se.LastActivity, &se.MessageCount, &ended); err != nil {
			return nil, Pagination{}, fmt.Errorf("scan session: %w", err)
		}
		if ended.Valid {
			se.EndedAt = &ended.Time
		}
		sessions = append(sessions, se)
	}
	pag := Pagination{
		Total: total,
		Limit: limit,
		Page:  page,
		Pages: (total + int64(limit) - 1) / int64(limit),
	}
	return sessions, pag, rows.Err()
}

// AppendMessage stores a new message with the next sequence number and bumps
// the session's last-activity timestamp. Sequence assignment happens inside a
// transaction so concurrent appends from different connections serialize; the
// UNIQUE(session_id, seq) constraint rejects the loser of a race.
func (s *Service) AppendMessage(ctx context.Context, sessionID string, role models.Role, content string) (*models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, errors.New("content is required")
	}
	switch role {
	case models.RoleUser, models.RoleAgent, models.RoleOperator:
	default:
		return nil, fmt.Errorf("invalid role: %s", role)
	}

	var msg *models.Message
	// One retry absorbs a seq collision between two processes.
	for attempt := 0; attempt < 2; attempt++ {
		var err error
		msg, err = s.appendMessageTx(ctx, sessionID, role, content)
		if err == nil {
			return msg, nil
		}
		if attempt == 0 && isUniqueViolation(err) {
			continue
		}
		return nil, err
	}
	return msg, nil
}

func (s *Service) appendMessageTx(ctx context.Context, sessionID string, role models.Role, content string) (*models.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var status models.SessionStatus
	if err := tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, sessionID).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	if status != models.SessionActive {
		return nil, ErrSessionEnded
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?`, sessionID,
	).Scan(&seq); err != nil {
		return nil, fmt.Errorf("next seq: %w", err)
	}

	now := time.Now().UTC()
	msg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Seq:       seq,
		CreatedAt: now,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, seq, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, msg.Seq, msg.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET last_activity = ?, message_count = message_count + 1 WHERE id = ?`,
		now, sessionID,
	); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit message: %w", err)
	}
	return msg, nil
}

// ListMessages returns a session's messages ordered by sequence number.
func (s *Service) ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]*models.Message, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, seq, created_at FROM messages WHERE session_id = ? ORDER BY seq ASC LIMIT ? OFFSET ?`,
		sessionID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		m := new(models.Message)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Seq, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// RecentHistory returns the newest n messages in sequence order, the window
// forwarded to the generation service.
func (s *Service) RecentHistory(ctx context.Context, sessionID string, n int) ([]*models.Message, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, seq, created_at FROM messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?`,
		sessionID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("recent history: %w", err)
	}
	defer rows.Close()

	var reversed []*models.Message
	for rows.Next() {
		m := new(models.Message)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Seq, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		reversed = append(reversed, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	history := make([]*models.Message, len(reversed))
	for i, m := range reversed {
		history[len(reversed)-1-i] = m
	}
	return history, nil
}

// EndSession soft-ends an active session and returns a summary. Sessions are
// never hard-deleted.
func (s *Service) EndSession(ctx context.Context, sessionID, reason string) (*EndSummary, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != models.SessionActive {
		return nil, ErrAlreadyEnded
	}
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, ended_at = ?, last_activity = ? WHERE id = ?`,
		models.SessionEnded, now, now, sessionID,
	); err != nil {
		return nil, fmt.Errorf("end session: %w", err)
	}
	return &EndSummary{
		SessionID:     sessionID,
		Duration:      now.Sub(session.CreatedAt),
		TotalMessages: session.MessageCount,
		Reason:        reason,
	}, nil
}

// ClearMessages removes a session's message history while preserving the
// session row. Active sessions keep their status; an ended session whose
// history is cleared moves to cleared.
func (s *Service) ClearMessages(ctx context.Context, sessionID string) (int64, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("clear messages: %w", err)
	}
	cleared, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleared rows: %w", err)
	}
	status := session.Status
	if status == models.SessionEnded {
		status = models.SessionCleared
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET message_count = 0, status = ? WHERE id = ?`,
		status, sessionID,
	); err != nil {
		return 0, fmt.Errorf("reset message count: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit clear: %w", err)
	}
	return cleared, nil
}

func scanSession(row *sql.Row) (*models.Session, error) {
	var se models.Session
	var ended sql.NullTime
	err := row.Scan(&se.ID, &se.TenantID, &se.AgentID, &se.Status, &se.CreatedAt, &se.LastActivity, &se.MessageCount, &ended)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	if ended.Valid {
		se.EndedAt = &ended.Time
	}
	return &se, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "Duplicate entry")
}
