package invitation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"bob-contactsync/internal/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event 一次邀请状态变化（分析用）
type Event struct {
	InvitationID  string
	ContactPhone  string
	Channel       domain.Channel
	FromStatus    domain.InvitationStatus // 空表示新建
	ToStatus      domain.InvitationStatus
	ReminderCount int
	OccurredAt    time.Time
}

// HistoryRecorder 邀请历史记录
type HistoryRecorder interface {
	Record(ctx context.Context, ev Event) error
}

// NopHistory 不记录（未启用数据库时）
type NopHistory struct{}

func (NopHistory) Record(context.Context, Event) error { return nil }

// PostgresHistory 邀请历史（invitation_events 表）
type PostgresHistory struct {
	db     *sql.DB
	userID string
	logger *zap.Logger
}

// NewPostgresHistory 创建邀请历史仓库
func NewPostgresHistory(db *sql.DB, userID string, logger *zap.Logger) *PostgresHistory {
	return &PostgresHistory{
		db:     db,
		userID: userID,
		logger: logger,
	}
}

// EnsureSchema 建表（幂等）
func (h *PostgresHistory) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS invitation_events (
			event_id       UUID PRIMARY KEY,
			user_id        TEXT NOT NULL,
			invitation_id  TEXT NOT NULL,
			contact_phone  TEXT NOT NULL,
			channel        TEXT NOT NULL,
			from_status    TEXT,
			to_status      TEXT NOT NULL,
			reminder_count INTEGER NOT NULL DEFAULT 0,
			occurred_at    TIMESTAMPTZ NOT NULL
		)
	`
	if _, err := h.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create invitation_events: %w", err)
	}
	return nil
}

// Record 写入一条事件
func (h *PostgresHistory) Record(ctx context.Context, ev Event) error {
	if ev.InvitationID == "" {
		return fmt.Errorf("invitation_id is required")
	}
	var from sql.NullString
	if ev.FromStatus != "" {
		from = sql.NullString{String: string(ev.FromStatus), Valid: true}
	}
	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}

	query := `
		INSERT INTO invitation_events (
			event_id, user_id, invitation_id, contact_phone, channel,
			from_status, to_status, reminder_count, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := h.db.ExecContext(ctx, query,
		uuid.New().String(), h.userID, ev.InvitationID, ev.ContactPhone, string(ev.Channel),
		from, string(ev.ToStatus), ev.ReminderCount, occurred,
	)
	if err != nil {
		return fmt.Errorf("failed to insert invitation event: %w", err)
	}

	h.logger.Debug("Invitation event recorded",
		zap.String("invitation_id", ev.InvitationID),
		zap.String("to_status", string(ev.ToStatus)),
	)
	return nil
}

// CountByStatus 按最终状态统计当前用户的邀请（取每个邀请最新一条事件）
func (h *PostgresHistory) CountByStatus(ctx context.Context) (map[domain.InvitationStatus]int, error) {
	query := `
		SELECT to_status, COUNT(*) FROM (
			SELECT DISTINCT ON (invitation_id) invitation_id, to_status
			FROM invitation_events
			WHERE user_id = $1
			ORDER BY invitation_id, occurred_at DESC
		) latest
		GROUP BY to_status
	`
	rows, err := h.db.QueryContext(ctx, query, h.userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query invitation stats: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.InvitationStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan invitation stats: %w", err)
		}
		out[domain.InvitationStatus(status)] = n
	}
	return out, rows.Err()
}
