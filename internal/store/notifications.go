package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx/types"

	"forgeplane/control/internal/platerr"
)

// Notification channels.
const (
	ChannelInApp   = "in_app"
	ChannelEmail   = "email"
	ChannelWebhook = "webhook"
)

// Notification delivery statuses.
const (
	NotifyPending = "pending"
	NotifySent    = "sent"
	NotifyFailed  = "failed"
)

// Notification is one fanout row for a domain event.
type Notification struct {
	ID        int64     `db:"id"`
	UserID    int64     `db:"user_id"`
	Type      string    `db:"type"`
	Subject   string    `db:"subject"`
	Body      string    `db:"body"`
	Channel   string    `db:"channel"`
	Status    string    `db:"status"`
	RefType   string    `db:"ref_type"`
	RefID     int64     `db:"ref_id"`
	CreatedAt time.Time `db:"created_at"`
}

// WebhookSubscription is an outbound webhook endpoint. The secret signs
// payloads (HMAC-SHA256) in the fanout collaborator.
type WebhookSubscription struct {
	ID        int64          `db:"id"`
	ProjectID *int64         `db:"project_id"`
	URL       string         `db:"url"`
	Secret    string         `db:"secret"`
	Events    types.JSONText `db:"events"`
	IsActive  bool           `db:"is_active"`
	CreatedAt time.Time      `db:"created_at"`
}

// InsertNotification creates a pending notification row.
func (s *Store) InsertNotification(ctx context.Context, n Notification) (Notification, error) {
	var out Notification
	err := s.db.GetContext(ctx, &out, `
		INSERT INTO notifications (user_id, type, subject, body, channel, status, ref_type, ref_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING *`, n.UserID, n.Type, n.Subject, n.Body, n.Channel, n.Status, n.RefType, n.RefID)
	if err != nil {
		return Notification{}, platerr.FromDB(err, "inserting notification")
	}
	return out, nil
}

// SetNotificationStatus records the delivery outcome.
func (s *Store) SetNotificationStatus(ctx context.Context, id int64, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE notifications SET status = $2 WHERE id = $1`, id, status)
	return platerr.FromDB(err, "updating notification status")
}

// ListNotifications returns a user's notifications, newest first.
func (s *Store) ListNotifications(ctx context.Context, userID int64, page Page) ([]Notification, int, error) {
	page = page.Clamp()
	var out []Notification
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM notifications WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, userID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, platerr.FromDB(err, "listing notifications")
	}
	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT count(*) FROM notifications WHERE user_id = $1`, userID); err != nil {
		return nil, 0, platerr.FromDB(err, "counting notifications")
	}
	return out, total, nil
}

// ActiveWebhookSubscriptions returns active subscriptions for a project
// (including globals) that subscribe to the event type.
func (s *Store) ActiveWebhookSubscriptions(ctx context.Context, projectID int64, event string) ([]WebhookSubscription, error) {
	var out []WebhookSubscription
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM webhook_subscriptions
		WHERE is_active
		  AND (project_id = $1 OR project_id IS NULL)
		  AND (events = '[]'::jsonb OR events @> to_jsonb($2::text))`, projectID, event)
	if err != nil {
		return nil, platerr.FromDB(err, "listing webhook subscriptions")
	}
	return out, nil
}
