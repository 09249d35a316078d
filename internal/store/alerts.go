package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx/types"

	"forgeplane/control/internal/platerr"
)

// Alert conditions.
const (
	CondGT     = "gt"
	CondLT     = "lt"
	CondEQ     = "eq"
	CondAbsent = "absent"
)

// Alert event statuses.
const (
	AlertFiring   = "firing"
	AlertResolved = "resolved"
)

// AlertRule is a user-defined periodic query with a threshold condition.
type AlertRule struct {
	ID             int64          `db:"id"`
	Name           string         `db:"name"`
	Query          string         `db:"query"`
	Condition      string         `db:"condition"`
	Threshold      float64        `db:"threshold"`
	ForSeconds     int            `db:"for_seconds"`
	Severity       string         `db:"severity"`
	NotifyChannels types.JSONText `db:"notify_channels"`
	Enabled        bool           `db:"enabled"`
	CreatedAt      time.Time      `db:"created_at"`
}

// AlertEvent is one firing/resolved episode of a rule. At most one
// unresolved event exists per rule.
type AlertEvent struct {
	ID         int64      `db:"id"`
	RuleID     int64      `db:"rule_id"`
	Status     string     `db:"status"`
	Value      *float64   `db:"value"`
	CreatedAt  time.Time  `db:"created_at"`
	ResolvedAt *time.Time `db:"resolved_at"`
}

// CreateAlertRule inserts a rule.
func (s *Store) CreateAlertRule(ctx context.Context, r AlertRule) (AlertRule, error) {
	var out AlertRule
	err := s.db.GetContext(ctx, &out, `
		INSERT INTO alert_rules (name, query, condition, threshold, for_seconds, severity, notify_channels, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING *`,
		r.Name, r.Query, r.Condition, r.Threshold, r.ForSeconds, r.Severity, r.NotifyChannels, r.Enabled)
	if err != nil {
		return AlertRule{}, platerr.FromDB(err, "creating alert rule")
	}
	return out, nil
}

// ListEnabledAlertRules returns every enabled rule.
func (s *Store) ListEnabledAlertRules(ctx context.Context) ([]AlertRule, error) {
	var out []AlertRule
	if err := s.db.SelectContext(ctx, &out, `SELECT * FROM alert_rules WHERE enabled ORDER BY id`); err != nil {
		return nil, platerr.FromDB(err, "listing alert rules")
	}
	return out, nil
}

// DeleteAlertRule removes a rule and its events.
func (s *Store) DeleteAlertRule(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alert_rules WHERE id = $1`, id)
	if err != nil {
		return platerr.FromDB(err, "deleting alert rule")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return platerr.NotFound("alert rule")
	}
	return nil
}

// InsertFiringEvent opens a firing episode for a rule.
func (s *Store) InsertFiringEvent(ctx context.Context, ruleID int64, value *float64) (AlertEvent, error) {
	var ev AlertEvent
	err := s.db.GetContext(ctx, &ev, `
		INSERT INTO alert_events (rule_id, status, value) VALUES ($1, 'firing', $2)
		RETURNING *`, ruleID, value)
	if err != nil {
		return AlertEvent{}, platerr.FromDB(err, "inserting alert event")
	}
	return ev, nil
}

// ResolveLatestFiring resolves the most recent firing event for a rule.
// ok=false when no firing event exists.
func (s *Store) ResolveLatestFiring(ctx context.Context, ruleID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alert_events SET status = 'resolved', resolved_at = now()
		WHERE id = (
			SELECT id FROM alert_events
			WHERE rule_id = $1 AND status = 'firing'
			ORDER BY created_at DESC LIMIT 1
		)`, ruleID)
	if err != nil {
		return false, platerr.FromDB(err, "resolving alert event")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// HasUnresolvedEvent reports whether a rule has an open firing event.
func (s *Store) HasUnresolvedEvent(ctx context.Context, ruleID int64) (bool, error) {
	var id int64
	err := s.db.GetContext(ctx, &id, `
		SELECT id FROM alert_events WHERE rule_id = $1 AND status = 'firing' LIMIT 1`, ruleID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, platerr.FromDB(err, "checking alert events")
	}
	return true, nil
}

// ListAlertEvents returns a rule's events, newest first.
func (s *Store) ListAlertEvents(ctx context.Context, ruleID int64, page Page) ([]AlertEvent, int, error) {
	page = page.Clamp()
	var out []AlertEvent
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM alert_events WHERE rule_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, ruleID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, platerr.FromDB(err, "listing alert events")
	}
	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT count(*) FROM alert_events WHERE rule_id = $1`, ruleID); err != nil {
		return nil, 0, platerr.FromDB(err, "counting alert events")
	}
	return out, total, nil
}
