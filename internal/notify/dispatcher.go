// Package notify fans domain events out to users and webhook endpoints.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"forgeplane/control/internal/platerr"
	"forgeplane/control/internal/store"
)

const (
	maxPerUserHour = 100
	maxInFlight    = 50
)

// notificationStore is the store surface the dispatcher needs.
type notificationStore interface {
	InsertNotification(ctx context.Context, n store.Notification) (store.Notification, error)
	SetNotificationStatus(ctx context.Context, id int64, status string) error
	ActiveWebhookSubscriptions(ctx context.Context, projectID int64, event string) ([]store.WebhookSubscription, error)
	GetUser(ctx context.Context, id int64) (store.User, error)
}

// rateLimiter counts per-user sends within a rolling window.
type rateLimiter interface {
	IncrWithinWindow(ctx context.Context, key string, window time.Duration) (int64, error)
}

// mailer delivers a single email synchronously.
type mailer interface {
	Send(to, subject, body string) error
}

// WebhookFanout delivers a project event to one subscribed endpoint.
// Implementations sign the payload with HMAC-SHA256 over the subscription
// secret and set it as X-Forgeplane-Signature.
type WebhookFanout interface {
	Deliver(ctx context.Context, sub store.WebhookSubscription, event string, payload []byte)
}

// Message is one user-facing notification to dispatch. ProjectID scopes the
// webhook channel's subscription lookup; the other channels ignore it.
type Message struct {
	UserID    int64
	ProjectID int64
	Type      string
	Subject   string
	Body      string
	Channel   string
	RefType   string
	RefID     int64
}

// Dispatcher records notifications and delivers them per channel. In-app rows
// are visible as soon as they are inserted; email is synchronous with one
// retry; webhooks go through the fanout collaborator. Total in-flight
// deliveries are bounded.
type Dispatcher struct {
	st      notificationStore
	limiter rateLimiter
	mail    mailer
	fanout  WebhookFanout
	logger  *slog.Logger
	sem     chan struct{}
}

func NewDispatcher(st notificationStore, limiter rateLimiter, mail mailer, fanout WebhookFanout, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		st:      st,
		limiter: limiter,
		mail:    mail,
		fanout:  fanout,
		logger:  logger,
		sem:     make(chan struct{}, maxInFlight),
	}
}

// Send records and delivers one notification. A user over the hourly budget
// gets TooManyRequests and no row.
func (d *Dispatcher) Send(ctx context.Context, msg Message) (store.Notification, error) {
	if d.limiter != nil {
		count, err := d.limiter.IncrWithinWindow(ctx, rateKey(msg.UserID), time.Hour)
		if err != nil {
			d.logger.Warn("notification rate counter unavailable", "user_id", msg.UserID, "error", err)
		} else if count > maxPerUserHour {
			return store.Notification{}, platerr.New(platerr.KindTooManyRequests, "notification rate limit exceeded")
		}
	}

	n, err := d.st.InsertNotification(ctx, store.Notification{
		UserID:  msg.UserID,
		Type:    msg.Type,
		Subject: msg.Subject,
		Body:    msg.Body,
		Channel: msg.Channel,
		Status:  store.NotifyPending,
		RefType: msg.RefType,
		RefID:   msg.RefID,
	})
	if err != nil {
		return store.Notification{}, err
	}

	switch msg.Channel {
	case store.ChannelInApp:
		if err := d.st.SetNotificationStatus(ctx, n.ID, store.NotifySent); err != nil {
			return n, err
		}
		n.Status = store.NotifySent
	case store.ChannelEmail:
		d.deliverEmail(ctx, &n, msg)
	case store.ChannelWebhook:
		d.deliverWebhook(ctx, &n, msg)
	default:
		return n, platerr.Newf(platerr.KindBadRequest, "unknown notification channel %q", msg.Channel)
	}
	return n, nil
}

func rateKey(userID int64) string { return fmt.Sprintf("notify:user:%d", userID) }

// deliverEmail sends synchronously with one retry and records the outcome.
func (d *Dispatcher) deliverEmail(ctx context.Context, n *store.Notification, msg Message) {
	status := store.NotifyFailed
	defer func() {
		if err := d.st.SetNotificationStatus(ctx, n.ID, status); err != nil {
			d.logger.Error("recording notification status", "notification_id", n.ID, "error", err)
		}
		n.Status = status
	}()

	if d.mail == nil {
		d.logger.Warn("email channel requested but no mailer configured", "notification_id", n.ID)
		return
	}
	user, err := d.st.GetUser(ctx, msg.UserID)
	if err != nil || user.Email == "" {
		d.logger.Warn("no deliverable address", "user_id", msg.UserID, "error", err)
		return
	}

	d.sem <- struct{}{}
	defer func() { <-d.sem }()
	err = d.mail.Send(user.Email, msg.Subject, msg.Body)
	if err != nil {
		err = d.mail.Send(user.Email, msg.Subject, msg.Body)
	}
	if err != nil {
		d.logger.Error("email delivery failed", "notification_id", n.ID, "error", err)
		return
	}
	status = store.NotifySent
}

// deliverWebhook hands the notification to the fanout for every matching
// subscription and records the handoff.
func (d *Dispatcher) deliverWebhook(ctx context.Context, n *store.Notification, msg Message) {
	status := store.NotifyFailed
	defer func() {
		if err := d.st.SetNotificationStatus(ctx, n.ID, status); err != nil {
			d.logger.Error("recording notification status", "notification_id", n.ID, "error", err)
		}
		n.Status = status
	}()

	if d.fanout == nil {
		d.logger.Warn("webhook channel requested but no fanout configured", "notification_id", n.ID)
		return
	}
	subs, err := d.st.ActiveWebhookSubscriptions(ctx, msg.ProjectID, msg.Type)
	if err != nil {
		d.logger.Error("listing webhook subscriptions", "project_id", msg.ProjectID, "event", msg.Type, "error", err)
		return
	}
	body, err := json.Marshal(map[string]any{
		"subject":  msg.Subject,
		"body":     msg.Body,
		"ref_type": msg.RefType,
		"ref_id":   msg.RefID,
	})
	if err != nil {
		d.logger.Error("encoding webhook payload", "event", msg.Type, "error", err)
		return
	}
	for _, sub := range subs {
		d.sem <- struct{}{}
		go func(sub store.WebhookSubscription) {
			defer func() { <-d.sem }()
			d.fanout.Deliver(ctx, sub, msg.Type, body)
		}(sub)
	}
	status = store.NotifySent
}

// ProjectEvent fans a project-scoped event out to its active webhook
// subscriptions.
func (d *Dispatcher) ProjectEvent(ctx context.Context, projectID int64, event string, payload any) {
	if d.fanout == nil {
		return
	}
	subs, err := d.st.ActiveWebhookSubscriptions(ctx, projectID, event)
	if err != nil {
		d.logger.Error("listing webhook subscriptions", "project_id", projectID, "event", event, "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("encoding webhook payload", "event", event, "error", err)
		return
	}
	for _, sub := range subs {
		d.sem <- struct{}{}
		go func(sub store.WebhookSubscription) {
			defer func() { <-d.sem }()
			d.fanout.Deliver(ctx, sub, event, body)
		}(sub)
	}
}

// PipelineFinished notifies the triggering user and the project's webhooks.
// Called by the pipeline executor on every terminal run.
func (d *Dispatcher) PipelineFinished(ctx context.Context, p store.Pipeline, projectName, status string) {
	if p.TriggeredBy != nil {
		_, err := d.Send(ctx, Message{
			UserID:  *p.TriggeredBy,
			Type:    "pipeline." + status,
			Subject: fmt.Sprintf("Pipeline #%d %s", p.ID, status),
			Body:    fmt.Sprintf("Pipeline #%d on %s (%s @ %s) finished with status %s.", p.ID, projectName, p.GitRef, shortSHA(p.CommitSHA), status),
			Channel: store.ChannelInApp,
			RefType: "pipeline",
			RefID:   p.ID,
		})
		if err != nil {
			d.logger.Warn("pipeline notification failed", "pipeline_id", p.ID, "error", err)
		}
	}
	d.ProjectEvent(ctx, p.ProjectID, "pipeline.finished", map[string]any{
		"pipeline_id": p.ID,
		"project":     projectName,
		"git_ref":     p.GitRef,
		"commit_sha":  p.CommitSHA,
		"status":      status,
	})
}

// AlertFired pushes a firing episode to global and unscoped webhooks. Alert
// rules carry no recipient user, so user channels do not apply here.
func (d *Dispatcher) AlertFired(ctx context.Context, rule store.AlertRule, event store.AlertEvent) {
	payload := map[string]any{
		"rule_id":  rule.ID,
		"name":     rule.Name,
		"severity": rule.Severity,
		"status":   event.Status,
	}
	if event.Value != nil {
		payload["value"] = *event.Value
	}
	d.ProjectEvent(ctx, 0, "alert.fired", payload)
}

// AlertResolved mirrors AlertFired for episode closure.
func (d *Dispatcher) AlertResolved(ctx context.Context, rule store.AlertRule) {
	d.ProjectEvent(ctx, 0, "alert.resolved", map[string]any{
		"rule_id": rule.ID,
		"name":    rule.Name,
	})
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
