package alert

import (
	"context"
	"log/slog"
	"math"
	"time"

	"forgeplane/control/internal/store"
)

const eqEpsilon = 1e-9

// ruleStore is the store surface the evaluator needs.
type ruleStore interface {
	ListEnabledAlertRules(ctx context.Context) ([]store.AlertRule, error)
	AggregateMetric(ctx context.Context, name string, labelsJSON []byte, agg string, window time.Duration) (*float64, error)
	InsertFiringEvent(ctx context.Context, ruleID int64, value *float64) (store.AlertEvent, error)
	ResolveLatestFiring(ctx context.Context, ruleID int64) (bool, error)
	HasUnresolvedEvent(ctx context.Context, ruleID int64) (bool, error)
}

// firedNotifier is told about episode transitions so it can fan out.
type firedNotifier interface {
	AlertFired(ctx context.Context, rule store.AlertRule, event store.AlertEvent)
	AlertResolved(ctx context.Context, rule store.AlertRule)
}

// Evaluator runs every enabled rule on a fixed interval. A rule must hold its
// condition for ForSeconds before an event opens; the pending state lives only
// in memory, so a restart re-arms the hold timer.
type Evaluator struct {
	st       ruleStore
	notifier firedNotifier
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	pending map[int64]time.Time // rule id -> first time the condition held
}

func NewEvaluator(st ruleStore, notifier firedNotifier, interval time.Duration, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		st:       st,
		notifier: notifier,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		pending:  map[int64]time.Time{},
	}
}

// Run evaluates until ctx is cancelled.
func (e *Evaluator) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.EvaluateAll(ctx)
		}
	}
}

// EvaluateAll runs one pass over the enabled rules. Per-rule failures are
// logged and do not stop the pass.
func (e *Evaluator) EvaluateAll(ctx context.Context) {
	rules, err := e.st.ListEnabledAlertRules(ctx)
	if err != nil {
		e.logger.Error("listing alert rules", "error", err)
		return
	}
	seen := make(map[int64]bool, len(rules))
	for _, rule := range rules {
		seen[rule.ID] = true
		if err := e.evaluate(ctx, rule); err != nil {
			e.logger.Error("evaluating alert rule", "rule_id", rule.ID, "name", rule.Name, "error", err)
		}
	}
	// Disabled or deleted rules must not keep a stale hold timer.
	for id := range e.pending {
		if !seen[id] {
			delete(e.pending, id)
		}
	}
}

func (e *Evaluator) evaluate(ctx context.Context, rule store.AlertRule) error {
	q, err := ParseQuery(rule.Query)
	if err != nil {
		return err
	}
	value, err := e.st.AggregateMetric(ctx, q.Metric, q.Labels, q.Agg, q.Window)
	if err != nil {
		return err
	}

	if !conditionHolds(rule, value) {
		delete(e.pending, rule.ID)
		return e.resolve(ctx, rule)
	}

	first, held := e.pending[rule.ID]
	if !held {
		first = e.now()
		e.pending[rule.ID] = first
	}
	if e.now().Sub(first) < time.Duration(rule.ForSeconds)*time.Second {
		return nil
	}
	return e.fire(ctx, rule, value)
}

// conditionHolds applies the rule condition to the aggregated value. A nil
// value means no samples matched; only absent fires on it.
func conditionHolds(rule store.AlertRule, value *float64) bool {
	if rule.Condition == store.CondAbsent {
		return value == nil
	}
	if value == nil {
		return false
	}
	switch rule.Condition {
	case store.CondGT:
		return *value > rule.Threshold
	case store.CondLT:
		return *value < rule.Threshold
	case store.CondEQ:
		return math.Abs(*value-rule.Threshold) < eqEpsilon
	default:
		return false
	}
}

// fire opens an episode unless one is already open, keeping at most one
// unresolved event per rule.
func (e *Evaluator) fire(ctx context.Context, rule store.AlertRule, value *float64) error {
	open, err := e.st.HasUnresolvedEvent(ctx, rule.ID)
	if err != nil || open {
		return err
	}
	event, err := e.st.InsertFiringEvent(ctx, rule.ID, value)
	if err != nil {
		return err
	}
	e.logger.Warn("alert firing", "rule_id", rule.ID, "name", rule.Name, "severity", rule.Severity)
	if e.notifier != nil {
		e.notifier.AlertFired(ctx, rule, event)
	}
	return nil
}

func (e *Evaluator) resolve(ctx context.Context, rule store.AlertRule) error {
	ok, err := e.st.ResolveLatestFiring(ctx, rule.ID)
	if err != nil {
		return err
	}
	if ok {
		e.logger.Info("alert resolved", "rule_id", rule.ID, "name", rule.Name)
		if e.notifier != nil {
			e.notifier.AlertResolved(ctx, rule)
		}
	}
	return nil
}
