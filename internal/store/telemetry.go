package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"

	"forgeplane/control/internal/platerr"
)

// SpanRecord is a batch-insertable span with its correlation envelope.
type SpanRecord struct {
	TraceID      string         `db:"trace_id"`
	SpanID       string         `db:"span_id"`
	ParentSpanID string         `db:"parent_span_id"`
	Name         string         `db:"name"`
	Service      string         `db:"service"`
	Kind         string         `db:"kind"`
	StartTime    time.Time      `db:"start_time"`
	EndTime      time.Time      `db:"end_time"`
	StatusCode   string         `db:"status_code"`
	Attributes   types.JSONText `db:"attributes"`
	ProjectID    *int64         `db:"project_id"`
	SessionID    *int64         `db:"session_id"`
	UserID       *int64         `db:"user_id"`
}

// StoredSpan is a span row as read back, with its id.
type StoredSpan struct {
	ID int64 `db:"id"`
	SpanRecord
}

// LogRecord is a batch-insertable log entry with its correlation envelope.
type LogRecord struct {
	Timestamp  time.Time      `db:"ts"`
	Service    string         `db:"service"`
	Level      string         `db:"level"`
	Message    string         `db:"message"`
	Attributes types.JSONText `db:"attributes"`
	TraceID    string         `db:"trace_id"`
	SpanID     string         `db:"span_id"`
	ProjectID  *int64         `db:"project_id"`
	SessionID  *int64         `db:"session_id"`
	UserID     *int64         `db:"user_id"`
}

// StoredLog is a log row as read back, with its id.
type StoredLog struct {
	ID int64 `db:"id"`
	LogRecord
}

// MetricRecord is a batch-insertable metric data point.
type MetricRecord struct {
	Name      string
	Labels    types.JSONText
	Timestamp time.Time
	Value     float64
}

// MetricSampleRow is a stored sample keyed by series.
type MetricSampleRow struct {
	SeriesID  int64     `db:"series_id"`
	Timestamp time.Time `db:"ts"`
	Value     float64   `db:"value"`
}

// InsertSpans multi-row-inserts a span batch and upserts the parent trace
// rows, taking the root span's fields when it is present in the batch.
func (s *Store) InsertSpans(ctx context.Context, batch []SpanRecord) error {
	if len(batch) == 0 {
		return nil
	}
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO spans (trace_id, span_id, parent_span_id, name, service, kind,
			                   start_time, end_time, status_code, attributes,
			                   project_id, session_id, user_id)
			VALUES (:trace_id, :span_id, :parent_span_id, :name, :service, :kind,
			        :start_time, :end_time, :status_code, :attributes,
			        :project_id, :session_id, :user_id)`, batch); err != nil {
			return err
		}
		for _, sp := range batch {
			if sp.ParentSpanID != "" {
				// Only root spans define the trace summary.
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO traces (trace_id) VALUES ($1)
					ON CONFLICT (trace_id) DO NOTHING`, sp.TraceID); err != nil {
					return err
				}
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO traces (trace_id, project_id, service, name, start_time, end_time)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (trace_id) DO UPDATE
				SET project_id = EXCLUDED.project_id, service = EXCLUDED.service,
				    name = EXCLUDED.name, start_time = EXCLUDED.start_time,
				    end_time = EXCLUDED.end_time`,
				sp.TraceID, sp.ProjectID, sp.Service, sp.Name, sp.StartTime, sp.EndTime); err != nil {
				return err
			}
		}
		return nil
	})
	return platerr.FromDB(err, "inserting spans")
}

// InsertLogs multi-row-inserts a log batch.
func (s *Store) InsertLogs(ctx context.Context, batch []LogRecord) error {
	if len(batch) == 0 {
		return nil
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO log_entries (ts, service, level, message, attributes,
		                         trace_id, span_id, project_id, session_id, user_id)
		VALUES (:ts, :service, :level, :message, :attributes,
		        :trace_id, :span_id, :project_id, :session_id, :user_id)`, batch)
	return platerr.FromDB(err, "inserting logs")
}

// InsertMetrics upserts each record's series by (name, labels) and inserts
// its sample.
func (s *Store) InsertMetrics(ctx context.Context, batch []MetricRecord) error {
	if len(batch) == 0 {
		return nil
	}
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, m := range batch {
			labels := m.Labels
			if labels == nil {
				labels = types.JSONText(`{}`)
			}
			var seriesID int64
			if err := tx.GetContext(ctx, &seriesID, `
				INSERT INTO metric_series (name, labels) VALUES ($1, $2)
				ON CONFLICT (name, labels) DO UPDATE SET name = EXCLUDED.name
				RETURNING id`, m.Name, labels); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO metric_samples (series_id, ts, value) VALUES ($1, $2, $3)`,
				seriesID, m.Timestamp, m.Value); err != nil {
				return err
			}
		}
		return nil
	})
	return platerr.FromDB(err, "inserting metrics")
}

// SearchLogs returns hot log entries filtered by project, optional level and
// substring, newest first.
func (s *Store) SearchLogs(ctx context.Context, projectID int64, level, contains string, page Page) ([]StoredLog, int, error) {
	page = page.Clamp()
	const where = `
		project_id = $1
		AND ($2 = '' OR level = $2)
		AND ($3 = '' OR message ILIKE '%' || $3 || '%')`
	var out []StoredLog
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM log_entries WHERE `+where+` ORDER BY ts DESC LIMIT $4 OFFSET $5`,
		projectID, level, contains, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, platerr.FromDB(err, "searching logs")
	}
	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT count(*) FROM log_entries WHERE `+where, projectID, level, contains); err != nil {
		return nil, 0, platerr.FromDB(err, "counting logs")
	}
	return out, total, nil
}

// TraceSummary is the traces-table row.
type TraceSummary struct {
	TraceID   string     `db:"trace_id"`
	ProjectID *int64     `db:"project_id"`
	Service   string     `db:"service"`
	Name      string     `db:"name"`
	StartTime *time.Time `db:"start_time"`
	EndTime   *time.Time `db:"end_time"`
}

// ListTraces returns trace summaries for a project, newest first.
func (s *Store) ListTraces(ctx context.Context, projectID int64, page Page) ([]TraceSummary, int, error) {
	page = page.Clamp()
	var out []TraceSummary
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM traces WHERE project_id = $1
		ORDER BY start_time DESC NULLS LAST LIMIT $2 OFFSET $3`,
		projectID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, platerr.FromDB(err, "listing traces")
	}
	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT count(*) FROM traces WHERE project_id = $1`, projectID); err != nil {
		return nil, 0, platerr.FromDB(err, "counting traces")
	}
	return out, total, nil
}

// GetTraceSpans returns a trace's spans ordered by start time.
func (s *Store) GetTraceSpans(ctx context.Context, traceID string) ([]StoredSpan, error) {
	var out []StoredSpan
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM spans WHERE trace_id = $1 ORDER BY start_time`, traceID)
	if err != nil {
		return nil, platerr.FromDB(err, "getting trace spans")
	}
	return out, nil
}

// ListMetricNames returns the distinct metric names.
func (s *Store) ListMetricNames(ctx context.Context) ([]string, error) {
	var names []string
	if err := s.db.SelectContext(ctx, &names, `SELECT DISTINCT name FROM metric_series ORDER BY name`); err != nil {
		return nil, platerr.FromDB(err, "listing metric names")
	}
	return names, nil
}

// AggregateMetric evaluates <agg>(value) over samples of the named metric
// within the window, optionally restricted to series whose labels contain
// labelsJSON. Returns nil when no samples matched. agg must be one of
// avg/sum/max/min/count — the caller validates, since it is interpolated.
func (s *Store) AggregateMetric(ctx context.Context, name string, labelsJSON []byte, agg string, window time.Duration) (*float64, error) {
	query := `
		SELECT ` + agg + `(ms.value)
		FROM metric_samples ms
		JOIN metric_series sr ON sr.id = ms.series_id
		WHERE sr.name = $1
		  AND ($2::jsonb IS NULL OR sr.labels @> $2::jsonb)
		  AND ms.ts > now() - ($3 * interval '1 second')`
	var value sql.NullFloat64
	var labelsArg any
	if len(labelsJSON) > 0 {
		labelsArg = string(labelsJSON)
	}
	err := s.db.GetContext(ctx, &value, query, name, labelsArg, int64(window.Seconds()))
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !value.Valid) {
		return nil, nil
	}
	if err != nil {
		return nil, platerr.FromDB(err, "aggregating metric")
	}
	v := value.Float64
	return &v, nil
}

// SelectLogsOlderThan returns up to limit cold log rows for rotation.
func (s *Store) SelectLogsOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]StoredLog, error) {
	var out []StoredLog
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM log_entries WHERE ts < $1 ORDER BY ts LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, platerr.FromDB(err, "selecting cold logs")
	}
	return out, nil
}

// DeleteLogsByID removes rotated log rows.
func (s *Store) DeleteLogsByID(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM log_entries WHERE id IN (?)`, ids)
	if err != nil {
		return platerr.Wrap(platerr.KindInternal, "building delete query", err)
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	return platerr.FromDB(err, "deleting rotated logs")
}

// SelectSpansOlderThan returns up to limit cold span rows for rotation.
func (s *Store) SelectSpansOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]StoredSpan, error) {
	var out []StoredSpan
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM spans WHERE start_time < $1 ORDER BY start_time LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, platerr.FromDB(err, "selecting cold spans")
	}
	return out, nil
}

// DeleteSpansByID removes rotated span rows.
func (s *Store) DeleteSpansByID(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM spans WHERE id IN (?)`, ids)
	if err != nil {
		return platerr.Wrap(platerr.KindInternal, "building delete query", err)
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	return platerr.FromDB(err, "deleting rotated spans")
}

// SelectSamplesOlderThan returns up to limit cold metric samples for rotation.
func (s *Store) SelectSamplesOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]MetricSampleRow, error) {
	var out []MetricSampleRow
	err := s.db.SelectContext(ctx, &out, `
		SELECT series_id, ts, value FROM metric_samples WHERE ts < $1 ORDER BY ts LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, platerr.FromDB(err, "selecting cold samples")
	}
	return out, nil
}

// DeleteSamples removes rotated samples by (series_id, ts) compound match.
func (s *Store) DeleteSamples(ctx context.Context, rows []MetricSampleRow) error {
	if len(rows) == 0 {
		return nil
	}
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, r := range rows {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM metric_samples WHERE series_id = $1 AND ts = $2`, r.SeriesID, r.Timestamp); err != nil {
				return err
			}
		}
		return nil
	})
	return platerr.FromDB(err, "deleting rotated samples")
}

// SessionCorrelation resolves a session id to its project and user for the
// ingest correlation envelope.
func (s *Store) SessionCorrelation(ctx context.Context, sessionID int64) (projectID, userID int64, err error) {
	var row struct {
		ProjectID int64 `db:"project_id"`
		UserID    int64 `db:"user_id"`
	}
	err = s.db.GetContext(ctx, &row, `SELECT project_id, user_id FROM agent_sessions WHERE id = $1`, sessionID)
	if err != nil {
		return 0, 0, notFoundOr(err, "session")
	}
	return row.ProjectID, row.UserID, nil
}
