package observe

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"

	"forgeplane/control/internal/store"
)

const (
	rotateBatch = 10000

	logRetention    = 48 * time.Hour
	spanRetention   = 48 * time.Hour
	sampleRetention = time.Hour
)

// rotationStore is the hot-store surface the rotator reads and trims.
type rotationStore interface {
	SelectLogsOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]store.StoredLog, error)
	DeleteLogsByID(ctx context.Context, ids []int64) error
	SelectSpansOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]store.StoredSpan, error)
	DeleteSpansByID(ctx context.Context, ids []int64) error
	SelectSamplesOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]store.MetricSampleRow, error)
	DeleteSamples(ctx context.Context, rows []store.MetricSampleRow) error
}

// coldStore receives the rotated parquet files.
type coldStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Rotator moves telemetry rows past their retention window out of Postgres
// into parquet files on the object store. Deletion happens only after the
// file upload succeeds, so a failed rotation retries the same rows next tick.
type Rotator struct {
	st       rotationStore
	cold     coldStore
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewRotator(st rotationStore, cold coldStore, interval time.Duration, logger *slog.Logger) *Rotator {
	return &Rotator{st: st, cold: cold, interval: interval, logger: logger, now: time.Now}
}

// Run rotates on a fixed interval until ctx is cancelled.
func (r *Rotator) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RotateOnce(ctx)
		}
	}
}

// RotateOnce performs one rotation pass over logs, spans and metric samples.
func (r *Rotator) RotateOnce(ctx context.Context) {
	if err := r.rotateLogs(ctx); err != nil {
		r.logger.Error("log rotation failed", "error", err)
	}
	if err := r.rotateSpans(ctx); err != nil {
		r.logger.Error("span rotation failed", "error", err)
	}
	if err := r.rotateSamples(ctx); err != nil {
		r.logger.Error("sample rotation failed", "error", err)
	}
}

// coldLogRow is the parquet shape of a rotated log entry.
type coldLogRow struct {
	Timestamp  int64  `parquet:"ts,timestamp"`
	Service    string `parquet:"service,dict"`
	Level      string `parquet:"level,dict"`
	Message    string `parquet:"message"`
	Attributes string `parquet:"attributes"`
	TraceID    string `parquet:"trace_id"`
	SpanID     string `parquet:"span_id"`
	ProjectID  int64  `parquet:"project_id"`
	SessionID  int64  `parquet:"session_id"`
	UserID     int64  `parquet:"user_id"`
}

// coldSpanRow is the parquet shape of a rotated span.
type coldSpanRow struct {
	TraceID      string `parquet:"trace_id"`
	SpanID       string `parquet:"span_id"`
	ParentSpanID string `parquet:"parent_span_id"`
	Name         string `parquet:"name,dict"`
	Service      string `parquet:"service,dict"`
	Kind         string `parquet:"kind,dict"`
	StartTime    int64  `parquet:"start_time,timestamp"`
	EndTime      int64  `parquet:"end_time,timestamp"`
	StatusCode   string `parquet:"status_code,dict"`
	Attributes   string `parquet:"attributes"`
	ProjectID    int64  `parquet:"project_id"`
	SessionID    int64  `parquet:"session_id"`
	UserID       int64  `parquet:"user_id"`
}

// coldSampleRow is the parquet shape of a rotated metric sample.
type coldSampleRow struct {
	SeriesID  int64   `parquet:"series_id"`
	Timestamp int64   `parquet:"ts,timestamp"`
	Value     float64 `parquet:"value"`
}

func (r *Rotator) rotateLogs(ctx context.Context) error {
	cutoff := r.now().Add(-logRetention)
	for {
		rows, err := r.st.SelectLogsOlderThan(ctx, cutoff, rotateBatch)
		if err != nil || len(rows) == 0 {
			return err
		}
		cold := make([]coldLogRow, len(rows))
		ids := make([]int64, len(rows))
		for i, row := range rows {
			ids[i] = row.ID
			cold[i] = coldLogRow{
				Timestamp:  row.Timestamp.UnixMicro(),
				Service:    row.Service,
				Level:      row.Level,
				Message:    row.Message,
				Attributes: string(row.Attributes),
				TraceID:    row.TraceID,
				SpanID:     row.SpanID,
				ProjectID:  deref(row.ProjectID),
				SessionID:  deref(row.SessionID),
				UserID:     deref(row.UserID),
			}
		}
		key := r.coldKey("logs", "logs", rows[0].Timestamp)
		if err := writeParquet(ctx, r.cold, key, cold); err != nil {
			return err
		}
		if err := r.st.DeleteLogsByID(ctx, ids); err != nil {
			return err
		}
		r.logger.Info("rotated logs", "count", len(rows), "key", key)
		if len(rows) < rotateBatch {
			return nil
		}
	}
}

func (r *Rotator) rotateSpans(ctx context.Context) error {
	cutoff := r.now().Add(-spanRetention)
	for {
		rows, err := r.st.SelectSpansOlderThan(ctx, cutoff, rotateBatch)
		if err != nil || len(rows) == 0 {
			return err
		}
		cold := make([]coldSpanRow, len(rows))
		ids := make([]int64, len(rows))
		for i, row := range rows {
			ids[i] = row.ID
			cold[i] = coldSpanRow{
				TraceID:      row.TraceID,
				SpanID:       row.SpanID,
				ParentSpanID: row.ParentSpanID,
				Name:         row.Name,
				Service:      row.Service,
				Kind:         row.Kind,
				StartTime:    row.StartTime.UnixMicro(),
				EndTime:      row.EndTime.UnixMicro(),
				StatusCode:   row.StatusCode,
				Attributes:   string(row.Attributes),
				ProjectID:    deref(row.ProjectID),
				SessionID:    deref(row.SessionID),
				UserID:       deref(row.UserID),
			}
		}
		key := r.coldKey("traces", "spans", rows[0].StartTime)
		if err := writeParquet(ctx, r.cold, key, cold); err != nil {
			return err
		}
		if err := r.st.DeleteSpansByID(ctx, ids); err != nil {
			return err
		}
		r.logger.Info("rotated spans", "count", len(rows), "key", key)
		if len(rows) < rotateBatch {
			return nil
		}
	}
}

func (r *Rotator) rotateSamples(ctx context.Context) error {
	cutoff := r.now().Add(-sampleRetention)
	for {
		rows, err := r.st.SelectSamplesOlderThan(ctx, cutoff, rotateBatch)
		if err != nil || len(rows) == 0 {
			return err
		}
		cold := make([]coldSampleRow, len(rows))
		for i, row := range rows {
			cold[i] = coldSampleRow{
				SeriesID:  row.SeriesID,
				Timestamp: row.Timestamp.UnixMicro(),
				Value:     row.Value,
			}
		}
		key := r.coldKey("metrics", "metrics", rows[0].Timestamp)
		if err := writeParquet(ctx, r.cold, key, cold); err != nil {
			return err
		}
		if err := r.st.DeleteSamples(ctx, rows); err != nil {
			return err
		}
		r.logger.Info("rotated samples", "count", len(rows), "key", key)
		if len(rows) < rotateBatch {
			return nil
		}
	}
}

// coldKey builds the object key for a rotated batch, partitioned by the
// batch's first-row date.
func (r *Rotator) coldKey(signal, prefix string, first time.Time) string {
	return fmt.Sprintf("otel/%s/%s/%s_%s.parquet",
		signal, first.UTC().Format("2006-01-02"), prefix, uuid.NewString())
}

// writeParquet serializes rows as a snappy-compressed parquet file and
// uploads it.
func writeParquet[T any](ctx context.Context, cold coldStore, key string, rows []T) error {
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[T](&buf, parquet.Compression(&parquet.Snappy))
	if _, err := w.Write(rows); err != nil {
		return fmt.Errorf("writing parquet rows: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing parquet writer: %w", err)
	}
	return cold.Put(ctx, key, buf.Bytes(), "application/vnd.apache.parquet")
}

func deref(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
