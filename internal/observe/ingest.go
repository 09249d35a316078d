package observe

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
	ingestBuffer  = 10000
	flushBatch    = 500
	flushInterval = time.Second
)

// telemetryStore is the hot-store surface the ingestor writes through.
type telemetryStore interface {
	sessionResolver
	InsertSpans(ctx context.Context, batch []store.SpanRecord) error
	InsertLogs(ctx context.Context, batch []store.LogRecord) error
	InsertMetrics(ctx context.Context, batch []store.MetricRecord) error
}

// logPublisher fans fresh log entries out to live tail subscribers.
type logPublisher interface {
	Publish(ctx context.Context, channel string, payload []byte)
}

// Ingestor buffers decoded telemetry and flushes it to the store in batches.
// Enqueue never blocks: a full buffer is the caller's problem, reported as
// Unavailable so exporters retry with their own backoff.
type Ingestor struct {
	st     telemetryStore
	pub    logPublisher
	logger *slog.Logger

	spans   chan store.SpanRecord
	logs    chan store.LogRecord
	metrics chan store.MetricRecord
}

func NewIngestor(st telemetryStore, pub logPublisher, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		st:      st,
		pub:     pub,
		logger:  logger,
		spans:   make(chan store.SpanRecord, ingestBuffer),
		logs:    make(chan store.LogRecord, ingestBuffer),
		metrics: make(chan store.MetricRecord, ingestBuffer),
	}
}

// IngestTraces decodes and buffers an OTLP trace export.
func (in *Ingestor) IngestTraces(ctx context.Context, payload []byte) error {
	spans, err := DecodeTraces(ctx, payload, in.st)
	if err != nil {
		return err
	}
	for i, sp := range spans {
		select {
		case in.spans <- sp:
		default:
			return platerr.Newf(platerr.KindUnavailable, "ingest buffer full, dropped %d of %d spans", len(spans)-i, len(spans))
		}
	}
	return nil
}

// IngestLogs decodes and buffers an OTLP logs export.
func (in *Ingestor) IngestLogs(ctx context.Context, payload []byte) error {
	recs, err := DecodeLogs(ctx, payload, in.st)
	if err != nil {
		return err
	}
	for i, rec := range recs {
		select {
		case in.logs <- rec:
		default:
			return platerr.Newf(platerr.KindUnavailable, "ingest buffer full, dropped %d of %d logs", len(recs)-i, len(recs))
		}
	}
	return nil
}

// IngestMetrics decodes and buffers an OTLP metrics export.
func (in *Ingestor) IngestMetrics(ctx context.Context, payload []byte) error {
	recs, err := DecodeMetrics(ctx, payload, in.st)
	if err != nil {
		return err
	}
	for i, rec := range recs {
		select {
		case in.metrics <- rec:
		default:
			return platerr.Newf(platerr.KindUnavailable, "ingest buffer full, dropped %d of %d samples", len(recs)-i, len(recs))
		}
	}
	return nil
}

// Run drives the three flush loops until ctx is cancelled. Each loop flushes
// when its batch is full or the interval elapses, whichever comes first.
func (in *Ingestor) Run(ctx context.Context) {
	go flushLoop(ctx, in.spans, in.flushSpans, in.logger)
	go flushLoop(ctx, in.logs, in.flushLogs, in.logger)
	flushLoop(ctx, in.metrics, in.flushMetrics, in.logger)
}

func flushLoop[T any](ctx context.Context, ch <-chan T, flush func(context.Context, []T), logger *slog.Logger) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	batch := make([]T, 0, flushBatch)
	for {
		select {
		case <-ctx.Done():
			// Drain what is already buffered before shutdown.
			for {
				select {
				case item := <-ch:
					batch = append(batch, item)
					if len(batch) >= flushBatch {
						flush(context.WithoutCancel(ctx), batch)
						batch = batch[:0]
					}
				default:
					if len(batch) > 0 {
						flush(context.WithoutCancel(ctx), batch)
					}
					return
				}
			}
		case item := <-ch:
			batch = append(batch, item)
			if len(batch) >= flushBatch {
				flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				flush(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

func (in *Ingestor) flushSpans(ctx context.Context, batch []store.SpanRecord) {
	if err := in.st.InsertSpans(ctx, batch); err != nil {
		in.logger.Error("span flush failed", "count", len(batch), "error", err)
	}
}

func (in *Ingestor) flushLogs(ctx context.Context, batch []store.LogRecord) {
	in.publishLogs(ctx, batch)
	if err := in.st.InsertLogs(ctx, batch); err != nil {
		in.logger.Error("log flush failed", "count", len(batch), "error", err)
	}
}

func (in *Ingestor) flushMetrics(ctx context.Context, batch []store.MetricRecord) {
	if err := in.st.InsertMetrics(ctx, batch); err != nil {
		in.logger.Error("metric flush failed", "count", len(batch), "error", err)
	}
}

// tailEntry is the compact live-tail payload.
type tailEntry struct {
	Timestamp time.Time `json:"ts"`
	Service   string    `json:"service"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	TraceID   string    `json:"trace_id,omitempty"`
}

// publishLogs pushes project-scoped log lines to their live tail channels
// before the batch lands in the store, so tails stay ahead of queries.
func (in *Ingestor) publishLogs(ctx context.Context, batch []store.LogRecord) {
	if in.pub == nil {
		return
	}
	for _, rec := range batch {
		if rec.ProjectID == nil {
			continue
		}
		payload, err := json.Marshal(tailEntry{
			Timestamp: rec.Timestamp,
			Service:   rec.Service,
			Level:     rec.Level,
			Message:   rec.Message,
			TraceID:   rec.TraceID,
		})
		if err != nil {
			continue
		}
		in.pub.Publish(ctx, LogTailChannel(*rec.ProjectID), payload)
	}
}

// LogTailChannel names the pub/sub channel carrying a project's live logs.
func LogTailChannel(projectID int64) string {
	return fmt.Sprintf("logs:%d", projectID)
}
