// Package audit emits structured records for authentication outcomes,
// token issuance and revocation, policy issuance and permission denials.
// Storage and retention belong to the configured sinks.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"fieldgate.org/internal/obs"
)

// Decisions recorded on each entry.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
	DecisionError = "error"
)

// Record is one audit entry. Fields must never carry raw secrets.
type Record struct {
	Time          time.Time      `json:"ts"`
	Actor         string         `json:"actor"`
	Action        string         `json:"action"`
	Resource      string         `json:"resource,omitempty"`
	Decision      string         `json:"decision"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Fields        map[string]any `json:"fields,omitempty"`
}

// Sink stores records.
type Sink interface {
	Write(ctx context.Context, rec Record) error
}

type ctxKey string

const correlationKey ctxKey = "audit_correlation_id"

// WithCorrelationID attaches the request correlation id to ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	id = strings.TrimSpace(id)
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey, id)
}

// CorrelationID returns the id attached by WithCorrelationID.
func CorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(correlationKey).(string); ok {
		return v
	}
	return ""
}

// Emit stamps rec with the time and correlation id and hands it to sink. A
// failing sink is logged and never fails the caller's operation.
func Emit(ctx context.Context, sink Sink, rec Record) {
	if sink == nil {
		return
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}
	if rec.CorrelationID == "" {
		rec.CorrelationID = CorrelationID(ctx)
	}
	if err := sink.Write(ctx, rec); err != nil {
		obs.Logger().Warn("audit_write_failed",
			slog.String("action", rec.Action),
			slog.String("correlation_id", rec.CorrelationID),
			slog.String("error", err.Error()))
	}
}

// LogSink writes records as JSON lines through the shared logger.
type LogSink struct{}

func (LogSink) Write(ctx context.Context, rec Record) error {
	if strings.TrimSpace(rec.Action) == "" {
		return errors.New("audit: action is required")
	}
	attrs := []slog.Attr{
		slog.String("type", "audit"),
		slog.Time("at", rec.Time),
		slog.String("actor", rec.Actor),
		slog.String("action", rec.Action),
		slog.String("decision", rec.Decision),
	}
	if rec.Resource != "" {
		attrs = append(attrs, slog.String("resource", rec.Resource))
	}
	if rec.CorrelationID != "" {
		attrs = append(attrs, slog.String("request_id", rec.CorrelationID))
	}
	if len(rec.Fields) > 0 {
		attrs = append(attrs, slog.Any("fields", rec.Fields))
	}
	obs.Logger().LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
	return nil
}

// Multi writes to every sink and joins their errors.
type Multi []Sink

func (m Multi) Write(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Write(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemorySink keeps records in memory.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

func (m *MemorySink) Write(_ context.Context, rec Record) error {
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
	return nil
}

// Records returns a copy of what was written.
func (m *MemorySink) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}

// Find returns records with the given action.
func (m *MemorySink) Find(action string) []Record {
	var out []Record
	for _, r := range m.Records() {
		if r.Action == action {
			out = append(out, r)
		}
	}
	return out
}
