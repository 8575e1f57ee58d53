package pg

import (
	"context"
	"encoding/json"
	"fmt"

	"fieldgate.org/internal/audit"
	"fieldgate.org/internal/ids"
)

var _ audit.Sink = (*Store)(nil)

// Write appends rec to audit_log.
func (s *Store) Write(ctx context.Context, rec audit.Record) error {
	if s.db == nil {
		return errNoDB
	}
	fields := []byte("{}")
	if len(rec.Fields) > 0 {
		raw, err := json.Marshal(rec.Fields)
		if err != nil {
			return fmt.Errorf("marshal audit fields: %w", err)
		}
		fields = raw
	}
	at := rec.Time
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_log (id, at, actor, action, resource, decision, correlation_id, fields)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, ids.NewAt(at), at.UTC(), rec.Actor, rec.Action, nullIfEmpty(rec.Resource), rec.Decision,
		nullIfEmpty(rec.CorrelationID), fields)
	return err
}
