package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

var _ domain.AuditStore = (*AuditStore)(nil)

// AuditStore implements domain.AuditStore over the reconciliation_events
// table. Rows are never updated.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates an AuditStore backed by pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Log appends one event. Replaying an event with a known id is a no-op.
func (s *AuditStore) Log(ctx context.Context, ev domain.ReconciliationEvent) error {
	var mismatch []byte
	if ev.Mismatch != nil {
		b, err := json.Marshal(ev.Mismatch)
		if err != nil {
			return fmt.Errorf("postgres: marshal mismatch: %w", err)
		}
		mismatch = b
	}

	const query = `
		INSERT INTO reconciliation_events (id, event_type, cycle, venue, message, mismatch, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`
	_, err := s.pool.Exec(ctx, query,
		ev.ID, string(ev.Type), int64(ev.Cycle), string(ev.Venue), ev.Message, mismatch, ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres: log reconciliation event %s: %w", ev.Type, err)
	}
	return nil
}

// List returns events oldest first with optional time filtering.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.ReconciliationEvent, error) {
	query := `SELECT id, event_type, cycle, venue, message, mismatch, created_at
		FROM reconciliation_events WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at < $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	query += " ORDER BY created_at, id"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list reconciliation events: %w", err)
	}
	defer rows.Close()

	var events []domain.ReconciliationEvent
	for rows.Next() {
		var ev domain.ReconciliationEvent
		var typ, venue string
		var cycle int64
		var mismatch []byte
		if err := rows.Scan(&ev.ID, &typ, &cycle, &venue, &ev.Message, &mismatch, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan reconciliation event: %w", err)
		}
		ev.Type = domain.ReconciliationEventType(typ)
		ev.Cycle = uint64(cycle)
		ev.Venue = domain.Venue(venue)
		if len(mismatch) > 0 {
			var m domain.StateMismatch
			if err := json.Unmarshal(mismatch, &m); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal mismatch: %w", err)
			}
			ev.Mismatch = &m
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list reconciliation events rows: %w", err)
	}
	return events, nil
}
