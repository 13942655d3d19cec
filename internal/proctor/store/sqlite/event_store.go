package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	dbpkg "github.com/invigil-io/invigil/internal/db"
	"github.com/invigil-io/invigil/internal/proctor/store"
	"github.com/invigil-io/invigil/internal/proctor/types"
)

type EventStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewEventStore(db *sql.DB, writer *dbpkg.Worker) *EventStore {
	return &EventStore{db: db, writer: writer}
}

func (s *EventStore) Append(ctx context.Context, ev types.ViolationEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO violation_events(
  event_id, session_id, seq, occurred_at_ms, kind, severity,
  confidence_pm, detector, description, evidence_ref, reviewed, false_positive
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
			ev.ID, ev.SessionID, ev.Seq, msOf(ev.At), string(ev.Kind), string(ev.Severity),
			ev.ConfidencePm, ev.Detector, ev.Description, ev.EvidenceRef,
			boolInt(ev.Reviewed), boolInt(ev.FalsePositive),
		); err != nil {
			return fmt.Errorf("Append event insert: %w", err)
		}
		return nil
	})
}

func (s *EventStore) Merge(ctx context.Context, eventID string, sev types.Severity, confidencePm int64) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE violation_events SET severity = ?, confidence_pm = ? WHERE event_id = ?;
`, string(sev), confidencePm, eventID)
		if err != nil {
			return fmt.Errorf("Merge event: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrEventNotFound
		}
		return nil
	})
}

func (s *EventStore) SetReview(ctx context.Context, eventID string, reviewed, falsePositive bool) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE violation_events SET reviewed = ?, false_positive = ? WHERE event_id = ?;
`, boolInt(reviewed), boolInt(falsePositive), eventID)
		if err != nil {
			return fmt.Errorf("SetReview: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrEventNotFound
		}
		return nil
	})
}

func (s *EventStore) BySession(ctx context.Context, sessionID string) ([]types.ViolationEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT event_id, session_id, seq, occurred_at_ms, kind, severity,
       confidence_pm, detector, description, evidence_ref, reviewed, false_positive
FROM violation_events
WHERE session_id = ?
ORDER BY occurred_at_ms, seq;
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("BySession query: %w", err)
	}
	defer rows.Close()

	var out []types.ViolationEvent
	for rows.Next() {
		var ev types.ViolationEvent
		var occurredMs int64
		var kind, severity string
		var reviewed, falsePositive int
		if err := rows.Scan(
			&ev.ID, &ev.SessionID, &ev.Seq, &occurredMs, &kind, &severity,
			&ev.ConfidencePm, &ev.Detector, &ev.Description, &ev.EvidenceRef,
			&reviewed, &falsePositive,
		); err != nil {
			return nil, fmt.Errorf("BySession scan: %w", err)
		}
		ev.At = timeOf(occurredMs)
		ev.Kind = types.ViolationKind(kind)
		ev.Severity = types.Severity(severity)
		ev.Reviewed = reviewed != 0
		ev.FalsePositive = falsePositive != 0
		out = append(out, ev)
	}
	return out, rows.Err()
}
