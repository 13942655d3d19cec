package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	dbpkg "github.com/invigil-io/invigil/internal/db"
	"github.com/invigil-io/invigil/internal/proctor/types"
)

type SampleStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewSampleStore(db *sql.DB, writer *dbpkg.Worker) *SampleStore {
	return &SampleStore{db: db, writer: writer}
}

func (s *SampleStore) Append(ctx context.Context, sample types.ScoreSample) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO score_samples(session_id, sampled_at_ms, score_cp, event_id)
VALUES (?, ?, ?, ?);
`, sample.SessionID, msOf(sample.At), sample.ScoreCp, sample.EventID); err != nil {
			return fmt.Errorf("Append sample insert: %w", err)
		}
		return nil
	})
}

func (s *SampleStore) BySession(ctx context.Context, sessionID string) ([]types.ScoreSample, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, sampled_at_ms, score_cp, event_id
FROM score_samples
WHERE session_id = ?
ORDER BY sampled_at_ms;
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("BySession samples query: %w", err)
	}
	defer rows.Close()

	var out []types.ScoreSample
	for rows.Next() {
		var (
			sample    types.ScoreSample
			sampledMs int64
		)
		if err := rows.Scan(&sample.SessionID, &sampledMs, &sample.ScoreCp, &sample.EventID); err != nil {
			return nil, fmt.Errorf("BySession samples scan: %w", err)
		}
		sample.At = timeOf(sampledMs)
		out = append(out, sample)
	}
	return out, rows.Err()
}
