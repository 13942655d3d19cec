// Package sqlite implements the proctor stores on SQLite.  All writes
// go through the db.Worker so per-event appends are atomic and the
// single-writer rule is enforced in one place.
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

type SessionStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewSessionStore(db *sql.DB, writer *dbpkg.Worker) *SessionStore {
	return &SessionStore{db: db, writer: writer}
}

func (s *SessionStore) Create(ctx context.Context, sess types.Session) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO sessions(
  session_id, student_id, exam_id, state, created_at_ms,
  started_at_ms, ended_at_ms, face_verified, environment_checked, verified_at_ms,
  score_cp, peak_score_cp, critical_seen, last_heartbeat_at_ms, decision, end_reason
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
			sess.ID, sess.StudentID, sess.ExamID, string(sess.State), msOf(sess.CreatedAt),
			msPtr(sess.StartedAt), msPtr(sess.EndedAt), boolInt(sess.FaceVerified),
			boolInt(sess.EnvironmentChecked), msPtr(sess.VerifiedAt),
			sess.ScoreCp, sess.PeakScoreCp, boolInt(sess.CriticalSeen),
			msPtr(sess.LastHeartbeatAt), decisionStr(sess.Decision), sess.EndReason,
		); err != nil {
			return fmt.Errorf("Create session insert: %w", err)
		}
		return nil
	})
}

func (s *SessionStore) Get(ctx context.Context, id string) (types.Session, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT session_id, student_id, exam_id, state, created_at_ms,
       started_at_ms, ended_at_ms, face_verified, environment_checked, verified_at_ms,
       score_cp, peak_score_cp, critical_seen, last_heartbeat_at_ms, decision, end_reason
FROM sessions WHERE session_id = ?;
`, id)

	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return types.Session{}, store.ErrSessionNotFound
	}
	if err != nil {
		return types.Session{}, fmt.Errorf("Get session: %w", err)
	}
	return sess, nil
}

func (s *SessionStore) Update(ctx context.Context, sess types.Session) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE sessions
SET state = ?,
    started_at_ms = ?,
    ended_at_ms = ?,
    face_verified = ?,
    environment_checked = ?,
    verified_at_ms = ?,
    score_cp = ?,
    peak_score_cp = ?,
    critical_seen = ?,
    last_heartbeat_at_ms = ?,
    decision = ?,
    end_reason = ?
WHERE session_id = ?;
`,
			string(sess.State), msPtr(sess.StartedAt), msPtr(sess.EndedAt),
			boolInt(sess.FaceVerified), boolInt(sess.EnvironmentChecked), msPtr(sess.VerifiedAt),
			sess.ScoreCp, sess.PeakScoreCp, boolInt(sess.CriticalSeen),
			msPtr(sess.LastHeartbeatAt), decisionStr(sess.Decision), sess.EndReason,
			sess.ID,
		)
		if err != nil {
			return fmt.Errorf("Update session: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrSessionNotFound
		}
		return nil
	})
}

func (s *SessionStore) InState(ctx context.Context, state types.SessionState) ([]types.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, student_id, exam_id, state, created_at_ms,
       started_at_ms, ended_at_ms, face_verified, environment_checked, verified_at_ms,
       score_cp, peak_score_cp, critical_seen, last_heartbeat_at_ms, decision, end_reason
FROM sessions WHERE state = ? ORDER BY session_id;
`, string(state))
	if err != nil {
		return nil, fmt.Errorf("InState query: %w", err)
	}
	defer rows.Close()

	var out []types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("InState scan: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (types.Session, error) {
	var sess types.Session
	var state string
	var createdMs int64
	var startedMs, endedMs, verifiedMs sql.NullInt64
	var faceVerified, envChecked, criticalSeen int
	var heartbeatMs sql.NullInt64
	var decision sql.NullString

	if err := r.Scan(
		&sess.ID, &sess.StudentID, &sess.ExamID, &state, &createdMs,
		&startedMs, &endedMs, &faceVerified, &envChecked, &verifiedMs,
		&sess.ScoreCp, &sess.PeakScoreCp, &criticalSeen, &heartbeatMs,
		&decision, &sess.EndReason,
	); err != nil {
		return types.Session{}, err
	}

	sess.State = types.SessionState(state)
	sess.CreatedAt = timeOf(createdMs)
	sess.StartedAt = timePtr(startedMs)
	sess.EndedAt = timePtr(endedMs)
	sess.VerifiedAt = timePtr(verifiedMs)
	sess.LastHeartbeatAt = timePtr(heartbeatMs)
	sess.FaceVerified = faceVerified != 0
	sess.EnvironmentChecked = envChecked != 0
	sess.CriticalSeen = criticalSeen != 0
	if decision.Valid {
		d := types.Decision(decision.String)
		sess.Decision = &d
	}
	return sess, nil
}

// ── column conversion helpers ────────────────────────────────────────────────

func msOf(t time.Time) int64 { return t.UTC().UnixMilli() }

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixMilli()
}

func timeOf(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func timePtr(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := time.UnixMilli(ms.Int64).UTC()
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func decisionStr(d *types.Decision) any {
	if d == nil {
		return nil
	}
	return string(*d)
}
