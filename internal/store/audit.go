package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"skippy/internal/cas"
	"skippy/internal/tia"
)

// DecisionEntry is one row of the decision audit log.
type DecisionEntry struct {
	Seq       int64
	BuildID   string
	Test      tia.UnitID
	Outcome   string
	Reason    string
	Unit      tia.UnitID
	DecidedAt int64
}

// RecordDecision appends e to the audit log. Seq and DecidedAt are filled in.
func (r *Repository) RecordDecision(ctx context.Context, e DecisionEntry) error {
	_, err := r.conn.ExecContext(ctx,
		`INSERT INTO decisions (build_id, test, outcome, reason, unit, decided_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.BuildID, string(e.Test), e.Outcome, e.Reason, string(e.Unit), cas.NowMs(),
	)
	if err != nil {
		return fmt.Errorf("recording decision: %w", err)
	}
	return nil
}

// ListDecisions returns the decisions of a build in the order they were
// made. limit <= 0 means all.
func (r *Repository) ListDecisions(ctx context.Context, buildID string, limit int) ([]DecisionEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.conn.QueryContext(ctx,
		`SELECT seq, build_id, test, outcome, reason, unit, decided_at
		 FROM decisions WHERE build_id = ? ORDER BY seq LIMIT ?`,
		buildID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying decisions: %w", err)
	}
	defer rows.Close()

	var out []DecisionEntry
	for rows.Next() {
		var e DecisionEntry
		var test, unit string
		if err := rows.Scan(&e.Seq, &e.BuildID, &test, &e.Outcome, &e.Reason, &unit, &e.DecidedAt); err != nil {
			return nil, err
		}
		e.Test, e.Unit = tia.UnitID(test), tia.UnitID(unit)
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastBuildID returns the build that recorded the most recent decision,
// or "" if the log is empty.
func (r *Repository) LastBuildID(ctx context.Context) (string, error) {
	var id string
	err := r.conn.QueryRowContext(ctx, `SELECT build_id FROM decisions ORDER BY seq DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("querying last build: %w", err)
	}
	return id, nil
}

// KindStats summarizes the stored objects of one kind.
type KindStats struct {
	Count      int
	Size       int64
	StoredSize int64
}

// Stats summarizes the repository contents.
type Stats struct {
	Latest    string
	Snapshots KindStats
	Blobs     KindStats
	Decisions int
}

// Stats reads object counts and sizes from the index.
func (r *Repository) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	latest, err := r.Ref(ctx, LatestRef)
	if err != nil {
		return s, err
	}
	s.Latest = latest

	rows, err := r.conn.QueryContext(ctx,
		`SELECT kind, COUNT(*), COALESCE(SUM(size), 0), COALESCE(SUM(stored_size), 0)
		 FROM objects GROUP BY kind`)
	if err != nil {
		return s, fmt.Errorf("querying object stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var ks KindStats
		if err := rows.Scan(&kind, &ks.Count, &ks.Size, &ks.StoredSize); err != nil {
			return s, err
		}
		switch kind {
		case KindSnapshot:
			s.Snapshots = ks
		case KindCoverage:
			s.Blobs = ks
		}
	}
	if err := rows.Err(); err != nil {
		return s, err
	}

	if err := r.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM decisions`).Scan(&s.Decisions); err != nil {
		return s, fmt.Errorf("counting decisions: %w", err)
	}
	return s, nil
}
