package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"skippy/internal/cas"
	"skippy/internal/tia"
)

// Snapshot is a loaded test impact analysis and its content id.
type Snapshot struct {
	ID       string
	Analysis *tia.Analysis
}

// RefLogEntry records one move of a ref.
type RefLogEntry struct {
	Seq   int64
	Ref   string
	Old   string
	New   string
	Actor string
	Time  int64
}

// SaveSnapshot stores a and moves the latest ref to it. parent is the
// snapshot id the build started from ("" if there was none); if another
// build has moved the ref elsewhere since, a ConsistencyError wrapping
// ErrRefMismatch is returned and the ref is left alone. Saving content that
// the ref already points at is a no-op.
func (r *Repository) SaveSnapshot(ctx context.Context, a *tia.Analysis, parent, actor string) (string, error) {
	data, err := tia.Encode(a)
	if err != nil {
		return "", fmt.Errorf("encoding snapshot: %w", err)
	}
	id, err := r.putObject(ctx, KindSnapshot, data)
	if err != nil {
		return "", err
	}
	if err := r.setRef(ctx, LatestRef, parent, id, actor); err != nil {
		return "", err
	}
	r.cacheAnalysis(id, a)
	return id, nil
}

// LoadSnapshot reads the snapshot stored under id. Recently read snapshots
// are served from memory while their object file is unchanged.
func (r *Repository) LoadSnapshot(ctx context.Context, id string) (*tia.Analysis, error) {
	if a, ok := r.cachedAnalysis(id); ok {
		return a, nil
	}
	data, err := r.getObject(KindSnapshot, id)
	if err != nil {
		return nil, err
	}
	a, err := tia.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding snapshot %s: %w", cas.ShortID(id), err)
	}
	r.cacheAnalysis(id, a)
	return a, nil
}

// ResolveSnapshot expands a snapshot id prefix (as printed by ShortID) to
// the full id. The name "latest" resolves to the latest ref.
func (r *Repository) ResolveSnapshot(ctx context.Context, prefix string) (string, error) {
	if prefix == LatestRef {
		id, err := r.Ref(ctx, LatestRef)
		if err != nil {
			return "", err
		}
		if id == "" {
			return "", fmt.Errorf("%w: %s", ErrObjectNotFound, prefix)
		}
		return id, nil
	}
	objects, err := r.ListObjects(ctx, KindSnapshot)
	if err != nil {
		return "", err
	}

	var matches []string
	for _, o := range objects {
		if strings.HasPrefix(o.Digest, prefix) {
			matches = append(matches, o.Digest)
		}
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: snapshot %s", ErrObjectNotFound, prefix)
	}
	if len(matches) > 1 {
		return "", fmt.Errorf("ambiguous snapshot prefix: %s (matches %d snapshots)", prefix, len(matches))
	}
	return matches[0], nil
}

// LoadLatestSnapshot returns the snapshot the latest ref points at. A
// missing ref or a missing object file is not an error: the result is
// Unavailable. Unreadable or corrupt snapshots are errors.
func (r *Repository) LoadLatestSnapshot(ctx context.Context) (tia.Result[Snapshot], error) {
	id, err := r.Ref(ctx, LatestRef)
	if err != nil {
		return tia.Result[Snapshot]{}, err
	}
	if id == "" {
		return tia.Unavailable[Snapshot](), nil
	}
	a, err := r.LoadSnapshot(ctx, id)
	if errors.Is(err, ErrObjectNotFound) {
		r.logger.Printf("latest snapshot %s is missing on disk", cas.ShortID(id))
		return tia.Unavailable[Snapshot](), nil
	}
	if err != nil {
		return tia.Result[Snapshot]{}, err
	}
	return tia.Found(Snapshot{ID: id, Analysis: a}), nil
}

// Ref returns the target of a ref, or "" if it does not exist.
func (r *Repository) Ref(ctx context.Context, name string) (string, error) {
	var target string
	err := r.conn.QueryRowContext(ctx, `SELECT target FROM refs WHERE name = ?`, name).Scan(&target)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("querying ref: %w", err)
	}
	return target, nil
}

func (r *Repository) setRef(ctx context.Context, name, old, target, actor string) error {
	tx, err := r.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT target FROM refs WHERE name = ?`, name).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("checking current ref: %w", err)
	}

	if current == target {
		return nil
	}
	if current != old {
		return &ConsistencyError{
			Key: name,
			Reason: fmt.Sprintf("moved to %s by another build, expected %s",
				displayID(current), displayID(old)),
			Err: ErrRefMismatch,
		}
	}

	ts := cas.NowMs()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO refs (name, target, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET target=excluded.target, updated_at=excluded.updated_at`,
		name, target, ts,
	)
	if err != nil {
		return fmt.Errorf("upserting ref: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO ref_log (ref, old, new, actor, time) VALUES (?, ?, ?, ?, ?)`,
		name, current, target, actor, ts,
	)
	if err != nil {
		return fmt.Errorf("appending ref log: %w", err)
	}
	return tx.Commit()
}

// RefLog returns up to limit moves of ref, newest first. limit <= 0 means all.
func (r *Repository) RefLog(ctx context.Context, ref string, limit int) ([]RefLogEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.conn.QueryContext(ctx,
		`SELECT seq, ref, old, new, actor, time FROM ref_log WHERE ref = ? ORDER BY seq DESC LIMIT ?`,
		ref, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying ref log: %w", err)
	}
	defer rows.Close()

	var out []RefLogEntry
	for rows.Next() {
		var e RefLogEntry
		if err := rows.Scan(&e.Seq, &e.Ref, &e.Old, &e.New, &e.Actor, &e.Time); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func displayID(id string) string {
	if id == "" {
		return "(none)"
	}
	return cas.ShortID(id)
}
