package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"skippy/internal/cas"
)

// GCPlan describes what garbage collection would delete.
type GCPlan struct {
	// Snapshots kept as roots, newest first.
	Roots []string

	// Objects to delete, by kind.
	SnapshotsToDelete []string
	BlobsToDelete     []string

	// Total stored bytes that will be reclaimed
	BytesReclaimed int64
}

// Empty reports whether the plan deletes nothing.
func (p *GCPlan) Empty() bool {
	return len(p.SnapshotsToDelete) == 0 && len(p.BlobsToDelete) == 0
}

// GCOptions configures the garbage collector.
type GCOptions struct {
	// Keep is the number of most recent snapshots retained besides latest.
	Keep int

	// Grace spares objects younger than this, so a build that has saved
	// blobs but not yet moved the latest ref does not lose them.
	Grace time.Duration

	// DryRun computes the plan without executing it
	DryRun bool
}

// BuildGCPlan computes what garbage collection would delete using mark and
// sweep. Roots are the latest snapshot and the last opts.Keep distinct
// snapshots in the ref log; marked are the roots and every coverage blob
// they reference; everything else in the store is swept.
func (r *Repository) BuildGCPlan(ctx context.Context, opts GCOptions) (*GCPlan, error) {
	plan := &GCPlan{}

	// 1. Collect roots
	roots, err := r.collectRoots(ctx, opts.Keep)
	if err != nil {
		return nil, fmt.Errorf("collecting roots: %w", err)
	}
	plan.Roots = roots

	// 2. Mark. A root that cannot be read would leave its blobs unmarked,
	// so that aborts the collection instead of sweeping them.
	marked := map[string]bool{}
	for _, id := range roots {
		marked[KindSnapshot+"/"+id] = true
		a, err := r.LoadSnapshot(ctx, id)
		if errors.Is(err, ErrObjectNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("marking snapshot %s: %w", cas.ShortID(id), err)
		}
		for _, blob := range a.Executions() {
			marked[KindCoverage+"/"+blob] = true
		}
	}

	// 3. Sweep indexed objects and stray files alike
	var cutoffMs int64
	if opts.Grace > 0 {
		cutoffMs = time.Now().Add(-opts.Grace).UnixMilli()
	}
	for _, kind := range []string{KindSnapshot, KindCoverage} {
		candidates, err := r.sweepCandidates(ctx, kind)
		if err != nil {
			return nil, err
		}
		for digest, createdAt := range candidates {
			if marked[kind+"/"+digest] {
				continue
			}
			if cutoffMs > 0 && createdAt > cutoffMs {
				continue // too recent
			}
			if info, err := os.Stat(r.objectPath(kind, digest)); err == nil {
				plan.BytesReclaimed += info.Size()
			}
			if kind == KindSnapshot {
				plan.SnapshotsToDelete = append(plan.SnapshotsToDelete, digest)
			} else {
				plan.BlobsToDelete = append(plan.BlobsToDelete, digest)
			}
		}
	}
	sort.Strings(plan.SnapshotsToDelete)
	sort.Strings(plan.BlobsToDelete)
	return plan, nil
}

// ExecuteGC deletes what the plan lists.
func (r *Repository) ExecuteGC(ctx context.Context, plan *GCPlan) error {
	if plan.Empty() {
		return nil
	}

	tx, err := r.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	del := func(kind string, digests []string) error {
		for _, d := range digests {
			if _, err := tx.ExecContext(ctx, `DELETE FROM objects WHERE kind = ? AND digest = ?`, kind, d); err != nil {
				return fmt.Errorf("deleting %s index row: %w", kind, err)
			}
		}
		return nil
	}
	if err := del(KindSnapshot, plan.SnapshotsToDelete); err != nil {
		return err
	}
	if err := del(KindCoverage, plan.BlobsToDelete); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	// Files go after the commit; a leftover file is swept next time.
	for _, d := range plan.SnapshotsToDelete {
		os.Remove(r.objectPath(KindSnapshot, d))
	}
	for _, d := range plan.BlobsToDelete {
		os.Remove(r.objectPath(KindCoverage, d))
	}
	return nil
}

// GC builds a plan and executes it unless opts.DryRun is set.
func (r *Repository) GC(ctx context.Context, opts GCOptions) (*GCPlan, error) {
	plan, err := r.BuildGCPlan(ctx, opts)
	if err != nil {
		return nil, err
	}
	if opts.DryRun {
		return plan, nil
	}
	if err := r.ExecuteGC(ctx, plan); err != nil {
		return nil, err
	}
	r.logger.Printf("gc: removed %d snapshots, %d blobs, %d bytes",
		len(plan.SnapshotsToDelete), len(plan.BlobsToDelete), plan.BytesReclaimed)
	return plan, nil
}

func (r *Repository) collectRoots(ctx context.Context, keep int) ([]string, error) {
	var roots []string
	seen := map[string]bool{}
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			roots = append(roots, id)
		}
	}

	latest, err := r.Ref(ctx, LatestRef)
	if err != nil {
		return nil, err
	}
	add(latest)

	if keep > 0 {
		history, err := r.RefLog(ctx, LatestRef, 0)
		if err != nil {
			return nil, err
		}
		kept := 0
		for _, e := range history {
			if kept == keep {
				break
			}
			if e.New == latest || seen[e.New] {
				continue
			}
			if _, err := os.Stat(r.objectPath(KindSnapshot, e.New)); err != nil {
				continue // already collected
			}
			add(e.New)
			kept++
		}
	}
	return roots, nil
}

// sweepCandidates lists every object of kind, from the index and from the
// object directory, with its creation time in milliseconds.
func (r *Repository) sweepCandidates(ctx context.Context, kind string) (map[string]int64, error) {
	out := map[string]int64{}
	indexed, err := r.ListObjects(ctx, kind)
	if err != nil {
		return nil, err
	}
	for _, info := range indexed {
		out[info.Digest] = info.CreatedAt
	}

	entries, err := os.ReadDir(filepath.Join(r.root, "objects", kind))
	if err != nil {
		return nil, fmt.Errorf("reading %s objects: %w", kind, err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasSuffix(name, ".tmp") || !cas.IsDigestHex(name) {
			continue
		}
		if _, ok := out[name]; ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out[name] = info.ModTime().UnixMilli()
	}
	return out, nil
}
