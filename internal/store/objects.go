package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"skippy/internal/cas"
)

// ObjectInfo is the index row of a stored object.
type ObjectInfo struct {
	Kind       string
	Digest     string
	Size       int64
	StoredSize int64
	CreatedAt  int64
}

func (r *Repository) objectPath(kind, digest string) string {
	return filepath.Join(r.root, "objects", kind, digest)
}

// SaveCoverageBlob stores blob compressed and returns the digest of the
// uncompressed bytes. Saving identical content twice stores it once.
func (r *Repository) SaveCoverageBlob(ctx context.Context, blob []byte) (string, error) {
	return r.putObject(ctx, KindCoverage, blob)
}

// LoadCoverageBlob returns the uncompressed blob stored under digest.
func (r *Repository) LoadCoverageBlob(ctx context.Context, digest string) ([]byte, error) {
	return r.getObject(KindCoverage, digest)
}

func (r *Repository) encode(kind string, content []byte) []byte {
	if kind == KindCoverage {
		return r.enc.EncodeAll(content, nil)
	}
	return content
}

func (r *Repository) decode(kind string, stored []byte) ([]byte, error) {
	if kind == KindCoverage {
		return r.dec.DecodeAll(stored, nil)
	}
	return stored, nil
}

// putObject writes content under its digest unless an intact copy already
// exists, then records it in the index. A damaged copy is replaced. Putting
// an object again refreshes its index time, so GC's grace period covers the
// build that is about to reference it.
func (r *Repository) putObject(ctx context.Context, kind string, content []byte) (string, error) {
	digest := cas.Blake3HashHex(content)
	finalPath := r.objectPath(kind, digest)
	stored := r.encode(kind, content)

	existing, err := os.ReadFile(finalPath)
	switch {
	case err == nil && r.intact(kind, digest, existing):
		stored = existing
	case err == nil:
		r.logger.Printf("replacing damaged %s object %s", kind, cas.ShortID(digest))
		if err := writeAtomic(finalPath, stored); err != nil {
			return "", fmt.Errorf("rewriting %s object: %w", kind, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		if err := writeAtomic(finalPath, stored); err != nil {
			return "", fmt.Errorf("writing %s object: %w", kind, err)
		}
	default:
		return "", fmt.Errorf("reading %s object: %w", kind, err)
	}

	_, err = r.conn.ExecContext(ctx,
		`INSERT INTO objects (kind, digest, size, stored_size, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(kind, digest) DO UPDATE SET
		   stored_size = excluded.stored_size,
		   created_at = excluded.created_at`,
		kind, digest, len(content), len(stored), cas.NowMs(),
	)
	if err != nil {
		return "", fmt.Errorf("indexing %s object: %w", kind, err)
	}
	return digest, nil
}

func (r *Repository) getObject(kind, digest string) ([]byte, error) {
	if !cas.IsDigestHex(digest) {
		return nil, fmt.Errorf("%w: invalid digest %q", ErrObjectNotFound, digest)
	}
	stored, err := os.ReadFile(r.objectPath(kind, digest))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s %s", ErrObjectNotFound, kind, cas.ShortID(digest))
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s object: %w", kind, err)
	}
	content, err := r.decode(kind, stored)
	if err != nil || cas.Blake3HashHex(content) != digest {
		return nil, &ConsistencyError{
			Key:    kind + "/" + digest,
			Reason: "stored content does not match its digest",
			Err:    err,
		}
	}
	return content, nil
}

// intact reports whether stored decodes to content with the given digest.
func (r *Repository) intact(kind, digest string, stored []byte) bool {
	content, err := r.decode(kind, stored)
	return err == nil && cas.Blake3HashHex(content) == digest
}

// ListObjects returns the index rows of one kind.
func (r *Repository) ListObjects(ctx context.Context, kind string) ([]ObjectInfo, error) {
	rows, err := r.conn.QueryContext(ctx,
		`SELECT kind, digest, size, stored_size, created_at FROM objects WHERE kind = ? ORDER BY digest`,
		kind,
	)
	if err != nil {
		return nil, fmt.Errorf("querying objects: %w", err)
	}
	defer rows.Close()

	var out []ObjectInfo
	for rows.Next() {
		var info ObjectInfo
		if err := rows.Scan(&info.Kind, &info.Digest, &info.Size, &info.StoredSize, &info.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// writeAtomic writes data to a unique temp file next to path and renames it
// into place, so readers never observe a partial object.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}
