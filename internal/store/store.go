// Package store keeps test impact snapshots and coverage blobs in a
// content-addressed object directory, indexed by a SQLite database that
// also holds the latest-snapshot ref, its history and the decision audit log.
//
// Layout under the data directory:
//
//	index.db             SQLite index (objects, refs, ref_log, decisions)
//	objects/snapshot/    canonical JSON snapshots, named by blake3 digest
//	objects/coverage/    zstd-compressed coverage blobs, named by the digest
//	                     of their uncompressed bytes
//	staging/             per-build coverage awaiting attribution
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"
)

// Object kinds.
const (
	KindSnapshot = "snapshot"
	KindCoverage = "coverage"
)

// LatestRef names the ref pointing at the most recent snapshot.
const LatestRef = "latest"

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrRefMismatch    = errors.New("ref target mismatch")
	ErrConsistency    = errors.New("store consistency error")
)

// ConsistencyError reports divergent content under one logical key. It is
// never resolved automatically.
type ConsistencyError struct {
	Key    string
	Reason string
	Err    error
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency error on %s: %s", e.Key, e.Reason)
}

// Is makes errors.Is(err, ErrConsistency) hold for every ConsistencyError.
func (e *ConsistencyError) Is(target error) bool {
	return target == ErrConsistency
}

func (e *ConsistencyError) Unwrap() error {
	return e.Err
}

const schema = `
CREATE TABLE IF NOT EXISTS objects (
	kind        TEXT NOT NULL,
	digest      TEXT NOT NULL,
	size        INTEGER NOT NULL,
	stored_size INTEGER NOT NULL,
	created_at  INTEGER NOT NULL,
	PRIMARY KEY (kind, digest)
);

CREATE TABLE IF NOT EXISTS refs (
	name       TEXT PRIMARY KEY,
	target     TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS ref_log (
	seq   INTEGER PRIMARY KEY AUTOINCREMENT,
	ref   TEXT NOT NULL,
	old   TEXT NOT NULL DEFAULT '',
	new   TEXT NOT NULL,
	actor TEXT NOT NULL DEFAULT '',
	time  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS decisions (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	build_id   TEXT NOT NULL,
	test       TEXT NOT NULL,
	outcome    TEXT NOT NULL,
	reason     TEXT NOT NULL,
	unit       TEXT NOT NULL DEFAULT '',
	decided_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS decisions_build ON decisions(build_id, seq);
`

// Repository is the on-disk store. It is safe for concurrent use, and
// several processes may share one data directory.
type Repository struct {
	conn   *sql.DB
	root   string
	logger *log.Logger

	enc *zstd.Encoder
	dec *zstd.Decoder

	snapshots *lru.Cache[string, cachedSnapshot]
}

// Open opens or creates a repository rooted at dir.
func Open(dir string, logger *log.Logger) (*Repository, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	for _, sub := range []string{
		filepath.Join("objects", KindSnapshot),
		filepath.Join("objects", KindCoverage),
		"staging",
	} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}

	// busy_timeout is per connection, so it goes in the DSN rather than
	// through a one-off Exec; writers take the lock up front.
	dsn := "file:" + filepath.Join(dir, "index.db") +
		"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping index: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		conn.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Repository{
		conn:      conn,
		root:      dir,
		logger:    logger,
		enc:       enc,
		dec:       dec,
		snapshots: newSnapshotCache(),
	}, nil
}

// Close releases the index connection and codec resources.
func (r *Repository) Close() error {
	r.dec.Close()
	r.enc.Close()
	return r.conn.Close()
}

// Root returns the data directory.
func (r *Repository) Root() string {
	return r.root
}
