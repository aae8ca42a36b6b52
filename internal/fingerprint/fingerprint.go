// Package fingerprint computes content fingerprints of compiled units.
package fingerprint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"skippy/internal/cas"
	"skippy/internal/classfile"
	"skippy/internal/tia"
)

// Unit locates a compiled unit and its source on disk.
type Unit struct {
	ID tia.UnitID
	// SourcePath may be empty for units without source (generated code).
	SourcePath string
	ClassPath  string
}

// IOError reports an unreadable source or compiled artifact.
type IOError struct {
	Unit tia.UnitID
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("fingerprinting %s: %s: %v", e.Unit, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Compute fingerprints u from the files currently on disk.
func Compute(u Unit) (tia.Fingerprint, error) {
	fp := tia.Fingerprint{Unit: u.ID}

	if u.SourcePath != "" {
		src, err := os.ReadFile(u.SourcePath)
		if err != nil {
			return tia.Fingerprint{}, &IOError{Unit: u.ID, Path: u.SourcePath, Err: err}
		}
		fp.SourceHash = cas.Digest128Hex(src)
	}

	class, err := os.ReadFile(u.ClassPath)
	if err != nil {
		return tia.Fingerprint{}, &IOError{Unit: u.ID, Path: u.ClassPath, Err: err}
	}
	hash, err := BytecodeHash(class)
	if err != nil {
		return tia.Fingerprint{}, &IOError{Unit: u.ID, Path: u.ClassPath, Err: err}
	}
	fp.BytecodeHash = hash
	return fp, nil
}

// BytecodeHash hashes a class file with its debug attributes removed.
func BytecodeHash(class []byte) (string, error) {
	canonical, err := classfile.Canonicalize(class)
	if err != nil {
		return "", err
	}
	return cas.Blake3HashHex(canonical), nil
}

type entry struct {
	once sync.Once
	fp   tia.Fingerprint
	err  error
}

// Table fingerprints a fixed set of units on demand and remembers the
// result for its lifetime. It is safe for concurrent use.
type Table struct {
	units  map[tia.UnitID]Unit
	logger *log.Logger

	mu      sync.Mutex
	entries map[tia.UnitID]*entry
}

// NewTable creates a table over units. Later duplicates of an id win.
func NewTable(units []Unit, logger *log.Logger) *Table {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	t := &Table{
		units:   make(map[tia.UnitID]Unit, len(units)),
		logger:  logger,
		entries: make(map[tia.UnitID]*entry),
	}
	for _, u := range units {
		t.units[u.ID] = u
	}
	return t
}

// Units returns the ids of all known units, sorted.
func (t *Table) Units() []tia.UnitID {
	ids := make([]tia.UnitID, 0, len(t.units))
	for id := range t.units {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Get returns the fingerprint of unit, computing it on first use.
// Unknown units report ok == false with a nil error.
func (t *Table) Get(unit tia.UnitID) (fp tia.Fingerprint, ok bool, err error) {
	u, known := t.units[unit]
	if !known {
		return tia.Fingerprint{}, false, nil
	}

	t.mu.Lock()
	e, exists := t.entries[unit]
	if !exists {
		e = &entry{}
		t.entries[unit] = e
	}
	t.mu.Unlock()

	e.once.Do(func() {
		e.fp, e.err = Compute(u)
	})
	if e.err != nil {
		return tia.Fingerprint{}, false, e.err
	}
	return e.fp, true, nil
}

// Lookup returns the current fingerprint of unit. Units that are unknown
// or cannot be read are reported as absent.
func (t *Table) Lookup(unit tia.UnitID) (tia.Fingerprint, bool) {
	fp, ok, err := t.Get(unit)
	if err != nil {
		t.logger.Printf("fingerprint unavailable for %s: %v", unit, err)
		return tia.Fingerprint{}, false
	}
	return fp, ok
}

// ComputeAll fingerprints every unit using up to workers goroutines. The
// returned map holds every unit that could be fingerprinted; failures are
// joined into the error.
func (t *Table) ComputeAll(ctx context.Context, workers int) (map[tia.UnitID]tia.Fingerprint, error) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	ids := t.Units()
	results := make([]tia.Fingerprint, len(ids))
	errs := make([]error, len(ids))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, id := range ids {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			fp, _, err := t.Get(id)
			results[i], errs[i] = fp, err
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[tia.UnitID]tia.Fingerprint, len(ids))
	var failed []error
	for i, id := range ids {
		if errs[i] != nil {
			failed = append(failed, errs[i])
			continue
		}
		out[id] = results[i]
	}
	return out, errors.Join(failed...)
}
