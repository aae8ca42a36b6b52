// Package tia holds the test impact analysis model: which compiled units
// each test covers, and the fingerprints of every unit at the time that
// coverage was observed.
package tia

import (
	"sort"
)

// UnitID is the fully-qualified name of a compiled unit, e.g.
// "com.example.FooTest". Tests are units too.
type UnitID string

// Fingerprint identifies the state of a compiled unit on disk.
type Fingerprint struct {
	Unit UnitID `json:"unit"`
	// SourceHash is a digest of the raw source text. Diagnostic only.
	SourceHash string `json:"sourceHash,omitempty"`
	// BytecodeHash is a digest of the compiled unit with debug-only
	// attributes removed. Decisions compare this field.
	BytecodeHash string `json:"bytecodeHash"`
}

// CoverageRecord is the set of units a single test execution reached.
type CoverageRecord struct {
	Test UnitID `json:"test"`
	// Covered is sorted, unique, and always contains Test.
	Covered []UnitID `json:"covered"`
	// Execution is the content id of the persisted coverage blob this
	// record was decoded from, if any.
	Execution string `json:"execution,omitempty"`
}

// NewCoverageRecord builds a record for test covering units. The test
// itself is always included and duplicates are removed.
func NewCoverageRecord(test UnitID, units ...UnitID) CoverageRecord {
	seen := make(map[UnitID]struct{}, len(units)+1)
	seen[test] = struct{}{}
	for _, u := range units {
		if u == "" {
			continue
		}
		seen[u] = struct{}{}
	}
	covered := make([]UnitID, 0, len(seen))
	for u := range seen {
		covered = append(covered, u)
	}
	sortUnits(covered)
	return CoverageRecord{Test: test, Covered: covered}
}

// Covers reports whether unit is in the record.
func (r CoverageRecord) Covers(unit UnitID) bool {
	i := sort.Search(len(r.Covered), func(i int) bool { return r.Covered[i] >= unit })
	return i < len(r.Covered) && r.Covered[i] == unit
}

// normalize restores the sorted/unique/self-covering invariant on records
// that were built by hand or decoded from storage.
func (r CoverageRecord) normalize() CoverageRecord {
	n := NewCoverageRecord(r.Test, r.Covered...)
	n.Execution = r.Execution
	return n
}

// Analysis is the persisted model: fingerprints plus coverage per test.
// A nil *Analysis stands for "no analysis available".
type Analysis struct {
	Fingerprints map[UnitID]Fingerprint
	Coverage     map[UnitID]CoverageRecord
}

// New returns an empty analysis.
func New() *Analysis {
	return &Analysis{
		Fingerprints: make(map[UnitID]Fingerprint),
		Coverage:     make(map[UnitID]CoverageRecord),
	}
}

// SetFingerprint stores fp under its unit id.
func (a *Analysis) SetFingerprint(fp Fingerprint) {
	a.Fingerprints[fp.Unit] = fp
}

// SetCoverage stores rec under its test id.
func (a *Analysis) SetCoverage(rec CoverageRecord) {
	a.Coverage[rec.Test] = rec.normalize()
}

// DropCoverage forgets everything known about test's coverage.
func (a *Analysis) DropCoverage(test UnitID) {
	delete(a.Coverage, test)
}

// LookupFingerprint returns the stored fingerprint for unit.
func (a *Analysis) LookupFingerprint(unit UnitID) Result[Fingerprint] {
	if a == nil {
		return Unavailable[Fingerprint]()
	}
	fp, ok := a.Fingerprints[unit]
	if !ok {
		return NotFound[Fingerprint]()
	}
	return Found(fp)
}

// LookupCoverage returns the stored coverage record for test.
func (a *Analysis) LookupCoverage(test UnitID) Result[CoverageRecord] {
	if a == nil {
		return Unavailable[CoverageRecord]()
	}
	rec, ok := a.Coverage[test]
	if !ok {
		return NotFound[CoverageRecord]()
	}
	return Found(rec)
}

// Tests returns the ids of all tests with coverage, sorted.
func (a *Analysis) Tests() []UnitID {
	if a == nil {
		return nil
	}
	tests := make([]UnitID, 0, len(a.Coverage))
	for t := range a.Coverage {
		tests = append(tests, t)
	}
	sortUnits(tests)
	return tests
}

// Executions returns the distinct coverage blob ids referenced by the
// analysis, sorted.
func (a *Analysis) Executions() []string {
	if a == nil {
		return nil
	}
	seen := make(map[string]struct{})
	for _, rec := range a.Coverage {
		if rec.Execution != "" {
			seen[rec.Execution] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone returns a deep copy of a.
func (a *Analysis) Clone() *Analysis {
	if a == nil {
		return nil
	}
	c := New()
	for k, v := range a.Fingerprints {
		c.Fingerprints[k] = v
	}
	for k, v := range a.Coverage {
		v.Covered = append([]UnitID(nil), v.Covered...)
		c.Coverage[k] = v
	}
	return c
}

func sortUnits(units []UnitID) {
	sort.Slice(units, func(i, j int) bool { return units[i] < units[j] })
}
