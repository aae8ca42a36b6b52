package session

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"skippy/internal/classfile/classfiletest"
	"skippy/internal/coverage"
	"skippy/internal/decision"
	"skippy/internal/fingerprint"
	"skippy/internal/store"
	"skippy/internal/tia"
)

type project struct {
	t     *testing.T
	dir   string
	units []fingerprint.Unit
	repo  *store.Repository
}

func newProject(t *testing.T) *project {
	t.Helper()
	dir := t.TempDir()
	repo, err := store.Open(filepath.Join(dir, ".skippy"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { repo.Close() })
	p := &project{t: t, dir: dir, repo: repo}
	p.writeClass("TestA", classfiletest.Return)
	p.writeClass("UnitA", classfiletest.Return)
	p.writeClass("UnitB", classfiletest.Return)
	return p
}

// writeClass writes com/example/<name>.class and its source, registering
// the unit on first use.
func (p *project) writeClass(name string, code []byte) {
	p.t.Helper()
	classPath := filepath.Join(p.dir, "classes", name+".class")
	srcPath := filepath.Join(p.dir, "src", name+".java")
	os.MkdirAll(filepath.Dir(classPath), 0755)
	os.MkdirAll(filepath.Dir(srcPath), 0755)
	class := classfiletest.Build(classfiletest.Class{
		Name:       "com/example/" + name,
		SourceFile: name + ".java",
		Methods:    []classfiletest.Method{{Name: "run", Descriptor: "()V", Code: code}},
	})
	if err := os.WriteFile(classPath, class, 0644); err != nil {
		p.t.Fatal(err)
	}
	if err := os.WriteFile(srcPath, []byte("class "+name+" {}"), 0644); err != nil {
		p.t.Fatal(err)
	}
	id := tia.UnitID("com.example." + name)
	for _, u := range p.units {
		if u.ID == id {
			return
		}
	}
	p.units = append(p.units, fingerprint.Unit{ID: id, SourcePath: srcPath, ClassPath: classPath})
}

func (p *project) options() Options {
	return Options{Units: p.units, Policy: decision.Conservative{}, Workers: 2, GC: true, KeepSnapshots: 2}
}

func (p *project) start() *Session {
	p.t.Helper()
	s, err := Start(context.Background(), p.repo, p.options())
	if err != nil {
		p.t.Fatalf("Start failed: %v", err)
	}
	return s
}

func execBlob(t *testing.T, session string, hit ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := coverage.NewWriter(&buf)
	w.WriteSession(coverage.SessionInfo{ID: session, Start: 1, Dump: 2})
	for i, name := range hit {
		if err := w.WriteClass(coverage.ClassData{ID: int64(i), Name: name, Probes: []bool{true, false}}); err != nil {
			t.Fatal(err)
		}
	}
	w.WriteClass(coverage.ClassData{ID: 99, Name: "com/example/UnitB", Probes: []bool{false}})
	return buf.Bytes()
}

const (
	testA tia.UnitID = "com.example.TestA"
	unitA tia.UnitID = "com.example.UnitA"
)

func expectDecision(t *testing.T, s *Session, test tia.UnitID, outcome decision.Outcome, reason decision.Reason) decision.Decision {
	t.Helper()
	d := s.Decide(context.Background(), test)
	if d.Outcome != outcome || d.Reason != reason {
		t.Fatalf("expected %s/%s, got %v", outcome, reason, d)
	}
	return d
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	p := newProject(t)

	// first build: nothing known yet
	s1 := p.start()
	expectDecision(t, s1, testA, decision.Execute, decision.NoPriorAnalysis)
	if err := s1.RecordCoverage(testA, execBlob(t, "run-1", "com/example/TestA", "com/example/UnitA")); err != nil {
		t.Fatal(err)
	}
	r1, err := s1.Finish(ctx)
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if r1.Units != 3 || r1.Tests != 1 {
		t.Errorf("unexpected result %+v", r1)
	}

	// second build: no change, same coverage recorded under a new session id
	s2 := p.start()
	if s2.Parent() != r1.SnapshotID {
		t.Fatalf("expected parent %s, got %s", r1.SnapshotID, s2.Parent())
	}
	expectDecision(t, s2, testA, decision.Skip, decision.NoChange)
	r2, err := s2.Finish(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if r2.SnapshotID != r1.SnapshotID {
		t.Error("unchanged build produced a different snapshot")
	}

	// covered unit changes
	p.writeClass("UnitA", []byte{0x00, 0xb1})
	s3 := p.start()
	d := expectDecision(t, s3, testA, decision.Execute, decision.CoveredUnitBytecodeChanged)
	if d.Unit != unitA {
		t.Errorf("expected triggering unit %s, got %s", unitA, d.Unit)
	}
	if err := s3.RecordCoverage(testA, execBlob(t, "run-3", "com/example/TestA", "com/example/UnitA")); err != nil {
		t.Fatal(err)
	}
	r3, err := s3.Finish(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(r3.Observed) != 1 || r3.Observed[0] != testA {
		t.Errorf("expected TestA observed, got %v", r3.Observed)
	}

	s4 := p.start()
	expectDecision(t, s4, testA, decision.Skip, decision.NoChange)

	// the stored blob is the normalized form, shared by identical coverage
	rec := s4.Prior().Coverage[testA]
	blob, err := p.repo.LoadCoverageBlob(ctx, rec.Execution)
	if err != nil {
		t.Fatalf("coverage blob not retrievable: %v", err)
	}
	normalized, _ := coverage.Normalize(execBlob(t, "other", "com/example/TestA", "com/example/UnitA"))
	if !bytes.Equal(blob, normalized) {
		t.Error("stored blob is not the normalized coverage")
	}
	if rec.Covers("com.example.UnitB") {
		t.Error("class without hits recorded as covered")
	}

	entries, err := p.repo.ListDecisions(ctx, s3.ID(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Reason != string(decision.CoveredUnitBytecodeChanged) || entries[0].Unit != unitA {
		t.Errorf("unexpected audit entries %+v", entries)
	}
}

func TestFinish_ExecutedWithoutCoverageIsForgotten(t *testing.T) {
	ctx := context.Background()
	p := newProject(t)

	s1 := p.start()
	s1.RecordCoverage(testA, execBlob(t, "r", "com/example/UnitA"))
	if _, err := s1.Finish(ctx); err != nil {
		t.Fatal(err)
	}

	p.writeClass("TestA", []byte{0x00, 0xb1})
	s2 := p.start()
	expectDecision(t, s2, testA, decision.Execute, decision.TestBytecodeChanged)
	r2, err := s2.Finish(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(r2.Forgotten) != 1 || r2.Forgotten[0] != testA {
		t.Errorf("expected TestA forgotten, got %v", r2.Forgotten)
	}

	s3 := p.start()
	expectDecision(t, s3, testA, decision.Execute, decision.NoCoverageForTest)
}

func TestFinish_UndecidedTestCoverageExpires(t *testing.T) {
	ctx := context.Background()
	p := newProject(t)

	s1 := p.start()
	s1.RecordCoverage(testA, execBlob(t, "r", "com/example/TestA", "com/example/UnitA"))
	if _, err := s1.Finish(ctx); err != nil {
		t.Fatal(err)
	}

	// TestA is neither decided nor run while a unit it covers changes.
	p.writeClass("UnitA", []byte{0x00, 0xb1})
	s2 := p.start()
	r2, err := s2.Finish(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(r2.Expired) != 1 || r2.Expired[0] != testA {
		t.Errorf("expected TestA expired, got %v", r2.Expired)
	}

	s3 := p.start()
	expectDecision(t, s3, testA, decision.Execute, decision.NoCoverageForTest)
}

func TestFinish_UndecidedUnchangedTestKeepsCoverage(t *testing.T) {
	ctx := context.Background()
	p := newProject(t)

	s1 := p.start()
	s1.RecordCoverage(testA, execBlob(t, "r", "com/example/TestA", "com/example/UnitA"))
	if _, err := s1.Finish(ctx); err != nil {
		t.Fatal(err)
	}

	// UnitB is not covered by TestA.
	p.writeClass("UnitB", []byte{0x00, 0xb1})
	s2 := p.start()
	r2, err := s2.Finish(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(r2.Expired) != 0 || r2.Tests != 1 {
		t.Errorf("unchanged coverage should be kept, got %+v", r2)
	}

	s3 := p.start()
	expectDecision(t, s3, testA, decision.Skip, decision.NoChange)
}

func TestFinish_MalformedCoverageForcesExecution(t *testing.T) {
	ctx := context.Background()
	p := newProject(t)

	s1 := p.start()
	s1.RecordCoverage(testA, []byte("this is not execution data"))
	r1, err := s1.Finish(ctx)
	if err != nil {
		t.Fatalf("malformed coverage must not abort the build: %v", err)
	}
	if len(r1.Forgotten) != 1 {
		t.Errorf("expected forgotten test, got %v", r1.Forgotten)
	}

	s2 := p.start()
	expectDecision(t, s2, testA, decision.Execute, decision.NoCoverageForTest)
}

func TestAttach(t *testing.T) {
	ctx := context.Background()
	p := newProject(t)

	if _, err := Attach(ctx, p.repo, p.options()); !errors.Is(err, store.ErrNoBuild) {
		t.Fatalf("expected ErrNoBuild, got %v", err)
	}

	s := p.start()
	worker, err := Attach(ctx, p.repo, p.options())
	if err != nil {
		t.Fatal(err)
	}
	if worker.ID() != s.ID() {
		t.Errorf("attached to build %s, expected %s", worker.ID(), s.ID())
	}
	expectDecision(t, worker, testA, decision.Execute, decision.NoPriorAnalysis)
	if err := worker.RecordCoverage(testA, execBlob(t, "w", "com/example/UnitA")); err != nil {
		t.Fatal(err)
	}

	r, err := s.Finish(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Observed) != 1 || len(r.Forgotten) != 0 {
		t.Errorf("coverage from attached worker lost: %+v", r)
	}
	if _, err := Attach(ctx, p.repo, p.options()); !errors.Is(err, store.ErrNoBuild) {
		t.Errorf("finished build still attachable: %v", err)
	}
}

func TestAttach_ReusesDecisionsOfOtherProcesses(t *testing.T) {
	ctx := context.Background()
	p := newProject(t)

	s1 := p.start()
	s1.RecordCoverage(testA, execBlob(t, "r", "com/example/TestA", "com/example/UnitA"))
	if _, err := s1.Finish(ctx); err != nil {
		t.Fatal(err)
	}

	s2 := p.start()
	first, err := Attach(ctx, p.repo, p.options())
	if err != nil {
		t.Fatal(err)
	}
	expectDecision(t, first, testA, decision.Skip, decision.NoChange)

	// A later process sees the same answer even though the unit changed
	// after the decision was made.
	p.writeClass("UnitA", []byte{0x00, 0xb1})
	second, err := Attach(ctx, p.repo, p.options())
	if err != nil {
		t.Fatal(err)
	}
	expectDecision(t, second, testA, decision.Skip, decision.NoChange)

	entries, err := p.repo.ListDecisions(ctx, s2.ID(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected one audit entry for the build, got %d", len(entries))
	}
}

func TestFinish_ConcurrentBuildsConflict(t *testing.T) {
	ctx := context.Background()
	p := newProject(t)

	first := p.start()
	second, err := Start(ctx, p.repo, p.options())
	if err != nil {
		t.Fatal(err)
	}
	second.RecordCoverage(testA, execBlob(t, "2", "com/example/UnitA"))
	if _, err := second.Finish(ctx); err != nil {
		t.Fatal(err)
	}

	p.writeClass("UnitB", []byte{0x00, 0xb1})
	if _, err := first.Finish(ctx); !errors.Is(err, store.ErrConsistency) {
		t.Errorf("expected ConsistencyError, got %v", err)
	}
}

func TestStart_CorruptSnapshotDegrades(t *testing.T) {
	ctx := context.Background()
	p := newProject(t)

	s1 := p.start()
	s1.RecordCoverage(testA, execBlob(t, "r", "com/example/UnitA"))
	r1, err := s1.Finish(ctx)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(p.repo.Root(), "objects", store.KindSnapshot, r1.SnapshotID)
	if err := os.WriteFile(path, []byte("garbage"), 0644); err != nil {
		t.Fatal(err)
	}

	s2 := p.start()
	if s2.Prior() != nil {
		t.Fatal("corrupt snapshot should leave no prior analysis")
	}
	expectDecision(t, s2, testA, decision.Execute, decision.NoPriorAnalysis)
	s2.RecordCoverage(testA, execBlob(t, "r2", "com/example/UnitA"))
	if _, err := s2.Finish(ctx); err != nil {
		t.Fatalf("build after corrupt snapshot should recover: %v", err)
	}
	s3 := p.start()
	expectDecision(t, s3, testA, decision.Skip, decision.NoChange)
}
