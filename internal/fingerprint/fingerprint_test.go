package fingerprint

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"skippy/internal/classfile/classfiletest"
	"skippy/internal/tia"
)

func writeUnit(t *testing.T, dir, name, source string, line uint16, code []byte) Unit {
	t.Helper()
	srcPath := filepath.Join(dir, name+".java")
	classPath := filepath.Join(dir, name+".class")
	if err := os.WriteFile(srcPath, []byte(source), 0644); err != nil {
		t.Fatal(err)
	}
	class := classfiletest.Build(classfiletest.Class{
		Name:       "com/example/" + name,
		SourceFile: name + ".java",
		Methods: []classfiletest.Method{
			{Name: "run", Descriptor: "()V", Code: code, Lines: []classfiletest.Line{{0, line}}},
		},
	})
	if err := os.WriteFile(classPath, class, 0644); err != nil {
		t.Fatal(err)
	}
	return Unit{ID: tia.UnitID("com.example." + name), SourcePath: srcPath, ClassPath: classPath}
}

func TestCompute_CommentOnlyChange(t *testing.T) {
	dir := t.TempDir()
	before, err := Compute(writeUnit(t, dir, "Foo", "class Foo { void run() {} }", 1, classfiletest.Return))
	if err != nil {
		t.Fatal(err)
	}

	// a comment above the method shifts its line number but emits the same code
	after, err := Compute(writeUnit(t, dir, "Foo", "class Foo {\n// note\nvoid run() {} }", 3, classfiletest.Return))
	if err != nil {
		t.Fatal(err)
	}

	if before.BytecodeHash != after.BytecodeHash {
		t.Error("bytecode hash changed for a debug-only difference")
	}
	if before.SourceHash == after.SourceHash {
		t.Error("source hash did not notice the edit")
	}
	if len(before.SourceHash) != 32 {
		t.Errorf("source hash should be 128-bit hex, got %q", before.SourceHash)
	}
}

func TestCompute_InstructionChange(t *testing.T) {
	dir := t.TempDir()
	before, err := Compute(writeUnit(t, dir, "Foo", "x", 1, classfiletest.Return))
	if err != nil {
		t.Fatal(err)
	}
	after, err := Compute(writeUnit(t, dir, "Foo", "x", 1, []byte{0x00, 0xb1}))
	if err != nil {
		t.Fatal(err)
	}
	if before.BytecodeHash == after.BytecodeHash {
		t.Error("bytecode hash did not change with the instructions")
	}
}

func TestCompute_Errors(t *testing.T) {
	dir := t.TempDir()
	u := writeUnit(t, dir, "Foo", "x", 1, classfiletest.Return)

	missingSource := u
	missingSource.SourcePath = filepath.Join(dir, "Nope.java")
	_, err := Compute(missingSource)
	var ioErr *IOError
	if !errors.As(err, &ioErr) || ioErr.Path != missingSource.SourcePath {
		t.Errorf("expected IOError for source, got %v", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("IOError should unwrap to ErrNotExist, got %v", err)
	}

	garbage := filepath.Join(dir, "Garbage.class")
	os.WriteFile(garbage, []byte("not a class"), 0644)
	bad := u
	bad.ClassPath = garbage
	if _, err := Compute(bad); !errors.As(err, &ioErr) {
		t.Errorf("expected IOError for unparsable class, got %v", err)
	}

	noSource := u
	noSource.SourcePath = ""
	fp, err := Compute(noSource)
	if err != nil {
		t.Fatalf("unit without source should fingerprint: %v", err)
	}
	if fp.SourceHash != "" || fp.BytecodeHash == "" {
		t.Errorf("unexpected fingerprint %+v", fp)
	}
}

func TestTable_LookupMemoizes(t *testing.T) {
	dir := t.TempDir()
	u := writeUnit(t, dir, "Foo", "x", 1, classfiletest.Return)
	table := NewTable([]Unit{u}, nil)

	first, ok := table.Lookup(u.ID)
	if !ok {
		t.Fatal("expected fingerprint")
	}

	// rewriting the file after first use does not change the answer
	writeUnit(t, dir, "Foo", "x", 1, []byte{0x00, 0xb1})
	second, ok := table.Lookup(u.ID)
	if !ok || second != first {
		t.Errorf("memoized fingerprint changed: %+v -> %+v", first, second)
	}

	if _, ok := table.Lookup("com.example.Unknown"); ok {
		t.Error("unknown unit reported as present")
	}
}

func TestTable_ConcurrentLookup(t *testing.T) {
	dir := t.TempDir()
	u := writeUnit(t, dir, "Foo", "x", 1, classfiletest.Return)
	table := NewTable([]Unit{u}, nil)

	var wg sync.WaitGroup
	hashes := make([]string, 16)
	for i := range hashes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fp, _ := table.Lookup(u.ID)
			hashes[i] = fp.BytecodeHash
		}()
	}
	wg.Wait()
	for _, h := range hashes {
		if h == "" || h != hashes[0] {
			t.Fatalf("inconsistent concurrent results: %v", hashes)
		}
	}
}

func TestTable_ComputeAll(t *testing.T) {
	dir := t.TempDir()
	a := writeUnit(t, dir, "A", "a", 1, classfiletest.Return)
	b := writeUnit(t, dir, "B", "b", 1, classfiletest.Return)
	broken := Unit{ID: "com.example.Broken", ClassPath: filepath.Join(dir, "Broken.class")}

	table := NewTable([]Unit{a, b, broken}, nil)
	fps, err := table.ComputeAll(context.Background(), 2)
	if err == nil {
		t.Error("expected error for broken unit")
	}
	var ioErr *IOError
	if !errors.As(err, &ioErr) || ioErr.Unit != broken.ID {
		t.Errorf("expected IOError for broken unit, got %v", err)
	}
	if len(fps) != 2 {
		t.Fatalf("expected 2 fingerprints, got %d", len(fps))
	}
	if _, ok := fps[a.ID]; !ok {
		t.Error("missing A")
	}
	if _, ok := table.Lookup(broken.ID); ok {
		t.Error("broken unit should be absent")
	}
}

func TestTable_ComputeAllCancelled(t *testing.T) {
	dir := t.TempDir()
	table := NewTable([]Unit{writeUnit(t, dir, "A", "a", 1, classfiletest.Return)}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := table.ComputeAll(ctx, 1); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
