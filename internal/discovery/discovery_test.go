package discovery

import (
	"os"
	"path/filepath"
	"testing"

	"skippy/internal/tia"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestResolve(t *testing.T) {
	base := t.TempDir()
	for _, f := range []string{
		"build/classes/com/example/Foo.class",
		"build/classes/com/example/Foo$Inner.class",
		"build/classes/com/example/generated/Gen.class",
		"build/classes/com/example/package-info.class",
		"build/classes/module-info.class",
		"build/classes/org/other/Skip.class",
		"build/classes/com/example/notes.txt",
		"src/com/example/Foo.java",
		"lib/Extra.class",
	} {
		touch(t, filepath.Join(base, f))
	}

	yaml := `
roots:
  - classes: build/classes
    sources: [src]
    include: ["com/example/**"]
    exclude: ["**/generated/**"]
  - classes: does/not/exist
units:
  - id: org.lib.Extra
    class: lib/Extra.class
`
	manifestPath := filepath.Join(base, "skippy.units.yaml")
	os.WriteFile(manifestPath, []byte(yaml), 0644)

	m, err := Load(manifestPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	units, err := m.Resolve(base)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	want := []tia.UnitID{"com.example.Foo", "com.example.Foo$Inner", "org.lib.Extra"}
	if len(units) != len(want) {
		t.Fatalf("expected %v, got %+v", want, units)
	}
	for i, id := range want {
		if units[i].ID != id {
			t.Errorf("unit %d: expected %s, got %s", i, id, units[i].ID)
		}
	}

	src := filepath.Join(base, "src/com/example/Foo.java")
	if units[0].SourcePath != src || units[1].SourcePath != src {
		t.Errorf("nested class should share outer source: %q, %q", units[0].SourcePath, units[1].SourcePath)
	}
	if units[2].SourcePath != "" || units[2].ClassPath != filepath.Join(base, "lib/Extra.class") {
		t.Errorf("unexpected explicit unit %+v", units[2])
	}
}

func TestResolve_InvalidEntry(t *testing.T) {
	m := &Manifest{Units: []UnitEntry{{ID: "x"}}}
	if _, err := m.Resolve(t.TempDir()); err == nil {
		t.Error("expected error for entry without class")
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "units.yaml")
	m := &Manifest{Roots: []Root{{Classes: "out", Sources: []string{"src"}, Exclude: []string{"**/*Test.class"}}}}
	if err := m.Save(path); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Roots) != 1 || loaded.Roots[0].Classes != "out" || loaded.Roots[0].Exclude[0] != "**/*Test.class" {
		t.Errorf("unexpected manifest %+v", loaded)
	}
}

func TestUnitID(t *testing.T) {
	if got := UnitID("com/foo/Bar$1.class"); got != "com.foo.Bar$1" {
		t.Errorf("UnitID = %s", got)
	}
}
