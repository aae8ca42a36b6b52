// Package discovery finds the compiled units of a project from a YAML
// manifest of class roots and glob rules.
package discovery

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"skippy/internal/fingerprint"
	"skippy/internal/tia"
)

// sourceExtensions are tried in order when looking for a unit's source.
var sourceExtensions = []string{".java", ".kt", ".groovy", ".scala"}

// Root is a directory of compiled classes and where its sources live.
type Root struct {
	Classes string   `yaml:"classes"`
	Sources []string `yaml:"sources,omitempty"`
	// Include and Exclude are doublestar patterns over class paths relative
	// to Classes ("com/example/**"). An empty Include matches everything.
	Include []string `yaml:"include,omitempty"`
	Exclude []string `yaml:"exclude,omitempty"`
}

// UnitEntry lists a unit explicitly.
type UnitEntry struct {
	ID     string `yaml:"id"`
	Class  string `yaml:"class"`
	Source string `yaml:"source,omitempty"`
}

// Manifest is the unit discovery file.
type Manifest struct {
	Roots []Root      `yaml:"roots"`
	Units []UnitEntry `yaml:"units,omitempty"`
}

// Load reads a manifest from path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading unit manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing unit manifest: %w", err)
	}
	return &m, nil
}

// Save writes m to path.
func (m *Manifest) Save(path string) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding unit manifest: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Resolve resolves the manifest against base and returns the units sorted by
// id. Explicit entries win over units found under roots. A missing class
// root yields no units.
func (m *Manifest) Resolve(base string) ([]fingerprint.Unit, error) {
	byID := make(map[tia.UnitID]fingerprint.Unit)

	for _, root := range m.Roots {
		found, err := scanRoot(base, root)
		if err != nil {
			return nil, err
		}
		for _, u := range found {
			byID[u.ID] = u
		}
	}
	for _, e := range m.Units {
		if e.ID == "" || e.Class == "" {
			return nil, fmt.Errorf("unit entry needs id and class: %+v", e)
		}
		u := fingerprint.Unit{ID: tia.UnitID(e.ID), ClassPath: resolve(base, e.Class)}
		if e.Source != "" {
			u.SourcePath = resolve(base, e.Source)
		}
		byID[u.ID] = u
	}

	units := make([]fingerprint.Unit, 0, len(byID))
	for _, u := range byID {
		units = append(units, u)
	}
	sort.Slice(units, func(i, j int) bool { return units[i].ID < units[j].ID })
	return units, nil
}

func scanRoot(base string, root Root) ([]fingerprint.Unit, error) {
	classDir := resolve(base, root.Classes)
	if _, err := os.Stat(classDir); os.IsNotExist(err) {
		return nil, nil
	}

	var units []fingerprint.Unit
	err := filepath.WalkDir(classDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, ".class") {
			return nil
		}
		rel, err := filepath.Rel(classDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		name := path.Base(rel)
		if name == "module-info.class" || name == "package-info.class" {
			return nil
		}
		if !selected(rel, root.Include, root.Exclude) {
			return nil
		}

		units = append(units, fingerprint.Unit{
			ID:         UnitID(rel),
			SourcePath: findSource(base, root.Sources, rel),
			ClassPath:  p,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", root.Classes, err)
	}
	return units, nil
}

// UnitID maps a class path relative to its root ("com/foo/Bar$1.class") to
// a unit id ("com.foo.Bar$1").
func UnitID(rel string) tia.UnitID {
	return tia.UnitID(strings.ReplaceAll(strings.TrimSuffix(rel, ".class"), "/", "."))
}

func selected(rel string, include, exclude []string) bool {
	if len(include) > 0 && !matchAny(include, rel) {
		return false
	}
	return !matchAny(exclude, rel)
}

func matchAny(patterns []string, rel string) bool {
	for _, pattern := range patterns {
		match, err := doublestar.Match(pattern, rel)
		if err != nil {
			continue
		}
		if match {
			return true
		}
	}
	return false
}

// findSource looks for the source of the top-level class that rel belongs
// to; nested classes share their outer class's file.
func findSource(base string, sourceRoots []string, rel string) string {
	dir, name := path.Split(strings.TrimSuffix(rel, ".class"))
	if i := strings.IndexByte(name, '$'); i > 0 {
		name = name[:i]
	}
	for _, sr := range sourceRoots {
		for _, ext := range sourceExtensions {
			candidate := filepath.Join(resolve(base, sr), filepath.FromSlash(dir), name+ext)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}

func resolve(base, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}
