// Package report renders test impact analyses as text and compares two of
// them.
package report

import (
	"fmt"
	"sort"
	"strings"

	difflib "github.com/pmezard/go-difflib/difflib"

	"skippy/internal/cas"
	"skippy/internal/tia"
)

// Changes lists the units whose fingerprints differ between two analyses.
type Changes struct {
	Added   []tia.UnitID `json:"added,omitempty"`
	Removed []tia.UnitID `json:"removed,omitempty"`
	// Changed units kept their id but not their bytecode.
	Changed []tia.UnitID `json:"changed,omitempty"`
	// Retested are tests whose coverage record differs.
	Retested []tia.UnitID `json:"retested,omitempty"`
}

// Empty reports whether nothing changed.
func (c Changes) Empty() bool {
	return len(c.Added)+len(c.Removed)+len(c.Changed)+len(c.Retested) == 0
}

// Compare returns the fingerprint and coverage changes from a to b. A nil
// analysis is treated as empty.
func Compare(a, b *tia.Analysis) Changes {
	if a == nil {
		a = tia.New()
	}
	if b == nil {
		b = tia.New()
	}

	var c Changes
	for unit, fp := range b.Fingerprints {
		old, ok := a.Fingerprints[unit]
		switch {
		case !ok:
			c.Added = append(c.Added, unit)
		case old.BytecodeHash != fp.BytecodeHash:
			c.Changed = append(c.Changed, unit)
		}
	}
	for unit := range a.Fingerprints {
		if _, ok := b.Fingerprints[unit]; !ok {
			c.Removed = append(c.Removed, unit)
		}
	}
	for test, rec := range b.Coverage {
		old, ok := a.Coverage[test]
		if !ok || old.Execution != rec.Execution || !sameUnits(old.Covered, rec.Covered) {
			c.Retested = append(c.Retested, test)
		}
	}

	for _, list := range [][]tia.UnitID{c.Added, c.Removed, c.Changed, c.Retested} {
		sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	}
	return c
}

func sameUnits(a, b []tia.UnitID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Lines renders a as sorted, newline-terminated lines: one per unit
// fingerprint followed by one per covered unit of each test.
func Lines(a *tia.Analysis) []string {
	if a == nil {
		return []string{}
	}
	var units []string
	for unit, fp := range a.Fingerprints {
		units = append(units, fmt.Sprintf("unit %s %s\n", unit, cas.ShortID(fp.BytecodeHash)))
	}
	sort.Strings(units)

	var edges []string
	for _, test := range a.Tests() {
		for _, unit := range a.Coverage[test].Covered {
			edges = append(edges, fmt.Sprintf("test %s -> %s\n", test, unit))
		}
	}
	return append(units, edges...)
}

// Diff returns a unified diff between the renderings of a and b. Identical
// analyses produce "".
func Diff(aName, bName string, a, b *tia.Analysis, context int) (string, error) {
	if context <= 0 {
		context = 3
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        Lines(a),
		B:        Lines(b),
		FromFile: aName,
		ToFile:   bName,
		Context:  context,
	})
}

// Summary formats c as a short multi-line description.
func Summary(c Changes) string {
	if c.Empty() {
		return "no changes\n"
	}
	var b strings.Builder
	section := func(label string, units []tia.UnitID) {
		if len(units) == 0 {
			return
		}
		fmt.Fprintf(&b, "%s (%d):\n", label, len(units))
		for _, u := range units {
			fmt.Fprintf(&b, "  %s\n", u)
		}
	}
	section("Added units", c.Added)
	section("Removed units", c.Removed)
	section("Changed units", c.Changed)
	section("Tests with new coverage", c.Retested)
	return b.String()
}
