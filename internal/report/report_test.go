package report

import (
	"strings"
	"testing"

	"skippy/internal/tia"
)

func analysis(fps map[tia.UnitID]string, coverage map[tia.UnitID][]tia.UnitID) *tia.Analysis {
	a := tia.New()
	for unit, hash := range fps {
		a.SetFingerprint(tia.Fingerprint{Unit: unit, BytecodeHash: hash})
	}
	for test, units := range coverage {
		a.SetCoverage(tia.NewCoverageRecord(test, units...))
	}
	return a
}

func TestCompare(t *testing.T) {
	before := analysis(
		map[tia.UnitID]string{"T": "t1", "A": "a1", "B": "b1"},
		map[tia.UnitID][]tia.UnitID{"T": {"A"}},
	)
	after := analysis(
		map[tia.UnitID]string{"T": "t1", "A": "a2", "C": "c1"},
		map[tia.UnitID][]tia.UnitID{"T": {"A", "C"}},
	)

	c := Compare(before, after)
	if len(c.Added) != 1 || c.Added[0] != "C" {
		t.Errorf("Added = %v", c.Added)
	}
	if len(c.Removed) != 1 || c.Removed[0] != "B" {
		t.Errorf("Removed = %v", c.Removed)
	}
	if len(c.Changed) != 1 || c.Changed[0] != "A" {
		t.Errorf("Changed = %v", c.Changed)
	}
	if len(c.Retested) != 1 || c.Retested[0] != "T" {
		t.Errorf("Retested = %v", c.Retested)
	}
	if !Compare(after, after).Empty() {
		t.Error("an analysis compared with itself should be empty")
	}
}

func TestCompare_Nil(t *testing.T) {
	a := analysis(map[tia.UnitID]string{"A": "a1"}, nil)
	if c := Compare(nil, a); len(c.Added) != 1 {
		t.Errorf("expected A added from nil, got %+v", c)
	}
	if c := Compare(a, nil); len(c.Removed) != 1 {
		t.Errorf("expected A removed to nil, got %+v", c)
	}
}

func TestDiff(t *testing.T) {
	before := analysis(map[tia.UnitID]string{"T": "t1", "A": "a1"}, map[tia.UnitID][]tia.UnitID{"T": {"A"}})
	after := analysis(map[tia.UnitID]string{"T": "t1", "A": "a2"}, map[tia.UnitID][]tia.UnitID{"T": {"A"}})

	out, err := Diff("before", "after", before, after, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "--- before") || !strings.Contains(out, "+++ after") {
		t.Errorf("missing headers:\n%s", out)
	}
	if !strings.Contains(out, "-unit A a1") || !strings.Contains(out, "+unit A a2") {
		t.Errorf("missing changed unit lines:\n%s", out)
	}

	same, err := Diff("a", "b", before, before, 0)
	if err != nil {
		t.Fatal(err)
	}
	if same != "" {
		t.Errorf("identical analyses should not differ:\n%s", same)
	}
}

func TestSummary(t *testing.T) {
	if got := Summary(Changes{}); got != "no changes\n" {
		t.Errorf("Summary(empty) = %q", got)
	}
	got := Summary(Changes{Changed: []tia.UnitID{"A"}})
	if !strings.Contains(got, "Changed units (1)") || !strings.Contains(got, "  A\n") {
		t.Errorf("unexpected summary %q", got)
	}
}
