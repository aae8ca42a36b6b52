package coverage

import (
	"bytes"
	"strings"

	"skippy/internal/tia"
)

// UnitName converts a VM internal class name ("com/foo/Bar$1") to a unit id
// ("com.foo.Bar$1").
func UnitName(internal string) tia.UnitID {
	return tia.UnitID(strings.ReplaceAll(internal, "/", "."))
}

// Decode turns the execution data recorded while running test into a
// coverage record. A class counts as covered when at least one of its
// probes fired. The test itself is always covered.
func Decode(test tia.UnitID, blob []byte) (tia.CoverageRecord, error) {
	exec, err := Parse(blob)
	if err != nil {
		return tia.CoverageRecord{}, err
	}
	units := make([]tia.UnitID, 0, len(exec.Classes))
	for _, c := range exec.Classes {
		if c.Hit() {
			units = append(units, UnitName(c.Name))
		}
	}
	return tia.NewCoverageRecord(test, units...), nil
}

// Normalize rewrites blob without session blocks, with a single header and
// with classes merged and ordered by name. Dumps that differ only in their
// session metadata normalize to identical bytes.
func Normalize(blob []byte) ([]byte, error) {
	exec, err := Parse(blob)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, c := range exec.Classes {
		if err := w.WriteClass(c); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
