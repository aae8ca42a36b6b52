package tia

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"skippy/internal/cas"
)

// FormatVersion is written into every encoded snapshot.
const FormatVersion = 1

// ErrFormat is returned when snapshot bytes cannot be decoded.
var ErrFormat = errors.New("invalid snapshot format")

type wireAnalysis struct {
	Format       int              `json:"format"`
	Fingerprints []Fingerprint    `json:"fingerprints"`
	Coverage     []CoverageRecord `json:"coverage"`
}

// Encode serializes a into its canonical form. Equal analyses always
// encode to identical bytes regardless of map iteration order.
func Encode(a *Analysis) ([]byte, error) {
	if a == nil {
		return nil, fmt.Errorf("encoding analysis: nil analysis")
	}

	w := wireAnalysis{
		Format:       FormatVersion,
		Fingerprints: make([]Fingerprint, 0, len(a.Fingerprints)),
		Coverage:     make([]CoverageRecord, 0, len(a.Coverage)),
	}
	for unit, fp := range a.Fingerprints {
		fp.Unit = unit
		w.Fingerprints = append(w.Fingerprints, fp)
	}
	sort.Slice(w.Fingerprints, func(i, j int) bool { return w.Fingerprints[i].Unit < w.Fingerprints[j].Unit })

	for test, rec := range a.Coverage {
		rec.Test = test
		w.Coverage = append(w.Coverage, rec.normalize())
	}
	sort.Slice(w.Coverage, func(i, j int) bool { return w.Coverage[i].Test < w.Coverage[j].Test })

	data, err := cas.CanonicalJSON(w)
	if err != nil {
		return nil, fmt.Errorf("encoding analysis: %w", err)
	}
	return data, nil
}

// Decode parses bytes produced by Encode.
func Decode(data []byte) (*Analysis, error) {
	var w wireAnalysis
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if w.Format != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported format %d", ErrFormat, w.Format)
	}

	a := New()
	for _, fp := range w.Fingerprints {
		if fp.Unit == "" {
			return nil, fmt.Errorf("%w: fingerprint without unit", ErrFormat)
		}
		if _, dup := a.Fingerprints[fp.Unit]; dup {
			return nil, fmt.Errorf("%w: duplicate fingerprint for %s", ErrFormat, fp.Unit)
		}
		a.Fingerprints[fp.Unit] = fp
	}
	for _, rec := range w.Coverage {
		if rec.Test == "" {
			return nil, fmt.Errorf("%w: coverage record without test", ErrFormat)
		}
		if _, dup := a.Coverage[rec.Test]; dup {
			return nil, fmt.Errorf("%w: duplicate coverage for %s", ErrFormat, rec.Test)
		}
		a.Coverage[rec.Test] = rec.normalize()
	}
	return a, nil
}

// ID returns the content id of a: the BLAKE3 hash of its canonical encoding.
func ID(a *Analysis) (string, error) {
	data, err := Encode(a)
	if err != nil {
		return "", err
	}
	return cas.Blake3HashHex(data), nil
}
