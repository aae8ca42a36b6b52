// Package decision decides, per test, whether a test must run in the
// current build or can be skipped because nothing it covers has changed.
package decision

import (
	"fmt"
	"strings"

	"skippy/internal/tia"
)

// Outcome is the terminal state of a decision.
type Outcome string

const (
	Execute Outcome = "EXECUTE"
	Skip    Outcome = "SKIP"
)

// Reason explains an outcome. Every reason except NoChange forces execution.
type Reason string

const (
	NoPriorAnalysis             Reason = "NO_PRIOR_ANALYSIS"
	NoCoverageForTest           Reason = "NO_COVERAGE_FOR_TEST"
	NoFingerprintForTest        Reason = "NO_FINGERPRINT_FOR_TEST"
	TestBytecodeChanged         Reason = "TEST_BYTECODE_CHANGED"
	NoFingerprintForCoveredUnit Reason = "NO_FINGERPRINT_FOR_COVERED_UNIT"
	CoveredUnitBytecodeChanged  Reason = "COVERED_UNIT_BYTECODE_CHANGED"
	SourceChanged               Reason = "SOURCE_CHANGED"
	NoChange                    Reason = "NO_CHANGE"
)

// Decision is the outcome for one test. Unit names the covered unit that
// triggered execution, when there is one.
type Decision struct {
	Test    tia.UnitID `json:"test"`
	Outcome Outcome    `json:"outcome"`
	Reason  Reason     `json:"reason"`
	Unit    tia.UnitID `json:"unit,omitempty"`
}

// ShouldExecute reports whether the test must run.
func (d Decision) ShouldExecute() bool {
	return d.Outcome != Skip
}

func (d Decision) String() string {
	if d.Unit != "" {
		return fmt.Sprintf("%s %s %s (%s)", d.Outcome, d.Test, d.Reason, d.Unit)
	}
	return fmt.Sprintf("%s %s %s", d.Outcome, d.Test, d.Reason)
}

func execute(test tia.UnitID, reason Reason, unit tia.UnitID) Decision {
	return Decision{Test: test, Outcome: Execute, Reason: reason, Unit: unit}
}

// Current supplies the fingerprints of units as they are on disk now.
// Units that are unknown or unreadable report false.
type Current interface {
	Lookup(unit tia.UnitID) (tia.Fingerprint, bool)
}

// Policy decides a single test against the prior analysis. prior is nil
// when no analysis is available.
type Policy interface {
	Name() string
	Decide(test tia.UnitID, prior *tia.Analysis, current Current) Decision
}

// Conservative skips a test only when the bytecode of the test and of every
// unit it covered last time is unchanged. Missing data always executes.
type Conservative struct{}

func (Conservative) Name() string { return "conservative" }

func (Conservative) Decide(test tia.UnitID, prior *tia.Analysis, current Current) Decision {
	covRes := prior.LookupCoverage(test)
	if covRes.State == tia.StateUnavailable {
		return execute(test, NoPriorAnalysis, "")
	}
	rec, ok := covRes.Get()
	if !ok {
		return execute(test, NoCoverageForTest, "")
	}
	stored, ok := prior.LookupFingerprint(test).Get()
	if !ok {
		return execute(test, NoFingerprintForTest, "")
	}
	if now, ok := current.Lookup(test); !ok || now.BytecodeHash != stored.BytecodeHash {
		return execute(test, TestBytecodeChanged, "")
	}

	// Missing stored fingerprints are reported before changed bytecode, so
	// the reason does not depend on the order of the covered units.
	for _, unit := range rec.Covered {
		if unit == test {
			continue
		}
		if prior.LookupFingerprint(unit).State != tia.StateFound {
			return execute(test, NoFingerprintForCoveredUnit, unit)
		}
	}
	for _, unit := range rec.Covered {
		if unit == test {
			continue
		}
		stored := prior.Fingerprints[unit]
		if now, ok := current.Lookup(unit); !ok || now.BytecodeHash != stored.BytecodeHash {
			return execute(test, CoveredUnitBytecodeChanged, unit)
		}
	}
	return Decision{Test: test, Outcome: Skip, Reason: NoChange}
}

// Strict applies Conservative and additionally executes when the source of
// the test or of a covered unit changed although its bytecode did not.
type Strict struct{}

func (Strict) Name() string { return "strict" }

func (Strict) Decide(test tia.UnitID, prior *tia.Analysis, current Current) Decision {
	d := Conservative{}.Decide(test, prior, current)
	if d.ShouldExecute() {
		return d
	}
	rec := prior.Coverage[test]
	for _, unit := range rec.Covered {
		now, _ := current.Lookup(unit)
		if now.SourceHash != prior.Fingerprints[unit].SourceHash {
			if unit == test {
				unit = ""
			}
			return execute(test, SourceChanged, unit)
		}
	}
	return d
}

// PolicyByName resolves a configured policy name.
func PolicyByName(name string) (Policy, error) {
	switch strings.ToLower(name) {
	case "", "conservative":
		return Conservative{}, nil
	case "strict":
		return Strict{}, nil
	default:
		return nil, fmt.Errorf("unknown decision policy %q", name)
	}
}
