package tia

// Merge produces the analysis for the build that just finished.
//
// The fingerprint table is replaced wholesale by fresh. Coverage of tests
// that ran in this build (observed) replaces what prev knew; tests that
// were skipped keep their previous record. Tests of prev that no longer
// exist on disk (absent from fresh) are dropped. prev may be nil.
func Merge(prev *Analysis, fresh map[UnitID]Fingerprint, observed map[UnitID]CoverageRecord) *Analysis {
	merged := New()
	for unit, fp := range fresh {
		fp.Unit = unit
		merged.Fingerprints[unit] = fp
	}

	if prev != nil {
		for test, rec := range prev.Coverage {
			if _, onDisk := fresh[test]; !onDisk {
				continue
			}
			rec.Test = test
			merged.Coverage[test] = rec.normalize()
		}
	}

	for test, rec := range observed {
		rec.Test = test
		merged.Coverage[test] = rec.normalize()
	}
	return merged
}
