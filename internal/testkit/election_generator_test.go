package testkit

import (
	"reflect"
	"testing"
)

func TestGenerateScenario_DeterministicGivenSeed(t *testing.T) {
	cfg := GeneratorConfig{
		Units: 50, Regions: 3, ObservedFraction: 0.6,
		ResidualMean: 0.01, ResidualStdDev: 0.02, Seed: 42,
	}
	first := GenerateScenario(cfg)
	second := GenerateScenario(cfg)

	if !reflect.DeepEqual(first.Baseline, second.Baseline) {
		t.Error("baselines differ under identical seed")
	}
	if !reflect.DeepEqual(first.Returns, second.Returns) {
		t.Error("returns differ under identical seed")
	}
}

func TestGenerateScenario_PartialCountsBelowTruth(t *testing.T) {
	s := GenerateScenario(GeneratorConfig{
		Units: 200, Regions: 4, ObservedFraction: 0.5,
		ResidualMean: 0, ResidualStdDev: 0.03, Seed: 7,
	})

	for _, r := range s.Returns {
		truth := s.TrueResults[r.Key()]
		if r.ReportingPct >= 100 {
			if *r.CurrentResult != truth {
				t.Errorf("unit %s: observed result %v != truth %v", r.UnitID, *r.CurrentResult, truth)
			}
			continue
		}
		if *r.CurrentResult > truth {
			t.Errorf("unit %s: partial count %v above final tally %v", r.UnitID, *r.CurrentResult, truth)
		}
	}
}

func TestUnobservedKeys(t *testing.T) {
	s := GenerateScenario(GeneratorConfig{
		Units: 100, Regions: 2, ObservedFraction: 0.7,
		ResidualMean: 0, ResidualStdDev: 0.02, Seed: 3,
	})

	unobserved := make(map[string]bool)
	for _, k := range s.UnobservedKeys() {
		unobserved[string(k)] = true
	}
	var fullyReported int
	for _, r := range s.Returns {
		if r.ReportingPct >= 100 {
			fullyReported++
			if unobserved[string(r.Key())] {
				t.Errorf("fully reported unit %s listed as unobserved", r.UnitID)
			}
		}
	}
	if fullyReported+len(s.UnobservedKeys()) != len(s.Baseline) {
		t.Errorf("partitions do not cover the baseline: %d observed + %d unobserved != %d",
			fullyReported, len(s.UnobservedKeys()), len(s.Baseline))
	}
}
