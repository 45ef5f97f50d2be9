// Package eligibility applies the SBA economic-distress thresholds to
// census economic profiles. Evaluation is a pure function so the diff
// stage can replay it deterministically.
package eligibility

import (
	"github.com/rotisserie/eris"
)

// SBA qualification thresholds. Ties count as qualifying: exactly 25.0%
// poverty or exactly 80.0% of area median income still qualifies.
const (
	PovertyRateThreshold = 25.0
	IncomeRatioThreshold = 0.80
)

// ErrDataMissing marks a profile the evaluator cannot score (zero
// population or missing income denominators). Callers skip the unit with
// a warning rather than failing the run.
var ErrDataMissing = eris.New("eligibility: economic profile data missing")

// EconomicProfile holds one vintage year of census economics for a
// geographic unit. Evaluator input only; not persisted past the run.
type EconomicProfile struct {
	GEOID              string  `json:"geoid"`
	VintageYear        int     `json:"vintage_year"`
	TotalPopulation    int64   `json:"total_population"`
	PovertyPopulation  int64   `json:"poverty_population"`
	MedianFamilyIncome float64 `json:"median_family_income"`
	AreaMedianIncome   float64 `json:"area_median_income"`
}

// QualificationResult records why a unit did or did not qualify, so the
// diff stage can explain status changes.
type QualificationResult struct {
	GEOID              string  `json:"geoid"`
	QualifiesByPoverty bool    `json:"qualifies_by_poverty"`
	QualifiesByIncome  bool    `json:"qualifies_by_income"`
	IsQualified        bool    `json:"is_qualified"`
	PovertyRate        float64 `json:"poverty_rate"`
	IncomeRatio        float64 `json:"income_ratio"`
}

// Evaluate scores one economic profile against the SBA thresholds.
// Returns ErrDataMissing when the profile lacks the denominators needed
// to compute either ratio.
func Evaluate(p EconomicProfile) (QualificationResult, error) {
	if p.TotalPopulation <= 0 && p.AreaMedianIncome <= 0 {
		return QualificationResult{}, eris.Wrapf(ErrDataMissing, "geoid %s", p.GEOID)
	}

	r := QualificationResult{GEOID: p.GEOID}

	if p.TotalPopulation > 0 {
		r.PovertyRate = float64(p.PovertyPopulation) / float64(p.TotalPopulation) * 100.0
		r.QualifiesByPoverty = r.PovertyRate >= PovertyRateThreshold
	}

	if p.AreaMedianIncome > 0 && p.MedianFamilyIncome > 0 {
		r.IncomeRatio = p.MedianFamilyIncome / p.AreaMedianIncome
		r.QualifiesByIncome = r.IncomeRatio <= IncomeRatioThreshold
	}

	r.IsQualified = r.QualifiesByPoverty || r.QualifiesByIncome
	return r, nil
}
