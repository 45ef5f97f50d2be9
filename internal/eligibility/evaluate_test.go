package eligibility

import (
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate_PovertyThresholdInclusive(t *testing.T) {
	// Exactly 25.0% qualifies.
	atThreshold := EconomicProfile{
		GEOID:           "11001000100",
		TotalPopulation: 4000,
		PovertyPopulation: 1000,
		AreaMedianIncome:  100000,
		MedianFamilyIncome: 95000,
	}
	r, err := Evaluate(atThreshold)
	require.NoError(t, err)
	assert.InDelta(t, 25.0, r.PovertyRate, 1e-9)
	assert.True(t, r.QualifiesByPoverty)
	assert.True(t, r.IsQualified)

	// 24.999% does not.
	below := atThreshold
	below.TotalPopulation = 100000
	below.PovertyPopulation = 24999
	r, err = Evaluate(below)
	require.NoError(t, err)
	assert.InDelta(t, 24.999, r.PovertyRate, 1e-9)
	assert.False(t, r.QualifiesByPoverty)
	assert.False(t, r.IsQualified)
}

func TestEvaluate_IncomeThresholdInclusive(t *testing.T) {
	// Exactly 80.0% of area median income qualifies.
	atThreshold := EconomicProfile{
		GEOID:              "11001000200",
		TotalPopulation:    5000,
		PovertyPopulation:  100,
		MedianFamilyIncome: 80000,
		AreaMedianIncome:   100000,
	}
	r, err := Evaluate(atThreshold)
	require.NoError(t, err)
	assert.InDelta(t, 0.80, r.IncomeRatio, 1e-9)
	assert.True(t, r.QualifiesByIncome)
	assert.True(t, r.IsQualified)

	// 80.001% does not.
	above := atThreshold
	above.MedianFamilyIncome = 80001
	r, err = Evaluate(above)
	require.NoError(t, err)
	assert.False(t, r.QualifiesByIncome)
	assert.False(t, r.IsQualified)
}

func TestEvaluate_EitherConditionQualifies(t *testing.T) {
	r, err := Evaluate(EconomicProfile{
		GEOID:              "11001000300",
		TotalPopulation:    1000,
		PovertyPopulation:  300, // 30% poverty
		MedianFamilyIncome: 95000,
		AreaMedianIncome:   100000, // 95% income ratio
	})
	require.NoError(t, err)
	assert.True(t, r.QualifiesByPoverty)
	assert.False(t, r.QualifiesByIncome)
	assert.True(t, r.IsQualified)
}

func TestEvaluate_Deterministic(t *testing.T) {
	p := EconomicProfile{
		GEOID:              "11001000400",
		TotalPopulation:    3333,
		PovertyPopulation:  937,
		MedianFamilyIncome: 61234,
		AreaMedianIncome:   88551,
	}
	first, err := Evaluate(p)
	require.NoError(t, err)
	second, err := Evaluate(p)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestEvaluate_DataMissing(t *testing.T) {
	_, err := Evaluate(EconomicProfile{GEOID: "11001000500"})
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrDataMissing))
}

func TestEvaluate_PartialData(t *testing.T) {
	// Population present but no income data: poverty can still qualify.
	r, err := Evaluate(EconomicProfile{
		GEOID:             "11001000600",
		TotalPopulation:   1000,
		PovertyPopulation: 400,
	})
	require.NoError(t, err)
	assert.True(t, r.QualifiesByPoverty)
	assert.False(t, r.QualifiesByIncome)
	assert.Zero(t, r.IncomeRatio)
}
