package importer

import (
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sba-tools/hubzone-cli/internal/cache"
	"github.com/sba-tools/hubzone-cli/internal/designation"
	"github.com/sba-tools/hubzone-cli/internal/eligibility"
	"github.com/sba-tools/hubzone-cli/internal/fetcher"
	"github.com/sba-tools/hubzone-cli/internal/geounit"
)

// AllStateFIPS lists every state-equivalent the census publishes TIGER
// tract files for: the 50 states, DC, and Puerto Rico.
var AllStateFIPS = []string{
	"01", "02", "04", "05", "06", "08", "09", "10", "11", "12",
	"13", "15", "16", "17", "18", "19", "20", "21", "22", "23",
	"24", "25", "26", "27", "28", "29", "30", "31", "32", "33",
	"34", "35", "36", "37", "38", "39", "40", "41", "42", "44",
	"45", "46", "47", "48", "49", "50", "51", "53", "54", "55",
	"56", "72",
}

// parseBoundaryDataset extracts a TIGER zip and parses its shapefile.
func parseBoundaryDataset(ds cache.Dataset, level geounit.Level) ([]geounit.GeographicUnit, error) {
	destDir, err := os.MkdirTemp("", "tiger-*")
	if err != nil {
		return nil, eris.Wrap(err, "importer: create extract dir")
	}
	defer os.RemoveAll(destDir) //nolint:errcheck

	paths, err := fetcher.ExtractZIP(ds.Path, destDir)
	if err != nil {
		return nil, err
	}
	shpPath, err := fetcher.FindByExt(paths, ".shp")
	if err != nil {
		return nil, err
	}
	return geounit.ParseShapefile(shpPath, level)
}

// acsColumn indexes a column in a Census API response by header name.
func acsColumn(header []string, name string) int {
	for i, h := range header {
		if h == name {
			return i
		}
	}
	return -1
}

// parseACSFloat handles the census sentinel values for suppressed data
// (negative placeholders like -666666666) by treating them as missing.
func parseACSFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

func parseACSInt(s string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

// parseTractProfiles decodes one state's tract-level ACS response into
// economic profiles. areaMedianIncome is the state-level denominator.
func parseTractProfiles(path string, vintage int, areaMedianIncome float64) ([]eligibility.EconomicProfile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "importer: open acs file %s", path)
	}
	defer f.Close() //nolint:errcheck

	header, rows, err := fetcher.ReadJSONTable(f)
	if err != nil {
		return nil, err
	}

	totalIdx := acsColumn(header, "B17001_001E")
	povertyIdx := acsColumn(header, "B17001_002E")
	incomeIdx := acsColumn(header, "B19113_001E")
	stateIdx := acsColumn(header, "state")
	countyIdx := acsColumn(header, "county")
	tractIdx := acsColumn(header, "tract")
	if totalIdx < 0 || povertyIdx < 0 || incomeIdx < 0 ||
		stateIdx < 0 || countyIdx < 0 || tractIdx < 0 {
		return nil, eris.Errorf("importer: acs response %s missing expected columns", path)
	}

	profiles := make([]eligibility.EconomicProfile, 0, len(rows))
	for _, row := range rows {
		geoid := row[stateIdx] + row[countyIdx] + row[tractIdx]
		profiles = append(profiles, eligibility.EconomicProfile{
			GEOID:              geoid,
			VintageYear:        vintage,
			TotalPopulation:    parseACSInt(row[totalIdx]),
			PovertyPopulation:  parseACSInt(row[povertyIdx]),
			MedianFamilyIncome: parseACSFloat(row[incomeIdx]),
			AreaMedianIncome:   areaMedianIncome,
		})
	}
	return profiles, nil
}

// parseStateMedianIncome reads the state-level median family income used
// as the area median income denominator.
func parseStateMedianIncome(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, eris.Wrapf(err, "importer: open acs state file %s", path)
	}
	defer f.Close() //nolint:errcheck

	header, rows, err := fetcher.ReadJSONTable(f)
	if err != nil {
		return 0, err
	}
	idx := acsColumn(header, "B19113_001E")
	if idx < 0 || len(rows) == 0 {
		return 0, eris.Errorf("importer: acs state response %s missing B19113_001E", path)
	}
	return parseACSFloat(rows[0][idx]), nil
}

// sbaTypeTokens maps SBA feed designation labels to designation types.
// The feed's computed categories (QCT) are ignored: the evaluator derives
// those from census data, and the feed is authoritative only for the
// statuses the evaluator cannot compute.
var sbaTypeTokens = map[string]designation.Type{
	"qualified_non_metro_county": designation.TypeQualifiedCounty,
	"indian_lands":               designation.TypeIndianLands,
	"base_closure_area":          designation.TypeBaseClosure,
	"governor_designated":        designation.TypeGovernorDesignated,
}

// parseSBAFeed reads the SBA designation workbook. Expected layout: one
// header row, then GEOID in the first column and the designation token in
// the second. Rows with unrecognized tokens are skipped and reported.
func parseSBAFeed(path string, sourceID string) ([]designation.Candidate, []string, error) {
	rows, err := fetcher.ReadXLSX(path, fetcher.XLSXOptions{SkipRows: 1})
	if err != nil {
		return nil, nil, err
	}

	var (
		cands   []designation.Candidate
		skipped []string
	)
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		geoid := strings.TrimSpace(row[0])
		token := strings.ToLower(strings.TrimSpace(row[1]))
		if geoid == "" {
			continue
		}

		typ, ok := sbaTypeTokens[token]
		if !ok {
			skipped = append(skipped, geoid)
			continue
		}

		level := geounit.LevelTract
		if len(geoid) == 5 {
			level = geounit.LevelCounty
		}
		cands = append(cands, designation.Candidate{
			GEOID:         geoid,
			Level:         level,
			Type:          typ,
			Result:        eligibility.QualificationResult{GEOID: geoid, IsQualified: true},
			SourceDataset: sourceID,
		})
	}

	if len(skipped) > 0 {
		zap.L().Warn("sba feed rows skipped",
			zap.String("component", "importer"),
			zap.Int("count", len(skipped)),
		)
	}
	return cands, skipped, nil
}

// filterByStates keeps candidates whose GEOID prefix is in scope.
func filterByStates(cands []designation.Candidate, states []string) []designation.Candidate {
	if len(states) == 0 {
		return cands
	}
	inScope := make(map[string]bool, len(states))
	for _, s := range states {
		inScope[s] = true
	}
	var out []designation.Candidate
	for _, c := range cands {
		if len(c.GEOID) >= 2 && inScope[c.GEOID[:2]] {
			out = append(out, c)
		}
	}
	return out
}
