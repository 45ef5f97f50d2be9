// Package cache manages the local dataset cache: a content-addressed
// directory of downloaded source files plus a SQLite index tracking
// checksums and expiry. Fresh entries are served without touching the
// network; stale or missing entries are re-fetched with bounded
// parallelism.
package cache

import (
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sba-tools/hubzone-cli/internal/config"
)

// SourceType identifies which pipeline stage consumes a dataset.
type SourceType string

const (
	SourceBoundary SourceType = "boundary"
	SourceSBA      SourceType = "sba"
	SourceEconomic SourceType = "economic"
)

// Scope determines whether a source is fetched once or per state.
type Scope string

const (
	ScopeNational Scope = "national"
	ScopePerState Scope = "per_state"
)

// SourceSpec describes one upstream dataset. URL templates may contain a
// {state} placeholder, expanded with the two-digit state FIPS code for
// per-state sources.
type SourceSpec struct {
	ID          string     `yaml:"id"`
	Type        SourceType `yaml:"type"`
	Scope       Scope      `yaml:"scope"`
	Format      string     `yaml:"format"` // zip, xlsx, json
	URLTemplate string     `yaml:"url_template"`
	// FallbackTemplate is tried when the primary URL exhausts retries.
	// Typically the census FTP mirror for TIGER archives.
	FallbackTemplate string `yaml:"fallback_template,omitempty"`
}

// URL expands the primary template for the given state FIPS code.
func (s SourceSpec) URL(stateFIPS string) string {
	return strings.ReplaceAll(s.URLTemplate, "{state}", stateFIPS)
}

// FallbackURL expands the fallback template, or returns "" if none is set.
func (s SourceSpec) FallbackURL(stateFIPS string) string {
	if s.FallbackTemplate == "" {
		return ""
	}
	return strings.ReplaceAll(s.FallbackTemplate, "{state}", stateFIPS)
}

// acsVariables are the ACS 5-year variables the evaluator needs:
// poverty universe, population below poverty, and median family income.
const acsVariables = "NAME,B17001_001E,B17001_002E,B19113_001E"

// DefaultCatalog builds the source catalog from configuration. The
// catalog covers the three upstream feeds: TIGER boundaries (tracts per
// state plus one national county file), the SBA designation feed, and
// the census economic API (tract rows per state plus the state-level
// row used as the area median income denominator).
func DefaultCatalog(src config.SourcesConfig) []SourceSpec {
	tiger := func(base string) string {
		return fmt.Sprintf("%s/TIGER%d", base, src.TigerVintage)
	}
	apiKey := ""
	if src.CensusAPIKey != "" {
		apiKey = "&key=" + src.CensusAPIKey
	}

	specs := []SourceSpec{
		{
			ID:          "tiger-tract",
			Type:        SourceBoundary,
			Scope:       ScopePerState,
			Format:      "zip",
			URLTemplate: fmt.Sprintf("%s/TRACT/tl_%d_{state}_tract.zip", tiger(src.TigerBaseURL), src.TigerVintage),
		},
		{
			ID:          "tiger-county",
			Type:        SourceBoundary,
			Scope:       ScopeNational,
			Format:      "zip",
			URLTemplate: fmt.Sprintf("%s/COUNTY/tl_%d_us_county.zip", tiger(src.TigerBaseURL), src.TigerVintage),
		},
		{
			ID:          "sba-designations",
			Type:        SourceSBA,
			Scope:       ScopeNational,
			Format:      "xlsx",
			URLTemplate: src.SBAFeedURL,
		},
		{
			ID:     "acs-tract",
			Type:   SourceEconomic,
			Scope:  ScopePerState,
			Format: "json",
			URLTemplate: fmt.Sprintf("%s/%d/acs/acs5?get=%s&for=tract:*&in=state:{state}%s",
				src.CensusAPIBase, src.CensusVintage, acsVariables, apiKey),
		},
		{
			ID:     "acs-state",
			Type:   SourceEconomic,
			Scope:  ScopePerState,
			Format: "json",
			URLTemplate: fmt.Sprintf("%s/%d/acs/acs5?get=NAME,B19113_001E&for=state:{state}%s",
				src.CensusAPIBase, src.CensusVintage, apiKey),
		},
	}

	if src.TigerFTPBase != "" {
		specs[0].FallbackTemplate = fmt.Sprintf("%s/TRACT/tl_%d_{state}_tract.zip", tiger(src.TigerFTPBase), src.TigerVintage)
		specs[1].FallbackTemplate = fmt.Sprintf("%s/COUNTY/tl_%d_us_county.zip", tiger(src.TigerFTPBase), src.TigerVintage)
	}

	return specs
}

// LoadCatalog reads a source catalog from a YAML file. Deployments use
// this to pin alternate vintages or mirror URLs without a rebuild.
func LoadCatalog(path string) ([]SourceSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "cache: read catalog %s", path)
	}

	var doc struct {
		Sources []SourceSpec `yaml:"sources"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrapf(err, "cache: parse catalog %s", path)
	}
	if len(doc.Sources) == 0 {
		return nil, eris.Errorf("cache: catalog %s has no sources", path)
	}

	for _, s := range doc.Sources {
		if s.ID == "" || s.URLTemplate == "" {
			return nil, eris.Errorf("cache: catalog %s: source missing id or url_template", path)
		}
	}
	return doc.Sources, nil
}

// Catalog resolves the active source catalog: the YAML file when
// configured, the built-in defaults otherwise.
func Catalog(src config.SourcesConfig) ([]SourceSpec, error) {
	if src.CatalogPath != "" {
		return LoadCatalog(src.CatalogPath)
	}
	return DefaultCatalog(src), nil
}

// FindSpec returns the catalog entry with the given ID.
func FindSpec(specs []SourceSpec, id string) (SourceSpec, error) {
	for _, s := range specs {
		if s.ID == id {
			return s, nil
		}
	}
	return SourceSpec{}, eris.Errorf("cache: no source %q in catalog", id)
}
