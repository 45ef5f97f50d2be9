// Package designation holds the HUBZone designation model and the diff
// engine that reconciles freshly computed candidates against the stored
// designation set.
package designation

import (
	"time"

	"github.com/sba-tools/hubzone-cli/internal/eligibility"
	"github.com/sba-tools/hubzone-cli/internal/geounit"
)

// Type is the statutory basis under which a geographic unit qualifies.
type Type string

const (
	TypeQCT                Type = "qualified_census_tract"
	TypeQualifiedCounty    Type = "qualified_non_metro_county"
	TypeIndianLands        Type = "indian_lands"
	TypeBaseClosure        Type = "base_closure_area"
	TypeGovernorDesignated Type = "governor_designated"
)

// HasGracePeriod reports whether losing qualification under this type
// starts a statutory grace period instead of immediate expiration.
// Fixed-term bases lapse outright when their term is up.
func (t Type) HasGracePeriod() bool {
	return !t.HasFixedExpiration()
}

// HasFixedExpiration reports whether the type carries a built-in term.
// Used by the tie-break policy: a non-expiring basis beats an expiring one.
func (t Type) HasFixedExpiration() bool {
	switch t {
	case TypeGovernorDesignated, TypeBaseClosure:
		return true
	default:
		return false
	}
}

// Status is the lifecycle state of a designation.
type Status string

const (
	StatusActive       Status = "active"
	StatusPending      Status = "pending"
	StatusExpired      Status = "expired"
	StatusRedesignated Status = "redesignated"
)

// Designation is the stored record for one geographic unit. At most one
// designation per GEOID exists; reconciliation supersedes it in place and
// the per-execution changeset preserves history.
type Designation struct {
	GEOID         string        `json:"geoid"`
	Level         geounit.Level `json:"level"`
	Type          Type          `json:"type"`
	Status        Status        `json:"status"`
	DesignatedAt  time.Time     `json:"designated_at"`
	ExpiresAt     *time.Time    `json:"expires_at,omitempty"`
	GraceEndsAt   *time.Time    `json:"grace_ends_at,omitempty"`
	PovertyRate   float64       `json:"poverty_rate"`
	IncomeRatio   float64       `json:"income_ratio"`
	SourceDataset string        `json:"source_dataset"`
}

// Candidate is one freshly computed qualification for a unit. A unit may
// produce several candidates under different types; the tie-break policy
// narrows them to one before diffing.
type Candidate struct {
	GEOID         string                          `json:"geoid"`
	Level         geounit.Level                   `json:"level"`
	Type          Type                            `json:"type"`
	Result        eligibility.QualificationResult `json:"result"`
	SourceDataset string                          `json:"source_dataset"`
}

// Statistics aggregates the outcome of one reconciliation pass.
type Statistics struct {
	New          int `json:"new"`
	Updated      int `json:"updated"`
	Expired      int `json:"expired"`
	Redesignated int `json:"redesignated"`
	Unchanged    int `json:"unchanged"`
	Conflicts    int `json:"conflicts"`
	TotalActive  int `json:"total_active"`

	// Filled in by the execution engine, not the reconciler.
	StatesSkipped          int `json:"states_skipped"`
	BusinessesAffected     int `json:"businesses_affected"`
	NotificationsHandedOff int `json:"notifications_handed_off"`
}

// Conflict records a unit whose candidate types the tie-break policy
// could not narrow to one. The run notes it as an error but continues.
type Conflict struct {
	GEOID string `json:"geoid"`
	Types []Type `json:"types"`
}

// Changeset is the classified output of one reconciliation pass. It is a
// pure description; persistence happens one layer up in a single
// transaction.
type Changeset struct {
	RunDate      time.Time     `json:"run_date"`
	Created      []Designation `json:"created"`
	Updated      []Designation `json:"updated"`
	Expired      []Designation `json:"expired"`
	Redesignated []Designation `json:"redesignated"`
	Conflicts    []Conflict    `json:"conflicts,omitempty"`
	Stats        Statistics    `json:"stats"`
}

// Empty reports whether the changeset contains no designation changes.
func (c *Changeset) Empty() bool {
	return len(c.Created) == 0 && len(c.Updated) == 0 &&
		len(c.Expired) == 0 && len(c.Redesignated) == 0
}

// ChangedGEOIDs returns the GEOIDs whose boundary-relevant status changed,
// for the affected-business resolution stage. Updated-but-still-active
// units are excluded: their boundaries and active status did not change.
func (c *Changeset) ChangedGEOIDs() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(list []Designation) {
		for _, d := range list {
			if !seen[d.GEOID] {
				seen[d.GEOID] = true
				out = append(out, d.GEOID)
			}
		}
	}
	add(c.Created)
	add(c.Expired)
	add(c.Redesignated)
	return out
}
