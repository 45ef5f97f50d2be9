// Package resolver determines which registered businesses are affected by
// a designation changeset, using point-in-polygon containment against the
// changed geographic units.
package resolver

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sba-tools/hubzone-cli/internal/designation"
	"github.com/sba-tools/hubzone-cli/internal/geounit"
)

// ChangeType classifies how a business's HUBZone status changed.
type ChangeType string

const (
	ChangeGained       ChangeType = "gained_hubzone"
	ChangeLost         ChangeType = "lost_hubzone"
	ChangeRedesignated ChangeType = "hubzone_redesignated"
)

// BusinessLocation is a registered business's principal office.
type BusinessLocation struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Lat       *float64  `json:"lat,omitempty"`
	Lng       *float64  `json:"lng,omitempty"`
	InHUBZone bool      `json:"in_hubzone"`
}

// AffectedBusinessChange is one business whose HUBZone status changed in
// a reconciliation pass. Persisted for audit and handed to the
// notification collaborator.
type AffectedBusinessChange struct {
	BusinessID       uuid.UUID  `json:"business_id"`
	PreviousInZone   bool       `json:"previous_in_zone"`
	NewInZone        bool       `json:"new_in_zone"`
	Change           ChangeType `json:"change"`
	GEOID            string     `json:"geoid"`
	GraceEndsAt      *time.Time `json:"grace_ends_at,omitempty"`
	NotificationSent bool       `json:"notification_sent"`
}

// Warning records a business whose location could not be resolved.
// Resolution continues for the remaining businesses.
type Warning struct {
	BusinessID uuid.UUID `json:"business_id"`
	Message    string    `json:"message"`
}

// Resolver runs containment checks between business locations and
// changed unit boundaries.
type Resolver struct {
	log *zap.Logger
}

// New creates a Resolver.
func New() *Resolver {
	return &Resolver{log: zap.L().With(zap.String("component", "resolver"))}
}

// Resolve walks every changed unit in the changeset (created, expired,
// redesignated; updated-but-still-active units are skipped) and tests each
// business against it: a cheap bounding-box check first, the exact
// polygon test only for businesses that pass it. Businesses without
// coordinates produce warnings, not failures. This stage only describes
// the required notifications; the hand-off happens one layer up so a
// dry run can skip it deterministically.
func (r *Resolver) Resolve(cs *designation.Changeset, units map[string]*geounit.GeographicUnit, businesses []BusinessLocation) ([]AffectedBusinessChange, []Warning) {
	var (
		changes  []AffectedBusinessChange
		warnings []Warning
	)

	located, warnings := splitLocatable(businesses)

	resolveList := func(list []designation.Designation, classify func(designation.Designation, BusinessLocation) *AffectedBusinessChange) {
		for _, d := range list {
			unit, ok := units[d.GEOID]
			if ok && unit.Geometry == nil {
				ok = false
			}
			if !ok {
				r.log.Warn("no boundary geometry for changed unit",
					zap.String("geoid", d.GEOID),
				)
				continue
			}
			for _, b := range located {
				if !unit.Contains(*b.Lng, *b.Lat) {
					continue
				}
				if c := classify(d, b); c != nil {
					changes = append(changes, *c)
				}
			}
		}
	}

	resolveList(cs.Created, func(d designation.Designation, b BusinessLocation) *AffectedBusinessChange {
		if b.InHUBZone {
			return nil
		}
		return &AffectedBusinessChange{
			BusinessID:     b.ID,
			PreviousInZone: false,
			NewInZone:      true,
			Change:         ChangeGained,
			GEOID:          d.GEOID,
		}
	})

	resolveList(cs.Expired, func(d designation.Designation, b BusinessLocation) *AffectedBusinessChange {
		if !b.InHUBZone {
			return nil
		}
		return &AffectedBusinessChange{
			BusinessID:     b.ID,
			PreviousInZone: true,
			NewInZone:      false,
			Change:         ChangeLost,
			GEOID:          d.GEOID,
		}
	})

	resolveList(cs.Redesignated, func(d designation.Designation, b BusinessLocation) *AffectedBusinessChange {
		if !b.InHUBZone {
			return nil
		}
		return &AffectedBusinessChange{
			BusinessID:     b.ID,
			PreviousInZone: true,
			NewInZone:      true, // compliant through the grace period
			Change:         ChangeRedesignated,
			GEOID:          d.GEOID,
			GraceEndsAt:    d.GraceEndsAt,
		}
	})

	r.log.Info("resolved affected businesses",
		zap.Int("businesses", len(businesses)),
		zap.Int("changes", len(changes)),
		zap.Int("warnings", len(warnings)),
	)
	return changes, warnings
}

// splitLocatable separates businesses with usable coordinates from those
// that need a resolution warning.
func splitLocatable(businesses []BusinessLocation) ([]BusinessLocation, []Warning) {
	var (
		located  []BusinessLocation
		warnings []Warning
	)
	for _, b := range businesses {
		if b.Lat == nil || b.Lng == nil {
			warnings = append(warnings, Warning{
				BusinessID: b.ID,
				Message:    "business location has no coordinates",
			})
			continue
		}
		located = append(located, b)
	}
	return located, warnings
}
