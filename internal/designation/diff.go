package designation

import (
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// TiebreakRule narrows the set of candidate types for one unit. Rules run
// in priority order; each returns the subset it keeps. A rule that cannot
// discriminate returns its input unchanged. The policy is an explicit
// ordered list so it can be inspected and tested independently of the
// diff control flow.
type TiebreakRule struct {
	Name  string
	Apply func(types []Type, current *Designation) []Type
}

// DefaultTiebreakRules returns the standard policy:
//  1. prefer-non-expiring: a basis without a fixed term beats one with a
//     term that will lapse on its own.
//  2. prefer-incumbent: among equals, keep the type already on record to
//     avoid churn.
func DefaultTiebreakRules() []TiebreakRule {
	return []TiebreakRule{
		{
			Name: "prefer-non-expiring",
			Apply: func(types []Type, _ *Designation) []Type {
				var kept []Type
				for _, t := range types {
					if !t.HasFixedExpiration() {
						kept = append(kept, t)
					}
				}
				if len(kept) == 0 {
					return types
				}
				return kept
			},
		},
		{
			Name: "prefer-incumbent",
			Apply: func(types []Type, current *Designation) []Type {
				if current == nil {
					return types
				}
				for _, t := range types {
					if t == current.Type {
						return []Type{t}
					}
				}
				return types
			},
		},
	}
}

// Reconciler diffs candidate designations against the stored active set.
type Reconciler struct {
	gracePeriodMonths int
	rules             []TiebreakRule
	log               *zap.Logger
}

// NewReconciler creates a Reconciler. gracePeriodMonths must be positive;
// it is the statutory grace period applied to redesignated units.
func NewReconciler(gracePeriodMonths int, rules []TiebreakRule) (*Reconciler, error) {
	if gracePeriodMonths <= 0 {
		return nil, eris.New("designation: grace period months must be positive")
	}
	if len(rules) == 0 {
		rules = DefaultTiebreakRules()
	}
	return &Reconciler{
		gracePeriodMonths: gracePeriodMonths,
		rules:             rules,
		log:               zap.L().With(zap.String("component", "reconciler")),
	}, nil
}

// Reconcile classifies every unit in the union of the candidate set and
// the current active set. Deterministic and side-effect-free: candidates
// are grouped per GEOID, narrowed by the tie-break policy, then compared
// against the stored record. Units the policy cannot resolve are recorded
// as conflicts and left untouched.
func (r *Reconciler) Reconcile(candidates []Candidate, current []Designation, runDate time.Time) *Changeset {
	runDate = runDate.UTC()
	cs := &Changeset{RunDate: runDate}

	byGEOID := make(map[string][]Candidate)
	for _, c := range candidates {
		byGEOID[c.GEOID] = append(byGEOID[c.GEOID], c)
	}
	currentByGEOID := make(map[string]Designation, len(current))
	for _, d := range current {
		if d.Status == StatusActive {
			currentByGEOID[d.GEOID] = d
		}
	}

	geoids := make(map[string]bool, len(byGEOID)+len(currentByGEOID))
	for g := range byGEOID {
		geoids[g] = true
	}
	for g := range currentByGEOID {
		geoids[g] = true
	}
	ordered := make([]string, 0, len(geoids))
	for g := range geoids {
		ordered = append(ordered, g)
	}
	sort.Strings(ordered)

	graceEnd := runDate.AddDate(0, r.gracePeriodMonths, 0)

	for _, geoid := range ordered {
		cands := byGEOID[geoid]
		cur, hasCur := currentByGEOID[geoid]

		var curPtr *Designation
		if hasCur {
			curPtr = &cur
		}

		switch {
		case len(cands) == 0 && hasCur:
			// No longer qualifies.
			if cur.Type.HasGracePeriod() {
				d := cur
				d.Status = StatusRedesignated
				g := graceEnd
				d.GraceEndsAt = &g
				cs.Redesignated = append(cs.Redesignated, d)
			} else {
				d := cur
				d.Status = StatusExpired
				e := runDate
				d.ExpiresAt = &e
				cs.Expired = append(cs.Expired, d)
			}

		case len(cands) > 0:
			chosen, ok := r.pickType(cands, curPtr)
			if !ok {
				cs.Conflicts = append(cs.Conflicts, Conflict{GEOID: geoid, Types: candidateTypes(cands)})
				if hasCur {
					cs.Stats.Unchanged++
				}
				continue
			}

			switch {
			case !hasCur:
				cs.Created = append(cs.Created, newDesignation(chosen, runDate))
			case cur.Type == chosen.Type:
				cs.Stats.Unchanged++
			default:
				// Still qualified, different basis: supersede in place.
				d := newDesignation(chosen, runDate)
				cs.Updated = append(cs.Updated, d)
			}
		}
	}

	cs.Stats.New = len(cs.Created)
	cs.Stats.Updated = len(cs.Updated)
	cs.Stats.Expired = len(cs.Expired)
	cs.Stats.Redesignated = len(cs.Redesignated)
	cs.Stats.Conflicts = len(cs.Conflicts)
	cs.Stats.TotalActive = cs.Stats.New + cs.Stats.Updated + cs.Stats.Unchanged

	r.log.Info("reconciled designations",
		zap.Int("new", cs.Stats.New),
		zap.Int("updated", cs.Stats.Updated),
		zap.Int("expired", cs.Stats.Expired),
		zap.Int("redesignated", cs.Stats.Redesignated),
		zap.Int("unchanged", cs.Stats.Unchanged),
		zap.Int("conflicts", cs.Stats.Conflicts),
	)
	return cs
}

// pickType applies the tie-break rules in order until one candidate type
// remains. Returns false when the policy cannot narrow to a single type.
func (r *Reconciler) pickType(cands []Candidate, current *Designation) (Candidate, bool) {
	if len(cands) == 1 {
		return cands[0], true
	}

	types := candidateTypes(cands)
	for _, rule := range r.rules {
		types = rule.Apply(types, current)
		if len(types) == 1 {
			break
		}
	}
	if len(types) != 1 {
		return Candidate{}, false
	}

	for _, c := range cands {
		if c.Type == types[0] {
			return c, true
		}
	}
	return Candidate{}, false
}

func candidateTypes(cands []Candidate) []Type {
	seen := make(map[Type]bool)
	var types []Type
	for _, c := range cands {
		if !seen[c.Type] {
			seen[c.Type] = true
			types = append(types, c.Type)
		}
	}
	return types
}

func newDesignation(c Candidate, runDate time.Time) Designation {
	return Designation{
		GEOID:         c.GEOID,
		Level:         c.Level,
		Type:          c.Type,
		Status:        StatusActive,
		DesignatedAt:  runDate,
		PovertyRate:   c.Result.PovertyRate,
		IncomeRatio:   c.Result.IncomeRatio,
		SourceDataset: c.SourceDataset,
	}
}
