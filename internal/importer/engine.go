package importer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sba-tools/hubzone-cli/internal/cache"
	"github.com/sba-tools/hubzone-cli/internal/designation"
	"github.com/sba-tools/hubzone-cli/internal/eligibility"
	"github.com/sba-tools/hubzone-cli/internal/geounit"
	"github.com/sba-tools/hubzone-cli/internal/notify"
	"github.com/sba-tools/hubzone-cli/internal/resolver"
)

// AlreadyRunningError rejects a trigger while another execution is in
// flight. The conflict carries the running execution's identifier; the
// trigger is rejected, never queued.
type AlreadyRunningError struct {
	RunningID uuid.UUID
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("an import execution is already running: %s", e.RunningID)
}

var errCancelled = eris.New("execution cancelled by operator")

// Deps wires the engine's collaborators.
type Deps struct {
	Catalog       []cache.SourceSpec
	Cache         *cache.Manager
	Units         geounit.Store
	Designations  designation.Store
	Executions    ExecutionStore
	Businesses    resolver.Store
	Reconciler    *designation.Reconciler
	Resolver      *resolver.Resolver
	Notifier      notify.Notifier
	RunTimeout    time.Duration
	CensusVintage int
}

// Engine drives the pipeline stages in sequence for one execution at a
// time. Single-flight is enforced twice: an in-process flag checked
// atomically (shared by dry runs and scoped runs), and a
// compare-and-swap lease row in the store so the guarantee holds across
// engine instances.
type Engine struct {
	deps Deps
	log  *zap.Logger

	running   atomic.Bool
	cancelReq atomic.Bool

	mu        sync.Mutex
	currentID uuid.UUID
}

// NewEngine creates an Engine.
func NewEngine(deps Deps) (*Engine, error) {
	if deps.Cache == nil || deps.Units == nil || deps.Designations == nil ||
		deps.Executions == nil || deps.Businesses == nil ||
		deps.Reconciler == nil || deps.Resolver == nil {
		return nil, eris.New("importer: engine is missing a dependency")
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.RunTimeout <= 0 {
		deps.RunTimeout = 2 * time.Hour
	}
	return &Engine{
		deps: deps,
		log:  zap.L().With(zap.String("component", "engine")),
	}, nil
}

// Cancel requests cancellation of the running execution. The request
// takes effect at the next stage boundary; in-flight downloads finish or
// time out naturally.
func (e *Engine) Cancel() {
	e.cancelReq.Store(true)
}

// Current returns the running execution, nil if none.
func (e *Engine) Current(ctx context.Context) (*ImportExecution, error) {
	return e.deps.Executions.Current(ctx)
}

func (e *Engine) setCurrentID(id uuid.UUID) {
	e.mu.Lock()
	e.currentID = id
	e.mu.Unlock()
}

func (e *Engine) getCurrentID() uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentID
}

// Trigger creates and synchronously runs one execution. A trigger while
// another run is active fails with AlreadyRunningError without creating
// a second execution record.
func (e *Engine) Trigger(ctx context.Context, trigger TriggerType, actor string, opts Options) (*ImportExecution, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, &AlreadyRunningError{RunningID: e.getCurrentID()}
	}
	defer e.running.Store(false)

	id := uuid.New()

	// Lease slack covers the final persistence work after the stage timeout.
	ok, holder, err := e.deps.Executions.AcquireLease(ctx, id, e.deps.RunTimeout+10*time.Minute)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &AlreadyRunningError{RunningID: holder}
	}
	defer func() {
		if err := e.deps.Executions.ReleaseLease(context.WithoutCancel(ctx), id); err != nil {
			e.log.Warn("failed to release execution lease", zap.Error(err))
		}
	}()

	e.setCurrentID(id)
	e.cancelReq.Store(false)

	exec := &ImportExecution{
		ID:           id,
		TriggerType:  trigger,
		TriggerActor: actor,
		Status:       StatusPending,
		Options:      opts,
		CreatedAt:    time.Now().UTC(),
	}
	if err := e.deps.Executions.Create(ctx, exec); err != nil {
		return nil, err
	}

	e.run(ctx, exec)
	return exec, nil
}

func (e *Engine) run(ctx context.Context, exec *ImportExecution) {
	rctx, cancel := context.WithTimeout(ctx, e.deps.RunTimeout)
	defer cancel()

	started := time.Now().UTC()
	exec.Status = StatusRunning
	exec.StartedAt = &started
	if err := e.deps.Executions.Update(ctx, exec); err != nil {
		e.log.Error("failed to mark execution running", zap.Error(err))
	}

	e.log.Info("execution started",
		zap.String("execution_id", exec.ID.String()),
		zap.String("trigger", string(exec.TriggerType)),
		zap.Bool("dry_run", exec.Options.DryRun),
		zap.Strings("states", exec.Options.States),
	)

	err := e.pipeline(rctx, exec)

	finished := time.Now().UTC()
	exec.FinishedAt = &finished
	switch {
	case err == nil:
		exec.Status = StatusCompleted
	case eris.Is(err, errCancelled):
		exec.Status = StatusCancelled
	default:
		exec.Status = StatusFailed
	}

	// The final record write must survive run-context expiry.
	if uerr := e.deps.Executions.Update(context.WithoutCancel(ctx), exec); uerr != nil {
		e.log.Error("failed to persist final execution state", zap.Error(uerr))
	}

	e.log.Info("execution finished",
		zap.String("execution_id", exec.ID.String()),
		zap.String("status", string(exec.Status)),
		zap.Duration("elapsed", finished.Sub(started)),
		zap.Int("errors", len(exec.Errors)),
		zap.Int("warnings", len(exec.Warnings)),
	)
}

// checkpoint is evaluated between stages: operator cancellation and the
// overall timeout both stop the run here, never mid-download.
func (e *Engine) checkpoint(ctx context.Context) error {
	if e.cancelReq.Load() {
		return errCancelled
	}
	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "execution timed out")
	}
	return nil
}

func (e *Engine) pipeline(ctx context.Context, exec *ImportExecution) error {
	scope := exec.Options.States
	if len(scope) == 0 {
		scope = AllStateFIPS
	}

	// Stage 1: acquire datasets.
	acq, err := e.acquireStage(ctx, exec, scope)
	if err != nil {
		return err
	}
	if err := e.checkpoint(ctx); err != nil {
		return err
	}

	// Stage 2: assemble boundary geometry.
	units, err := e.boundaryStage(ctx, exec, acq)
	if err != nil {
		return err
	}
	if err := e.checkpoint(ctx); err != nil {
		return err
	}

	// Stage 3: evaluate qualification.
	candidates := e.evaluateStage(exec, acq)
	if err := e.checkpoint(ctx); err != nil {
		return err
	}

	// Stage 4: reconcile against the stored set.
	current, err := e.deps.Designations.ListActive(ctx, acq.effectiveStates())
	if err != nil {
		exec.AddError(CodePersistenceFailure, err.Error(), "")
		return err
	}
	cs := e.deps.Reconciler.Reconcile(candidates, current, time.Now().UTC())
	for _, c := range cs.Conflicts {
		exec.AddError(CodeReconciliationConflict,
			fmt.Sprintf("tie-break policy cannot choose between %v", c.Types), c.GEOID)
	}
	exec.Stats = cs.Stats
	exec.Stats.StatesSkipped = len(acq.skipped)
	if err := e.checkpoint(ctx); err != nil {
		return err
	}

	// Stage 5: resolve affected businesses.
	businesses, err := e.deps.Businesses.ListBusinesses(ctx, exec.Options.States)
	if err != nil {
		exec.AddError(CodePersistenceFailure, err.Error(), "")
		return err
	}
	changes, warns := e.deps.Resolver.Resolve(cs, units, businesses)
	exec.Stats.BusinessesAffected = len(changes)
	for _, w := range warns {
		exec.AddWarning(CodeGeospatialResolution,
			fmt.Sprintf("business %s: %s", w.BusinessID, w.Message), "")
	}
	if err := e.checkpoint(ctx); err != nil {
		return err
	}

	// Stage 6: persist and hand off. A dry run computes everything above
	// for identical statistics but leaves storage and notifications alone.
	if exec.Options.DryRun {
		e.log.Info("dry run: skipping persistence and notification hand-off",
			zap.String("execution_id", exec.ID.String()),
			zap.Int("changes", len(changes)),
		)
		return nil
	}

	if err := e.persistStage(ctx, exec, cs, changes); err != nil {
		return err
	}

	if exec.Options.SkipNotifications {
		return nil
	}
	if err := e.deps.Notifier.Notify(ctx, exec.ID, changes); err != nil {
		// Hand-off is attempted once; delivery is the collaborator's concern.
		exec.AddWarning("notification_handoff_failed", err.Error(), "")
		return nil
	}
	exec.Stats.NotificationsHandedOff = len(changes)
	if len(changes) > 0 {
		if err := e.deps.Businesses.MarkNotified(ctx, exec.ID); err != nil {
			exec.AddWarning("notification_handoff_failed", err.Error(), "")
		}
	}
	return nil
}

// acquired holds the stage-1 outputs: local dataset files plus the set
// of states dropped by non-fatal dataset failures.
type acquired struct {
	scope      []string
	skipped    map[string]bool
	countyZip  *cache.Dataset
	tractZips  []cache.Dataset
	sbaFeed    *cache.Dataset
	acsTracts  map[string]cache.Dataset // by state FIPS
	acsStates  map[string]cache.Dataset // by state FIPS
}

// effectiveStates is the scope minus states skipped for missing data.
// Reconciliation must not see a skipped state at all, or its absent
// candidates would read as mass expiration.
func (a *acquired) effectiveStates() []string {
	out := make([]string, 0, len(a.scope))
	for _, s := range a.scope {
		if !a.skipped[s] {
			out = append(out, s)
		}
	}
	return out
}

func (e *Engine) acquireStage(ctx context.Context, exec *ImportExecution, scope []string) (*acquired, error) {
	acq := &acquired{
		scope:     scope,
		skipped:   make(map[string]bool),
		acsTracts: make(map[string]cache.Dataset),
		acsStates: make(map[string]cache.Dataset),
	}

	national := func(id string) (*cache.Dataset, error) {
		spec, err := cache.FindSpec(e.deps.Catalog, id)
		if err != nil {
			return nil, err
		}
		ds, fails, err := e.deps.Cache.Acquire(ctx, spec, nil)
		if err != nil {
			return nil, err
		}
		if len(fails) > 0 {
			exec.AddError(CodeDatasetUnavailable, fails[0].Error(), "")
			return nil, eris.Wrapf(fails[0], "national dataset %s unavailable", id)
		}
		return &ds[0], nil
	}

	perState := func(id string, dest map[string]cache.Dataset) error {
		spec, err := cache.FindSpec(e.deps.Catalog, id)
		if err != nil {
			return err
		}
		ds, fails, err := e.deps.Cache.Acquire(ctx, spec, scope)
		if err != nil {
			return err
		}
		for _, f := range fails {
			exec.AddWarning(CodeDatasetUnavailable, f.Error(), "")
			acq.skipped[f.StateFIPS] = true
		}
		for _, d := range ds {
			dest[d.StateFIPS] = d
		}
		return nil
	}

	county, err := national("tiger-county")
	if err != nil {
		return nil, err
	}
	acq.countyZip = county

	sba, err := national("sba-designations")
	if err != nil {
		return nil, err
	}
	acq.sbaFeed = sba

	tractSpec, err := cache.FindSpec(e.deps.Catalog, "tiger-tract")
	if err != nil {
		return nil, err
	}
	tracts, fails, err := e.deps.Cache.Acquire(ctx, tractSpec, scope)
	if err != nil {
		return nil, err
	}
	for _, f := range fails {
		exec.AddWarning(CodeDatasetUnavailable, f.Error(), "")
		acq.skipped[f.StateFIPS] = true
	}
	acq.tractZips = tracts

	if err := perState("acs-tract", acq.acsTracts); err != nil {
		return nil, err
	}
	if err := perState("acs-state", acq.acsStates); err != nil {
		return nil, err
	}

	e.log.Info("datasets acquired",
		zap.String("execution_id", exec.ID.String()),
		zap.Int("states", len(scope)),
		zap.Int("skipped", len(acq.skipped)),
	)
	return acq, nil
}

func (e *Engine) boundaryStage(ctx context.Context, exec *ImportExecution, acq *acquired) (map[string]*geounit.GeographicUnit, error) {
	units := make(map[string]*geounit.GeographicUnit)

	counties, err := parseBoundaryDataset(*acq.countyZip, geounit.LevelCounty)
	if err != nil {
		exec.AddError(CodeDatasetUnavailable, err.Error(), "")
		return nil, err
	}
	inScope := make(map[string]bool, len(acq.scope))
	for _, s := range acq.effectiveStates() {
		inScope[s] = true
	}
	var kept []geounit.GeographicUnit
	for i := range counties {
		if inScope[counties[i].StateFIPS] {
			kept = append(kept, counties[i])
		}
	}

	for _, ds := range acq.tractZips {
		if acq.skipped[ds.StateFIPS] {
			continue
		}
		tracts, err := parseBoundaryDataset(ds, geounit.LevelTract)
		if err != nil {
			// Corrupt payload after a successful download: skip the state.
			exec.AddWarning(CodeDatasetUnavailable, err.Error(), "")
			acq.skipped[ds.StateFIPS] = true
			continue
		}
		kept = append(kept, tracts...)
	}

	for i := range kept {
		units[kept[i].GEOID] = &kept[i]
	}

	// Boundary reference data is only persisted on a real run; the dry-run
	// path keeps the in-memory set so statistics stay identical without
	// touching storage.
	if !exec.Options.DryRun {
		if _, err := e.deps.Units.BulkUpsert(ctx, kept); err != nil {
			exec.AddError(CodePersistenceFailure, err.Error(), "")
			return nil, err
		}
	}

	e.log.Info("boundaries assembled",
		zap.String("execution_id", exec.ID.String()),
		zap.Int("units", len(units)),
	)
	return units, nil
}

func (e *Engine) evaluateStage(exec *ImportExecution, acq *acquired) []designation.Candidate {
	var candidates []designation.Candidate

	for _, state := range acq.effectiveStates() {
		tractDS, okT := acq.acsTracts[state]
		stateDS, okS := acq.acsStates[state]
		if !okT || !okS {
			continue
		}

		ami, err := parseStateMedianIncome(stateDS.Path)
		if err != nil {
			exec.AddWarning(CodeEvaluationDataMissing, err.Error(), "")
			continue
		}
		profiles, err := parseTractProfiles(tractDS.Path, e.deps.CensusVintage, ami)
		if err != nil {
			exec.AddWarning(CodeEvaluationDataMissing, err.Error(), "")
			continue
		}

		for _, p := range profiles {
			result, err := eligibility.Evaluate(p)
			if err != nil {
				exec.AddWarning(CodeEvaluationDataMissing,
					"no usable economic profile", p.GEOID)
				continue
			}
			if !result.IsQualified {
				continue
			}
			candidates = append(candidates, designation.Candidate{
				GEOID:         p.GEOID,
				Level:         geounit.LevelTract,
				Type:          designation.TypeQCT,
				Result:        result,
				SourceDataset: tractDS.Spec.ID,
			})
		}
	}

	if acq.sbaFeed != nil {
		sbaCands, skipped, err := parseSBAFeed(acq.sbaFeed.Path, acq.sbaFeed.Spec.ID)
		if err != nil {
			exec.AddWarning(CodeDatasetUnavailable, err.Error(), "")
		} else {
			for _, geoid := range skipped {
				exec.AddWarning(CodeEvaluationDataMissing, "unrecognized designation token", geoid)
			}
			candidates = append(candidates, filterByStates(sbaCands, acq.effectiveStates())...)
		}
	}

	e.log.Info("qualification evaluated",
		zap.String("execution_id", exec.ID.String()),
		zap.Int("candidates", len(candidates)),
	)
	return candidates
}

func (e *Engine) persistStage(ctx context.Context, exec *ImportExecution, cs *designation.Changeset, changes []resolver.AffectedBusinessChange) error {
	if err := e.deps.Designations.ApplyChangeset(ctx, cs, exec.ID); err != nil {
		exec.AddError(CodePersistenceFailure, err.Error(), "")
		return err
	}
	if err := e.deps.Businesses.RecordChanges(ctx, exec.ID, changes); err != nil {
		exec.AddError(CodePersistenceFailure, err.Error(), "")
		return err
	}
	return nil
}
