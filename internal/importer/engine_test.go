package importer

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sba-tools/hubzone-cli/internal/cache"
	"github.com/sba-tools/hubzone-cli/internal/config"
	"github.com/sba-tools/hubzone-cli/internal/designation"
	"github.com/sba-tools/hubzone-cli/internal/fetcher"
	"github.com/sba-tools/hubzone-cli/internal/geounit"
	"github.com/sba-tools/hubzone-cli/internal/resilience"
	"github.com/sba-tools/hubzone-cli/internal/resolver"
)

// In-memory fakes for the engine's storage collaborators.

type fakeUnitStore struct {
	mu    sync.Mutex
	units map[string]geounit.GeographicUnit
}

func newFakeUnitStore() *fakeUnitStore {
	return &fakeUnitStore{units: make(map[string]geounit.GeographicUnit)}
}

func (f *fakeUnitStore) BulkUpsert(_ context.Context, units []geounit.GeographicUnit) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range units {
		f.units[u.GEOID] = u
	}
	return int64(len(units)), nil
}

func (f *fakeUnitStore) GetByGEOIDs(_ context.Context, geoids []string) ([]geounit.GeographicUnit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []geounit.GeographicUnit
	for _, g := range geoids {
		if u, ok := f.units[g]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeUnitStore) ListByState(_ context.Context, state string, level geounit.Level) ([]geounit.GeographicUnit, error) {
	return nil, nil
}

func (f *fakeUnitStore) CountByLevel(_ context.Context, level geounit.Level) (int64, error) {
	return int64(len(f.units)), nil
}

type fakeDesignationStore struct {
	mu      sync.Mutex
	active  map[string]designation.Designation
	applied int
}

func newFakeDesignationStore() *fakeDesignationStore {
	return &fakeDesignationStore{active: make(map[string]designation.Designation)}
}

func (f *fakeDesignationStore) ListActive(_ context.Context, states []string) ([]designation.Designation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []designation.Designation
	for _, d := range f.active {
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeDesignationStore) GetByGEOID(_ context.Context, geoid string) (*designation.Designation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.active[geoid]; ok {
		return &d, nil
	}
	return nil, nil
}

func (f *fakeDesignationStore) ApplyChangeset(_ context.Context, cs *designation.Changeset, _ uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied++
	for _, d := range append(append([]designation.Designation{}, cs.Created...), cs.Updated...) {
		f.active[d.GEOID] = d
	}
	for _, d := range append(append([]designation.Designation{}, cs.Expired...), cs.Redesignated...) {
		f.active[d.GEOID] = d
	}
	return nil
}

func (f *fakeDesignationStore) CountActive(_ context.Context) (int64, error) {
	return int64(len(f.active)), nil
}

type fakeExecStore struct {
	mu      sync.Mutex
	execs   map[uuid.UUID]*ImportExecution
	holder  uuid.UUID
	created int
}

func newFakeExecStore() *fakeExecStore {
	return &fakeExecStore{execs: make(map[uuid.UUID]*ImportExecution)}
}

func (f *fakeExecStore) Create(_ context.Context, exec *ImportExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *exec
	f.execs[exec.ID] = &cp
	f.created++
	return nil
}

func (f *fakeExecStore) Update(_ context.Context, exec *ImportExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *exec
	f.execs[exec.ID] = &cp
	return nil
}

func (f *fakeExecStore) Get(_ context.Context, id uuid.UUID) (*ImportExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.execs[id], nil
}

func (f *fakeExecStore) Current(_ context.Context) (*ImportExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.execs {
		if e.Status == StatusRunning {
			return e, nil
		}
	}
	return nil, nil
}

func (f *fakeExecStore) List(_ context.Context, limit int) ([]ImportExecution, error) {
	return nil, nil
}

func (f *fakeExecStore) AcquireLease(_ context.Context, id uuid.UUID, _ time.Duration) (bool, uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holder != uuid.Nil {
		return false, f.holder, nil
	}
	f.holder = id
	return true, id, nil
}

func (f *fakeExecStore) ReleaseLease(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holder == id {
		f.holder = uuid.Nil
	}
	return nil
}

type fakeBizStore struct {
	businesses []resolver.BusinessLocation
	recorded   int
	notified   int
}

func (f *fakeBizStore) ListBusinesses(_ context.Context, states []string) ([]resolver.BusinessLocation, error) {
	return f.businesses, nil
}

func (f *fakeBizStore) RecordChanges(_ context.Context, _ uuid.UUID, changes []resolver.AffectedBusinessChange) error {
	f.recorded += len(changes)
	return nil
}

func (f *fakeBizStore) MarkNotified(_ context.Context, _ uuid.UUID) error {
	f.notified++
	return nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeNotifier) Notify(_ context.Context, _ uuid.UUID, _ []resolver.AffectedBusinessChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

type engineFixture struct {
	engine   *Engine
	execs    *fakeExecStore
	desigs   *fakeDesignationStore
	biz      *fakeBizStore
	units    *fakeUnitStore
	notifier *fakeNotifier
}

func newEngineFixture(t *testing.T, catalogBase string) *engineFixture {
	t.Helper()

	dir := t.TempDir()
	idx, err := cache.OpenIndex(filepath.Join(dir, "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	mgr, err := cache.NewManager(idx, cache.Options{
		Dir: filepath.Join(dir, "files"),
		TTL: time.Hour,
		Retry: resilience.RetryConfig{
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
			Multiplier:     2.0,
		},
		HTTP: fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
			Timeout:    2 * time.Second,
			MaxRetries: 1,
			BaseDelay:  time.Millisecond,
		}),
	})
	require.NoError(t, err)

	rec, err := designation.NewReconciler(36, nil)
	require.NoError(t, err)

	catalog := cache.DefaultCatalog(config.SourcesConfig{
		TigerBaseURL:  catalogBase + "/tiger",
		TigerVintage:  2024,
		SBAFeedURL:    catalogBase + "/feed.xlsx",
		CensusAPIBase: catalogBase + "/data",
		CensusVintage: 2023,
	})

	execs := newFakeExecStore()
	desigs := newFakeDesignationStore()
	biz := &fakeBizStore{}
	units := newFakeUnitStore()
	notifier := &fakeNotifier{}

	eng, err := NewEngine(Deps{
		Catalog:       catalog,
		Cache:         mgr,
		Units:         units,
		Designations:  desigs,
		Executions:    execs,
		Businesses:    biz,
		Reconciler:    rec,
		Resolver:      resolver.New(),
		Notifier:      notifier,
		RunTimeout:    time.Minute,
		CensusVintage: 2023,
	})
	require.NoError(t, err)

	return &engineFixture{
		engine: eng, execs: execs, desigs: desigs,
		biz: biz, units: units, notifier: notifier,
	}
}

func TestNewEngine_MissingDependency(t *testing.T) {
	_, err := NewEngine(Deps{})
	assert.Error(t, err)
}

func TestTrigger_RejectedWhileRunning(t *testing.T) {
	fx := newEngineFixture(t, "http://127.0.0.1:0")

	runningID := uuid.New()
	fx.engine.running.Store(true)
	fx.engine.setCurrentID(runningID)

	_, err := fx.engine.Trigger(context.Background(), TriggerManual, "operator", Options{})
	var are *AlreadyRunningError
	require.ErrorAs(t, err, &are)
	assert.Equal(t, runningID, are.RunningID, "conflict returns the in-progress execution id")
	assert.Equal(t, 0, fx.execs.created, "no second execution record is created")
}

func TestTrigger_RejectedWhenLeaseHeld(t *testing.T) {
	fx := newEngineFixture(t, "http://127.0.0.1:0")

	otherInstance := uuid.New()
	fx.execs.holder = otherInstance

	_, err := fx.engine.Trigger(context.Background(), TriggerManual, "operator", Options{})
	var are *AlreadyRunningError
	require.ErrorAs(t, err, &are)
	assert.Equal(t, otherInstance, are.RunningID)
	assert.Equal(t, 0, fx.execs.created)
	assert.False(t, fx.engine.running.Load(), "in-process flag released on rejection")
}

func TestTrigger_NationalDatasetUnavailableIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	fx := newEngineFixture(t, srv.URL)

	exec, err := fx.engine.Trigger(context.Background(), TriggerScheduled, "scheduler",
		Options{States: []string{"11"}})
	require.NoError(t, err, "trigger itself succeeds; the failure is recorded on the execution")
	require.NotNil(t, exec)

	assert.Equal(t, StatusFailed, exec.Status)
	require.NotEmpty(t, exec.Errors)
	assert.Equal(t, CodeDatasetUnavailable, exec.Errors[0].Code)
	assert.NotNil(t, exec.FinishedAt)

	assert.Equal(t, 0, fx.desigs.applied, "failed run commits nothing")
	assert.Equal(t, uuid.Nil, fx.execs.holder, "lease released after failure")
	assert.False(t, fx.engine.running.Load())

	stored, err := fx.execs.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, StatusFailed, stored.Status, "final state persisted")
}

func TestCancelTakesEffectAtStageBoundary(t *testing.T) {
	fx := newEngineFixture(t, "http://127.0.0.1:0")

	require.NoError(t, fx.engine.checkpoint(context.Background()))

	fx.engine.Cancel()
	err := fx.engine.checkpoint(context.Background())
	require.Error(t, err)
	assert.True(t, eris.Is(err, errCancelled))
}

func TestCheckpoint_Timeout(t *testing.T) {
	fx := newEngineFixture(t, "http://127.0.0.1:0")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, fx.engine.checkpoint(ctx))
}

func TestExecStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

// boundaryZip builds a one-record TIGER-style zip (shp, shx, dbf) whose
// single polygon is the axis-aligned box given by the corner coordinates.
func boundaryZip(t *testing.T, geoid, statefp string, minX, minY, maxX, maxY float64) []byte {
	t.Helper()

	base := filepath.Join(t.TempDir(), "boundary")
	w, err := shp.Create(base+".shp", shp.POLYGON)
	require.NoError(t, err)
	require.NoError(t, w.SetFields([]shp.Field{
		shp.StringField("GEOID", 20),
		shp.StringField("STATEFP", 2),
		shp.StringField("NAMELSAD", 40),
	}))

	ring := []shp.Point{
		{X: minX, Y: minY}, {X: minX, Y: maxY},
		{X: maxX, Y: maxY}, {X: maxX, Y: minY},
		{X: minX, Y: minY},
	}
	poly := &shp.Polygon{NumParts: 1, NumPoints: int32(len(ring)), Parts: []int32{0}, Points: ring}
	poly.Box = poly.BBox()
	row := int(w.Write(poly))
	require.NoError(t, w.WriteAttribute(row, 0, geoid))
	require.NoError(t, w.WriteAttribute(row, 1, statefp))
	require.NoError(t, w.WriteAttribute(row, 2, "Test Unit"))
	w.Close()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, ext := range []string{".shp", ".shx", ".dbf"} {
		src := base + ext
		if ext == ".dbf" {
			// go-shp v0.1.1 writes the DBF to <base>dbf (no dot separator).
			src = base + "dbf"
		}
		data, err := os.ReadFile(src)
		require.NoError(t, err)
		entry, err := zw.Create("boundary" + ext)
		require.NoError(t, err)
		_, err = entry.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// fixtureUpstream serves a minimal but complete upstream for state 11:
// one census tract that qualifies on poverty, one county carried by the
// designation feed, and the economic API rows behind both.
func fixtureUpstream(t *testing.T) *httptest.Server {
	t.Helper()

	// Disjoint boxes: a business inside the tract is outside the county.
	tractZip := boundaryZip(t, "11001000100", "11", 0, 0, 10, 10)
	countyZip := boundaryZip(t, "11001", "11", 20, 20, 30, 30)
	feed, err := os.ReadFile(writeSBAFeed(t, [][]string{{"11001", "qualified_non_metro_county"}}))
	require.NoError(t, err)

	acsTract := `[
		["NAME","B17001_001E","B17001_002E","B19113_001E","state","county","tract"],
		["Census Tract 1, DC","4000","1200","61000","11","001","000100"]
	]`
	acsState := `[
		["NAME","B19113_001E","state"],
		["District of Columbia","108000","11"]
	]`

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/COUNTY/"):
			_, _ = w.Write(countyZip)
		case strings.Contains(r.URL.Path, "/TRACT/"):
			_, _ = w.Write(tractZip)
		case strings.HasSuffix(r.URL.Path, "feed.xlsx"):
			_, _ = w.Write(feed)
		case strings.HasPrefix(r.URL.Query().Get("for"), "tract"):
			_, _ = io.WriteString(w, acsTract)
		case strings.HasPrefix(r.URL.Query().Get("for"), "state"):
			_, _ = io.WriteString(w, acsState)
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestTrigger_DryRunLeavesStoresUntouched(t *testing.T) {
	srv := fixtureUpstream(t)
	defer srv.Close()

	fx := newEngineFixture(t, srv.URL)
	lat, lng := 5.0, 5.0
	fx.biz.businesses = []resolver.BusinessLocation{{
		ID: uuid.New(), Name: "Acme Fabrication", Lat: &lat, Lng: &lng,
	}}

	dry, err := fx.engine.Trigger(context.Background(), TriggerManual, "operator",
		Options{DryRun: true, States: []string{"11"}})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, dry.Status)
	require.Empty(t, dry.Errors)

	assert.Equal(t, 2, dry.Stats.New, "one poverty tract plus one county from the feed")
	assert.Equal(t, 1, dry.Stats.BusinessesAffected, "the business sits inside the new tract")
	assert.Equal(t, 0, dry.Stats.NotificationsHandedOff)

	assert.Equal(t, 0, fx.desigs.applied, "dry run persists no designations")
	assert.Empty(t, fx.units.units, "dry run persists no boundaries")
	assert.Equal(t, 0, fx.biz.recorded, "dry run records no business changes")
	assert.Equal(t, 0, fx.biz.notified)
	assert.Equal(t, 0, fx.notifier.calls, "dry run never reaches the notifier")

	// Same fixture, real run: the dry run left the stores empty, so the
	// outcome must match what the dry run reported.
	live, err := fx.engine.Trigger(context.Background(), TriggerManual, "operator",
		Options{States: []string{"11"}})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, live.Status)
	require.Empty(t, live.Errors)

	got := live.Stats
	got.NotificationsHandedOff = 0 // hand-off only happens on the real run
	assert.Equal(t, dry.Stats, got, "dry run reports the same statistics as the real run")

	assert.Equal(t, 1, fx.desigs.applied)
	assert.Len(t, fx.units.units, 2)
	assert.Equal(t, 1, fx.biz.recorded)
	assert.Equal(t, 1, fx.notifier.calls)
	assert.Equal(t, 1, live.Stats.NotificationsHandedOff)
	assert.Equal(t, 1, fx.biz.notified)
}
