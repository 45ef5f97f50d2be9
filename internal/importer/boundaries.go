package importer

import (
	"context"

	"go.uber.org/zap"

	"github.com/sba-tools/hubzone-cli/internal/cache"
	"github.com/sba-tools/hubzone-cli/internal/geounit"
)

// LoadBoundaries acquires the TIGER county and tract archives and loads
// the parsed units into the store, outside a full pipeline run. States
// whose tract archive is unavailable are skipped with a log entry; the
// national county archive is required.
func LoadBoundaries(ctx context.Context, mgr *cache.Manager, catalog []cache.SourceSpec, store geounit.Store, states []string) (int64, error) {
	log := zap.L().With(zap.String("component", "loadgeo"))
	if len(states) == 0 {
		states = AllStateFIPS
	}
	inScope := make(map[string]bool, len(states))
	for _, s := range states {
		inScope[s] = true
	}

	countySpec, err := cache.FindSpec(catalog, "tiger-county")
	if err != nil {
		return 0, err
	}
	countyDS, fails, err := mgr.Acquire(ctx, countySpec, nil)
	if err != nil {
		return 0, err
	}
	if len(fails) > 0 {
		return 0, fails[0]
	}

	counties, err := parseBoundaryDataset(countyDS[0], geounit.LevelCounty)
	if err != nil {
		return 0, err
	}
	var units []geounit.GeographicUnit
	for i := range counties {
		if inScope[counties[i].StateFIPS] {
			units = append(units, counties[i])
		}
	}

	tractSpec, err := cache.FindSpec(catalog, "tiger-tract")
	if err != nil {
		return 0, err
	}
	tractDS, fails, err := mgr.Acquire(ctx, tractSpec, states)
	if err != nil {
		return 0, err
	}
	for _, f := range fails {
		log.Warn("state tract archive unavailable, skipping",
			zap.String("state", f.StateFIPS), zap.Error(f))
	}
	for _, ds := range tractDS {
		tracts, err := parseBoundaryDataset(ds, geounit.LevelTract)
		if err != nil {
			log.Warn("corrupt tract archive, skipping state",
				zap.String("state", ds.StateFIPS), zap.Error(err))
			continue
		}
		units = append(units, tracts...)
	}

	n, err := store.BulkUpsert(ctx, units)
	if err != nil {
		return 0, err
	}
	log.Info("boundaries loaded", zap.Int64("units", n), zap.Int("states", len(states)))
	return n, nil
}
