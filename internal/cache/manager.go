package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sba-tools/hubzone-cli/internal/fetcher"
	"github.com/sba-tools/hubzone-cli/internal/resilience"
)

// UnavailableError reports that a dataset could not be acquired after
// exhausting retries and fallbacks. Callers treat national failures as
// fatal and per-state failures as warnings.
type UnavailableError struct {
	SourceID  string
	StateFIPS string // "" for national sources
	Err       error
}

func (e *UnavailableError) Error() string {
	if e.StateFIPS == "" {
		return fmt.Sprintf("dataset unavailable: %s: %v", e.SourceID, e.Err)
	}
	return fmt.Sprintf("dataset unavailable: %s state %s: %v", e.SourceID, e.StateFIPS, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// National reports whether the failure affects a national-scope dataset.
func (e *UnavailableError) National() bool { return e.StateFIPS == "" }

// Dataset is one acquired file, ready for parsing.
type Dataset struct {
	Spec      SourceSpec
	StateFIPS string // "" for national sources
	Path      string
	Checksum  string
	FromCache bool
}

// Options configures the Manager.
type Options struct {
	Dir           string
	TTL           time.Duration
	MaxConcurrent int
	Retry         resilience.RetryConfig
	HTTP          fetcher.Fetcher
	FTP           fetcher.Fetcher // optional, used for ftp:// fallback URLs
}

// Manager coordinates the dataset cache: lookups against the index,
// checksum verification of files on disk, and bounded-parallel downloads
// of stale or missing entries.
type Manager struct {
	opts  Options
	index *Index
	log   *zap.Logger

	// guards concurrent downloads of the same key within one process
	inflight sync.Map
}

// NewManager creates a Manager writing files under opts.Dir.
func NewManager(index *Index, opts Options) (*Manager, error) {
	if opts.Dir == "" {
		return nil, eris.New("cache: dir is required")
	}
	if opts.HTTP == nil {
		return nil, eris.New("cache: http fetcher is required")
	}
	if opts.TTL <= 0 {
		opts.TTL = 90 * 24 * time.Hour
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 6
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, eris.Wrap(err, "cache: create dir")
	}
	return &Manager{
		opts:  opts,
		index: index,
		log:   zap.L().With(zap.String("component", "cache")),
	}, nil
}

// entryKey identifies a (source, state) pair in the index.
func entryKey(spec SourceSpec, stateFIPS string) string {
	if stateFIPS == "" {
		return spec.ID + "/us"
	}
	return spec.ID + "/" + stateFIPS
}

// fileName is the on-disk name for a cached dataset.
func fileName(spec SourceSpec, stateFIPS string) string {
	if stateFIPS == "" {
		return fmt.Sprintf("%s_us.%s", spec.ID, spec.Format)
	}
	return fmt.Sprintf("%s_%s.%s", spec.ID, stateFIPS, spec.Format)
}

// Acquire returns the dataset files for spec, one per requested state
// (or a single file for national sources; states is ignored then).
// Fresh cache entries whose checksum still matches are returned without
// network access. Missing or stale entries are downloaded with at most
// MaxConcurrent parallel transfers. Per-state failures are returned as
// UnavailableError values alongside the successes; the error return is
// reserved for cache infrastructure faults.
func (m *Manager) Acquire(ctx context.Context, spec SourceSpec, states []string) ([]Dataset, []*UnavailableError, error) {
	targets := []string{""}
	if spec.Scope == ScopePerState {
		if len(states) == 0 {
			return nil, nil, eris.Errorf("cache: source %s requires states", spec.ID)
		}
		targets = states
	}

	results := make([]Dataset, len(targets))
	failures := make([]*UnavailableError, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.MaxConcurrent)

	for i, state := range targets {
		g.Go(func() error {
			ds, err := m.acquireOne(gctx, spec, state)
			if err != nil {
				var unavail *UnavailableError
				if eris.As(err, &unavail) {
					failures[i] = unavail
					return nil
				}
				return err
			}
			results[i] = ds
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var (
		ok   []Dataset
		errs []*UnavailableError
	)
	for i := range targets {
		if failures[i] != nil {
			errs = append(errs, failures[i])
			continue
		}
		ok = append(ok, results[i])
	}
	return ok, errs, nil
}

func (m *Manager) acquireOne(ctx context.Context, spec SourceSpec, state string) (Dataset, error) {
	key := entryKey(spec, state)

	// Serialize concurrent acquisitions of the same entry.
	mu, _ := m.inflight.LoadOrStore(key, &sync.Mutex{})
	lock := mu.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()

	entry, err := m.index.Get(ctx, key)
	if err != nil {
		return Dataset{}, err
	}
	if entry != nil && entry.Fresh(now) {
		if sum, err := fetcher.ChecksumFile(entry.Path); err == nil && sum == entry.Checksum {
			m.log.Debug("cache hit",
				zap.String("source", spec.ID),
				zap.String("state", state),
			)
			return Dataset{Spec: spec, StateFIPS: state, Path: entry.Path, Checksum: sum, FromCache: true}, nil
		}
		// File missing or corrupted on disk; fall through to re-download.
		m.log.Warn("cached file failed checksum, re-downloading",
			zap.String("source", spec.ID),
			zap.String("state", state),
		)
	}

	// Stale entry with an ETag: revalidate with a HEAD before re-downloading.
	if entry != nil && !entry.Fresh(now) && entry.ETag != "" {
		if etag, err := m.opts.HTTP.HeadETag(ctx, entry.URL); err == nil && etag == entry.ETag {
			if sum, err := fetcher.ChecksumFile(entry.Path); err == nil && sum == entry.Checksum {
				if err := m.index.Touch(ctx, key, now.Add(m.opts.TTL)); err != nil {
					return Dataset{}, err
				}
				m.log.Info("revalidated stale entry via etag",
					zap.String("source", spec.ID),
					zap.String("state", state),
				)
				return Dataset{Spec: spec, StateFIPS: state, Path: entry.Path, Checksum: sum, FromCache: true}, nil
			}
		}
	}

	return m.download(ctx, spec, state, key, now)
}

func (m *Manager) download(ctx context.Context, spec SourceSpec, state, key string, now time.Time) (Dataset, error) {
	url := spec.URL(state)
	path := filepath.Join(m.opts.Dir, fileName(spec, state))

	retry := m.opts.Retry
	retry.OnRetry = resilience.RetryLogger(spec.ID, "download")

	type dl struct {
		size int64
		sum  string
	}
	res, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (dl, error) {
		n, sum, err := m.opts.HTTP.DownloadToFile(ctx, url, path)
		if err != nil {
			return dl{}, err
		}
		if n == 0 {
			return dl{}, resilience.NewTransientError(eris.Errorf("empty response from %s", url), 0)
		}
		return dl{size: n, sum: sum}, nil
	})

	// Primary exhausted: try the FTP mirror if one is configured.
	if err != nil {
		fallback := spec.FallbackURL(state)
		if fallback != "" && m.opts.FTP != nil && ctx.Err() == nil {
			m.log.Warn("primary source failed, trying fallback",
				zap.String("source", spec.ID),
				zap.String("state", state),
				zap.Error(err),
			)
			n, sum, ferr := m.opts.FTP.DownloadToFile(ctx, fallback, path)
			if ferr == nil && n > 0 {
				res, err, url = dl{size: n, sum: sum}, nil, fallback
			}
		}
	}
	if err != nil {
		return Dataset{}, &UnavailableError{SourceID: spec.ID, StateFIPS: state, Err: err}
	}

	etag, _ := m.opts.HTTP.HeadETag(ctx, url)
	entry := Entry{
		Key:       key,
		SourceID:  spec.ID,
		StateFIPS: state,
		URL:       url,
		Path:      path,
		Checksum:  res.sum,
		SizeBytes: res.size,
		ETag:      etag,
		FetchedAt: now,
		ExpiresAt: now.Add(m.opts.TTL),
	}
	if err := m.index.Put(ctx, entry); err != nil {
		return Dataset{}, err
	}

	m.log.Info("downloaded dataset",
		zap.String("source", spec.ID),
		zap.String("state", state),
		zap.Int64("bytes", res.size),
	)
	return Dataset{Spec: spec, StateFIPS: state, Path: path, Checksum: res.sum}, nil
}

// Purge removes expired entries and their files. Returns the number of
// entries removed.
func (m *Manager) Purge(ctx context.Context) (int, error) {
	expired, err := m.index.Expired(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, e := range expired {
		if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
			m.log.Warn("could not remove expired file",
				zap.String("path", e.Path),
				zap.Error(err),
			)
			continue
		}
		if err := m.index.Delete(ctx, e.Key); err != nil {
			return removed, err
		}
		removed++
	}

	if removed > 0 {
		m.log.Info("purged expired cache entries", zap.Int("count", removed))
	}
	return removed, nil
}
