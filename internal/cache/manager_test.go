package cache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sba-tools/hubzone-cli/internal/fetcher"
	"github.com/sba-tools/hubzone-cli/internal/resilience"
)

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func testManager(t *testing.T) (*Manager, *Index) {
	t.Helper()
	dir := t.TempDir()
	idx, err := OpenIndex(filepath.Join(dir, "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	httpf := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		Timeout:    5 * time.Second,
		MaxRetries: 1,
		BaseDelay:  time.Millisecond,
	})
	m, err := NewManager(idx, Options{
		Dir:           filepath.Join(dir, "files"),
		TTL:           time.Hour,
		MaxConcurrent: 3,
		Retry:         fastRetry(),
		HTTP:          httpf,
	})
	require.NoError(t, err)
	return m, idx
}

func TestAcquire_DownloadThenCacheHit(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			hits.Add(1)
		}
		w.Write([]byte(`[["NAME","state"],["Maryland","24"]]`))
	}))
	defer srv.Close()

	m, _ := testManager(t)
	spec := SourceSpec{ID: "acs-state", Type: SourceEconomic, Scope: ScopePerState,
		Format: "json", URLTemplate: srv.URL + "/{state}"}

	ctx := context.Background()
	got, fails, err := m.Acquire(ctx, spec, []string{"24"})
	require.NoError(t, err)
	require.Empty(t, fails)
	require.Len(t, got, 1)
	assert.False(t, got[0].FromCache)
	assert.NotEmpty(t, got[0].Checksum)
	assert.FileExists(t, got[0].Path)

	first := hits.Load()

	// Second acquisition within TTL must not touch the network.
	got, fails, err = m.Acquire(ctx, spec, []string{"24"})
	require.NoError(t, err)
	require.Empty(t, fails)
	require.Len(t, got, 1)
	assert.True(t, got[0].FromCache)
	assert.Equal(t, first, hits.Load())
}

func TestAcquire_ChecksumMismatchRedownloads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	m, _ := testManager(t)
	spec := SourceSpec{ID: "sba-designations", Type: SourceSBA, Scope: ScopeNational,
		Format: "xlsx", URLTemplate: srv.URL + "/feed.xlsx"}

	ctx := context.Background()
	got, fails, err := m.Acquire(ctx, spec, nil)
	require.NoError(t, err)
	require.Empty(t, fails)
	require.Len(t, got, 1)

	// Corrupt the cached file; the fresh entry no longer matches its checksum.
	require.NoError(t, os.WriteFile(got[0].Path, []byte("tampered"), 0o644))

	got, fails, err = m.Acquire(ctx, spec, nil)
	require.NoError(t, err)
	require.Empty(t, fails)
	require.Len(t, got, 1)
	assert.False(t, got[0].FromCache, "corrupted entry must be re-fetched")

	data, err := os.ReadFile(got[0].Path)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestAcquire_StateFailureIsWarning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/99" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	m, _ := testManager(t)
	spec := SourceSpec{ID: "tiger-tract", Type: SourceBoundary, Scope: ScopePerState,
		Format: "zip", URLTemplate: srv.URL + "/{state}"}

	got, fails, err := m.Acquire(context.Background(), spec, []string{"11", "99"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "11", got[0].StateFIPS)
	require.Len(t, fails, 1)
	assert.Equal(t, "99", fails[0].StateFIPS)
	assert.False(t, fails[0].National())
}

func TestAcquire_NationalFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	m, _ := testManager(t)
	spec := SourceSpec{ID: "sba-designations", Type: SourceSBA, Scope: ScopeNational,
		Format: "xlsx", URLTemplate: srv.URL + "/feed.xlsx"}

	got, fails, err := m.Acquire(context.Background(), spec, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	require.Len(t, fails, 1)
	assert.True(t, fails[0].National())
	assert.Equal(t, "sba-designations", fails[0].SourceID)
}

func TestAcquire_PerStateRequiresStates(t *testing.T) {
	m, _ := testManager(t)
	spec := SourceSpec{ID: "tiger-tract", Scope: ScopePerState, Format: "zip", URLTemplate: "http://x/{state}"}

	_, _, err := m.Acquire(context.Background(), spec, nil)
	assert.Error(t, err)
}

func TestAcquire_TTLExpiryRefetches(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			hits.Add(1)
		}
		w.Write([]byte("v2"))
	}))
	defer srv.Close()

	m, idx := testManager(t)
	spec := SourceSpec{ID: "tiger-county", Type: SourceBoundary, Scope: ScopeNational,
		Format: "zip", URLTemplate: srv.URL + "/county.zip"}

	ctx := context.Background()
	got, _, err := m.Acquire(ctx, spec, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)

	// Force the entry past its TTL.
	entry, err := idx.Get(ctx, "tiger-county/us")
	require.NoError(t, err)
	require.NotNil(t, entry)
	entry.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	entry.ETag = "" // disable HEAD revalidation path
	require.NoError(t, idx.Put(ctx, *entry))

	before := hits.Load()
	got, _, err = m.Acquire(ctx, spec, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].FromCache)
	assert.Greater(t, hits.Load(), before)
}

func TestPurge(t *testing.T) {
	m, idx := testManager(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "old.zip")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))

	now := time.Now().UTC()
	require.NoError(t, idx.Put(ctx, Entry{
		Key: "old/us", SourceID: "old", URL: "u", Path: path, Checksum: "c",
		FetchedAt: now.Add(-91 * 24 * time.Hour), ExpiresAt: now.Add(-24 * time.Hour),
	}))
	require.NoError(t, idx.Put(ctx, Entry{
		Key: "fresh/us", SourceID: "fresh", URL: "u", Path: "does-not-matter", Checksum: "c",
		FetchedAt: now, ExpiresAt: now.Add(24 * time.Hour),
	}))

	removed, err := m.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, path)

	fresh, err := idx.Get(ctx, "fresh/us")
	require.NoError(t, err)
	assert.NotNil(t, fresh)
}
