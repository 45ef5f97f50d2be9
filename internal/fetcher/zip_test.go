package fetcher

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestZip(t *testing.T, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := zip.NewWriter(f)
	for name, content := range entries {
		entry, err := w.Create(name)
		require.NoError(t, err)
		_, err = entry.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return path
}

func TestExtractZIP(t *testing.T) {
	zipPath := writeTestZip(t, map[string]string{
		"tl_2024_11_tract.shp": "shape data",
		"tl_2024_11_tract.dbf": "attr data",
	})

	destDir := t.TempDir()
	paths, err := ExtractZIP(zipPath, destDir)
	require.NoError(t, err)
	assert.Len(t, paths, 2)

	shp, err := FindByExt(paths, ".shp")
	require.NoError(t, err)
	content, err := os.ReadFile(shp)
	require.NoError(t, err)
	assert.Equal(t, "shape data", string(content))
}

func TestExtractZIP_ZipSlip(t *testing.T) {
	zipPath := writeTestZip(t, map[string]string{
		"../escape.txt": "nope",
	})

	_, err := ExtractZIP(zipPath, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zip slip")
}

func TestFindByExt_Missing(t *testing.T) {
	_, err := FindByExt([]string{"a.dbf", "b.prj"}, ".shp")
	assert.Error(t, err)
}

func TestParseFTPURL(t *testing.T) {
	host, path, err := parseFTPURL("ftp://ftp2.census.gov/geo/tiger/TIGER2024/TRACT/tl_2024_11_tract.zip")
	require.NoError(t, err)
	assert.Equal(t, "ftp2.census.gov:21", host)
	assert.Equal(t, "/geo/tiger/TIGER2024/TRACT/tl_2024_11_tract.zip", path)

	_, _, err = parseFTPURL("https://example.com/x.zip")
	assert.Error(t, err)

	_, _, err = parseFTPURL("ftp://host")
	assert.Error(t, err)
}
