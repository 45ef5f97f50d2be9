package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(nil, nil, UpsertConfig{
		Table:        "hubzone.designations",
		Columns:      []string{"geoid", "status"},
		ConflictKeys: []string{"geoid"},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_NoColumns(t *testing.T) {
	_, err := BulkUpsert(nil, nil, UpsertConfig{
		Table:        "hubzone.designations",
		ConflictKeys: []string{"geoid"},
	}, [][]any{{"11001000100", "active"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsert_NoConflictKeys(t *testing.T) {
	_, err := BulkUpsert(nil, nil, UpsertConfig{
		Table:   "hubzone.designations",
		Columns: []string{"geoid", "status"},
	}, [][]any{{"11001000100", "active"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"designations", `"designations"`},
		{"hubzone.designations", `"hubzone"."designations"`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, sanitizeTable(tt.input))
	}
}

func TestQuoteAndJoin(t *testing.T) {
	assert.Equal(t, `"geoid", "status"`, quoteAndJoin([]string{"geoid", "status"}))
}
