package fetcher

import (
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
)

// ReadJSONTable decodes a Census API response, which is a JSON array of
// string arrays with the header in the first row. Returns header and rows.
func ReadJSONTable(r io.Reader) ([]string, [][]string, error) {
	var table [][]string
	if err := json.NewDecoder(r).Decode(&table); err != nil {
		return nil, nil, eris.Wrap(err, "json: decode table")
	}
	if len(table) == 0 {
		return nil, nil, eris.New("json: empty table")
	}
	return table[0], table[1:], nil
}
