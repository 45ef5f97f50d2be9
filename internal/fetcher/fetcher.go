// Package fetcher downloads source datasets over HTTP and FTP and parses
// the formats they ship in (CSV, XLSX, JSON, ZIP archives).
package fetcher

import (
	"context"
	"io"
)

// Fetcher defines the interface for downloading remote source data.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile fetches the URL and writes it to the given path.
	// Returns bytes written and the hex-encoded SHA-256 of the payload.
	DownloadToFile(ctx context.Context, url string, path string) (int64, string, error)

	// HeadETag performs a HEAD request and returns the ETag header value.
	// Transports without ETag support return "".
	HeadETag(ctx context.Context, url string) (string, error)
}
