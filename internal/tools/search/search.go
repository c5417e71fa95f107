// Package search defines the web-search port and its vendor providers.
package search

import (
	"context"
	"time"
)

// DefaultTimeout bounds one search call, distinct from the session deadline.
const DefaultTimeout = 10 * time.Second

// Result is a single search hit.
type Result struct {
	URL         string
	Title       string
	Snippet     string
	PublishedAt string
	RerankScore float64
}

// Options tune one query.
type Options struct {
	LanguageCode string
	NumResults   int
}

// Port executes a query and returns results.
type Port interface {
	Query(ctx context.Context, q string, opts Options) ([]Result, error)
}
