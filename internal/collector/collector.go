// Package collector defines the contract every external data-source
// collaborator implements, plus the typed registry that resolves collector
// ids to implementations at configuration-load time.
package collector

import (
	"context"
	"errors"
	"fmt"

	"github.com/cropwatch/cropwatch/internal/config"
)

// ErrBadData marks a permanent failure: the source responded but the payload
// cannot be parsed. Runs failing with ErrBadData are not retried.
var ErrBadData = errors.New("malformed source data")

// Record is one row returned by a collector. The core never inspects rows
// beyond the key (for new-row detection) and the optional metric (for delta
// summaries).
type Record struct {
	Key    string
	Metric *float64
}

// Outcome is the result of one collect call.
type Outcome struct {
	Rows   []Record
	Period string // logical period the data represents, e.g. "week ending 2026-02-13"
	// PartialReason is set when the source returned some but not all
	// expected rows.
	PartialReason string
}

// Collector retrieves data from one specific outside source.
type Collector interface {
	Collect(ctx context.Context) (*Outcome, error)
}

// Registry maps collector ids to implementations. Built once at startup;
// unknown ids or types are rejected here, not at dispatch time.
type Registry struct {
	byID map[string]Collector
}

// NewRegistry builds implementations for every configured collector.
func NewRegistry(cols []config.Collector) (*Registry, error) {
	r := &Registry{byID: make(map[string]Collector, len(cols))}
	for _, col := range cols {
		var impl Collector
		switch col.Type {
		case "http_json":
			impl = NewHTTPJSON(col)
		default:
			return nil, fmt.Errorf("%w: collector %q: unknown type %q", config.ErrInvalid, col.ID, col.Type)
		}
		r.byID[col.ID] = impl
	}
	return r, nil
}

// Register adds or replaces an implementation. Used by embedding programs
// and tests that provide their own collectors.
func (r *Registry) Register(id string, c Collector) {
	r.byID[id] = c
}

// Get returns the implementation for a collector id.
func (r *Registry) Get(id string) (Collector, bool) {
	c, ok := r.byID[id]
	return c, ok
}
