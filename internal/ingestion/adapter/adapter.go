// Package adapter defines the contract every sanctions-list parser
// implements. Each authority lives in its own subpackage and owns its schema
// walking; only the result types are shared.
package adapter

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/sanctions"
	apperrors "github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/errors"
)

// Adapter turns a raw feed into canonical records.
type Adapter interface {
	Source() sanctions.Source
	// Parse returns an error only when the feed as a whole is unusable.
	// Problems confined to one entry are reported in ParseResult.Errors.
	Parse(raw []byte) (*ParseResult, error)
}

// ParseResult is the output of a successful Parse.
type ParseResult struct {
	Records []sanctions.CanonicalRecord
	Errors  []RecordError
	// Dropped counts entries skipped silently because they had no name.
	Dropped int
}

// RecordError describes one feed entry that could not be converted.
type RecordError struct {
	Position int
	SourceID string
	Reason   string
}

func (e RecordError) Error() string {
	if e.SourceID != "" {
		return fmt.Sprintf("entry %d (%s): %s", e.Position, e.SourceID, e.Reason)
	}
	return fmt.Sprintf("entry %d: %s", e.Position, e.Reason)
}

func (e RecordError) Unwrap() error {
	return apperrors.ErrRecord
}

// StructureError wraps a feed-level parse failure so callers can match it
// with errors.Is(err, apperrors.ErrParseStructure).
func StructureError(source sanctions.Source, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", apperrors.ErrParseStructure, source, fmt.Sprintf(format, args...))
}

// Registry maps sources to their adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[sanctions.Source]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[sanctions.Source]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Source()] = a
}

func (r *Registry) Get(source sanctions.Source) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[source]
	if !ok {
		return nil, fmt.Errorf("%w: no adapter for %s", apperrors.ErrUnknownSource, source)
	}
	return a, nil
}

// Sources returns the registered sources in name order.
func (r *Registry) Sources() []sanctions.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]sanctions.Source, 0, len(r.adapters))
	for s := range r.adapters {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
