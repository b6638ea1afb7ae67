// Package validator checks canonical records before they reach the entity
// store. It enforces identifier and name length constraints and returns
// per-field error details.
package validator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/sanctions"
	apperrors "github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/errors"
)

const (
	maxSourceIDLength = 64
	maxNameLength     = 1024
	maxAliasLength    = 1024
)

// ValidationError holds per-field validation failure messages.
type ValidationError struct {
	SourceID string
	Fields   map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for field := range e.Fields {
		keys = append(keys, field)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, field := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", field, e.Fields[field]))
	}
	id := e.SourceID
	if id == "" {
		id = "<no id>"
	}
	return fmt.Sprintf("record %s: %s", id, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error {
	return apperrors.ErrRecord
}

// ValidateRecord checks that rec can be stored for source.
func ValidateRecord(source sanctions.Source, rec *sanctions.CanonicalRecord) error {
	errs := make(map[string]string)

	if rec.Source != source {
		errs["source"] = fmt.Sprintf("record source %q does not match run source %q", rec.Source, source)
	}
	id := strings.TrimSpace(rec.SourceID)
	if id == "" {
		errs["source_id"] = "source_id is required"
	} else if len(id) > maxSourceIDLength {
		errs["source_id"] = fmt.Sprintf("source_id must be at most %d characters", maxSourceIDLength)
	}
	name := strings.TrimSpace(rec.Name)
	if name == "" {
		errs["name"] = "name is required"
	} else if len(name) > maxNameLength {
		errs["name"] = fmt.Sprintf("name must be at most %d characters", maxNameLength)
	}
	if !rec.Kind.Valid() {
		errs["entity_kind"] = fmt.Sprintf("unknown entity kind %q", rec.Kind)
	}
	for i, a := range rec.Aliases {
		if len(a.Name) > maxAliasLength {
			errs[fmt.Sprintf("aliases[%d]", i)] = fmt.Sprintf("alias must be at most %d characters", maxAliasLength)
		}
	}
	if len(errs) > 0 {
		return &ValidationError{SourceID: id, Fields: errs}
	}
	return nil
}
