// Package errors holds the sentinel errors shared by the ingestion and
// search services and their mapping onto HTTP responses.
package errors

import (
	"errors"
	"net/http"
)

var (
	ErrNetwork          = errors.New("network error")
	ErrParseStructure   = errors.New("feed structure invalid")
	ErrSchemaDrift      = errors.New("feed produced no records")
	ErrRecord           = errors.New("record rejected")
	ErrReconciliation   = errors.New("reconciliation failed")
	ErrRunInProgress    = errors.New("run already in progress")
	ErrRunClosed        = errors.New("run already closed")
	ErrRunNotFound      = errors.New("run not found")
	ErrEntityNotFound   = errors.New("entity not found")
	ErrUnknownSource    = errors.New("unknown source")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrInvalidInput     = errors.New("invalid input")
	ErrUnavailable      = errors.New("service unavailable")
	ErrInternal         = errors.New("internal error")
	ErrTimeout          = errors.New("operation timed out")
)

type kind struct {
	sentinel error
	code     string
	status   int
}

// Ordered: the first sentinel found in the chain decides.
var kinds = []kind{
	{ErrEntityNotFound, "entity_not_found", http.StatusNotFound},
	{ErrRunNotFound, "run_not_found", http.StatusNotFound},
	{ErrUnknownSource, "unknown_source", http.StatusNotFound},
	{ErrRunInProgress, "run_in_progress", http.StatusConflict},
	{ErrRunClosed, "run_closed", http.StatusConflict},
	{ErrInvalidInput, "invalid_input", http.StatusBadRequest},
	{ErrTimeout, "timeout", http.StatusServiceUnavailable},
	{ErrStoreUnavailable, "store_unavailable", http.StatusServiceUnavailable},
	{ErrUnavailable, "unavailable", http.StatusServiceUnavailable},
	{ErrNetwork, "network", http.StatusBadGateway},
	{ErrParseStructure, "parse_structure", http.StatusUnprocessableEntity},
	{ErrSchemaDrift, "schema_drift", http.StatusUnprocessableEntity},
	{ErrRecord, "record_rejected", http.StatusUnprocessableEntity},
	{ErrReconciliation, "reconciliation", http.StatusInternalServerError},
}

func lookup(err error) (kind, bool) {
	if err == nil {
		return kind{}, false
	}
	for _, k := range kinds {
		if errors.Is(err, k.sentinel) {
			return k, true
		}
	}
	return kind{}, false
}

func HTTPStatusCode(err error) int {
	if k, ok := lookup(err); ok {
		return k.status
	}
	return http.StatusInternalServerError
}

// Code returns a stable machine-readable identifier for err, "internal" when
// no sentinel matches.
func Code(err error) string {
	if k, ok := lookup(err); ok {
		return k.code
	}
	return "internal"
}

// IsRunFailure reports whether err belongs to a class that terminates an
// ingestion run as FAILED.
func IsRunFailure(err error) bool {
	return errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrParseStructure) ||
		errors.Is(err, ErrSchemaDrift) ||
		errors.Is(err, ErrReconciliation)
}
