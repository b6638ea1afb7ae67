// Package sanctions defines the canonical sanctions-list model shared by the
// source adapters, the reconciliation engine, the run ledger and the matching
// engine.
package sanctions

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/errors"
)

// Source identifies the authority that publishes a list.
type Source string

const (
	SourceOFAC Source = "OFAC"
	SourceUN   Source = "UN"
)

// AllSources lists every source with an adapter, in scheduling order.
var AllSources = []Source{SourceOFAC, SourceUN}

// ParseSource accepts a source name in any case.
func ParseSource(s string) (Source, error) {
	switch Source(strings.ToUpper(strings.TrimSpace(s))) {
	case SourceOFAC:
		return SourceOFAC, nil
	case SourceUN:
		return SourceUN, nil
	}
	return "", fmt.Errorf("%w: %q", apperrors.ErrUnknownSource, s)
}

// EntityKind classifies a listed party.
type EntityKind string

const (
	KindIndividual   EntityKind = "INDIVIDUAL"
	KindOrganization EntityKind = "ORGANIZATION"
	KindVessel       EntityKind = "VESSEL"
	KindAircraft     EntityKind = "AIRCRAFT"
)

// Valid reports whether k is one of the known kinds.
func (k EntityKind) Valid() bool {
	switch k {
	case KindIndividual, KindOrganization, KindVessel, KindAircraft:
		return true
	}
	return false
}

// EntityStatus is the lifecycle state of a stored entity.
type EntityStatus string

const (
	StatusActive   EntityStatus = "ACTIVE"
	StatusUpdated  EntityStatus = "UPDATED"
	StatusDelisted EntityStatus = "DELISTED"
)

// RunStatus is the state of an ingestion run.
type RunStatus string

const (
	RunInProgress RunStatus = "IN_PROGRESS"
	RunSuccess    RunStatus = "SUCCESS"
	RunFailed     RunStatus = "FAILED"
	RunNoChange   RunStatus = "NO_CHANGE"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunFailed || s == RunNoChange
}

// Trigger records what started a run.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
	TriggerMisfire   Trigger = "misfire"
)

const QualityUnknown = "UNKNOWN"

var knownQualities = map[string]string{
	"strong": "STRONG",
	"weak":   "WEAK",
	"good":   "GOOD",
	"low":    "LOW",
	"high":   "HIGH",
	"medium": "MEDIUM",
}

// NormalizeQuality maps a raw alias quality onto the shared tag set. Unknown
// values are upper-cased and kept.
func NormalizeQuality(raw string) string {
	q := strings.TrimSpace(raw)
	if q == "" {
		return QualityUnknown
	}
	if known, ok := knownQualities[strings.ToLower(q)]; ok {
		return known
	}
	return strings.ToUpper(q)
}

type Alias struct {
	Name    string `json:"name"`
	Quality string `json:"quality"`
}

type Address struct {
	FullText string `json:"full_text"`
	Country  string `json:"country,omitempty"`
}

type Document struct {
	Type   string `json:"type"`
	Number string `json:"number"`
	Issuer string `json:"issuer,omitempty"`
}

// Birth keeps the published date text verbatim. Date is set only when the
// text parsed as a full calendar date.
type Birth struct {
	DateText  string     `json:"date_text,omitempty"`
	PlaceText string     `json:"place_text,omitempty"`
	Date      *time.Time `json:"date,omitempty"`
}

type Sanction struct {
	Program     string     `json:"program"`
	Authority   string     `json:"authority"`
	ListingDate *time.Time `json:"listing_date,omitempty"`
}

// CanonicalRecord is one parsed feed entry, independent of source schema.
type CanonicalRecord struct {
	Source          Source     `json:"source"`
	SourceID        string     `json:"source_id"`
	Name            string     `json:"name"`
	Kind            EntityKind `json:"entity_kind"`
	Title           string     `json:"title,omitempty"`
	ReferenceNumber string     `json:"reference_number,omitempty"`
	Aliases         []Alias    `json:"aliases"`
	Addresses       []Address  `json:"addresses"`
	Documents       []Document `json:"documents"`
	Nationalities   []string   `json:"nationalities"`
	Birth           *Birth     `json:"birth,omitempty"`
	ListingProgram  string     `json:"listing_program"`
	ListingDate     *time.Time `json:"listing_date,omitempty"`
	Remarks         string     `json:"remarks,omitempty"`
}

// Fingerprint is the SHA-256 of the record's JSON encoding. Field order is
// fixed by the struct so equal records hash equally.
func (r CanonicalRecord) Fingerprint() string {
	data, err := json.Marshal(r)
	if err != nil {
		// every field is a plain value type
		panic(fmt.Sprintf("sanctions: marshal record: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Children builds the entity-owned collections for r.
func (r CanonicalRecord) Children() Children {
	c := Children{
		Aliases:       append([]Alias(nil), r.Aliases...),
		Addresses:     append([]Address(nil), r.Addresses...),
		Documents:     append([]Document(nil), r.Documents...),
		Nationalities: append([]string(nil), r.Nationalities...),
	}
	if r.Birth != nil {
		c.Births = []Birth{*r.Birth}
	}
	program := r.ListingProgram
	if program == "" {
		program = string(r.Source)
	}
	c.Sanctions = []Sanction{{
		Program:     program,
		Authority:   string(r.Source),
		ListingDate: r.ListingDate,
	}}
	return c
}

// Children are owned by an Entity and always replaced as a whole.
type Children struct {
	Aliases       []Alias    `json:"aliases"`
	Addresses     []Address  `json:"addresses"`
	Documents     []Document `json:"documents"`
	Nationalities []string   `json:"nationalities"`
	Births        []Birth    `json:"births"`
	Sanctions     []Sanction `json:"sanctions"`
}

// Entity is the durable, reconciled form of a listed party.
type Entity struct {
	ID                 int64        `json:"id"`
	Source             Source       `json:"source"`
	SourceID           string       `json:"source_id"`
	Name               string       `json:"name"`
	Kind               EntityKind   `json:"entity_kind"`
	Status             EntityStatus `json:"status"`
	Title              string       `json:"title,omitempty"`
	ReferenceNumber    string       `json:"reference_number,omitempty"`
	ContentFingerprint string       `json:"content_fingerprint"`
	ListingProgram     string       `json:"listing_program"`
	ListingDate        *time.Time   `json:"listing_date,omitempty"`
	Remarks            string       `json:"remarks,omitempty"`
	FirstSeenAt        time.Time    `json:"first_seen_at"`
	LastUpdatedAt      time.Time    `json:"last_updated_at"`
	Children
}

// ApplyRecord copies the scalar fields of r onto e.
func (e *Entity) ApplyRecord(r CanonicalRecord) {
	e.Source = r.Source
	e.SourceID = r.SourceID
	e.Name = r.Name
	e.Kind = r.Kind
	e.Title = r.Title
	e.ReferenceNumber = r.ReferenceNumber
	e.ListingProgram = r.ListingProgram
	e.ListingDate = r.ListingDate
	e.Remarks = r.Remarks
}

// Countries returns every country attached to the entity through its
// nationalities or addresses.
func (e *Entity) Countries() []string {
	out := make([]string, 0, len(e.Nationalities)+len(e.Addresses))
	out = append(out, e.Nationalities...)
	for _, a := range e.Addresses {
		if a.Country != "" {
			out = append(out, a.Country)
		}
	}
	return out
}

// IngestionRun is one ledger entry.
type IngestionRun struct {
	ID              string     `json:"id"`
	Source          Source     `json:"source"`
	Trigger         Trigger    `json:"trigger"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	Status          RunStatus  `json:"status"`
	RecordsAdded    int        `json:"records_added"`
	RecordsUpdated  int        `json:"records_updated"`
	RecordsDeleted  int        `json:"records_deleted"`
	FeedFingerprint string     `json:"feed_fingerprint,omitempty"`
	ErrorSummary    string     `json:"error_summary,omitempty"`
}

// RunResult is what a finished run writes when it is closed.
type RunResult struct {
	Status          RunStatus
	FinishedAt      time.Time
	RecordsAdded    int
	RecordsUpdated  int
	RecordsDeleted  int
	FeedFingerprint string
	ErrorSummary    string
}

// Filter narrows entity lookups for matching.
type Filter struct {
	Source     Source       `json:"source,omitempty"`
	Kind       EntityKind   `json:"entity_kind,omitempty"`
	Status     EntityStatus `json:"status,omitempty"`
	Country    string       `json:"country,omitempty"`
	ListedFrom *time.Time   `json:"listed_from,omitempty"`
	ListedTo   *time.Time   `json:"listed_to,omitempty"`
}

// Accepts reports whether e passes every set criterion.
func (f Filter) Accepts(e *Entity) bool {
	if f.Source != "" && e.Source != f.Source {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.ListedFrom != nil && (e.ListingDate == nil || e.ListingDate.Before(*f.ListedFrom)) {
		return false
	}
	if f.ListedTo != nil && (e.ListingDate == nil || e.ListingDate.After(*f.ListedTo)) {
		return false
	}
	if f.Country != "" {
		found := false
		for _, c := range e.Countries() {
			if strings.EqualFold(c, f.Country) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Stats summarises store contents.
type Stats struct {
	TotalEntities  int                  `json:"total_entities"`
	TotalAliases   int                  `json:"total_aliases"`
	TotalAddresses int                  `json:"total_addresses"`
	TotalDocuments int                  `json:"total_documents"`
	BySource       map[Source]int       `json:"by_source"`
	ByKind         map[EntityKind]int   `json:"by_kind"`
	ByStatus       map[EntityStatus]int `json:"by_status"`
	LastRunAt      *time.Time           `json:"last_run_at,omitempty"`
}
