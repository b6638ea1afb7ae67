// Package un parses the UN Security Council Consolidated List XML.
package un

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/ingestion/adapter"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/sanctions"
)

const rootElement = "CONSOLIDATED_LIST"

var dateLayouts = []string{"2006-01-02", "02/01/2006"}

type individual struct {
	DataID          string         `xml:"DATAID"`
	FirstName       string         `xml:"FIRST_NAME"`
	SecondName      string         `xml:"SECOND_NAME"`
	ThirdName       string         `xml:"THIRD_NAME"`
	FourthName      string         `xml:"FOURTH_NAME"`
	ListType        string         `xml:"UN_LIST_TYPE"`
	ReferenceNumber string         `xml:"REFERENCE_NUMBER"`
	ListedOn        string         `xml:"LISTED_ON"`
	Comments        string         `xml:"COMMENTS1"`
	Titles          []string       `xml:"TITLE>VALUE"`
	Nationalities   []string       `xml:"NATIONALITY>VALUE"`
	Aliases         []alias        `xml:"INDIVIDUAL_ALIAS"`
	Addresses       []address      `xml:"INDIVIDUAL_ADDRESS"`
	DatesOfBirth    []dateOfBirth  `xml:"INDIVIDUAL_DATE_OF_BIRTH"`
	PlacesOfBirth   []placeOfBirth `xml:"INDIVIDUAL_PLACE_OF_BIRTH"`
	Documents       []document     `xml:"INDIVIDUAL_DOCUMENT"`
}

type entity struct {
	DataID          string    `xml:"DATAID"`
	FirstName       string    `xml:"FIRST_NAME"`
	ListType        string    `xml:"UN_LIST_TYPE"`
	ReferenceNumber string    `xml:"REFERENCE_NUMBER"`
	ListedOn        string    `xml:"LISTED_ON"`
	Comments        string    `xml:"COMMENTS1"`
	Aliases         []alias   `xml:"ENTITY_ALIAS"`
	Addresses       []address `xml:"ENTITY_ADDRESS"`
}

type alias struct {
	Quality string `xml:"QUALITY"`
	Name    string `xml:"ALIAS_NAME"`
}

type address struct {
	Street        string `xml:"STREET"`
	City          string `xml:"CITY"`
	StateProvince string `xml:"STATE_PROVINCE"`
	ZipCode       string `xml:"ZIP_CODE"`
	Country       string `xml:"COUNTRY"`
	Note          string `xml:"NOTE"`
}

type dateOfBirth struct {
	TypeOfDate string `xml:"TYPE_OF_DATE"`
	Date       string `xml:"DATE"`
	Year       string `xml:"YEAR"`
	FromYear   string `xml:"FROM_YEAR"`
	ToYear     string `xml:"TO_YEAR"`
}

type placeOfBirth struct {
	City          string `xml:"CITY"`
	StateProvince string `xml:"STATE_PROVINCE"`
	Country       string `xml:"COUNTRY"`
}

type document struct {
	Type           string `xml:"TYPE_OF_DOCUMENT"`
	Number         string `xml:"NUMBER"`
	IssuingCountry string `xml:"ISSUING_COUNTRY"`
}

type Adapter struct {
	logger *slog.Logger
}

func New() *Adapter {
	return &Adapter{logger: slog.Default().With("component", "un-adapter")}
}

func (a *Adapter) Source() sanctions.Source {
	return sanctions.SourceUN
}

func (a *Adapter) Parse(raw []byte) (*adapter.ParseResult, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	result := &adapter.ParseResult{}
	sawRoot := false
	position := 0

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, adapter.StructureError(sanctions.SourceUN, "malformed xml: %v", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if !sawRoot {
			if se.Name.Local != rootElement {
				return nil, adapter.StructureError(sanctions.SourceUN, "root element %q, want %q", se.Name.Local, rootElement)
			}
			sawRoot = true
			continue
		}

		var (
			rec    sanctions.CanonicalRecord
			keep   bool
			recErr *adapter.RecordError
		)
		switch se.Name.Local {
		case "INDIVIDUAL":
			position++
			var ind individual
			if err := dec.DecodeElement(&ind, &se); err != nil {
				return nil, adapter.StructureError(sanctions.SourceUN, "entry %d: %v", position, err)
			}
			rec, keep, recErr = fromIndividual(ind)
		case "ENTITY":
			position++
			var ent entity
			if err := dec.DecodeElement(&ent, &se); err != nil {
				return nil, adapter.StructureError(sanctions.SourceUN, "entry %d: %v", position, err)
			}
			rec, keep, recErr = fromEntity(ent)
		default:
			continue
		}

		switch {
		case recErr != nil:
			recErr.Position = position
			result.Errors = append(result.Errors, *recErr)
		case !keep:
			result.Dropped++
		default:
			result.Records = append(result.Records, rec)
		}
	}

	if !sawRoot {
		return nil, adapter.StructureError(sanctions.SourceUN, "empty document")
	}
	a.logger.Info("consolidated list parsed",
		"records", len(result.Records),
		"record_errors", len(result.Errors),
		"dropped", result.Dropped,
	)
	return result, nil
}

func fromIndividual(ind individual) (sanctions.CanonicalRecord, bool, *adapter.RecordError) {
	name := joinNonEmpty(" ", ind.FirstName, ind.SecondName, ind.ThirdName, ind.FourthName)
	if name == "" {
		return sanctions.CanonicalRecord{}, false, nil
	}
	id := strings.TrimSpace(ind.DataID)
	if id == "" {
		return sanctions.CanonicalRecord{}, false, &adapter.RecordError{Reason: "missing DATAID for " + name}
	}

	rec := sanctions.CanonicalRecord{
		Source:          sanctions.SourceUN,
		SourceID:        id,
		Name:            name,
		Kind:            sanctions.KindIndividual,
		Title:           joinNonEmpty("; ", ind.Titles...),
		ReferenceNumber: strings.TrimSpace(ind.ReferenceNumber),
		ListingProgram:  strings.TrimSpace(ind.ListType),
		ListingDate:     parseDate(ind.ListedOn),
		Remarks:         strings.TrimSpace(ind.Comments),
		Aliases:         aliases(ind.Aliases),
		Addresses:       addresses(ind.Addresses),
	}
	for _, n := range ind.Nationalities {
		if n = strings.TrimSpace(n); n != "" {
			rec.Nationalities = append(rec.Nationalities, n)
		}
	}
	for _, d := range ind.Documents {
		number := strings.TrimSpace(d.Number)
		if number == "" {
			continue
		}
		docType := strings.TrimSpace(d.Type)
		if docType == "" {
			docType = "UNKNOWN"
		}
		rec.Documents = append(rec.Documents, sanctions.Document{
			Type:   docType,
			Number: number,
			Issuer: strings.TrimSpace(d.IssuingCountry),
		})
	}
	rec.Birth = birth(ind.DatesOfBirth, ind.PlacesOfBirth)
	return rec, true, nil
}

func fromEntity(ent entity) (sanctions.CanonicalRecord, bool, *adapter.RecordError) {
	name := strings.TrimSpace(ent.FirstName)
	if name == "" {
		return sanctions.CanonicalRecord{}, false, nil
	}
	id := strings.TrimSpace(ent.DataID)
	if id == "" {
		return sanctions.CanonicalRecord{}, false, &adapter.RecordError{Reason: "missing DATAID for " + name}
	}
	return sanctions.CanonicalRecord{
		Source:          sanctions.SourceUN,
		SourceID:        id,
		Name:            name,
		Kind:            sanctions.KindOrganization,
		ReferenceNumber: strings.TrimSpace(ent.ReferenceNumber),
		ListingProgram:  strings.TrimSpace(ent.ListType),
		ListingDate:     parseDate(ent.ListedOn),
		Remarks:         strings.TrimSpace(ent.Comments),
		Aliases:         aliases(ent.Aliases),
		Addresses:       addresses(ent.Addresses),
	}, true, nil
}

func aliases(in []alias) []sanctions.Alias {
	var out []sanctions.Alias
	for _, a := range in {
		name := strings.TrimSpace(a.Name)
		if name == "" {
			continue
		}
		out = append(out, sanctions.Alias{Name: name, Quality: sanctions.NormalizeQuality(a.Quality)})
	}
	return out
}

func addresses(in []address) []sanctions.Address {
	var out []sanctions.Address
	for _, a := range in {
		full := joinNonEmpty(", ", a.Street, a.City, a.StateProvince, a.ZipCode, a.Country, a.Note)
		if full == "" {
			continue
		}
		out = append(out, sanctions.Address{FullText: full, Country: strings.TrimSpace(a.Country)})
	}
	return out
}

// birth uses the first date of birth that carries any value. Year-only and
// range entries are kept as text.
func birth(dates []dateOfBirth, places []placeOfBirth) *sanctions.Birth {
	b := &sanctions.Birth{}
dates:
	for _, d := range dates {
		switch {
		case strings.TrimSpace(d.Date) != "":
			b.DateText = strings.TrimSpace(d.Date)
			b.Date = parseDate(b.DateText)
		case strings.TrimSpace(d.Year) != "":
			b.DateText = strings.TrimSpace(d.Year)
		case strings.TrimSpace(d.FromYear) != "" || strings.TrimSpace(d.ToYear) != "":
			b.DateText = joinNonEmpty("-", d.FromYear, d.ToYear)
		default:
			continue
		}
		break dates
	}
	for _, p := range places {
		if text := joinNonEmpty(", ", p.City, p.StateProvince, p.Country); text != "" {
			b.PlaceText = text
			break
		}
	}
	if b.DateText == "" && b.PlaceText == "" {
		return nil
	}
	return b
}

func parseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

func joinNonEmpty(sep string, parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
