// Package ofac parses the US Treasury OFAC SDN XML export.
package ofac

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

const (
	rootElement  = "sdnList"
	entryElement = "sdnEntry"
)

// dateLayouts are tried in order for dates of birth.
var dateLayouts = []string{"2006-01-02", "02 Jan 2006"}

type sdnEntry struct {
	UID           string           `xml:"uid"`
	FirstName     string           `xml:"firstName"`
	LastName      string           `xml:"lastName"`
	Title         string           `xml:"title"`
	SDNType       string           `xml:"sdnType"`
	Remarks       string           `xml:"remarks"`
	Programs      []string         `xml:"programList>program"`
	IDs           []sdnID          `xml:"idList>id"`
	AKAs          []sdnAKA         `xml:"akaList>aka"`
	Addresses     []sdnAddress     `xml:"addressList>address"`
	Nationalities []sdnNationality `xml:"nationalityList>nationality"`
	DatesOfBirth  []sdnDateOfBirth `xml:"dateOfBirthList>dateOfBirthItem"`
	PlacesOfBirth []sdnPlace       `xml:"placeOfBirthList>placeOfBirthItem"`
}

type sdnID struct {
	IDType    string `xml:"idType"`
	IDNumber  string `xml:"idNumber"`
	IDCountry string `xml:"idCountry"`
}

type sdnAKA struct {
	Type      string `xml:"type"`
	Category  string `xml:"category"`
	FirstName string `xml:"firstName"`
	LastName  string `xml:"lastName"`
}

type sdnAddress struct {
	Address1        string `xml:"address1"`
	Address2        string `xml:"address2"`
	Address3        string `xml:"address3"`
	City            string `xml:"city"`
	StateOrProvince string `xml:"stateOrProvince"`
	PostalCode      string `xml:"postalCode"`
	Country         string `xml:"country"`
}

type sdnNationality struct {
	Country string `xml:"country"`
}

type sdnDateOfBirth struct {
	DateOfBirth string `xml:"dateOfBirth"`
	MainEntry   string `xml:"mainEntry"`
}

type sdnPlace struct {
	PlaceOfBirth string `xml:"placeOfBirth"`
	MainEntry    string `xml:"mainEntry"`
}

// Adapter parses SDN XML.
type Adapter struct {
	logger *slog.Logger
}

func New() *Adapter {
	return &Adapter{logger: slog.Default().With("component", "ofac-adapter")}
}

func (a *Adapter) Source() sanctions.Source {
	return sanctions.SourceOFAC
}

// Parse streams sdnEntry elements so the whole document is never held as a
// tree.
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
			return nil, adapter.StructureError(sanctions.SourceOFAC, "malformed xml: %v", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if !sawRoot {
			if se.Name.Local != rootElement {
				return nil, adapter.StructureError(sanctions.SourceOFAC, "root element %q, want %q", se.Name.Local, rootElement)
			}
			sawRoot = true
			continue
		}
		if se.Name.Local != entryElement {
			continue
		}

		position++
		var entry sdnEntry
		if err := dec.DecodeElement(&entry, &se); err != nil {
			return nil, adapter.StructureError(sanctions.SourceOFAC, "entry %d: %v", position, err)
		}
		rec, ok, recErr := convert(entry)
		switch {
		case recErr != nil:
			recErr.Position = position
			result.Errors = append(result.Errors, *recErr)
		case !ok:
			result.Dropped++
		default:
			result.Records = append(result.Records, rec)
		}
	}

	if !sawRoot {
		return nil, adapter.StructureError(sanctions.SourceOFAC, "empty document")
	}
	a.logger.Info("sdn list parsed",
		"records", len(result.Records),
		"record_errors", len(result.Errors),
		"dropped", result.Dropped,
	)
	return result, nil
}

func convert(e sdnEntry) (sanctions.CanonicalRecord, bool, *adapter.RecordError) {
	name := joinNonEmpty(" ", e.FirstName, e.LastName)
	if name == "" {
		return sanctions.CanonicalRecord{}, false, nil
	}
	uid := strings.TrimSpace(e.UID)
	if uid == "" {
		return sanctions.CanonicalRecord{}, false, &adapter.RecordError{Reason: "missing uid for " + name}
	}

	rec := sanctions.CanonicalRecord{
		Source:   sanctions.SourceOFAC,
		SourceID: uid,
		Name:     name,
		Kind:     kindOf(e.SDNType),
		Title:    strings.TrimSpace(e.Title),
		Remarks:  strings.TrimSpace(e.Remarks),
	}
	for _, p := range e.Programs {
		if p = strings.TrimSpace(p); p != "" {
			rec.ListingProgram = p
			break
		}
	}

	for _, aka := range e.AKAs {
		akaName := joinNonEmpty(" ", aka.FirstName, aka.LastName)
		if akaName == "" {
			continue
		}
		quality := aka.Category
		if strings.TrimSpace(quality) == "" {
			quality = aka.Type
		}
		rec.Aliases = append(rec.Aliases, sanctions.Alias{
			Name:    akaName,
			Quality: sanctions.NormalizeQuality(quality),
		})
	}

	for _, addr := range e.Addresses {
		full := joinNonEmpty(", ",
			addr.Address1, addr.Address2, addr.Address3,
			addr.City, addr.StateOrProvince, addr.PostalCode, addr.Country,
		)
		if full == "" {
			continue
		}
		rec.Addresses = append(rec.Addresses, sanctions.Address{
			FullText: full,
			Country:  strings.TrimSpace(addr.Country),
		})
	}

	for _, id := range e.IDs {
		number := strings.TrimSpace(id.IDNumber)
		if number == "" {
			continue
		}
		docType := strings.TrimSpace(id.IDType)
		if docType == "" {
			docType = "UNKNOWN"
		}
		rec.Documents = append(rec.Documents, sanctions.Document{
			Type:   docType,
			Number: number,
			Issuer: strings.TrimSpace(id.IDCountry),
		})
	}

	for _, n := range e.Nationalities {
		if c := strings.TrimSpace(n.Country); c != "" {
			rec.Nationalities = append(rec.Nationalities, c)
		}
	}

	rec.Birth = birthOf(e)
	return rec, true, nil
}

func birthOf(e sdnEntry) *sanctions.Birth {
	var dateText, placeText string
	for _, d := range e.DatesOfBirth {
		t := strings.TrimSpace(d.DateOfBirth)
		if t == "" {
			continue
		}
		if dateText == "" || isMain(d.MainEntry) {
			dateText = t
		}
		if isMain(d.MainEntry) {
			break
		}
	}
	for _, p := range e.PlacesOfBirth {
		t := strings.TrimSpace(p.PlaceOfBirth)
		if t == "" {
			continue
		}
		if placeText == "" || isMain(p.MainEntry) {
			placeText = t
		}
		if isMain(p.MainEntry) {
			break
		}
	}
	if dateText == "" && placeText == "" {
		return nil
	}
	return &sanctions.Birth{
		DateText:  dateText,
		PlaceText: placeText,
		Date:      parseDate(dateText),
	}
}

func isMain(v string) bool {
	return strings.EqualFold(strings.TrimSpace(v), "true")
}

func kindOf(sdnType string) sanctions.EntityKind {
	switch strings.ToLower(strings.TrimSpace(sdnType)) {
	case "individual":
		return sanctions.KindIndividual
	case "vessel":
		return sanctions.KindVessel
	case "aircraft":
		return sanctions.KindAircraft
	default:
		return sanctions.KindOrganization
	}
}

func parseDate(s string) *time.Time {
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
