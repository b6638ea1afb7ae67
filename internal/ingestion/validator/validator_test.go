package validator

import (
	"errors"
	"strings"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/sanctions"
	apperrors "github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRecord() sanctions.CanonicalRecord {
	return sanctions.CanonicalRecord{
		Source:   sanctions.SourceOFAC,
		SourceID: "36",
		Name:     "AEROCARIBBEAN AIRLINES",
		Kind:     sanctions.KindOrganization,
	}
}

func TestValidateRecordAccepts(t *testing.T) {
	rec := validRecord()
	assert.NoError(t, ValidateRecord(sanctions.SourceOFAC, &rec))
}

func TestValidateRecordRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *sanctions.CanonicalRecord)
		field  string
	}{
		{"missing id", func(r *sanctions.CanonicalRecord) { r.SourceID = " " }, "source_id"},
		{"long id", func(r *sanctions.CanonicalRecord) { r.SourceID = strings.Repeat("9", 65) }, "source_id"},
		{"missing name", func(r *sanctions.CanonicalRecord) { r.Name = "" }, "name"},
		{"bad kind", func(r *sanctions.CanonicalRecord) { r.Kind = "SHIP" }, "entity_kind"},
		{"wrong source", func(r *sanctions.CanonicalRecord) { r.Source = sanctions.SourceUN }, "source"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := validRecord()
			tt.mutate(&rec)
			err := ValidateRecord(sanctions.SourceOFAC, &rec)
			require.Error(t, err)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Contains(t, verr.Fields, tt.field)
			assert.True(t, errors.Is(err, apperrors.ErrRecord))
		})
	}
}
