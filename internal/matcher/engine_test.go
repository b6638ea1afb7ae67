package matcher

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/sanctions"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/store"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/errors"
)

var matchCfg = config.MatchingConfig{DefaultLimit: 20, MaxLimit: 100, DefaultMinScore: 0.5}

type fakeReader struct {
	entities []sanctions.Entity
	terms    []string
	err      error
}

func (f *fakeReader) Candidates(_ context.Context, terms []string, _ sanctions.Filter) ([]sanctions.Entity, error) {
	f.terms = terms
	return f.entities, f.err
}

func (f *fakeReader) GetEntity(context.Context, int64) (*sanctions.Entity, error) {
	return nil, apperrors.ErrEntityNotFound
}

func (f *fakeReader) Stats(context.Context) (*sanctions.Stats, error) {
	return &sanctions.Stats{}, nil
}

func entity(id int64, name string, aliases ...string) sanctions.Entity {
	e := sanctions.Entity{ID: id, Name: name, Source: sanctions.SourceOFAC}
	for _, a := range aliases {
		e.Aliases = append(e.Aliases, sanctions.Alias{Name: a, Quality: "STRONG"})
	}
	return e
}

func TestMatch_ExactFuzzyAndThreshold(t *testing.T) {
	r := &fakeReader{entities: []sanctions.Entity{
		entity(3, "Doe Enterprises"),
		entity(1, "Jane Doe"),
		entity(2, "Jan Doeson"),
	}}
	e := New(r, matchCfg, nil)

	res, err := e.Match(context.Background(), Query{Text: "Jane Doe", MinScore: 0.5})
	require.NoError(t, err)
	assert.Equal(t, []string{"jane", "doe"}, r.terms)
	require.Equal(t, 1, res.Total)
	assert.Equal(t, int64(1), res.Matches[0].Entity.ID)
	assert.Equal(t, MatchExact, res.Matches[0].MatchType)
	assert.Equal(t, 1.0, res.Matches[0].Score)

	res, err = e.Match(context.Background(), Query{Text: "Jane Doe", MinScore: 0.1})
	require.NoError(t, err)
	require.Equal(t, 2, res.Total, "zero scores never match")
	assert.Equal(t, MatchFuzzy, res.Matches[1].MatchType)
	assert.InDelta(t, 0.2, res.Matches[1].Score, 1e-9)
}

func TestMatch_AliasSelection(t *testing.T) {
	r := &fakeReader{entities: []sanctions.Entity{
		entity(1, "Mohammed Example", "Abu Example", "Abu Sample", "Abu Example"),
		entity(2, "Abu Sample", "Abu Sample"),
	}}
	e := New(r, matchCfg, nil)

	res, err := e.Match(context.Background(), Query{Text: "abu sample"})
	require.NoError(t, err)
	require.Len(t, res.Matches, 2)

	assert.Equal(t, int64(1), res.Matches[0].Entity.ID, "equal scores order by id")
	assert.Equal(t, MatchAlias, res.Matches[0].MatchType)
	assert.Equal(t, FieldAlias, res.Matches[0].MatchedField)
	assert.Equal(t, "Abu Sample", res.Matches[0].MatchedValue)

	assert.Equal(t, MatchExact, res.Matches[1].MatchType, "name wins ties against aliases")
	assert.Equal(t, FieldName, res.Matches[1].MatchedField)
}

func TestMatch_FirstAliasWinsTies(t *testing.T) {
	r := &fakeReader{entities: []sanctions.Entity{
		entity(1, "Unrelated", "Alpha Group One", "Alpha Group Two"),
	}}
	res, err := New(r, matchCfg, nil).Match(context.Background(), Query{Text: "alpha group"})
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "Alpha Group One", res.Matches[0].MatchedValue)
}

func TestMatch_Pagination(t *testing.T) {
	var ents []sanctions.Entity
	for i := int64(1); i <= 5; i++ {
		ents = append(ents, entity(i, "Acme Trading"))
	}
	e := New(&fakeReader{entities: ents}, matchCfg, nil)

	res, err := e.Match(context.Background(), Query{Text: "acme", Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Total)
	require.Len(t, res.Matches, 2)
	assert.Equal(t, int64(3), res.Matches[0].Entity.ID)
	assert.Equal(t, int64(4), res.Matches[1].Entity.ID)

	res, err = e.Match(context.Background(), Query{Text: "acme", Offset: 10})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Total)
	assert.Empty(t, res.Matches)

	res, err = e.Match(context.Background(), Query{Text: "acme", Limit: 1000})
	require.NoError(t, err)
	assert.Equal(t, 100, res.Query.Limit)
}

func TestMatch_InvalidQuery(t *testing.T) {
	e := New(&fakeReader{}, matchCfg, nil)
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(-1, 0, 0)

	for name, q := range map[string]Query{
		"negative offset": {Text: "x", Offset: -1},
		"score above one": {Text: "x", MinScore: 1.5},
		"inverted dates":  {Text: "x", Filter: sanctions.Filter{ListedFrom: &from, ListedTo: &to}},
		"unknown kind":    {Text: "x", Filter: sanctions.Filter{Kind: "SPACESHIP"}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := e.Match(context.Background(), q)
			assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
		})
	}
}

func TestMatch_EmptyQueryAndStore(t *testing.T) {
	r := &fakeReader{}
	e := New(r, matchCfg, nil)

	res, err := e.Match(context.Background(), Query{Text: "   "})
	require.NoError(t, err)
	assert.Zero(t, res.Total)
	assert.Nil(t, r.terms, "blank queries skip the store")

	res, err = e.Match(context.Background(), Query{Text: "anyone"})
	require.NoError(t, err)
	assert.Zero(t, res.Total)
	assert.NotNil(t, res.Matches)
}

func TestMatch_ReaderError(t *testing.T) {
	e := New(&fakeReader{err: errors.New("connection reset")}, matchCfg, nil)
	_, err := e.Match(context.Background(), Query{Text: "acme"})
	assert.ErrorContains(t, err, "connection reset")
}

func TestMatch_AgainstMemoryStore(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	batch, err := mem.Begin(ctx)
	require.NoError(t, err)
	seed := []struct {
		ent     sanctions.Entity
		country string
	}{
		{sanctions.Entity{Source: sanctions.SourceOFAC, SourceID: "1", Name: "Jane Doe", Kind: sanctions.KindIndividual, Status: sanctions.StatusActive}, "IR"},
		{sanctions.Entity{Source: sanctions.SourceUN, SourceID: "QDi.1", Name: "Jane Doe", Kind: sanctions.KindIndividual, Status: sanctions.StatusActive}, "SY"},
		{sanctions.Entity{Source: sanctions.SourceOFAC, SourceID: "2", Name: "Doe Shipping", Kind: sanctions.KindOrganization, Status: sanctions.StatusActive}, "IR"},
	}
	for _, s := range seed {
		ent, country := s.ent, s.country
		require.NoError(t, batch.Apply(ctx, func(w store.Writer) error {
			id, err := w.InsertEntity(ctx, &ent)
			if err != nil {
				return err
			}
			return w.ReplaceChildren(ctx, id, sanctions.Children{Nationalities: []string{country}})
		}))
	}
	require.NoError(t, batch.Commit())

	e := New(mem, matchCfg, nil)
	res, err := e.Match(ctx, Query{Text: "jane doe", MinScore: 0.5})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)

	res, err = e.Match(ctx, Query{Text: "jane doe", MinScore: 0.5, Filter: sanctions.Filter{Country: "sy"}})
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	assert.Equal(t, sanctions.SourceUN, res.Matches[0].Entity.Source)

	res, err = e.Match(ctx, Query{Text: "doe", Filter: sanctions.Filter{Kind: sanctions.KindOrganization}})
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	assert.Equal(t, "Doe Shipping", res.Matches[0].Entity.Name)
}

// BenchmarkMatch scores a query against a list-sized candidate set.
func BenchmarkMatch(b *testing.B) {
	for _, size := range []int{100, 1000, 10000} {
		ents := make([]sanctions.Entity, size)
		for i := range ents {
			ents[i] = entity(int64(i+1), fmt.Sprintf("Trading Company %d", i), fmt.Sprintf("Holding %d Ltd", i))
		}
		e := New(&fakeReader{entities: ents}, matchCfg, nil)
		b.Run(fmt.Sprintf("candidates_%d", size), func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if _, err := e.Match(context.Background(), Query{Text: "trading company", MinScore: 0.5}); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
