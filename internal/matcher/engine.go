// Package matcher scores free-text queries against stored sanctioned entities.
// Scoring is lexical and deterministic: the same store contents and query
// always produce the same ranked result.
package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/sanctions"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/store"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/metrics"
)

type MatchType string

const (
	MatchExact MatchType = "exact"
	MatchFuzzy MatchType = "fuzzy"
	MatchAlias MatchType = "alias"
)

const (
	FieldName  = "name"
	FieldAlias = "alias"
)

type Query struct {
	Text     string           `json:"text"`
	Filter   sanctions.Filter `json:"filter"`
	MinScore float64          `json:"min_score"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

type Match struct {
	Entity       sanctions.Entity `json:"entity"`
	Score        float64          `json:"score"`
	MatchType    MatchType        `json:"match_type"`
	MatchedField string           `json:"matched_field"`
	MatchedValue string           `json:"matched_value"`
}

// Result holds one page of matches. Total counts every match above the
// threshold, before Offset and Limit are applied.
type Result struct {
	Query   Query   `json:"query"`
	Total   int     `json:"total"`
	Matches []Match `json:"matches"`
}

type Engine struct {
	reader       store.EntityReader
	defaultLimit int
	maxLimit     int
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

func New(reader store.EntityReader, cfg config.MatchingConfig, m *metrics.Metrics) *Engine {
	if m == nil {
		m = metrics.NewNop()
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 20
	}
	if cfg.MaxLimit < cfg.DefaultLimit {
		cfg.MaxLimit = cfg.DefaultLimit
	}
	return &Engine{
		reader:       reader,
		defaultLimit: cfg.DefaultLimit,
		maxLimit:     cfg.MaxLimit,
		metrics:      m,
		logger:       slog.Default().With("component", "matcher"),
	}
}

// Normalize applies the default limit, clamps to the maximum and rejects
// out-of-range paging, score and date values.
func (e *Engine) Normalize(q Query) (Query, error) {
	if q.Offset < 0 {
		return q, fmt.Errorf("%w: offset must not be negative", apperrors.ErrInvalidInput)
	}
	if q.MinScore < 0 || q.MinScore > 1 {
		return q, fmt.Errorf("%w: min_score must be within [0, 1]", apperrors.ErrInvalidInput)
	}
	if q.Limit < 0 {
		return q, fmt.Errorf("%w: limit must not be negative", apperrors.ErrInvalidInput)
	}
	if q.Limit == 0 {
		q.Limit = e.defaultLimit
	}
	if q.Limit > e.maxLimit {
		q.Limit = e.maxLimit
	}
	f := q.Filter
	if f.ListedFrom != nil && f.ListedTo != nil && f.ListedFrom.After(*f.ListedTo) {
		return q, fmt.Errorf("%w: listed_from is after listed_to", apperrors.ErrInvalidInput)
	}
	if f.Kind != "" && !f.Kind.Valid() {
		return q, fmt.Errorf("%w: entity kind %q", apperrors.ErrInvalidInput, f.Kind)
	}
	return q, nil
}

// Match ranks every candidate entity against q.Text and returns the requested
// page. A query without words matches nothing.
func (e *Engine) Match(ctx context.Context, q Query) (*Result, error) {
	q, err := e.Normalize(q)
	if err != nil {
		return nil, err
	}
	result := &Result{Query: q, Matches: []Match{}}

	terms := Terms(q.Text)
	if len(terms) == 0 {
		e.metrics.MatchQueriesTotal.WithLabelValues("zero_result").Inc()
		return result, nil
	}

	candidates, err := e.reader.Candidates(ctx, terms, q.Filter)
	if err != nil {
		e.metrics.MatchQueriesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("loading candidates: %w", err)
	}
	e.metrics.MatchCandidates.Observe(float64(len(candidates)))

	matches := make([]Match, 0, len(candidates))
	for i := range candidates {
		m, ok := best(q.Text, &candidates[i])
		if !ok || m.Score < q.MinScore {
			continue
		}
		matches = append(matches, m)
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Entity.ID < matches[j].Entity.ID
	})

	result.Total = len(matches)
	e.metrics.MatchResultsCount.Observe(float64(result.Total))
	if result.Total == 0 {
		e.metrics.MatchQueriesTotal.WithLabelValues("zero_result").Inc()
	} else {
		e.metrics.MatchQueriesTotal.WithLabelValues("hit").Inc()
	}

	if q.Offset >= len(matches) {
		return result, nil
	}
	end := q.Offset + q.Limit
	if end > len(matches) {
		end = len(matches)
	}
	result.Matches = matches[q.Offset:end]

	e.logger.Debug("match completed",
		"terms", len(terms),
		"candidates", len(candidates),
		"total", result.Total,
		"returned", len(result.Matches),
	)
	return result, nil
}

// best picks the stronger of the name score and the highest alias score.
// The first alias wins alias ties and the name wins ties against aliases.
// Zero scores never match.
func best(query string, ent *sanctions.Entity) (Match, bool) {
	m := Match{
		Entity:       *ent,
		Score:        Score(query, ent.Name),
		MatchType:    MatchFuzzy,
		MatchedField: FieldName,
		MatchedValue: ent.Name,
	}
	if m.Score == scoreExact {
		m.MatchType = MatchExact
	}

	aliasScore, aliasName := 0.0, ""
	for _, a := range ent.Aliases {
		if s := Score(query, a.Name); s > aliasScore {
			aliasScore, aliasName = s, a.Name
		}
	}
	if aliasScore > m.Score {
		m.Score = aliasScore
		m.MatchType = MatchAlias
		m.MatchedField = FieldAlias
		m.MatchedValue = aliasName
	}
	return m, m.Score > 0
}

func (e *Engine) GetEntity(ctx context.Context, id int64) (*sanctions.Entity, error) {
	return e.reader.GetEntity(ctx, id)
}

func (e *Engine) Stats(ctx context.Context) (*sanctions.Stats, error) {
	return e.reader.Stats(ctx)
}
