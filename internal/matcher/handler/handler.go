package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/matcher"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/matcher/cache"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/sanctions"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/metrics"
)

type Matcher interface {
	Normalize(q matcher.Query) (matcher.Query, error)
	Match(ctx context.Context, q matcher.Query) (*matcher.Result, error)
	GetEntity(ctx context.Context, id int64) (*sanctions.Entity, error)
	Stats(ctx context.Context) (*sanctions.Stats, error)
}

// SourceInfo describes one configured feed for the catalogue endpoint.
type SourceInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	URL         string `json:"url"`
	Schedule    string `json:"schedule,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// SourcesFrom lists the configured feeds sorted by name.
func SourcesFrom(cfg map[string]config.SourceConfig) []SourceInfo {
	out := make([]SourceInfo, 0, len(cfg))
	for name, src := range cfg {
		out = append(out, SourceInfo{
			Name:        strings.ToUpper(name),
			Description: src.Description,
			URL:         src.URL,
			Schedule:    src.Schedule,
			Enabled:     src.Enabled,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type Handler struct {
	matcher         Matcher
	cache           *cache.QueryCache
	sources         []SourceInfo
	defaultMinScore float64
	metrics         *metrics.Metrics
	logger          *slog.Logger
}

func New(m Matcher, queryCache *cache.QueryCache, sources []SourceInfo, defaultMinScore float64, mt *metrics.Metrics) *Handler {
	if mt == nil {
		mt = metrics.NewNop()
	}
	return &Handler{
		matcher:         m,
		cache:           queryCache,
		sources:         sources,
		defaultMinScore: defaultMinScore,
		metrics:         mt,
		logger:          slog.Default().With("component", "search-handler"),
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/search", h.Search)
	mux.HandleFunc("GET /api/v1/entities/{id}", h.GetEntity)
	mux.HandleFunc("GET /api/v1/stats", h.Stats)
	mux.HandleFunc("GET /api/v1/sources", h.Sources)
	mux.HandleFunc("GET /api/v1/cache/stats", h.CacheStats)
	mux.HandleFunc("POST /api/v1/cache/invalidate", h.CacheInvalidate)
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	log := logger.FromContext(ctx)

	q, err := h.parseQuery(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if q, err = h.matcher.Normalize(q); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var result *matcher.Result
	cacheStatus := "disabled"
	if h.cache != nil {
		var hit bool
		result, hit, err = h.cache.GetOrCompute(ctx, q, func() (*matcher.Result, error) {
			return h.matcher.Match(ctx, q)
		})
		cacheStatus = "miss"
		if hit {
			cacheStatus = "hit"
		}
	} else {
		result, err = h.matcher.Match(ctx, q)
	}
	if err != nil {
		status := apperrors.HTTPStatusCode(err)
		log.Error("match failed", "query", q.Text, "error", err, "status_code", status)
		if status == http.StatusBadRequest {
			h.writeFailure(w, err, err.Error())
			return
		}
		h.writeFailure(w, err, "search failed")
		return
	}

	elapsed := time.Since(start)
	h.metrics.MatchLatency.WithLabelValues(cacheStatus).Observe(elapsed.Seconds())
	log.Info("search completed",
		"query", q.Text,
		"total", result.Total,
		"returned", len(result.Matches),
		"cache", cacheStatus,
		"latency_ms", elapsed.Milliseconds(),
	)
	w.Header().Set("X-Cache", cacheStatus)
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) parseQuery(r *http.Request) (matcher.Query, error) {
	v := r.URL.Query()
	q := matcher.Query{
		Text:     v.Get("q"),
		MinScore: h.defaultMinScore,
	}
	if strings.TrimSpace(q.Text) == "" {
		return q, fmt.Errorf("query parameter 'q' is required")
	}

	var err error
	if s := v.Get("limit"); s != "" {
		if q.Limit, err = strconv.Atoi(s); err != nil || q.Limit < 1 {
			return q, fmt.Errorf("limit must be a positive integer")
		}
	}
	if s := v.Get("offset"); s != "" {
		if q.Offset, err = strconv.Atoi(s); err != nil || q.Offset < 0 {
			return q, fmt.Errorf("offset must be a non-negative integer")
		}
	}
	if s := v.Get("min_score"); s != "" {
		if q.MinScore, err = strconv.ParseFloat(s, 64); err != nil || q.MinScore < 0 || q.MinScore > 1 {
			return q, fmt.Errorf("min_score must be a number within [0, 1]")
		}
	}

	if s := v.Get("source"); s != "" {
		if q.Filter.Source, err = sanctions.ParseSource(s); err != nil {
			return q, err
		}
	}
	if s := v.Get("entity_kind"); s != "" {
		q.Filter.Kind = sanctions.EntityKind(strings.ToUpper(s))
		if !q.Filter.Kind.Valid() {
			return q, fmt.Errorf("unknown entity_kind %q", s)
		}
	}
	if s := v.Get("status"); s != "" {
		q.Filter.Status = sanctions.EntityStatus(strings.ToUpper(s))
	}
	q.Filter.Country = strings.TrimSpace(v.Get("country"))
	if q.Filter.ListedFrom, err = parseDate(v.Get("listed_from")); err != nil {
		return q, fmt.Errorf("listed_from: %w", err)
	}
	if q.Filter.ListedTo, err = parseDate(v.Get("listed_to")); err != nil {
		return q, fmt.Errorf("listed_to: %w", err)
	}
	return q, nil
}

func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, fmt.Errorf("expected YYYY-MM-DD, got %q", s)
	}
	return &t, nil
}

func (h *Handler) GetEntity(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		h.writeError(w, http.StatusBadRequest, "entity id must be a positive integer")
		return
	}
	ent, err := h.matcher.GetEntity(r.Context(), id)
	if err != nil {
		if apperrors.HTTPStatusCode(err) != http.StatusNotFound {
			logger.FromContext(r.Context()).Error("get entity failed", "id", id, "error", err)
		}
		h.writeFailure(w, err, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, ent)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.matcher.Stats(r.Context())
	if err != nil {
		logger.FromContext(r.Context()).Error("stats failed", "error", err)
		h.writeFailure(w, err, "stats unavailable")
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) Sources(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"sources": h.sources})
}

func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}

	hits, misses := h.cache.Stats()
	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"hits":     hits,
		"misses":   misses,
		"total":    total,
		"hit_rate": fmt.Sprintf("%.1f%%", hitRate),
	})
}

func (h *Handler) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeError(w, http.StatusServiceUnavailable, "caching is disabled")
		return
	}
	if err := h.cache.Invalidate(r.Context()); err != nil {
		h.logger.Error("cache invalidation failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "cache invalidation failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// writeFailure maps err onto its HTTP status and stable error code.
func (h *Handler) writeFailure(w http.ResponseWriter, err error, message string) {
	h.writeJSON(w, apperrors.HTTPStatusCode(err), map[string]string{
		"error": message,
		"code":  apperrors.Code(err),
	})
}
