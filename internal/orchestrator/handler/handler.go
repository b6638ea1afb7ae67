// Package handler exposes the ingestion orchestrator over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/orchestrator"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/sanctions"
	apperrors "github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/logger"
)

type Service interface {
	TriggerRun(ctx context.Context, source sanctions.Source, trigger sanctions.Trigger) (*orchestrator.TriggerResult, error)
	Status(ctx context.Context) (*orchestrator.StatusReport, error)
	GetRun(ctx context.Context, runID string) (*sanctions.IngestionRun, error)
	Inspect(ctx context.Context) []orchestrator.Warning
}

type Handler struct {
	svc    Service
	logger *slog.Logger
}

func New(svc Service) *Handler {
	return &Handler{
		svc:    svc,
		logger: slog.Default().With("component", "ingestion-handler"),
	}
}

// Register mounts the ingestion routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/ingestion/{source}/trigger", h.Trigger)
	mux.HandleFunc("GET /api/v1/ingestion/status", h.Status)
	mux.HandleFunc("GET /api/v1/ingestion/runs/{id}", h.GetRun)
	mux.HandleFunc("GET /api/v1/ingestion/health", h.Health)
}

func (h *Handler) Trigger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)
	source, err := sanctions.ParseSource(r.PathValue("source"))
	if err != nil {
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	res, err := h.svc.TriggerRun(ctx, source, sanctions.TriggerManual)
	if err != nil {
		log.Error("trigger failed", "source", source, "error", err, "code", apperrors.Code(err))
		h.writeFailure(w, err, err.Error())
		return
	}
	if !res.Accepted {
		log.Warn("trigger rejected", "source", source, "reason", res.Reason)
		h.writeJSON(w, http.StatusConflict, res)
		return
	}
	log.Info("run accepted", "source", source, "run_id", res.RunID)
	h.writeJSON(w, http.StatusAccepted, res)
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Status(r.Context())
	if err != nil {
		logger.FromContext(r.Context()).Error("status failed", "error", err)
		h.writeFailure(w, err, "status unavailable")
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.svc.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeFailure(w, err, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, run)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	warnings := h.svc.Inspect(r.Context())
	if warnings == nil {
		warnings = []orchestrator.Warning{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"healthy":  len(warnings) == 0,
		"warnings": warnings,
	})
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
