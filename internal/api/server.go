// Package api exposes the operator HTTP surface: batch creation, batch
// inspection, and manual consolidation.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/statforge/propline/internal/domain/prediction"
	"github.com/statforge/propline/pkg/common/logger"
)

// BatchCreator starts a batch for a work date. The coordinator implements it.
type BatchCreator interface {
	CreateBatch(ctx context.Context, workDate prediction.WorkDate, force bool) (uuid.UUID, error)
}

// BatchConsolidator forces a batch through the coordinator's lock-guarded
// consolidation path, which owns the terminal status transition. The manual
// endpoint must not call the merge directly or the batch row is left behind.
type BatchConsolidator interface {
	TriggerConsolidation(ctx context.Context, batchID uuid.UUID) (prediction.ConsolidationResult, error)
}

// Server handles operator requests. Batch creation returns 202: dispatch runs
// in the background and progress is observable via the batch resource.
type Server struct {
	creator      BatchCreator
	batchRepo    prediction.BatchRepository
	consolidator BatchConsolidator

	ready *atomic.Bool

	tracer trace.Tracer
	logger *logger.Logger
}

// NewServer assembles the operator API server.
func NewServer(
	creator BatchCreator,
	batchRepo prediction.BatchRepository,
	consolidator BatchConsolidator,
	ready *atomic.Bool,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Server {
	return &Server{
		creator:      creator,
		batchRepo:    batchRepo,
		consolidator: consolidator,
		ready:        ready,
		tracer:       tracer,
		logger:       logger.With("component", "operator_api"),
	}
}

// Routes returns the operator API handler, instrumented with otelhttp so each
// request gets a server span. Probe endpoints are filtered out of tracing.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/batches", s.handleCreateBatch)
	mux.HandleFunc("GET /v1/batches/{batch_id}", s.handleGetBatch)
	mux.HandleFunc("POST /v1/batches/{batch_id}/consolidate", s.handleConsolidate)
	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /v1/readiness", s.handleReadiness)

	return otelhttp.NewHandler(mux, "operator_api",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/v1/health" && r.URL.Path != "/v1/readiness"
		}),
	)
}

type createBatchRequest struct {
	WorkDate string `json:"work_date"`
	Force    bool   `json:"force"`
}

type createBatchResponse struct {
	BatchID string `json:"batch_id"`
}

type batchResponse struct {
	BatchID        string  `json:"batch_id"`
	WorkDate       string  `json:"work_date"`
	Status         string  `json:"status"`
	TotalItems     int     `json:"total_items"`
	CompletedItems int     `json:"completed_items"`
	FailedItems    int     `json:"failed_items"`
	FailureReason  string  `json:"failure_reason,omitempty"`
	CreatedAt      string  `json:"created_at"`
	CompletedAt    *string `json:"completed_at,omitempty"`
}

type consolidateResponse struct {
	RowsMerged    int64 `json:"rows_merged"`
	RegionsMerged int   `json:"regions_merged"`
	Skipped       bool  `json:"skipped"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "operator_api.create_batch")
	defer span.End()

	var req createBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	workDate, err := prediction.ParseWorkDate(req.WorkDate)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	span.SetAttributes(
		attribute.String("work_date", workDate.String()),
		attribute.Bool("force", req.Force),
	)

	batchID, err := s.creator.CreateBatch(ctx, workDate, req.Force)
	switch {
	case errors.Is(err, prediction.ErrBatchAlreadyRunning):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
		return
	case errors.Is(err, prediction.ErrNoEligibleEntities):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		return
	case err != nil:
		s.logger.Error(ctx, "Batch creation failed", "error", err)
		span.RecordError(err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "batch creation failed"})
		return
	}

	writeJSON(w, http.StatusAccepted, createBatchResponse{BatchID: batchID.String()})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "operator_api.get_batch")
	defer span.End()

	batchID, err := uuid.Parse(r.PathValue("batch_id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid batch id"})
		return
	}
	span.SetAttributes(attribute.String("batch_id", batchID.String()))

	batch, err := s.batchRepo.GetBatch(ctx, batchID)
	if err != nil {
		if errors.Is(err, prediction.ErrBatchNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "batch not found"})
			return
		}
		s.logger.Error(ctx, "Batch lookup failed", "batch_id", batchID.String(), "error", err)
		span.RecordError(err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "batch lookup failed"})
		return
	}

	resp := batchResponse{
		BatchID:        batch.BatchID().String(),
		WorkDate:       batch.WorkDate().String(),
		Status:         string(batch.Status()),
		TotalItems:     batch.TotalItems(),
		CompletedItems: batch.CompletedItems(),
		FailedItems:    batch.FailedItems(),
		FailureReason:  batch.FailureReason(),
		CreatedAt:      batch.CreatedAt().Format(time.RFC3339),
	}
	if completedAt, ok := batch.CompletedAt(); ok {
		formatted := completedAt.Format(time.RFC3339)
		resp.CompletedAt = &formatted
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "operator_api.consolidate")
	defer span.End()

	batchID, err := uuid.Parse(r.PathValue("batch_id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid batch id"})
		return
	}
	span.SetAttributes(attribute.String("batch_id", batchID.String()))

	if _, err := s.batchRepo.GetBatch(ctx, batchID); err != nil {
		if errors.Is(err, prediction.ErrBatchNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "batch not found"})
			return
		}
		span.RecordError(err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "batch lookup failed"})
		return
	}

	result, err := s.consolidator.TriggerConsolidation(ctx, batchID)
	if err != nil {
		s.logger.Error(ctx, "Manual consolidation failed", "batch_id", batchID.String(), "error", err)
		span.RecordError(err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "consolidation failed"})
		return
	}

	writeJSON(w, http.StatusOK, consolidateResponse{
		RowsMerged:    result.RowsMerged,
		RegionsMerged: result.RegionsMerged,
		Skipped:       result.Skipped,
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil && !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
