// Package scoring provides the HTTP client for the external model-serving
// layer that produces per-system predictions for one entity.
package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/statforge/propline/internal/domain/prediction"
	"github.com/statforge/propline/pkg/common/logger"
)

var _ prediction.Scorer = (*Client)(nil)

// Client talks to the model-serving scoring endpoint.
type Client struct {
	baseURL string
	http    *http.Client

	tracer trace.Tracer
	logger *logger.Logger
}

// NewClient creates a scoring client. Callers bound each Score call with a
// context deadline; the httpClient's own timeout is the outer safety net.
func NewClient(baseURL string, httpClient *http.Client, logger *logger.Logger, tracer trace.Tracer) *Client {
	return &Client{
		baseURL: baseURL,
		http:    httpClient,
		tracer:  tracer,
		logger:  logger.With("component", "scoring_client"),
	}
}

type scoreRequest struct {
	EntityKey string `json:"entity_key"`
	WorkDate  string `json:"work_date"`
}

type scoreResponse struct {
	Systems []prediction.ScoredSystem `json:"systems"`
}

// Score produces one row per scoring system for the entity. A 422 from the
// model server maps to ErrInsufficientData: the entity cannot be scored and
// retrying will not help.
func (c *Client) Score(ctx context.Context, entityKey string, workDate prediction.WorkDate) ([]prediction.ScoredSystem, error) {
	ctx, span := c.tracer.Start(ctx, "scoring.score",
		trace.WithAttributes(
			attribute.String("entity_key", entityKey),
			attribute.String("work_date", workDate.String()),
		))
	defer span.End()

	payload, err := json.Marshal(scoreRequest{EntityKey: entityKey, WorkDate: workDate.String()})
	if err != nil {
		return nil, fmt.Errorf("encoding score request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/score", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building score request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "score request failed")
		return nil, fmt.Errorf("scoring entity %s: %w", entityKey, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnprocessableEntity:
		span.AddEvent("insufficient_data")
		return nil, prediction.ErrInsufficientData
	default:
		err := fmt.Errorf("model server returned status %d", resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, "unexpected status")
		return nil, err
	}

	var body scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("decoding score response: %w", err)
	}
	span.SetAttributes(attribute.Int("systems_scored", len(body.Systems)))

	return body.Systems, nil
}
