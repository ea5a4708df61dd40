// Package featurestore provides the HTTP client for the external feature
// store, which knows which entities have sufficient feature coverage to be
// scored for a work date.
package featurestore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/statforge/propline/internal/domain/prediction"
	"github.com/statforge/propline/pkg/common/logger"
)

var _ prediction.EligibilityLister = (*Client)(nil)

// Client talks to the feature store's eligibility endpoint.
type Client struct {
	baseURL string
	http    *http.Client

	tracer trace.Tracer
	logger *logger.Logger
}

// NewClient creates a feature store client. The httpClient's timeout bounds
// each call.
func NewClient(baseURL string, httpClient *http.Client, logger *logger.Logger, tracer trace.Tracer) *Client {
	return &Client{
		baseURL: baseURL,
		http:    httpClient,
		tracer:  tracer,
		logger:  logger.With("component", "feature_store_client"),
	}
}

type eligibleEntitiesResponse struct {
	EntityKeys []string `json:"entity_keys"`
}

// ListEligibleEntities returns the entity keys scorable for the work date.
func (c *Client) ListEligibleEntities(ctx context.Context, workDate prediction.WorkDate) ([]string, error) {
	ctx, span := c.tracer.Start(ctx, "feature_store.list_eligible_entities",
		trace.WithAttributes(attribute.String("work_date", workDate.String())))
	defer span.End()

	endpoint := fmt.Sprintf("%s/v1/eligible-entities?work_date=%s", c.baseURL, url.QueryEscape(workDate.String()))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building eligibility request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "eligibility request failed")
		return nil, fmt.Errorf("listing eligible entities: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("feature store returned status %d", resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, "unexpected status")
		return nil, err
	}

	var body eligibleEntitiesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("decoding eligibility response: %w", err)
	}
	span.SetAttributes(attribute.Int("num_entities", len(body.EntityKeys)))

	return body.EntityKeys, nil
}
