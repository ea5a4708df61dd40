package featurestore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/statforge/propline/internal/domain/prediction"
	"github.com/statforge/propline/pkg/common/logger"
)

func TestListEligibleEntities(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/eligible-entities", r.URL.Path)
		assert.Equal(t, "2025-11-02", r.URL.Query().Get("work_date"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"entity_keys": ["player-1001", "player-1002"]}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client(), logger.Noop(), noop.NewTracerProvider().Tracer("test"))

	workDate, err := prediction.ParseWorkDate("2025-11-02")
	require.NoError(t, err)

	entities, err := client.ListEligibleEntities(context.Background(), workDate)
	require.NoError(t, err)
	assert.Equal(t, []string{"player-1001", "player-1002"}, entities)
}

func TestListEligibleEntities_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client(), logger.Noop(), noop.NewTracerProvider().Tracer("test"))

	workDate, err := prediction.ParseWorkDate("2025-11-02")
	require.NoError(t, err)

	_, err = client.ListEligibleEntities(context.Background(), workDate)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}
