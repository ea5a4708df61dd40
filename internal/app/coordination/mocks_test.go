package coordination

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/statforge/propline/internal/domain/events"
	"github.com/statforge/propline/internal/domain/prediction"
)

type mockBatchRepo struct{ mock.Mock }

func (m *mockBatchRepo) CreateBatch(ctx context.Context, batch *prediction.Batch) error {
	return m.Called(ctx, batch).Error(0)
}

func (m *mockBatchRepo) GetBatch(ctx context.Context, batchID uuid.UUID) (*prediction.Batch, error) {
	args := m.Called(ctx, batchID)
	if b := args.Get(0); b != nil {
		return b.(*prediction.Batch), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockBatchRepo) UpdateStatus(ctx context.Context, batchID uuid.UUID, from, to prediction.BatchStatus) (bool, error) {
	args := m.Called(ctx, batchID, from, to)
	return args.Bool(0), args.Error(1)
}

func (m *mockBatchRepo) SetTotalItems(ctx context.Context, batchID uuid.UUID, total int) error {
	return m.Called(ctx, batchID, total).Error(0)
}

func (m *mockBatchRepo) IncrementCounters(ctx context.Context, batchID uuid.UUID, completedDelta, failedDelta int) (int, int, int, error) {
	args := m.Called(ctx, batchID, completedDelta, failedDelta)
	return args.Int(0), args.Int(1), args.Int(2), args.Error(3)
}

func (m *mockBatchRepo) MarkFailed(ctx context.Context, batchID uuid.UUID, reason string) error {
	return m.Called(ctx, batchID, reason).Error(0)
}

func (m *mockBatchRepo) MarkTimedOut(ctx context.Context, batchID uuid.UUID, reason string) error {
	return m.Called(ctx, batchID, reason).Error(0)
}

func (m *mockBatchRepo) FindActiveByWorkDate(ctx context.Context, workDate prediction.WorkDate) (*prediction.Batch, error) {
	args := m.Called(ctx, workDate)
	if b := args.Get(0); b != nil {
		return b.(*prediction.Batch), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockBatchRepo) FindStuck(ctx context.Context, statuses []prediction.BatchStatus, cutoff time.Time) ([]*prediction.Batch, error) {
	args := m.Called(ctx, statuses, cutoff)
	if b := args.Get(0); b != nil {
		return b.([]*prediction.Batch), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockWorkItemRepo struct{ mock.Mock }

func (m *mockWorkItemRepo) BulkCreate(ctx context.Context, items []*prediction.WorkItem) error {
	return m.Called(ctx, items).Error(0)
}

func (m *mockWorkItemRepo) Transition(ctx context.Context, batchID uuid.UUID, entityKey string, target prediction.WorkItemStatus, failureReason string) (bool, error) {
	args := m.Called(ctx, batchID, entityKey, target, failureReason)
	return args.Bool(0), args.Error(1)
}

func (m *mockWorkItemRepo) MarkDispatched(ctx context.Context, batchID uuid.UUID, entityKey string) error {
	return m.Called(ctx, batchID, entityKey).Error(0)
}

func (m *mockWorkItemRepo) ListUnfinished(ctx context.Context, batchID uuid.UUID) ([]string, error) {
	args := m.Called(ctx, batchID)
	if keys := args.Get(0); keys != nil {
		return keys.([]string), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockWorkItemRepo) GetItem(ctx context.Context, batchID uuid.UUID, entityKey string) (*prediction.WorkItem, error) {
	args := m.Called(ctx, batchID, entityKey)
	if item := args.Get(0); item != nil {
		return item.(*prediction.WorkItem), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockLockRepo struct{ mock.Mock }

func (m *mockLockRepo) Acquire(ctx context.Context, batchID uuid.UUID, holderID string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, batchID, holderID, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *mockLockRepo) Release(ctx context.Context, batchID uuid.UUID, holderID string) error {
	return m.Called(ctx, batchID, holderID).Error(0)
}

func (m *mockLockRepo) Get(ctx context.Context, batchID uuid.UUID) (*prediction.ConsolidationLock, error) {
	args := m.Called(ctx, batchID)
	if l := args.Get(0); l != nil {
		return l.(*prediction.ConsolidationLock), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockStagingRepo struct{ mock.Mock }

func (m *mockStagingRepo) UpsertRows(ctx context.Context, rows []prediction.StagingRow) error {
	return m.Called(ctx, rows).Error(0)
}

func (m *mockStagingRepo) CountRegions(ctx context.Context, batchID uuid.UUID) (int, error) {
	args := m.Called(ctx, batchID)
	return args.Int(0), args.Error(1)
}

func (m *mockStagingRepo) DeleteBatch(ctx context.Context, batchID uuid.UUID) (int64, error) {
	args := m.Called(ctx, batchID)
	return args.Get(0).(int64), args.Error(1)
}

type mockRecordRepo struct{ mock.Mock }

func (m *mockRecordRepo) MergeStaging(ctx context.Context, batchID uuid.UUID) (int64, error) {
	args := m.Called(ctx, batchID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockRecordRepo) ListByWorkDate(ctx context.Context, workDate prediction.WorkDate) ([]prediction.Record, error) {
	args := m.Called(ctx, workDate)
	if r := args.Get(0); r != nil {
		return r.([]prediction.Record), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockBreakerRepo struct{ mock.Mock }

func (m *mockBreakerRepo) Get(ctx context.Context, entityKey string) (prediction.BreakerState, error) {
	args := m.Called(ctx, entityKey)
	return args.Get(0).(prediction.BreakerState), args.Error(1)
}

func (m *mockBreakerRepo) Upsert(ctx context.Context, state prediction.BreakerState) error {
	return m.Called(ctx, state).Error(0)
}

type mockEligibilityLister struct{ mock.Mock }

func (m *mockEligibilityLister) ListEligibleEntities(ctx context.Context, workDate prediction.WorkDate) ([]string, error) {
	args := m.Called(ctx, workDate)
	if keys := args.Get(0); keys != nil {
		return keys.([]string), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockConsolidator struct{ mock.Mock }

func (m *mockConsolidator) Consolidate(ctx context.Context, batchID uuid.UUID) (prediction.ConsolidationResult, error) {
	args := m.Called(ctx, batchID)
	return args.Get(0).(prediction.ConsolidationResult), args.Error(1)
}

type mockDomainEventPublisher struct{ mock.Mock }

func (m *mockDomainEventPublisher) PublishDomainEvent(ctx context.Context, event events.DomainEvent, opts ...events.PublishOption) error {
	return m.Called(ctx, event, opts).Error(0)
}

// noopMetrics satisfies CoordinationMetrics for tests.
type noopMetrics struct{}

func (noopMetrics) IncMessagePublished(context.Context, string)        {}
func (noopMetrics) IncMessageConsumed(context.Context, string)         {}
func (noopMetrics) IncPublishError(context.Context, string)            {}
func (noopMetrics) IncConsumeError(context.Context, string)            {}
func (noopMetrics) IncDeadLettered(context.Context, string)            {}
func (noopMetrics) IncBatchesCreated(context.Context)                  {}
func (noopMetrics) IncBatchesCompleted(context.Context)                {}
func (noopMetrics) IncBatchesFailed(context.Context)                   {}
func (noopMetrics) IncBatchesTimedOut(context.Context)                 {}
func (noopMetrics) ObserveBatchDuration(context.Context, time.Duration) {}
func (noopMetrics) IncItemsDispatched(context.Context)                 {}
func (noopMetrics) IncItemsCompleted(context.Context, string)          {}
func (noopMetrics) IncConsolidationsSkipped(context.Context)           {}
func (noopMetrics) ObserveConsolidationTime(context.Context, time.Duration) {}
func (noopMetrics) AddRowsMerged(context.Context, int64)               {}
func (noopMetrics) IncBreakerTrips(context.Context)                    {}
func (noopMetrics) IncSuppressedDispatches(context.Context)            {}
func (noopMetrics) IncWatchdogEscalations(context.Context)             {}

// fakeTimeProvider pins time for deterministic breaker and watchdog tests.
type fakeTimeProvider struct{ current time.Time }

func (f *fakeTimeProvider) Now() time.Time { return f.current }
