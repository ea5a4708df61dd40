package coordination

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/statforge/propline/internal/domain/events"
	"github.com/statforge/propline/internal/domain/prediction"
	"github.com/statforge/propline/internal/infra/eventbus/memory"
	"github.com/statforge/propline/pkg/common"
	"github.com/statforge/propline/pkg/common/logger"
)

type coordinatorTestSuite struct {
	coordinator  *Coordinator
	batchRepo    *mockBatchRepo
	itemRepo     *mockWorkItemRepo
	eligibility  *mockEligibilityLister
	consolidator *mockConsolidator
	breakerRepo  *mockBreakerRepo
	publisher    *mockDomainEventPublisher
	bus          *memory.EventBus
}

func newCoordinatorTestSuite() *coordinatorTestSuite {
	batchRepo := new(mockBatchRepo)
	itemRepo := new(mockWorkItemRepo)
	eligibility := new(mockEligibilityLister)
	consolidator := new(mockConsolidator)
	breakerRepo := new(mockBreakerRepo)
	publisher := new(mockDomainEventPublisher)
	bus := memory.NewEventBus()

	tracer := noop.NewTracerProvider().Tracer("test")
	guard := NewGuard(breakerRepo, 0, 0, logger.Noop(), noopMetrics{}, tracer)

	coordinator := NewCoordinator(
		"test-coordinator",
		batchRepo,
		itemRepo,
		eligibility,
		consolidator,
		guard,
		bus,
		publisher,
		common.NewRateLimiter(1000, 1000),
		logger.Noop(),
		noopMetrics{},
		tracer,
	)

	return &coordinatorTestSuite{
		coordinator:  coordinator,
		batchRepo:    batchRepo,
		itemRepo:     itemRepo,
		eligibility:  eligibility,
		consolidator: consolidator,
		breakerRepo:  breakerRepo,
		publisher:    publisher,
		bus:          bus,
	}
}

func testWorkDate(t *testing.T) prediction.WorkDate {
	t.Helper()
	workDate, err := prediction.ParseWorkDate("2025-11-02")
	require.NoError(t, err)
	return workDate
}

func reconstructTestBatch(batchID uuid.UUID, workDate prediction.WorkDate, status prediction.BatchStatus, total, completed, failed int) *prediction.Batch {
	now := time.Now().UTC()
	return prediction.ReconstructBatch(batchID, workDate, status, total, completed, failed, "", now, now, time.Time{})
}

func TestCreateBatch_ActiveBatchWithoutForce(t *testing.T) {
	t.Parallel()
	suite := newCoordinatorTestSuite()
	workDate := testWorkDate(t)
	active := reconstructTestBatch(uuid.New(), workDate, prediction.BatchStatusInProgress, 10, 3, 0)

	suite.batchRepo.On("FindActiveByWorkDate", mock.Anything, workDate).Return(active, nil)

	_, err := suite.coordinator.CreateBatch(context.Background(), workDate, false)
	require.ErrorIs(t, err, prediction.ErrBatchAlreadyRunning)

	suite.batchRepo.AssertNotCalled(t, "CreateBatch", mock.Anything, mock.Anything)
	suite.eligibility.AssertNotCalled(t, "ListEligibleEntities", mock.Anything, mock.Anything)
}

func TestCreateBatch_NoEligibleEntities(t *testing.T) {
	t.Parallel()
	suite := newCoordinatorTestSuite()
	workDate := testWorkDate(t)

	suite.batchRepo.On("FindActiveByWorkDate", mock.Anything, workDate).
		Return(nil, prediction.ErrBatchNotFound)
	suite.eligibility.On("ListEligibleEntities", mock.Anything, workDate).
		Return([]string{}, nil)

	_, err := suite.coordinator.CreateBatch(context.Background(), workDate, true)
	require.ErrorIs(t, err, prediction.ErrNoEligibleEntities)

	suite.batchRepo.AssertNotCalled(t, "CreateBatch", mock.Anything, mock.Anything)
}

func TestCreateBatch_ForceSupersedesActiveBatch(t *testing.T) {
	t.Parallel()
	suite := newCoordinatorTestSuite()
	workDate := testWorkDate(t)
	active := reconstructTestBatch(uuid.New(), workDate, prediction.BatchStatusInProgress, 10, 3, 0)

	suite.batchRepo.On("FindActiveByWorkDate", mock.Anything, workDate).Return(active, nil)
	suite.batchRepo.On("MarkFailed", mock.Anything, active.BatchID(), "superseded").Return(nil)
	suite.publisher.On("PublishDomainEvent", mock.Anything, mock.MatchedBy(func(evt events.DomainEvent) bool {
		failed, ok := evt.(prediction.BatchFailedEvent)
		return ok && failed.BatchID == active.BatchID() && failed.Reason == "superseded"
	}), mock.Anything).Return(nil).Once()

	// The new batch never materializes: nothing is eligible anymore.
	suite.eligibility.On("ListEligibleEntities", mock.Anything, workDate).
		Return([]string{}, nil)

	_, err := suite.coordinator.CreateBatch(context.Background(), workDate, true)
	require.ErrorIs(t, err, prediction.ErrNoEligibleEntities)

	suite.batchRepo.AssertExpectations(t)
	suite.publisher.AssertExpectations(t)
}

func TestCreateBatch_DispatchesAllItems(t *testing.T) {
	t.Parallel()
	suite := newCoordinatorTestSuite()
	workDate := testWorkDate(t)
	entities := []string{"player-1001", "player-1002"}

	suite.batchRepo.On("FindActiveByWorkDate", mock.Anything, workDate).
		Return(nil, prediction.ErrBatchNotFound)
	suite.eligibility.On("ListEligibleEntities", mock.Anything, workDate).Return(entities, nil)
	suite.batchRepo.On("CreateBatch", mock.Anything, mock.Anything).Return(nil)
	suite.itemRepo.On("BulkCreate", mock.Anything, mock.MatchedBy(func(items []*prediction.WorkItem) bool {
		return len(items) == len(entities)
	})).Return(nil)
	suite.batchRepo.On("SetTotalItems", mock.Anything, mock.Anything, len(entities)).Return(nil)
	suite.batchRepo.On("UpdateStatus", mock.Anything, mock.Anything, prediction.BatchStatusCreated, prediction.BatchStatusDispatching).
		Return(true, nil)
	suite.publisher.On("PublishDomainEvent", mock.Anything, mock.MatchedBy(func(evt events.DomainEvent) bool {
		_, ok := evt.(prediction.BatchCreatedEvent)
		return ok
	}), mock.Anything).Return(nil).Once()

	// Background dispatch path.
	suite.breakerRepo.On("Get", mock.Anything, mock.Anything).
		Return(prediction.BreakerState{}, nil)
	suite.itemRepo.On("MarkDispatched", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	for _, key := range entities {
		suite.itemRepo.On("GetItem", mock.Anything, mock.Anything, key).
			Return(prediction.NewWorkItem(uuid.New(), key), nil)
	}
	suite.publisher.On("PublishDomainEvent", mock.Anything, mock.MatchedBy(func(evt events.DomainEvent) bool {
		_, ok := evt.(prediction.WorkItemDispatchedEvent)
		return ok
	}), mock.Anything).Return(nil).Times(len(entities))
	suite.batchRepo.On("UpdateStatus", mock.Anything, mock.Anything, prediction.BatchStatusDispatching, prediction.BatchStatusInProgress).
		Return(true, nil)

	dispatchDone := make(chan struct{})
	suite.batchRepo.On("GetBatch", mock.Anything, mock.Anything).
		Return(reconstructTestBatch(uuid.New(), workDate, prediction.BatchStatusInProgress, len(entities), 0, 0), nil).
		Run(func(mock.Arguments) { close(dispatchDone) }).Once()

	batchID, err := suite.coordinator.CreateBatch(context.Background(), workDate, false)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, batchID)

	select {
	case <-dispatchDone:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch fan-out did not finish")
	}

	suite.batchRepo.AssertExpectations(t)
	suite.itemRepo.AssertExpectations(t)
	suite.publisher.AssertExpectations(t)
}

func TestOnWorkItemCompleted(t *testing.T) {
	t.Parallel()

	batchID := uuid.New()

	tests := []struct {
		name    string
		event   prediction.WorkItemCompletedEvent
		setup   func(t *testing.T, suite *coordinatorTestSuite, workDate prediction.WorkDate)
		wantErr bool
	}{
		{
			name:  "success ack increments counters",
			event: prediction.NewWorkItemCompletedEvent(batchID, "player-1001", prediction.OutcomeSuccess, "", 12, "worker-a"),
			setup: func(t *testing.T, suite *coordinatorTestSuite, workDate prediction.WorkDate) {
				suite.batchRepo.On("GetBatch", mock.Anything, batchID).
					Return(reconstructTestBatch(batchID, workDate, prediction.BatchStatusInProgress, 3, 0, 0), nil)
				suite.itemRepo.On("Transition", mock.Anything, batchID, "player-1001", prediction.WorkItemStatusDone, "").
					Return(true, nil)
				suite.breakerRepo.On("Get", mock.Anything, "player-1001").Return(prediction.BreakerState{}, nil)
				suite.breakerRepo.On("Upsert", mock.Anything, mock.MatchedBy(func(state prediction.BreakerState) bool {
					return state.ConsecutiveFailures == 0 && state.TrippedUntil.IsZero()
				})).Return(nil)
				suite.batchRepo.On("IncrementCounters", mock.Anything, batchID, 1, 0).
					Return(1, 0, 3, nil)
			},
		},
		{
			name:  "failure ack counts failed and feeds breaker",
			event: prediction.NewWorkItemCompletedEvent(batchID, "player-1002", prediction.OutcomeFailure, prediction.FailureReasonScoringError, 0, "worker-a"),
			setup: func(t *testing.T, suite *coordinatorTestSuite, workDate prediction.WorkDate) {
				suite.batchRepo.On("GetBatch", mock.Anything, batchID).
					Return(reconstructTestBatch(batchID, workDate, prediction.BatchStatusInProgress, 3, 1, 0), nil)
				suite.itemRepo.On("Transition", mock.Anything, batchID, "player-1002", prediction.WorkItemStatusFailed, prediction.FailureReasonScoringError).
					Return(true, nil)
				suite.breakerRepo.On("Get", mock.Anything, "player-1002").
					Return(prediction.BreakerState{EntityKey: "player-1002", ConsecutiveFailures: 2}, nil)
				suite.breakerRepo.On("Upsert", mock.Anything, mock.MatchedBy(func(state prediction.BreakerState) bool {
					return state.ConsecutiveFailures == 3
				})).Return(nil)
				suite.batchRepo.On("IncrementCounters", mock.Anything, batchID, 0, 1).
					Return(1, 1, 3, nil)
			},
		},
		{
			name:  "duplicate ack is a no-op",
			event: prediction.NewWorkItemCompletedEvent(batchID, "player-1001", prediction.OutcomeSuccess, "", 12, "worker-a"),
			setup: func(t *testing.T, suite *coordinatorTestSuite, workDate prediction.WorkDate) {
				suite.batchRepo.On("GetBatch", mock.Anything, batchID).
					Return(reconstructTestBatch(batchID, workDate, prediction.BatchStatusInProgress, 3, 1, 0), nil)
				suite.itemRepo.On("Transition", mock.Anything, batchID, "player-1001", prediction.WorkItemStatusDone, "").
					Return(false, nil)
			},
		},
		{
			name:  "late completion for consolidating batch is dropped",
			event: prediction.NewWorkItemCompletedEvent(batchID, "player-1003", prediction.OutcomeSuccess, "", 12, "worker-b"),
			setup: func(t *testing.T, suite *coordinatorTestSuite, workDate prediction.WorkDate) {
				suite.batchRepo.On("GetBatch", mock.Anything, batchID).
					Return(reconstructTestBatch(batchID, workDate, prediction.BatchStatusConsolidating, 3, 2, 1), nil)
			},
		},
		{
			name:  "late completion for terminal batch is dropped",
			event: prediction.NewWorkItemCompletedEvent(batchID, "player-1003", prediction.OutcomeSuccess, "", 12, "worker-b"),
			setup: func(t *testing.T, suite *coordinatorTestSuite, workDate prediction.WorkDate) {
				suite.batchRepo.On("GetBatch", mock.Anything, batchID).
					Return(reconstructTestBatch(batchID, workDate, prediction.BatchStatusTimedOut, 3, 2, 1), nil)
			},
		},
		{
			name:  "completion for unknown batch is dropped",
			event: prediction.NewWorkItemCompletedEvent(batchID, "player-1001", prediction.OutcomeSuccess, "", 12, "worker-a"),
			setup: func(t *testing.T, suite *coordinatorTestSuite, workDate prediction.WorkDate) {
				suite.batchRepo.On("GetBatch", mock.Anything, batchID).
					Return(nil, prediction.ErrBatchNotFound)
			},
		},
		{
			name:  "counter failure surfaces for redelivery",
			event: prediction.NewWorkItemCompletedEvent(batchID, "player-1001", prediction.OutcomeSuccess, "", 12, "worker-a"),
			setup: func(t *testing.T, suite *coordinatorTestSuite, workDate prediction.WorkDate) {
				suite.batchRepo.On("GetBatch", mock.Anything, batchID).
					Return(reconstructTestBatch(batchID, workDate, prediction.BatchStatusInProgress, 3, 0, 0), nil)
				suite.itemRepo.On("Transition", mock.Anything, batchID, "player-1001", prediction.WorkItemStatusDone, "").
					Return(true, nil)
				suite.breakerRepo.On("Get", mock.Anything, "player-1001").Return(prediction.BreakerState{}, nil)
				suite.breakerRepo.On("Upsert", mock.Anything, mock.Anything).Return(nil)
				suite.batchRepo.On("IncrementCounters", mock.Anything, batchID, 1, 0).
					Return(0, 0, 0, errors.New("connection reset"))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			suite := newCoordinatorTestSuite()
			tt.setup(t, suite, testWorkDate(t))

			err := suite.coordinator.OnWorkItemCompleted(context.Background(), tt.event)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}

			suite.batchRepo.AssertExpectations(t)
			suite.itemRepo.AssertExpectations(t)
			suite.breakerRepo.AssertExpectations(t)
			suite.consolidator.AssertNotCalled(t, "Consolidate", mock.Anything, mock.Anything)
		})
	}
}

func TestOnWorkItemCompleted_LastAckTriggersConsolidation(t *testing.T) {
	t.Parallel()
	suite := newCoordinatorTestSuite()
	workDate := testWorkDate(t)
	batchID := uuid.New()

	suite.batchRepo.On("GetBatch", mock.Anything, batchID).
		Return(reconstructTestBatch(batchID, workDate, prediction.BatchStatusInProgress, 3, 2, 0), nil).Once()
	suite.itemRepo.On("Transition", mock.Anything, batchID, "player-1003", prediction.WorkItemStatusDone, "").
		Return(true, nil)
	suite.breakerRepo.On("Get", mock.Anything, "player-1003").Return(prediction.BreakerState{}, nil)
	suite.breakerRepo.On("Upsert", mock.Anything, mock.Anything).Return(nil)
	suite.batchRepo.On("IncrementCounters", mock.Anything, batchID, 1, 0).
		Return(3, 0, 3, nil)

	suite.batchRepo.On("UpdateStatus", mock.Anything, batchID, prediction.BatchStatusInProgress, prediction.BatchStatusConsolidating).
		Return(true, nil)
	suite.consolidator.On("Consolidate", mock.Anything, batchID).
		Return(prediction.ConsolidationResult{RowsMerged: 36, RegionsMerged: 2}, nil)
	suite.batchRepo.On("UpdateStatus", mock.Anything, batchID, prediction.BatchStatusConsolidating, prediction.BatchStatusComplete).
		Return(true, nil)
	suite.batchRepo.On("GetBatch", mock.Anything, batchID).
		Return(reconstructTestBatch(batchID, workDate, prediction.BatchStatusComplete, 3, 3, 0), nil).Once()
	suite.publisher.On("PublishDomainEvent", mock.Anything, mock.MatchedBy(func(evt events.DomainEvent) bool {
		completed, ok := evt.(prediction.BatchCompletedEvent)
		return ok && completed.BatchID == batchID && completed.RowsMerged == 36
	}), mock.Anything).Return(nil).Once()

	evt := prediction.NewWorkItemCompletedEvent(batchID, "player-1003", prediction.OutcomeSuccess, "", 12, "worker-a")
	require.NoError(t, suite.coordinator.OnWorkItemCompleted(context.Background(), evt))

	suite.batchRepo.AssertExpectations(t)
	suite.consolidator.AssertExpectations(t)
	suite.publisher.AssertExpectations(t)
}

func TestTriggerConsolidation(t *testing.T) {
	t.Parallel()

	batchID := uuid.New()

	tests := []struct {
		name        string
		setup       func(t *testing.T, suite *coordinatorTestSuite, workDate prediction.WorkDate)
		verify      func(t *testing.T, suite *coordinatorTestSuite)
		wantErr     bool
		wantSkipped bool
		wantRows    int64
	}{
		{
			name: "merge error fails the batch",
			setup: func(t *testing.T, suite *coordinatorTestSuite, workDate prediction.WorkDate) {
				suite.batchRepo.On("UpdateStatus", mock.Anything, batchID, prediction.BatchStatusInProgress, prediction.BatchStatusConsolidating).
					Return(true, nil)
				suite.consolidator.On("Consolidate", mock.Anything, batchID).
					Return(prediction.ConsolidationResult{}, errors.New("merge deadlock"))
				suite.batchRepo.On("MarkFailed", mock.Anything, batchID, mock.MatchedBy(func(reason string) bool {
					return strings.Contains(reason, "consolidation failed")
				})).Return(nil)
				suite.publisher.On("PublishDomainEvent", mock.Anything, mock.MatchedBy(func(evt events.DomainEvent) bool {
					_, ok := evt.(prediction.BatchFailedEvent)
					return ok
				}), mock.Anything).Return(nil).Once()
			},
			verify: func(t *testing.T, suite *coordinatorTestSuite) {
				suite.batchRepo.AssertNotCalled(t, "UpdateStatus", mock.Anything, batchID,
					prediction.BatchStatusConsolidating, prediction.BatchStatusComplete)
			},
			wantErr: true,
		},
		{
			name: "skipped result leaves the batch alone",
			setup: func(t *testing.T, suite *coordinatorTestSuite, workDate prediction.WorkDate) {
				suite.batchRepo.On("UpdateStatus", mock.Anything, batchID, prediction.BatchStatusInProgress, prediction.BatchStatusConsolidating).
					Return(true, nil)
				suite.consolidator.On("Consolidate", mock.Anything, batchID).
					Return(prediction.ConsolidationResult{Skipped: true}, nil)
			},
			verify: func(t *testing.T, suite *coordinatorTestSuite) {
				suite.batchRepo.AssertNotCalled(t, "UpdateStatus", mock.Anything, batchID,
					prediction.BatchStatusConsolidating, prediction.BatchStatusComplete)
				suite.batchRepo.AssertNotCalled(t, "MarkFailed", mock.Anything, mock.Anything, mock.Anything)
			},
			wantSkipped: true,
		},
		{
			name: "concurrent trigger that lost the transition backs off",
			setup: func(t *testing.T, suite *coordinatorTestSuite, workDate prediction.WorkDate) {
				suite.batchRepo.On("UpdateStatus", mock.Anything, batchID, prediction.BatchStatusInProgress, prediction.BatchStatusConsolidating).
					Return(false, nil)
				suite.batchRepo.On("UpdateStatus", mock.Anything, batchID, prediction.BatchStatusDispatching, prediction.BatchStatusConsolidating).
					Return(false, nil)
				suite.batchRepo.On("GetBatch", mock.Anything, batchID).
					Return(reconstructTestBatch(batchID, workDate, prediction.BatchStatusComplete, 3, 3, 0), nil)
			},
			verify: func(t *testing.T, suite *coordinatorTestSuite) {
				suite.consolidator.AssertNotCalled(t, "Consolidate", mock.Anything, mock.Anything)
			},
			wantSkipped: true,
		},
		{
			name: "batch stuck in consolidating is re-driven",
			setup: func(t *testing.T, suite *coordinatorTestSuite, workDate prediction.WorkDate) {
				suite.batchRepo.On("UpdateStatus", mock.Anything, batchID, prediction.BatchStatusInProgress, prediction.BatchStatusConsolidating).
					Return(false, nil)
				suite.batchRepo.On("UpdateStatus", mock.Anything, batchID, prediction.BatchStatusDispatching, prediction.BatchStatusConsolidating).
					Return(false, nil)
				suite.batchRepo.On("GetBatch", mock.Anything, batchID).
					Return(reconstructTestBatch(batchID, workDate, prediction.BatchStatusConsolidating, 3, 2, 1), nil).Once()
				suite.consolidator.On("Consolidate", mock.Anything, batchID).
					Return(prediction.ConsolidationResult{RowsMerged: 24, RegionsMerged: 1}, nil)
				suite.batchRepo.On("UpdateStatus", mock.Anything, batchID, prediction.BatchStatusConsolidating, prediction.BatchStatusComplete).
					Return(true, nil)
				suite.batchRepo.On("GetBatch", mock.Anything, batchID).
					Return(reconstructTestBatch(batchID, workDate, prediction.BatchStatusComplete, 3, 2, 1), nil).Once()
				suite.publisher.On("PublishDomainEvent", mock.Anything, mock.MatchedBy(func(evt events.DomainEvent) bool {
					_, ok := evt.(prediction.BatchCompletedEvent)
					return ok
				}), mock.Anything).Return(nil).Once()
			},
			verify: func(t *testing.T, suite *coordinatorTestSuite) {
				suite.consolidator.AssertExpectations(t)
				suite.publisher.AssertExpectations(t)
			},
			wantRows: 24,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			suite := newCoordinatorTestSuite()
			tt.setup(t, suite, testWorkDate(t))

			result, err := suite.coordinator.TriggerConsolidation(context.Background(), batchID)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.wantSkipped, result.Skipped)
				assert.Equal(t, tt.wantRows, result.RowsMerged)
			}

			suite.batchRepo.AssertExpectations(t)
			tt.verify(t, suite)
		})
	}
}

func TestTriggerConsolidation_ManualForceCompletesBatch(t *testing.T) {
	t.Parallel()
	suite := newCoordinatorTestSuite()
	workDate := testWorkDate(t)
	batchID := uuid.New()

	suite.batchRepo.On("UpdateStatus", mock.Anything, batchID, prediction.BatchStatusInProgress, prediction.BatchStatusConsolidating).
		Return(true, nil)
	suite.consolidator.On("Consolidate", mock.Anything, batchID).
		Return(prediction.ConsolidationResult{RowsMerged: 48, RegionsMerged: 2}, nil)
	suite.batchRepo.On("UpdateStatus", mock.Anything, batchID, prediction.BatchStatusConsolidating, prediction.BatchStatusComplete).
		Return(true, nil).Once()
	suite.batchRepo.On("GetBatch", mock.Anything, batchID).
		Return(reconstructTestBatch(batchID, workDate, prediction.BatchStatusComplete, 10, 9, 1), nil)
	suite.publisher.On("PublishDomainEvent", mock.Anything, mock.MatchedBy(func(evt events.DomainEvent) bool {
		_, ok := evt.(prediction.BatchCompletedEvent)
		return ok
	}), mock.Anything).Return(nil).Once()

	result, err := suite.coordinator.TriggerConsolidation(context.Background(), batchID)
	require.NoError(t, err)
	assert.Equal(t, int64(48), result.RowsMerged)
	assert.Equal(t, 2, result.RegionsMerged)
	assert.False(t, result.Skipped)

	// The forced merge must land the batch row in COMPLETE, not leave it
	// in flight.
	suite.batchRepo.AssertExpectations(t)
	suite.consolidator.AssertExpectations(t)
	suite.publisher.AssertExpectations(t)
}

func TestRun_RoutesCompletionEvents(t *testing.T) {
	t.Parallel()
	suite := newCoordinatorTestSuite()
	workDate := testWorkDate(t)
	batchID := uuid.New()

	suite.batchRepo.On("GetBatch", mock.Anything, batchID).
		Return(reconstructTestBatch(batchID, workDate, prediction.BatchStatusInProgress, 3, 0, 0), nil)
	suite.itemRepo.On("Transition", mock.Anything, batchID, "player-1001", prediction.WorkItemStatusDone, "").
		Return(true, nil)
	suite.breakerRepo.On("Get", mock.Anything, "player-1001").Return(prediction.BreakerState{}, nil)
	suite.breakerRepo.On("Upsert", mock.Anything, mock.Anything).Return(nil)
	suite.batchRepo.On("IncrementCounters", mock.Anything, batchID, 1, 0).
		Return(1, 0, 3, nil)

	require.NoError(t, suite.coordinator.Run(context.Background()))

	evt := prediction.NewWorkItemCompletedEvent(batchID, "player-1001", prediction.OutcomeSuccess, "", 12, "worker-a")
	envelope := events.EventEnvelope{
		Type:      prediction.EventTypeWorkItemCompleted,
		Timestamp: time.Now(),
		Payload:   evt,
	}
	require.NoError(t, suite.bus.Publish(context.Background(), envelope))

	suite.batchRepo.AssertExpectations(t)
	suite.itemRepo.AssertExpectations(t)
}
