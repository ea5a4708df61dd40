package prediction

import "errors"

var (
	// ErrBatchNotFound indicates no batch exists for the given id.
	ErrBatchNotFound = errors.New("batch not found")

	// ErrBatchAlreadyRunning indicates a non-terminal batch already exists for
	// the requested work date.
	ErrBatchAlreadyRunning = errors.New("batch already running for work date")

	// ErrNoEligibleEntities indicates the feature store returned zero entities
	// for the work date; batch creation fails fast.
	ErrNoEligibleEntities = errors.New("no eligible entities for work date")

	// ErrWorkItemNotFound indicates no work item exists for the given
	// (batch, entity) pair.
	ErrWorkItemNotFound = errors.New("work item not found")

	// ErrInsufficientData is raised by the scoring capability when an entity
	// lacks the features needed to produce predictions.
	ErrInsufficientData = errors.New("insufficient data to score entity")
)
