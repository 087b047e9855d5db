package store

import (
	"context"

	"github.com/codegraphhq/codegraph/common/models"
)

type JobStore interface {
	// Create a new job record.
	// Returns gerror.ErrCodeAlreadyExists if a job with this ID already exists.
	Create(ctx context.Context, txOrNil *Tx, job *models.Job) error
	// Read an existing job, looking it up by ID.
	// Returns gerror.ErrCodeNotFound if the job does not exist.
	Read(ctx context.Context, txOrNil *Tx, id models.JobID) (*models.Job, error)
	// Update an existing job with optimistic locking. Overrides all previous
	// values using the supplied model.
	// Returns gerror.ErrCodeOptimisticLockFailed on an etag mismatch.
	Update(ctx context.Context, txOrNil *Tx, job *models.Job) error
	// LockRowForUpdate takes out an exclusive row lock on the job's row, on
	// databases that support row-level locking. Must be run inside a
	// transaction.
	LockRowForUpdate(ctx context.Context, tx *Tx, id models.JobID) error
	// List jobs matching the query, with the query's pagination applied.
	// Returns the page of jobs and the total count of matching jobs.
	List(ctx context.Context, txOrNil *Tx, query *models.JobQuery) ([]*models.Job, int, error)
}

type TaskStore interface {
	// Create a new broker task.
	Create(ctx context.Context, txOrNil *Tx, task *models.Task) error
	// Read an existing task, looking it up by ID.
	// Returns gerror.ErrCodeNotFound if the task does not exist.
	Read(ctx context.Context, txOrNil *Tx, id models.TaskID) (*models.Task, error)
	// Update an existing task with optimistic locking.
	Update(ctx context.Context, txOrNil *Tx, task *models.Task) error
	// FindQueuedTask locates the next claimable task at the given time,
	// scanning the supplied queues in order and FIFO within a queue.
	// Returns gerror.ErrCodeNotFound if no task is ready.
	FindQueuedTask(ctx context.Context, tx *Tx, now models.Time, queues []models.QueueName) (*models.Task, error)
	// FindExpiredAllocations lists running tasks whose allocation deadline
	// has passed.
	FindExpiredAllocations(ctx context.Context, txOrNil *Tx, now models.Time, limit int) ([]*models.Task, error)
	// LockRowForUpdate takes out an exclusive row lock on the task's row, on
	// databases that support row-level locking.
	LockRowForUpdate(ctx context.Context, tx *Tx, id models.TaskID) error
}

type EventStore interface {
	// Create a new progress event with the specified sequence number.
	Create(ctx context.Context, txOrNil *Tx, sequenceNumber models.EventNumber, eventData *models.ProgressEventData) (*models.ProgressEvent, error)
	// IncrementEventCounter increments and returns the event counter for the
	// specified job, to provide a sequence number for a new event.
	IncrementEventCounter(ctx context.Context, txOrNil *Tx, jobID models.JobID) (models.EventNumber, error)
	// FindEvents reads events for a job with sequence numbers greater than
	// lastEventNumber, in sequence order, up to limit events.
	FindEvents(ctx context.Context, txOrNil *Tx, jobID models.JobID, lastEventNumber models.EventNumber, limit int) ([]*models.ProgressEvent, error)
}

type WorkerStore interface {
	// Upsert creates the worker's presence row or refreshes its heartbeat.
	Upsert(ctx context.Context, txOrNil *Tx, worker *models.Worker) error
	// Delete removes a worker's presence row. Idempotent.
	Delete(ctx context.Context, txOrNil *Tx, id models.WorkerID) error
	// ListActive lists workers whose heartbeat is fresh at the given time.
	ListActive(ctx context.Context, txOrNil *Tx, now models.Time) ([]*models.Worker, error)
}

type KVStore interface {
	// Put creates or replaces the entry for key with the supplied JSON value
	// and TTL.
	Put(ctx context.Context, txOrNil *Tx, key string, value string, expiresAt models.Time) error
	// Get reads the entry for key. Expired entries are treated as missing.
	// Returns gerror.ErrCodeNotFound if the entry does not exist.
	Get(ctx context.Context, txOrNil *Tx, key string, now models.Time) (*models.KVEntry, error)
	// Delete removes the entry for key. Idempotent.
	Delete(ctx context.Context, txOrNil *Tx, key string) error
	// ListByPrefix lists unexpired entries whose key starts with prefix.
	ListByPrefix(ctx context.Context, txOrNil *Tx, prefix string, now models.Time) ([]*models.KVEntry, error)
	// DeleteExpired removes entries whose TTL has lapsed, returning the
	// number deleted.
	DeleteExpired(ctx context.Context, txOrNil *Tx, now models.Time) (int64, error)
}
