package tasks

import (
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"golang.org/x/net/context"

	"github.com/codegraphhq/codegraph/common/gerror"
	"github.com/codegraphhq/codegraph/common/logger"
	"github.com/codegraphhq/codegraph/common/models"
	"github.com/codegraphhq/codegraph/server/store"
)

const tableName = "tasks"

type TaskStore struct {
	db *store.DB
	logger.Log
}

func NewStore(db *store.DB, logFactory logger.LogFactory) *TaskStore {
	return &TaskStore{
		db:  db,
		Log: logFactory("TaskStore"),
	}
}

// Create a new broker task.
func (d *TaskStore) Create(ctx context.Context, txOrNil *store.Tx, task *models.Task) error {
	if err := task.Validate(); err != nil {
		return gerror.NewErrValidationFailed("Task failed validation").Wrap(err)
	}
	task.ETag = models.ETagFromData(task.TaskData)
	err := d.db.Write(txOrNil, func(writer store.Writer) error {
		query, args, err := writer.Insert(tableName).Rows(task).Prepared(true).ToSQL()
		if err != nil {
			return fmt.Errorf("error generating query: %w", err)
		}
		_, err = writer.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return store.MakeStandardDBError(err)
	}
	return nil
}

// Read an existing task, looking it up by ID.
// Returns gerror.ErrCodeNotFound if the task does not exist.
func (d *TaskStore) Read(ctx context.Context, txOrNil *store.Tx, id models.TaskID) (*models.Task, error) {
	task := &models.Task{}
	taskSelect := goqu.From(tableName).Select(task).
		Where(goqu.Ex{"task_id": id}).
		Prepared(true)
	err := d.db.Read(txOrNil, func(reader store.Reader) error {
		query, args, err := taskSelect.ToSQL()
		if err != nil {
			return fmt.Errorf("error generating query: %w", err)
		}
		found, err := reader.ScanStructContext(ctx, task, query, args...)
		if err != nil {
			return err
		}
		if !found {
			return gerror.NewErrNotFound("Task not found").IDetail("task_id", id)
		}
		return nil
	})
	if err != nil {
		return nil, store.MakeStandardDBError(err)
	}
	return task, nil
}

// Update an existing task with optimistic locking.
func (d *TaskStore) Update(ctx context.Context, txOrNil *store.Tx, task *models.Task) error {
	previousETag := task.ETag
	task.UpdatedAt = models.NewTime(time.Now())
	task.ETag = models.ETagFromData(task.TaskData)
	err := d.db.Write(txOrNil, func(writer store.Writer) error {
		query, args, err := writer.Update(tableName).
			Set(task).
			Where(goqu.Ex{"task_id": task.ID, "task_etag": previousETag}).
			Prepared(true).ToSQL()
		if err != nil {
			return fmt.Errorf("error generating query: %w", err)
		}
		result, err := writer.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		nrRows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("error reading rows affected: %w", err)
		}
		if nrRows == 0 {
			return gerror.NewErrOptimisticLockFailed("Task was updated concurrently").
				IDetail("task_id", task.ID)
		}
		return nil
	})
	if err != nil {
		return store.MakeStandardDBError(err)
	}
	return nil
}

// FindQueuedTask locates the next claimable task at the given time, scanning
// the supplied queues in order and FIFO within a queue.
// Returns gerror.ErrCodeNotFound if no task is ready.
func (d *TaskStore) FindQueuedTask(ctx context.Context, tx *store.Tx, now models.Time, queues []models.QueueName) (*models.Task, error) {
	for _, queue := range queues {
		task := &models.Task{}
		taskSelect := goqu.From(tableName).Select(task).
			Where(goqu.Ex{"task_state": models.TaskStatePending, "task_queue": queue}).
			Where(goqu.Or(
				goqu.C("task_not_before").IsNull(),
				goqu.C("task_not_before").Lte(now),
			)).
			Order(goqu.C("task_created_at").Asc(), goqu.C("task_id").Asc()).
			Limit(1).
			Prepared(true)
		var found bool
		err := d.db.Read(tx, func(reader store.Reader) error {
			query, args, err := taskSelect.ToSQL()
			if err != nil {
				return fmt.Errorf("error generating query: %w", err)
			}
			found, err = reader.ScanStructContext(ctx, task, query, args...)
			return err
		})
		if err != nil {
			return nil, store.MakeStandardDBError(err)
		}
		if found {
			return task, nil
		}
	}
	return nil, gerror.NewErrNotFound("No queued task is ready")
}

// FindExpiredAllocations lists running tasks whose allocation deadline has
// passed.
func (d *TaskStore) FindExpiredAllocations(ctx context.Context, txOrNil *store.Tx, now models.Time, limit int) ([]*models.Task, error) {
	var tasks []*models.Task
	taskSelect := goqu.From(tableName).Select(&models.Task{}).
		Where(goqu.Ex{"task_state": models.TaskStateRunning}).
		Where(goqu.C("task_allocated_until").IsNotNull()).
		Where(goqu.C("task_allocated_until").Lt(now)).
		Order(goqu.C("task_allocated_until").Asc()).
		Limit(uint(limit)).
		Prepared(true)
	err := d.db.Read(txOrNil, func(reader store.Reader) error {
		query, args, err := taskSelect.ToSQL()
		if err != nil {
			return fmt.Errorf("error generating query: %w", err)
		}
		return reader.ScanStructsContext(ctx, &tasks, query, args...)
	})
	if err != nil {
		return nil, store.MakeStandardDBError(err)
	}
	return tasks, nil
}

// LockRowForUpdate takes out an exclusive row lock on the task's row, on
// databases that support row-level locking.
func (d *TaskStore) LockRowForUpdate(ctx context.Context, tx *store.Tx, id models.TaskID) error {
	if !d.db.SupportsRowLevelLocking() {
		return nil
	}
	return d.db.Write(tx, func(writer store.Writer) error {
		query, args, err := goqu.From(tableName).
			Select("task_id").
			Where(goqu.Ex{"task_id": id}).
			ForUpdate(goqu.Wait).
			Prepared(true).ToSQL()
		if err != nil {
			return fmt.Errorf("error generating query: %w", err)
		}
		_, err = writer.ExecContext(ctx, query, args...)
		return err
	})
}
