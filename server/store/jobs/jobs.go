package jobs

import (
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"golang.org/x/net/context"

	"github.com/codegraphhq/codegraph/common/gerror"
	"github.com/codegraphhq/codegraph/common/logger"
	"github.com/codegraphhq/codegraph/common/models"
	"github.com/codegraphhq/codegraph/server/store"
)

const tableName = "jobs"

type JobStore struct {
	db *store.DB
	logger.Log
}

func NewStore(db *store.DB, logFactory logger.LogFactory) *JobStore {
	return &JobStore{
		db:  db,
		Log: logFactory("JobStore"),
	}
}

// Create a new job record.
// Returns gerror.ErrCodeAlreadyExists if a job with this ID already exists.
func (d *JobStore) Create(ctx context.Context, txOrNil *store.Tx, job *models.Job) error {
	if err := job.Validate(); err != nil {
		return gerror.NewErrValidationFailed("Job failed validation").Wrap(err)
	}
	job.ETag = models.ETagFromData(job.JobData)
	err := d.db.Write(txOrNil, func(writer store.Writer) error {
		query, args, err := writer.Insert(tableName).Rows(job).Prepared(true).ToSQL()
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

// Read an existing job, looking it up by ID.
// Returns gerror.ErrCodeNotFound if the job does not exist.
func (d *JobStore) Read(ctx context.Context, txOrNil *store.Tx, id models.JobID) (*models.Job, error) {
	job := &models.Job{}
	jobSelect := goqu.From(tableName).Select(job).
		Where(goqu.Ex{"job_id": id}).
		Prepared(true)
	err := d.db.Read(txOrNil, func(reader store.Reader) error {
		query, args, err := jobSelect.ToSQL()
		if err != nil {
			return fmt.Errorf("error generating query: %w", err)
		}
		found, err := reader.ScanStructContext(ctx, job, query, args...)
		if err != nil {
			return err
		}
		if !found {
			return gerror.NewErrNotFound("Job not found").IDetail("job_id", id)
		}
		return nil
	})
	if err != nil {
		return nil, store.MakeStandardDBError(err)
	}
	return job, nil
}

// Update an existing job with optimistic locking. Overrides all previous
// values using the supplied model.
// Returns gerror.ErrCodeOptimisticLockFailed on an etag mismatch.
func (d *JobStore) Update(ctx context.Context, txOrNil *store.Tx, job *models.Job) error {
	previousETag := job.ETag
	job.UpdatedAt = models.NewTime(time.Now())
	job.ETag = models.ETagFromData(job.JobData)
	err := d.db.Write(txOrNil, func(writer store.Writer) error {
		query, args, err := writer.Update(tableName).
			Set(job).
			Where(goqu.Ex{"job_id": job.ID, "job_etag": previousETag}).
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
			return gerror.NewErrOptimisticLockFailed("Job was updated concurrently").
				IDetail("job_id", job.ID)
		}
		return nil
	})
	if err != nil {
		return store.MakeStandardDBError(err)
	}
	return nil
}

// LockRowForUpdate takes out an exclusive row lock on the job's row, on
// databases that support row-level locking. Must be run inside a transaction.
func (d *JobStore) LockRowForUpdate(ctx context.Context, tx *store.Tx, id models.JobID) error {
	if !d.db.SupportsRowLevelLocking() {
		return nil
	}
	return d.db.Write(tx, func(writer store.Writer) error {
		query, args, err := goqu.From(tableName).
			Select("job_id").
			Where(goqu.Ex{"job_id": id}).
			ForUpdate(goqu.Wait).
			Prepared(true).ToSQL()
		if err != nil {
			return fmt.Errorf("error generating query: %w", err)
		}
		_, err = writer.ExecContext(ctx, query, args...)
		return err
	})
}

// List jobs matching the query, with the query's pagination applied.
// Returns the page of jobs and the total count of matching jobs.
func (d *JobStore) List(ctx context.Context, txOrNil *store.Tx, query *models.JobQuery) ([]*models.Job, int, error) {
	query.PopulateDefaults()
	if err := query.Validate(); err != nil {
		return nil, 0, gerror.NewErrValidationFailed("Job listing failed validation").Wrap(err)
	}

	where := goqu.Ex{}
	if len(query.Statuses) > 0 {
		where["job_status"] = query.Statuses
	}

	sortColumn := goqu.C("job_" + query.SortBy)
	var order exp.OrderedExpression
	if query.SortOrder == models.SortAsc {
		order = sortColumn.Asc()
	} else {
		order = sortColumn.Desc()
	}

	jobSelect := goqu.From(tableName).Select(&models.Job{}).
		Where(where).
		Order(order, goqu.C("job_id").Desc()).
		Limit(uint(query.Limit)).
		Offset(uint(query.Offset)).
		Prepared(true)
	countSelect := goqu.From(tableName).Select(goqu.COUNT("*")).
		Where(where).
		Prepared(true)

	var (
		jobs  []*models.Job
		total int64
	)
	err := d.db.Read(txOrNil, func(reader store.Reader) error {
		query, args, err := jobSelect.ToSQL()
		if err != nil {
			return fmt.Errorf("error generating query: %w", err)
		}
		if err := reader.ScanStructsContext(ctx, &jobs, query, args...); err != nil {
			return err
		}
		query, args, err = countSelect.ToSQL()
		if err != nil {
			return fmt.Errorf("error generating count query: %w", err)
		}
		if _, err := reader.ScanValContext(ctx, &total, query, args...); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, 0, store.MakeStandardDBError(err)
	}
	return jobs, int(total), nil
}
