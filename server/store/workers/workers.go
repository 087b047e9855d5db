package workers

import (
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"golang.org/x/net/context"

	"github.com/codegraphhq/codegraph/common/logger"
	"github.com/codegraphhq/codegraph/common/models"
	"github.com/codegraphhq/codegraph/server/store"
)

const tableName = "workers"

type WorkerStore struct {
	db *store.DB
	logger.Log
}

func NewStore(db *store.DB, logFactory logger.LogFactory) *WorkerStore {
	return &WorkerStore{
		db:  db,
		Log: logFactory("WorkerStore"),
	}
}

// Upsert creates the worker's presence row or refreshes its heartbeat.
func (d *WorkerStore) Upsert(ctx context.Context, txOrNil *store.Tx, worker *models.Worker) error {
	err := d.db.WithTx(ctx, txOrNil, func(tx *store.Tx) error {
		var updated bool
		err := d.db.Write(tx, func(writer store.Writer) error {
			result, err := writer.Update(tableName).
				Set(goqu.Record{
					"worker_last_seen_at": worker.LastSeenAt,
					"worker_hostname":     worker.Hostname,
					"worker_task_names":   worker.TaskNames,
					"worker_concurrency":  worker.Concurrency,
				}).
				Where(goqu.Ex{"worker_id": worker.ID}).
				Executor().Exec()
			if err != nil {
				return fmt.Errorf("error updating worker heartbeat: %w", err)
			}
			nrRows, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("error reading rows affected: %w", err)
			}
			updated = nrRows == 1
			return nil
		})
		if err != nil {
			return err
		}
		if updated {
			return nil
		}
		return d.db.Write(tx, func(writer store.Writer) error {
			query, args, err := writer.Insert(tableName).Rows(worker).Prepared(true).ToSQL()
			if err != nil {
				return fmt.Errorf("error generating query: %w", err)
			}
			_, err = writer.ExecContext(ctx, query, args...)
			return err
		})
	})
	if err != nil {
		return store.MakeStandardDBError(err)
	}
	return nil
}

// Delete removes a worker's presence row. Idempotent.
func (d *WorkerStore) Delete(ctx context.Context, txOrNil *store.Tx, id models.WorkerID) error {
	err := d.db.Write(txOrNil, func(writer store.Writer) error {
		query, args, err := writer.Delete(tableName).
			Where(goqu.Ex{"worker_id": id}).
			Prepared(true).ToSQL()
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

// ListActive lists workers whose heartbeat is fresh at the given time.
func (d *WorkerStore) ListActive(ctx context.Context, txOrNil *store.Tx, now models.Time) ([]*models.Worker, error) {
	cutoff := models.NewTime(now.Add(-models.WorkerHeartbeatTTL))
	var workers []*models.Worker
	workerSelect := goqu.From(tableName).Select(&models.Worker{}).
		Where(goqu.C("worker_last_seen_at").Gte(cutoff)).
		Order(goqu.C("worker_created_at").Asc()).
		Prepared(true)
	err := d.db.Read(txOrNil, func(reader store.Reader) error {
		query, args, err := workerSelect.ToSQL()
		if err != nil {
			return fmt.Errorf("error generating query: %w", err)
		}
		return reader.ScanStructsContext(ctx, &workers, query, args...)
	})
	if err != nil {
		return nil, store.MakeStandardDBError(err)
	}
	return workers, nil
}
