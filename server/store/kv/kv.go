package kv

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

const tableName = "kv_entries"

// KVStore is a small expiring key-value cache over the shared database. It
// backs the latest-value cache (latest:<job_id>) and the waiting queue
// (waiting:<job_id>).
type KVStore struct {
	db *store.DB
	logger.Log
}

func NewStore(db *store.DB, logFactory logger.LogFactory) *KVStore {
	return &KVStore{
		db:  db,
		Log: logFactory("KVStore"),
	}
}

// Put creates or replaces the entry for key with the supplied JSON value and
// TTL.
func (d *KVStore) Put(ctx context.Context, txOrNil *store.Tx, key string, value string, expiresAt models.Time) error {
	entry := &models.KVEntry{
		Key:       key,
		Value:     value,
		UpdatedAt: models.NewTime(time.Now()),
		ExpiresAt: expiresAt,
	}
	if err := entry.Validate(); err != nil {
		return gerror.NewErrValidationFailed("KV entry failed validation").Wrap(err)
	}
	err := d.db.WithTx(ctx, txOrNil, func(tx *store.Tx) error {
		var updated bool
		err := d.db.Write(tx, func(writer store.Writer) error {
			result, err := writer.Update(tableName).
				Set(goqu.Record{
					"kv_value":      entry.Value,
					"kv_updated_at": entry.UpdatedAt,
					"kv_expires_at": entry.ExpiresAt,
				}).
				Where(goqu.Ex{"kv_key": key}).
				Executor().Exec()
			if err != nil {
				return fmt.Errorf("error updating kv entry: %w", err)
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
			query, args, err := writer.Insert(tableName).Rows(entry).Prepared(true).ToSQL()
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

// Get reads the entry for key. Expired entries are treated as missing.
// Returns gerror.ErrCodeNotFound if the entry does not exist.
func (d *KVStore) Get(ctx context.Context, txOrNil *store.Tx, key string, now models.Time) (*models.KVEntry, error) {
	entry := &models.KVEntry{}
	entrySelect := goqu.From(tableName).Select(entry).
		Where(goqu.Ex{"kv_key": key}).
		Where(goqu.C("kv_expires_at").Gt(now)).
		Prepared(true)
	err := d.db.Read(txOrNil, func(reader store.Reader) error {
		query, args, err := entrySelect.ToSQL()
		if err != nil {
			return fmt.Errorf("error generating query: %w", err)
		}
		found, err := reader.ScanStructContext(ctx, entry, query, args...)
		if err != nil {
			return err
		}
		if !found {
			return gerror.NewErrNotFound("KV entry not found").IDetail("key", key)
		}
		return nil
	})
	if err != nil {
		return nil, store.MakeStandardDBError(err)
	}
	return entry, nil
}

// Delete removes the entry for key. Idempotent.
func (d *KVStore) Delete(ctx context.Context, txOrNil *store.Tx, key string) error {
	err := d.db.Write(txOrNil, func(writer store.Writer) error {
		query, args, err := writer.Delete(tableName).
			Where(goqu.Ex{"kv_key": key}).
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

// ListByPrefix lists unexpired entries whose key starts with prefix.
func (d *KVStore) ListByPrefix(ctx context.Context, txOrNil *store.Tx, prefix string, now models.Time) ([]*models.KVEntry, error) {
	var entries []*models.KVEntry
	entrySelect := goqu.From(tableName).Select(&models.KVEntry{}).
		Where(goqu.C("kv_key").Like(prefix + "%")).
		Where(goqu.C("kv_expires_at").Gt(now)).
		Order(goqu.C("kv_key").Asc()).
		Prepared(true)
	err := d.db.Read(txOrNil, func(reader store.Reader) error {
		query, args, err := entrySelect.ToSQL()
		if err != nil {
			return fmt.Errorf("error generating query: %w", err)
		}
		return reader.ScanStructsContext(ctx, &entries, query, args...)
	})
	if err != nil {
		return nil, store.MakeStandardDBError(err)
	}
	return entries, nil
}

// DeleteExpired removes entries whose TTL has lapsed, returning the number
// deleted.
func (d *KVStore) DeleteExpired(ctx context.Context, txOrNil *store.Tx, now models.Time) (int64, error) {
	var nrRows int64
	err := d.db.Write(txOrNil, func(writer store.Writer) error {
		query, args, err := writer.Delete(tableName).
			Where(goqu.C("kv_expires_at").Lte(now)).
			Prepared(true).ToSQL()
		if err != nil {
			return fmt.Errorf("error generating query: %w", err)
		}
		result, err := writer.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		nrRows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, store.MakeStandardDBError(err)
	}
	return nrRows, nil
}
