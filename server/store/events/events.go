package events

import (
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"golang.org/x/net/context"

	"github.com/codegraphhq/codegraph/common/logger"
	"github.com/codegraphhq/codegraph/common/models"
	"github.com/codegraphhq/codegraph/server/store"
)

const (
	tableName        = "progress_events"
	counterTableName = "event_counters"
)

type EventStore struct {
	db *store.DB
	logger.Log
}

func NewStore(db *store.DB, logFactory logger.LogFactory) *EventStore {
	return &EventStore{
		db:  db,
		Log: logFactory("EventStore"),
	}
}

// Create a new progress event with the specified sequence number and data.
// Returns gerror.ErrCodeAlreadyExists if an event with this job/sequence
// number already exists.
func (d *EventStore) Create(
	ctx context.Context,
	txOrNil *store.Tx,
	sequenceNumber models.EventNumber,
	eventData *models.ProgressEventData,
) (*models.ProgressEvent, error) {
	event := &models.ProgressEvent{
		ProgressEventMetadata: models.ProgressEventMetadata{
			ID:             models.NewEventID(),
			CreatedAt:      models.NewTime(time.Now()),
			SequenceNumber: sequenceNumber,
		},
		ProgressEventData: *eventData,
	}
	err := d.db.Write(txOrNil, func(writer store.Writer) error {
		query, args, err := writer.Insert(tableName).Rows(event).Prepared(true).ToSQL()
		if err != nil {
			return fmt.Errorf("error generating query: %w", err)
		}
		_, err = writer.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, store.MakeStandardDBError(err)
	}
	return event, nil
}

// IncrementEventCounter increments and returns the event counter for the
// specified job, to provide a sequence number for a new event.
func (d *EventStore) IncrementEventCounter(ctx context.Context, txOrNil *store.Tx, jobID models.JobID) (models.EventNumber, error) {
	var counter models.EventNumber
	err := d.db.WithTx(ctx, txOrNil, func(tx *store.Tx) error {
		// Attempt to increment the counter; 'found' is false when no counter
		// row exists yet for this job
		var found bool
		err := d.db.Write(tx, func(writer store.Writer) error {
			updateResult, err := writer.Update(counterTableName).
				Set(goqu.Record{"event_counter_value": goqu.L("event_counter_value+1")}).
				Where(goqu.Ex{"event_counter_job_id": jobID}).
				Executor().Exec()
			if err != nil {
				return fmt.Errorf("error updating event counter: %w", err)
			}
			nrRowsUpdated, err := updateResult.RowsAffected()
			if err != nil {
				return fmt.Errorf("error determining number of rows updated in IncrementEventCounter(): %w", err)
			}
			found = nrRowsUpdated == 1
			return nil
		})
		if err != nil {
			return err
		}
		if found {
			// Counter was found and incremented, so read the new value
			return d.db.Read(tx, func(reader store.Reader) error {
				_, err := reader.From(counterTableName).
					Select(goqu.C("event_counter_value")).
					Where(goqu.Ex{"event_counter_job_id": jobID}).
					Executor().
					ScanVal(&counter)
				return err
			})
		}
		// Counter was not found, so initialize to a value of 1
		counter = 1
		return d.initializeEventCounter(tx, jobID, counter)
	})
	if err != nil {
		return 0, store.MakeStandardDBError(err)
	}
	return counter, nil
}

func (d *EventStore) initializeEventCounter(txOrNil *store.Tx, jobID models.JobID, initialValue models.EventNumber) error {
	return d.db.Write(txOrNil, func(writer store.Writer) error {
		result, err := writer.Insert(counterTableName).
			Rows(goqu.Record{
				"event_counter_job_id": jobID.String(),
				"event_counter_value":  initialValue,
			}).
			Executor().Exec()
		if err != nil {
			return fmt.Errorf("error inserting new event counter: %w", err)
		}
		nrRowsInserted, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("error determining number of rows inserted in initializeEventCounter(): %w", err)
		}
		if nrRowsInserted != 1 {
			return fmt.Errorf("error inserting new event counter; expected 1 row to be inserted but %d rows inserted", nrRowsInserted)
		}
		return nil
	})
}

// FindEvents reads the next events for a job, in sequence order.
// If no matching events are present an empty list is returned immediately.
func (d *EventStore) FindEvents(
	ctx context.Context,
	txOrNil *store.Tx,
	jobID models.JobID,
	lastEventNumber models.EventNumber,
	limit int,
) ([]*models.ProgressEvent, error) {
	var events []*models.ProgressEvent
	eventSelect := goqu.From(tableName).Select(&models.ProgressEvent{}).
		Where(goqu.Ex{"event_job_id": jobID}).
		Where(goqu.C("event_sequence_number").Gt(lastEventNumber)).
		Order(goqu.C("event_sequence_number").Asc()).
		Limit(uint(limit)).
		Prepared(true)
	err := d.db.Read(txOrNil, func(reader store.Reader) error {
		query, args, err := eventSelect.ToSQL()
		if err != nil {
			return fmt.Errorf("error generating query: %w", err)
		}
		return reader.ScanStructsContext(ctx, &events, query, args...)
	})
	if err != nil {
		return nil, store.MakeStandardDBError(err)
	}
	return events, nil
}
