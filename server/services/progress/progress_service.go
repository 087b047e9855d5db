package progress

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/net/context"

	"github.com/codegraphhq/codegraph/common/gerror"
	"github.com/codegraphhq/codegraph/common/logger"
	"github.com/codegraphhq/codegraph/common/models"
	"github.com/codegraphhq/codegraph/server/services"
	"github.com/codegraphhq/codegraph/server/store"
)

const (
	// subscriberPollInterval covers events published from other processes,
	// which the in-process hub cannot see.
	subscriberPollInterval = 1 * time.Second
	// fetchChunkSize bounds how many events one catch-up read returns.
	fetchChunkSize = 100
	// subscriptionBufferSize is the capacity of a subscription's event channel.
	subscriptionBufferSize = 64
)

// ProgressService is the progress bus. Events published for a job are
// sequence numbered, appended to the job's event stream, and mirrored into a
// latest-value cache entry with a 24 hour TTL so the most recent state of a
// job outlives a subscription.
type ProgressService struct {
	db         *store.DB
	eventStore store.EventStore
	kvStore    store.KVStore
	clk        clock.Clock
	hub        *hub
	logger.Log
}

func NewProgressService(
	db *store.DB,
	eventStore store.EventStore,
	kvStore store.KVStore,
	clk clock.Clock,
	logFactory logger.LogFactory,
) *ProgressService {
	return &ProgressService{
		db:         db,
		eventStore: eventStore,
		kvStore:    kvStore,
		clk:        clk,
		hub:        newHub(),
		Log:        logFactory("ProgressService"),
	}
}

// Publish appends an event to the job's progress channel and updates the
// latest-value cache. The event's sequence number and metadata are filled in
// from the store. Publish order defines sequence order.
func (s *ProgressService) Publish(ctx context.Context, txOrNil *store.Tx, event *models.ProgressEvent) error {
	err := s.db.WithTx(ctx, txOrNil, func(tx *store.Tx) error {
		sequenceNumber, err := s.eventStore.IncrementEventCounter(ctx, tx, event.JobID)
		if err != nil {
			return fmt.Errorf("error allocating event sequence number: %w", err)
		}
		created, err := s.eventStore.Create(ctx, tx, sequenceNumber, &event.ProgressEventData)
		if err != nil {
			return fmt.Errorf("error recording progress event: %w", err)
		}
		event.ProgressEventMetadata = created.ProgressEventMetadata

		buf, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("error serializing progress event: %w", err)
		}
		now := s.clk.Now()
		err = s.kvStore.Put(ctx, tx, models.LatestKey(event.JobID), string(buf), models.NewTime(now.Add(models.KVTTL)))
		if err != nil {
			return fmt.Errorf("error updating latest event cache: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.hub.notify(event.JobID.String())
	return nil
}

// Latest returns the most recent event for a job from the latest-value cache.
// Returns gerror.ErrCodeNotFound if the cache has no entry for the job.
func (s *ProgressService) Latest(ctx context.Context, jobID models.JobID) (*models.ProgressEvent, error) {
	entry, err := s.kvStore.Get(ctx, nil, models.LatestKey(jobID), models.NewTime(s.clk.Now()))
	if err != nil {
		return nil, err
	}
	event := &models.ProgressEvent{}
	if err := json.Unmarshal([]byte(entry.Value), event); err != nil {
		return nil, fmt.Errorf("error parsing cached progress event: %w", err)
	}
	return event, nil
}

// FetchEvents reads events for a job after lastEventNumber, in sequence
// order, up to limit events.
func (s *ProgressService) FetchEvents(
	ctx context.Context,
	txOrNil *store.Tx,
	jobID models.JobID,
	lastEventNumber models.EventNumber,
	limit int,
) ([]*models.ProgressEvent, error) {
	if limit <= 0 || limit > fetchChunkSize {
		limit = fetchChunkSize
	}
	return s.eventStore.FindEvents(ctx, txOrNil, jobID, lastEventNumber, limit)
}

// Subscribe opens a live feed of progress events for a job. The cached latest
// event, if any, is delivered first; events after it follow in sequence
// order. The feed ends after a terminal event or when ctx is cancelled.
func (s *ProgressService) Subscribe(ctx context.Context, jobID models.JobID) (services.Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		events: make(chan *models.ProgressEvent, subscriptionBufferSize),
		cancel: cancel,
	}
	go s.pump(subCtx, jobID, sub)
	return sub, nil
}

// pump feeds a subscription until a terminal event or context end.
func (s *ProgressService) pump(ctx context.Context, jobID models.JobID, sub *Subscription) {
	defer close(sub.events)

	wakeup, unsubscribe := s.hub.subscribe(jobID.String())
	defer unsubscribe()

	var lastEventNumber models.EventNumber

	// Replay the cached latest event first so a late subscriber immediately
	// learns the job's current state
	latest, err := s.Latest(ctx, jobID)
	if err == nil {
		if !sub.deliver(ctx, latest) {
			return
		}
		if latest.IsTerminal() {
			return
		}
		lastEventNumber = latest.SequenceNumber
	} else if !gerror.IsNotFound(err) {
		s.Errorf("Unable to read latest event for job %s: %v", jobID, err)
	}

	ticker := s.clk.Ticker(subscriberPollInterval)
	defer ticker.Stop()
	for {
		events, err := s.FetchEvents(ctx, nil, jobID, lastEventNumber, fetchChunkSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.Errorf("Unable to read progress events for job %s: %v", jobID, err)
		}
		for _, event := range events {
			if !sub.deliver(ctx, event) {
				return
			}
			lastEventNumber = event.SequenceNumber
			if event.IsTerminal() {
				return
			}
		}
		if len(events) == fetchChunkSize {
			continue // more events may be waiting
		}
		select {
		case <-ctx.Done():
			return
		case <-wakeup:
		case <-ticker.C:
		}
	}
}

// Subscription is a live feed of progress events for one job.
type Subscription struct {
	events chan *models.ProgressEvent
	cancel context.CancelFunc
}

// Events is the feed channel. It is closed after a terminal event is
// delivered or the subscription is closed.
func (s *Subscription) Events() <-chan *models.ProgressEvent {
	return s.events
}

// Close ends the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.cancel()
}

func (s *Subscription) deliver(ctx context.Context, event *models.ProgressEvent) bool {
	select {
	case s.events <- event:
		return true
	case <-ctx.Done():
		return false
	}
}
