package progress

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codegraphhq/codegraph/common/gerror"
	"github.com/codegraphhq/codegraph/common/logger"
	"github.com/codegraphhq/codegraph/common/models"
	"github.com/codegraphhq/codegraph/server/store/events"
	"github.com/codegraphhq/codegraph/server/store/kv"
	"github.com/codegraphhq/codegraph/server/store/store_test"
)

func newTestProgress(t *testing.T) *ProgressService {
	db, cleanup, err := store_test.Connect(logger.NoOpLogFactory)
	require.NoError(t, err)
	t.Cleanup(cleanup)

	return NewProgressService(
		db,
		events.NewStore(db, logger.NoOpLogFactory),
		kv.NewStore(db, logger.NoOpLogFactory),
		clock.New(),
		logger.NoOpLogFactory)
}

func publish(t *testing.T, service *ProgressService, jobID models.JobID, status models.JobStatus, progress float64, message string) *models.ProgressEvent {
	event := models.NewProgressEventData(jobID, status, "", "", progress, message)
	require.NoError(t, service.Publish(context.Background(), nil, event))
	return event
}

func TestPublishAssignsSequenceNumbers(t *testing.T) {
	service := newTestProgress(t)
	jobID := models.NewJobID()
	otherJobID := models.NewJobID()

	first := publish(t, service, jobID, models.JobStatusPending, 0, "accepted")
	second := publish(t, service, jobID, models.JobStatusRunning, 25, "working")
	other := publish(t, service, otherJobID, models.JobStatusPending, 0, "accepted")

	assert.Equal(t, models.EventNumber(1), first.SequenceNumber)
	assert.Equal(t, models.EventNumber(2), second.SequenceNumber)
	// Sequences are per job
	assert.Equal(t, models.EventNumber(1), other.SequenceNumber)
	assert.True(t, first.ID.Valid())
	assert.False(t, first.CreatedAt.IsZero())
}

func TestLatest(t *testing.T) {
	service := newTestProgress(t)
	jobID := models.NewJobID()

	_, err := service.Latest(context.Background(), jobID)
	require.Error(t, err)
	assert.True(t, gerror.IsNotFound(err))

	publish(t, service, jobID, models.JobStatusPending, 0, "accepted")
	publish(t, service, jobID, models.JobStatusRunning, 50, "halfway")

	latest, err := service.Latest(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, latest.Status)
	assert.Equal(t, float64(50), latest.Progress)
	assert.Equal(t, models.EventNumber(2), latest.SequenceNumber)
}

func TestFetchEvents(t *testing.T) {
	service := newTestProgress(t)
	ctx := context.Background()
	jobID := models.NewJobID()

	for i := 1; i <= 5; i++ {
		publish(t, service, jobID, models.JobStatusRunning, float64(i*20), "working")
	}

	all, err := service.FetchEvents(ctx, nil, jobID, 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, event := range all {
		assert.Equal(t, models.EventNumber(i+1), event.SequenceNumber)
	}

	tail, err := service.FetchEvents(ctx, nil, jobID, 3, 10)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, models.EventNumber(4), tail[0].SequenceNumber)

	limited, err := service.FetchEvents(ctx, nil, jobID, 0, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func receiveEvent(t *testing.T, eventsC <-chan *models.ProgressEvent) *models.ProgressEvent {
	select {
	case event, ok := <-eventsC:
		require.True(t, ok, "event feed closed unexpectedly")
		return event
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for progress event")
		return nil
	}
}

func TestSubscribeReplaysLatestThenStreams(t *testing.T) {
	service := newTestProgress(t)
	ctx := context.Background()
	jobID := models.NewJobID()

	publish(t, service, jobID, models.JobStatusPending, 0, "accepted")
	publish(t, service, jobID, models.JobStatusRunning, 25, "working")

	subscription, err := service.Subscribe(ctx, jobID)
	require.NoError(t, err)
	defer subscription.Close()

	// The cached latest event comes first, not the full history
	event := receiveEvent(t, subscription.Events())
	assert.Equal(t, models.EventNumber(2), event.SequenceNumber)

	publish(t, service, jobID, models.JobStatusRunning, 75, "nearly there")
	event = receiveEvent(t, subscription.Events())
	assert.Equal(t, models.EventNumber(3), event.SequenceNumber)

	publish(t, service, jobID, models.JobStatusCompleted, 100, "done")
	event = receiveEvent(t, subscription.Events())
	assert.True(t, event.IsTerminal())

	// The feed ends after a terminal event
	_, ok := <-subscription.Events()
	assert.False(t, ok)
}

func TestSubscribeTerminalJobEndsImmediately(t *testing.T) {
	service := newTestProgress(t)
	jobID := models.NewJobID()

	publish(t, service, jobID, models.JobStatusFailed, 40, "it broke")

	subscription, err := service.Subscribe(context.Background(), jobID)
	require.NoError(t, err)
	defer subscription.Close()

	event := receiveEvent(t, subscription.Events())
	assert.Equal(t, models.JobStatusFailed, event.Status)
	_, ok := <-subscription.Events()
	assert.False(t, ok)
}

func TestSubscribeCloseEndsFeed(t *testing.T) {
	service := newTestProgress(t)
	jobID := models.NewJobID()

	publish(t, service, jobID, models.JobStatusRunning, 10, "working")

	subscription, err := service.Subscribe(context.Background(), jobID)
	require.NoError(t, err)
	receiveEvent(t, subscription.Events())

	subscription.Close()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-subscription.Events():
			return !ok
		default:
			return false
		}
	}, 10*time.Second, 10*time.Millisecond)
}
