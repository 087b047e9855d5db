package health

import (
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/context"

	"github.com/codegraphhq/codegraph/common/gerror"
	"github.com/codegraphhq/codegraph/common/logger"
	"github.com/codegraphhq/codegraph/common/models"
	"github.com/codegraphhq/codegraph/server/services"
	"github.com/codegraphhq/codegraph/server/store"
)

func TestCheckHealthy(t *testing.T) {
	service := NewHealthService(&fakeBroker{activeWorkers: 2}, &fakeKVStore{}, clock.New(), logger.NoOpLogFactory)

	report := service.Check(context.Background())
	assert.Equal(t, services.HealthHealthy, report.Status)
	assert.Equal(t, "ok", report.Components["broker"])
	assert.Equal(t, "ok", report.Components["cache"])
	assert.Equal(t, "2 active", report.Components["workers"])
}

func TestCheckUnreachableBrokerIsUnhealthy(t *testing.T) {
	broker := &fakeBroker{healthErr: fmt.Errorf("connection refused"), workersErr: fmt.Errorf("connection refused")}
	service := NewHealthService(broker, &fakeKVStore{}, clock.New(), logger.NoOpLogFactory)

	report := service.Check(context.Background())
	assert.Equal(t, services.HealthUnhealthy, report.Status)
	assert.Contains(t, report.Components["broker"], "unreachable")
}

func TestCheckNoWorkersDegrades(t *testing.T) {
	service := NewHealthService(&fakeBroker{}, &fakeKVStore{}, clock.New(), logger.NoOpLogFactory)

	report := service.Check(context.Background())
	assert.Equal(t, services.HealthDegraded, report.Status)
	assert.Equal(t, "no active workers", report.Components["workers"])
}

func TestCheckStuckComponentDoesNotHang(t *testing.T) {
	// The broker never answers; each probe must give up on its own deadline
	// instead of hanging the whole check
	broker := &fakeBroker{block: true}
	service := NewHealthService(broker, &fakeKVStore{}, clock.New(), logger.NoOpLogFactory)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan *services.HealthReport, 1)
	go func() { done <- service.Check(ctx) }()

	select {
	case report := <-done:
		assert.Equal(t, services.HealthUnhealthy, report.Status)
		assert.Contains(t, report.Components["broker"], "unreachable")
	case <-time.After(5 * time.Second):
		require.Fail(t, "health check did not return for a stuck component")
	}
}

// fakeBroker answers health probes from canned state. With block set every
// probe waits for its context to end first.
type fakeBroker struct {
	healthErr     error
	workersErr    error
	activeWorkers int
	block         bool
}

func (b *fakeBroker) IsHealthy(ctx context.Context) error {
	if b.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return b.healthErr
}

func (b *fakeBroker) InspectWorkers(ctx context.Context) (*models.WorkerFleetStatus, error) {
	if b.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if b.workersErr != nil {
		return nil, b.workersErr
	}
	return &models.WorkerFleetStatus{ActiveCount: b.activeWorkers}, nil
}

func (b *fakeBroker) Dispatch(ctx context.Context, txOrNil *store.Tx, spec *services.TaskSpec) (models.TaskID, error) {
	return models.TaskID{}, fmt.Errorf("not implemented")
}

func (b *fakeBroker) Inspect(ctx context.Context, taskID models.TaskID) *models.TaskStatus {
	return &models.TaskStatus{State: models.TaskStateUnknown}
}

func (b *fakeBroker) Revoke(ctx context.Context, taskID models.TaskID, terminate bool) error {
	return nil
}

func (b *fakeBroker) RegisterHandler(name string, handler services.TaskHandler) {}

// fakeKVStore reports every key missing, the answer a healthy empty cache
// gives. With block set Get waits for its context to end first.
type fakeKVStore struct {
	block bool
}

func (s *fakeKVStore) Put(ctx context.Context, txOrNil *store.Tx, key string, value string, expiresAt models.Time) error {
	return nil
}

func (s *fakeKVStore) Get(ctx context.Context, txOrNil *store.Tx, key string, now models.Time) (*models.KVEntry, error) {
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return nil, gerror.NewErrNotFound("no such entry")
}

func (s *fakeKVStore) Delete(ctx context.Context, txOrNil *store.Tx, key string) error {
	return nil
}

func (s *fakeKVStore) ListByPrefix(ctx context.Context, txOrNil *store.Tx, prefix string, now models.Time) ([]*models.KVEntry, error) {
	return nil, nil
}

func (s *fakeKVStore) DeleteExpired(ctx context.Context, txOrNil *store.Tx, now models.Time) (int64, error) {
	return 0, nil
}
