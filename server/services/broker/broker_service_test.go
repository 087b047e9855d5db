package broker

import (
	"encoding/json"
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
	"github.com/codegraphhq/codegraph/server/store/kv"
	"github.com/codegraphhq/codegraph/server/store/store_test"
	"github.com/codegraphhq/codegraph/server/store/tasks"
	"github.com/codegraphhq/codegraph/server/store/workers"
)

const testPollTimeout = 10 * time.Second

func newTestBroker(t *testing.T) *BrokerService {
	db, cleanup, err := store_test.Connect(logger.NoOpLogFactory)
	require.NoError(t, err)
	t.Cleanup(cleanup)

	return NewBrokerService(
		db,
		tasks.NewStore(db, logger.NoOpLogFactory),
		workers.NewStore(db, logger.NoOpLogFactory),
		kv.NewStore(db, logger.NoOpLogFactory),
		clock.New(),
		BrokerConfig{
			NrTaskProcessors: 2,
			TaskTimeout:      30 * time.Second,
			PollInterval:     10 * time.Millisecond,
		},
		logger.NoOpLogFactory)
}

func inspectState(broker *BrokerService, taskID models.TaskID) func() bool {
	return func() bool {
		return broker.Inspect(context.Background(), taskID).State.HasFinished()
	}
}

func TestDispatchRequiresHandler(t *testing.T) {
	broker := newTestBroker(t)
	ctx := context.Background()

	_, err := broker.Dispatch(ctx, nil, &services.TaskSpec{Name: "never_registered"})
	require.Error(t, err)
	assert.True(t, gerror.IsStepDispatch(err))

	broker.RegisterHandler("echo", func(ctx context.Context, taskID models.TaskID, args []byte) (map[string]interface{}, error) {
		return nil, nil
	})
	taskID, err := broker.Dispatch(ctx, nil, &services.TaskSpec{Name: "echo"})
	require.NoError(t, err)

	status := broker.Inspect(ctx, taskID)
	assert.Equal(t, models.TaskStatePending, status.State)
	assert.Equal(t, models.QueueDefault, status.Queue)
}

func TestDispatchRejectsUnknownQueue(t *testing.T) {
	broker := newTestBroker(t)
	broker.RegisterHandler("echo", func(ctx context.Context, taskID models.TaskID, args []byte) (map[string]interface{}, error) {
		return nil, nil
	})

	_, err := broker.Dispatch(context.Background(), nil, &services.TaskSpec{Name: "echo", Queue: "express"})
	require.Error(t, err)
	assert.True(t, gerror.IsStepDispatch(err))
}

func TestExecuteTask(t *testing.T) {
	broker := newTestBroker(t)
	ctx := context.Background()

	type echoArgs struct {
		Value string `json:"value"`
	}
	broker.RegisterHandler("echo", func(ctx context.Context, taskID models.TaskID, args []byte) (map[string]interface{}, error) {
		parsed := &echoArgs{}
		if err := json.Unmarshal(args, parsed); err != nil {
			return nil, err
		}
		return map[string]interface{}{"echo": parsed.Value}, nil
	})
	broker.Start()
	defer broker.Stop()

	taskID, err := broker.Dispatch(ctx, nil, &services.TaskSpec{Name: "echo", Args: &echoArgs{Value: "hello"}})
	require.NoError(t, err)

	require.Eventually(t, inspectState(broker, taskID), testPollTimeout, 10*time.Millisecond)
	status := broker.Inspect(ctx, taskID)
	assert.Equal(t, models.TaskStateSuccess, status.State)
	assert.Equal(t, 1, status.Attempts)
	assert.JSONEq(t, `{"echo":"hello"}`, status.Result)
}

func TestHandlerErrorFailsTask(t *testing.T) {
	broker := newTestBroker(t)
	ctx := context.Background()

	broker.RegisterHandler("flaky", func(ctx context.Context, taskID models.TaskID, args []byte) (map[string]interface{}, error) {
		return nil, gerror.NewErrStepExecution("it broke", nil)
	})
	broker.Start()
	defer broker.Stop()

	taskID, err := broker.Dispatch(ctx, nil, &services.TaskSpec{Name: "flaky"})
	require.NoError(t, err)

	require.Eventually(t, inspectState(broker, taskID), testPollTimeout, 10*time.Millisecond)
	status := broker.Inspect(ctx, taskID)
	assert.Equal(t, models.TaskStateFailure, status.State)
	assert.Contains(t, status.Error, "it broke")
}

func TestHandlerPanicFailsTask(t *testing.T) {
	broker := newTestBroker(t)
	ctx := context.Background()

	broker.RegisterHandler("hotheaded", func(ctx context.Context, taskID models.TaskID, args []byte) (map[string]interface{}, error) {
		panic("boom")
	})
	broker.Start()
	defer broker.Stop()

	taskID, err := broker.Dispatch(ctx, nil, &services.TaskSpec{Name: "hotheaded"})
	require.NoError(t, err)

	require.Eventually(t, inspectState(broker, taskID), testPollTimeout, 10*time.Millisecond)
	status := broker.Inspect(ctx, taskID)
	assert.Equal(t, models.TaskStateFailure, status.State)
	assert.Contains(t, status.Error, "boom")
}

func TestQueuePriority(t *testing.T) {
	broker := newTestBroker(t)
	ctx := context.Background()

	broker.RegisterHandler("echo", func(ctx context.Context, taskID models.TaskID, args []byte) (map[string]interface{}, error) {
		return nil, nil
	})

	// Dispatch to low before high; the high queue task must be claimed first
	lowID, err := broker.Dispatch(ctx, nil, &services.TaskSpec{Name: "echo", Queue: models.QueueLow})
	require.NoError(t, err)
	highID, err := broker.Dispatch(ctx, nil, &services.TaskSpec{Name: "echo", Queue: models.QueueHigh})
	require.NoError(t, err)

	first := broker.allocateTask(ctx)
	require.NotNil(t, first)
	assert.Equal(t, highID, first.ID)
	second := broker.allocateTask(ctx)
	require.NotNil(t, second)
	assert.Equal(t, lowID, second.ID)
	assert.Nil(t, broker.allocateTask(ctx))
}

func TestNotBeforeDelaysClaim(t *testing.T) {
	broker := newTestBroker(t)
	ctx := context.Background()

	broker.RegisterHandler("echo", func(ctx context.Context, taskID models.TaskID, args []byte) (map[string]interface{}, error) {
		return nil, nil
	})
	notBefore := models.NewTimePtr(time.Now().Add(time.Hour))
	_, err := broker.Dispatch(ctx, nil, &services.TaskSpec{Name: "echo", NotBefore: notBefore})
	require.NoError(t, err)

	assert.Nil(t, broker.allocateTask(ctx))
}

func TestRevokePendingTask(t *testing.T) {
	broker := newTestBroker(t)
	ctx := context.Background()

	broker.RegisterHandler("echo", func(ctx context.Context, taskID models.TaskID, args []byte) (map[string]interface{}, error) {
		return nil, nil
	})
	taskID, err := broker.Dispatch(ctx, nil, &services.TaskSpec{Name: "echo"})
	require.NoError(t, err)

	require.NoError(t, broker.Revoke(ctx, taskID, false))
	status := broker.Inspect(ctx, taskID)
	assert.Equal(t, models.TaskStateRevoked, status.State)

	// Idempotent, including for unknown tasks
	require.NoError(t, broker.Revoke(ctx, taskID, true))
	require.NoError(t, broker.Revoke(ctx, models.NewTaskID(), false))
}

func TestRevokeRunningTaskTerminates(t *testing.T) {
	broker := newTestBroker(t)
	ctx := context.Background()

	started := make(chan struct{})
	broker.RegisterHandler("patient", func(ctx context.Context, taskID models.TaskID, args []byte) (map[string]interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	broker.Start()
	defer broker.Stop()

	taskID, err := broker.Dispatch(ctx, nil, &services.TaskSpec{Name: "patient"})
	require.NoError(t, err)
	<-started

	require.NoError(t, broker.Revoke(ctx, taskID, true))
	require.Eventually(t, inspectState(broker, taskID), testPollTimeout, 10*time.Millisecond)
	status := broker.Inspect(ctx, taskID)
	assert.Equal(t, models.TaskStateRevoked, status.State)
}

func TestInspectUnknownTask(t *testing.T) {
	broker := newTestBroker(t)
	status := broker.Inspect(context.Background(), models.NewTaskID())
	assert.Equal(t, models.TaskStateUnknown, status.State)
}

func TestWorkerPresence(t *testing.T) {
	broker := newTestBroker(t)
	ctx := context.Background()

	broker.RegisterHandler("echo", func(ctx context.Context, taskID models.TaskID, args []byte) (map[string]interface{}, error) {
		return nil, nil
	})
	broker.Start()

	require.Eventually(t, func() bool {
		fleet, err := broker.InspectWorkers(ctx)
		return err == nil && fleet.ActiveCount == 1
	}, testPollTimeout, 10*time.Millisecond)
	fleet, err := broker.InspectWorkers(ctx)
	require.NoError(t, err)
	assert.Contains(t, fleet.RegisteredTaskNames, "echo")

	broker.Stop()
	fleet, err = broker.InspectWorkers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, fleet.ActiveCount)
}
