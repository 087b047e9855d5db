package broker

import (
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/net/context"

	"github.com/codegraphhq/codegraph/common/gerror"
	"github.com/codegraphhq/codegraph/common/logger"
	"github.com/codegraphhq/codegraph/common/models"
	"github.com/codegraphhq/codegraph/common/util"
	"github.com/codegraphhq/codegraph/server/services"
	"github.com/codegraphhq/codegraph/server/store"
)

const (
	// DefaultTaskTimeout is the hard time limit for a single task execution.
	DefaultTaskTimeout = 3600 * time.Second
	// DefaultNrTaskProcessors is the number of concurrent task processors a
	// worker runs. Each processor claims at most one task at a time.
	DefaultNrTaskProcessors = 4
	// DefaultPollInterval is how often an idle processor checks the queues.
	DefaultPollInterval = 2 * time.Second
	// revocationPollInterval is how often a busy processor checks whether
	// its task has been revoked.
	revocationPollInterval = 1 * time.Second
	// reaperInterval is how often expired task allocations are re-queued.
	reaperInterval = 30 * time.Second
	// reaperBatchSize bounds how many expired allocations one reaper pass
	// handles.
	reaperBatchSize = 100
	// kvSweepInterval is how often expired key-value entries are deleted.
	kvSweepInterval = 5 * time.Minute
)

type BrokerConfig struct {
	NrTaskProcessors int
	TaskTimeout      time.Duration
	PollInterval     time.Duration
}

func (c *BrokerConfig) populateDefaults() {
	if c.NrTaskProcessors <= 0 {
		c.NrTaskProcessors = DefaultNrTaskProcessors
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
}

// BrokerService is a database-backed task broker. Dispatchers enqueue tasks
// onto one of three priority queues; a worker fleet claims tasks one at a
// time, scanning the high queue before default before low. All coordination
// goes through the shared database, so dispatchers and workers can live in
// different processes.
type BrokerService struct {
	db          *store.DB
	taskStore   store.TaskStore
	workerStore store.WorkerStore
	kvStore     store.KVStore
	clk         clock.Clock
	config      BrokerConfig

	workerID models.WorkerID

	handlersMu sync.RWMutex
	handlers   map[string]services.TaskHandler

	// taskAddedChan wakes an idle processor when a task is dispatched from
	// this process. Cross-process dispatches are picked up by polling.
	taskAddedChan chan struct{}

	statefulService *util.StatefulService
	logger.Log
}

func NewBrokerService(
	db *store.DB,
	taskStore store.TaskStore,
	workerStore store.WorkerStore,
	kvStore store.KVStore,
	clk clock.Clock,
	config BrokerConfig,
	logFactory logger.LogFactory,
) *BrokerService {
	config.populateDefaults()
	s := &BrokerService{
		db:            db,
		taskStore:     taskStore,
		workerStore:   workerStore,
		kvStore:       kvStore,
		clk:           clk,
		config:        config,
		workerID:      models.NewWorkerID(),
		handlers:      make(map[string]services.TaskHandler),
		taskAddedChan: make(chan struct{}, 1),
		Log:           logFactory("BrokerService"),
	}
	s.statefulService = util.NewStatefulService(context.Background(), s.Log, s.processTasks)
	return s
}

// RegisterHandler binds a task name to its handler. Dispatching a name with
// no registered handler is an error.
func (s *BrokerService) RegisterHandler(name string, handler services.TaskHandler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[name] = handler
}

func (s *BrokerService) registeredTaskNames() []string {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *BrokerService) findHandler(name string) (services.TaskHandler, bool) {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	handler, ok := s.handlers[name]
	return handler, ok
}

// Dispatch enqueues a task and returns its ID. The task args are serialized
// to JSON; no other serialization format is supported.
// Returns gerror.ErrCodeStepDispatch if the task cannot be accepted.
func (s *BrokerService) Dispatch(ctx context.Context, txOrNil *store.Tx, spec *services.TaskSpec) (models.TaskID, error) {
	if _, ok := s.findHandler(spec.Name); !ok {
		return models.TaskID{}, gerror.NewErrStepDispatch("No handler registered for task", nil).
			EDetail("task_name", spec.Name)
	}
	queue := spec.Queue
	if queue == "" {
		queue = models.QueueDefault
	}
	if !queue.Valid() {
		return models.TaskID{}, gerror.NewErrStepDispatch("Unknown queue", nil).EDetail("queue", queue)
	}
	args, err := json.Marshal(spec.Args)
	if err != nil {
		return models.TaskID{}, gerror.NewErrStepDispatch("Unable to serialize task args", err)
	}
	task := models.NewTask(models.NewTime(s.clk.Now()), spec.Name, queue, string(args), spec.NotBefore)
	err = s.taskStore.Create(ctx, txOrNil, task)
	if err != nil {
		return models.TaskID{}, gerror.NewErrStepDispatch("Unable to enqueue task", err)
	}
	s.Debugf("Dispatched task %s (%s) to queue %s", task.ID, task.Name, task.Queue)

	// Wake an idle processor in this process, if any
	select {
	case s.taskAddedChan <- struct{}{}:
	default:
	}
	return task.ID, nil
}

// Inspect reports the broker's view of a task. When the broker cannot be
// queried (or the task is unknown) the returned status has state
// TaskStateUnknown; Inspect never returns an error.
func (s *BrokerService) Inspect(ctx context.Context, taskID models.TaskID) *models.TaskStatus {
	task, err := s.taskStore.Read(ctx, nil, taskID)
	if err != nil {
		if !gerror.IsNotFound(err) {
			s.Errorf("Unable to inspect task %s, reporting unknown state: %v", taskID, err)
		}
		return &models.TaskStatus{TaskID: taskID.String(), State: models.TaskStateUnknown}
	}
	return &models.TaskStatus{
		TaskID:   task.ID.String(),
		Name:     task.Name,
		State:    task.State,
		Queue:    task.Queue,
		Attempts: task.Attempts,
		WorkerID: task.AllocatedTo,
		Result:   task.Result,
		Error:    task.Error,
	}
}

// Revoke cancels a task. Pending tasks move straight to the revoked state;
// running tasks have their revoked flag set and are interrupted by their
// worker when terminate is true. Idempotent.
func (s *BrokerService) Revoke(ctx context.Context, taskID models.TaskID, terminate bool) error {
	return s.db.WithTx(ctx, nil, func(tx *store.Tx) error {
		err := s.taskStore.LockRowForUpdate(ctx, tx, taskID)
		if err != nil {
			return err
		}
		task, err := s.taskStore.Read(ctx, tx, taskID)
		if err != nil {
			if gerror.IsNotFound(err) {
				return nil
			}
			return err
		}
		if task.State.HasFinished() {
			return nil
		}
		switch task.State {
		case models.TaskStatePending:
			task.State = models.TaskStateRevoked
			task.Revoked = true
			task.FinishedAt = models.NewTimePtr(s.clk.Now())
		case models.TaskStateRunning:
			if task.Revoked && (task.Terminate || !terminate) {
				return nil // already revoked at least as strongly
			}
			task.Revoked = true
			if terminate {
				task.Terminate = true
			}
		}
		s.Infof("Revoking task %s (terminate=%v)", taskID, terminate)
		return s.taskStore.Update(ctx, tx, task)
	})
}

// InspectWorkers reports the active worker fleet.
func (s *BrokerService) InspectWorkers(ctx context.Context) (*models.WorkerFleetStatus, error) {
	workers, err := s.workerStore.ListActive(ctx, nil, models.NewTime(s.clk.Now()))
	if err != nil {
		return nil, err
	}
	taskNames := make(map[string]bool)
	for _, worker := range workers {
		for _, name := range worker.TaskNames {
			taskNames[name] = true
		}
	}
	names := make([]string, 0, len(taskNames))
	for name := range taskNames {
		names = append(names, name)
	}
	sort.Strings(names)
	return &models.WorkerFleetStatus{
		ActiveCount:         len(workers),
		Workers:             workers,
		RegisteredTaskNames: names,
	}, nil
}

// IsHealthy reports whether the broker's backing store is reachable.
func (s *BrokerService) IsHealthy(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Start launches the worker fleet: task processors, the allocation reaper
// and the heartbeat loop. Only processes that should execute tasks call
// Start; a dispatch-only process never does.
func (s *BrokerService) Start() {
	s.statefulService.Start()
}

// Stop the worker fleet. Blocks until in-flight tasks have finished or been
// abandoned to the reaper.
func (s *BrokerService) Stop() {
	s.statefulService.Stop()
}

func (s *BrokerService) hostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
