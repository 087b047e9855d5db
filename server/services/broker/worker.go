package broker

import (
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/net/context"

	"github.com/codegraphhq/codegraph/common/gerror"
	"github.com/codegraphhq/codegraph/common/models"
	"github.com/codegraphhq/codegraph/server/services"
	"github.com/codegraphhq/codegraph/server/store"
)

// processTasks is the body of the worker fleet. It runs the configured
// number of task processors plus the heartbeat and reaper loops, and
// returns when the service is stopped.
func (s *BrokerService) processTasks() {
	ctx := s.statefulService.Ctx()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.heartbeatLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.reaperLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.kvSweepLoop(ctx)
	}()

	for i := 0; i < s.config.NrTaskProcessors; i++ {
		wg.Add(1)
		go func(processorNr int) {
			defer wg.Done()
			s.processorLoop(ctx, processorNr)
		}(i)
	}

	wg.Wait()
	s.deregisterWorker()
}

// heartbeatLoop keeps this worker's presence row fresh.
func (s *BrokerService) heartbeatLoop(ctx context.Context) {
	s.upsertWorker(ctx)
	ticker := s.clk.Ticker(models.WorkerHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.upsertWorker(ctx)
		}
	}
}

func (s *BrokerService) upsertWorker(ctx context.Context) {
	now := models.NewTime(s.clk.Now())
	worker := &models.Worker{
		ID:          s.workerID,
		CreatedAt:   now,
		Hostname:    s.hostname(),
		LastSeenAt:  now,
		TaskNames:   s.registeredTaskNames(),
		Concurrency: s.config.NrTaskProcessors,
	}
	if err := s.workerStore.Upsert(ctx, nil, worker); err != nil {
		s.Errorf("Unable to update worker heartbeat: %v", err)
	}
}

func (s *BrokerService) deregisterWorker() {
	// The fleet context is done by now; use a fresh one for cleanup
	if err := s.workerStore.Delete(context.Background(), nil, s.workerID); err != nil {
		s.Errorf("Unable to deregister worker: %v", err)
	}
}

// reaperLoop re-queues running tasks whose allocation expired, e.g. because
// the worker holding them died.
func (s *BrokerService) reaperLoop(ctx context.Context) {
	ticker := s.clk.Ticker(reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reapExpiredAllocations(ctx)
		}
	}
}

func (s *BrokerService) reapExpiredAllocations(ctx context.Context) {
	now := models.NewTime(s.clk.Now())
	expired, err := s.taskStore.FindExpiredAllocations(ctx, nil, now, reaperBatchSize)
	if err != nil {
		s.Errorf("Unable to list expired task allocations: %v", err)
		return
	}
	for _, task := range expired {
		err := s.db.WithTx(ctx, nil, func(tx *store.Tx) error {
			if err := s.taskStore.LockRowForUpdate(ctx, tx, task.ID); err != nil {
				return err
			}
			current, err := s.taskStore.Read(ctx, tx, task.ID)
			if err != nil {
				return err
			}
			if current.State != models.TaskStateRunning || current.AllocatedUntil == nil ||
				!current.AllocatedUntil.Before(now.Time) {
				return nil // claimed again or finished in the meantime
			}
			s.Warnf("Re-queueing task %s whose allocation to %s expired", current.ID, current.AllocatedTo)
			current.State = models.TaskStatePending
			current.AllocatedTo = ""
			current.AllocatedUntil = nil
			return s.taskStore.Update(ctx, tx, current)
		})
		if err != nil {
			s.Errorf("Unable to re-queue expired task %s: %v", task.ID, err)
		}
	}
}

// kvSweepLoop deletes expired key-value entries, including stale latest-event
// caches and waiting entries whose dependencies never completed.
func (s *BrokerService) kvSweepLoop(ctx context.Context) {
	ticker := s.clk.Ticker(kvSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := s.kvStore.DeleteExpired(ctx, nil, models.NewTime(s.clk.Now()))
			if err != nil {
				s.Errorf("Unable to sweep expired kv entries: %v", err)
			} else if deleted > 0 {
				s.Debugf("Swept %d expired kv entries", deleted)
			}
		}
	}
}

// processorLoop claims and executes tasks one at a time until the fleet is
// stopped.
func (s *BrokerService) processorLoop(ctx context.Context, processorNr int) {
	for {
		task := s.allocateTask(ctx)
		if task != nil {
			s.processTask(ctx, task)
			continue
		}
		// Nothing claimable; wait for a dispatch in this process or the
		// next poll tick
		timer := s.clk.Timer(s.config.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.taskAddedChan:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// allocateTask atomically claims the next ready task, scanning queues in
// priority order. Returns nil when no task is ready.
func (s *BrokerService) allocateTask(ctx context.Context) *models.Task {
	var allocated *models.Task
	err := s.db.WithTx(ctx, nil, func(tx *store.Tx) error {
		now := models.NewTime(s.clk.Now())
		task, err := s.taskStore.FindQueuedTask(ctx, tx, now, models.Queues())
		if err != nil {
			if gerror.IsNotFound(err) {
				return nil
			}
			return err
		}
		if err := s.taskStore.LockRowForUpdate(ctx, tx, task.ID); err != nil {
			return err
		}
		task.State = models.TaskStateRunning
		task.Attempts++
		task.AllocatedTo = s.workerID.String()
		// Allow double the execution timeout before the allocation is
		// considered abandoned, to be safe
		task.AllocatedUntil = models.NewTimePtr(s.clk.Now().Add(2 * s.config.TaskTimeout))
		if err := s.taskStore.Update(ctx, tx, task); err != nil {
			return err
		}
		allocated = task
		return nil
	})
	if err != nil {
		if !gerror.IsOptimisticLockFailed(err) {
			s.Errorf("Unable to allocate task: %v", err)
		}
		return nil
	}
	return allocated
}

// processTask executes a claimed task through its registered handler and
// records the outcome. Handler panics are recovered into a failed task.
func (s *BrokerService) processTask(ctx context.Context, task *models.Task) {
	handler, ok := s.findHandler(task.Name)
	if !ok {
		s.finalizeTask(ctx, task, nil, fmt.Errorf("no handler registered for task %q", task.Name))
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, s.config.TaskTimeout)
	defer cancel()

	// Watch for revocation while the handler runs; a terminate revocation
	// cancels the handler context, which is this broker's equivalent of
	// killing the executing process
	watcherDone := make(chan struct{})
	go s.watchForRevocation(taskCtx, task.ID, cancel, watcherDone)

	result, err := s.invokeHandler(taskCtx, handler, task)
	cancel()
	<-watcherDone

	s.finalizeTask(ctx, task, result, err)
}

func (s *BrokerService) invokeHandler(
	ctx context.Context,
	handler services.TaskHandler,
	task *models.Task,
) (result map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task handler panic: %v", r)
		}
	}()
	return handler(ctx, task.ID, []byte(task.Args))
}

// watchForRevocation polls the task row while its handler runs, cancelling
// the handler context if the task is revoked with terminate.
func (s *BrokerService) watchForRevocation(ctx context.Context, taskID models.TaskID, cancel context.CancelFunc, done chan struct{}) {
	defer close(done)
	ticker := s.clk.Ticker(revocationPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task, err := s.taskStore.Read(ctx, nil, taskID)
			if err != nil {
				continue
			}
			if task.Revoked && task.Terminate {
				s.Infof("Task %s was revoked with terminate; interrupting handler", taskID)
				cancel()
				return
			}
		}
	}
}

// finalizeTask records the task outcome. A task that was revoked while
// running finishes in the revoked state no matter what its handler returned.
func (s *BrokerService) finalizeTask(ctx context.Context, task *models.Task, result map[string]interface{}, handlerErr error) {
	err := s.db.WithTx(ctx, nil, func(tx *store.Tx) error {
		if err := s.taskStore.LockRowForUpdate(ctx, tx, task.ID); err != nil {
			return err
		}
		current, err := s.taskStore.Read(ctx, tx, task.ID)
		if err != nil {
			return err
		}
		if current.State.HasFinished() {
			return nil
		}
		switch {
		case current.Revoked:
			current.State = models.TaskStateRevoked
			if handlerErr != nil {
				current.Error = handlerErr.Error()
			}
		case handlerErr != nil:
			current.State = models.TaskStateFailure
			current.Error = handlerErr.Error()
		default:
			current.State = models.TaskStateSuccess
			if result != nil {
				buf, err := json.Marshal(result)
				if err != nil {
					return fmt.Errorf("error serializing task result: %w", err)
				}
				current.Result = string(buf)
			}
		}
		current.AllocatedUntil = nil
		current.FinishedAt = models.NewTimePtr(s.clk.Now())
		return s.taskStore.Update(ctx, tx, current)
	})
	if err != nil {
		s.Errorf("Unable to finalize task %s: %v", task.ID, err)
	}
	if handlerErr != nil {
		s.Warnf("Task %s (%s) failed: %v", task.ID, task.Name, handlerErr)
	} else {
		s.Debugf("Task %s (%s) finished", task.ID, task.Name)
	}
}
