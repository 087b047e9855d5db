package scheduler

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"golang.org/x/net/context"

	"github.com/codegraphhq/codegraph/common/gerror"
	"github.com/codegraphhq/codegraph/common/logger"
	"github.com/codegraphhq/codegraph/common/models"
	"github.com/codegraphhq/codegraph/server/services"
	"github.com/codegraphhq/codegraph/server/store"
)

// Launcher starts the pipeline for a request whose dependencies have all
// completed. Implemented by the ingestion service; set after construction to
// break the dependency cycle between the two services.
type Launcher interface {
	Launch(ctx context.Context, request *models.IngestionRequest) error
}

// SchedulerService parks jobs whose dependencies have not completed in a
// waiting queue and releases them when the last dependency finishes. There is
// no deadlock detection: a dependency that never completes leaves its
// dependents waiting until their entries expire.
type SchedulerService struct {
	db              *store.DB
	jobStore        store.JobStore
	kvStore         store.KVStore
	progressService services.ProgressService
	clk             clock.Clock

	launcherMu sync.RWMutex
	launcher   Launcher

	logger.Log
}

func NewSchedulerService(
	db *store.DB,
	jobStore store.JobStore,
	kvStore store.KVStore,
	progressService services.ProgressService,
	clk clock.Clock,
	logFactory logger.LogFactory,
) *SchedulerService {
	return &SchedulerService{
		db:              db,
		jobStore:        jobStore,
		kvStore:         kvStore,
		progressService: progressService,
		clk:             clk,
		Log:             logFactory("SchedulerService"),
	}
}

// SetLauncher binds the service that starts released jobs. Must be called
// before any job can be released.
func (s *SchedulerService) SetLauncher(launcher Launcher) {
	s.launcherMu.Lock()
	defer s.launcherMu.Unlock()
	s.launcher = launcher
}

func (s *SchedulerService) getLauncher() Launcher {
	s.launcherMu.RLock()
	defer s.launcherMu.RUnlock()
	return s.launcher
}

// Unmet returns the subset of deps that have not completed, in input order.
func (s *SchedulerService) Unmet(ctx context.Context, deps []string) ([]string, error) {
	var unmet []string
	for _, dep := range deps {
		jobID, err := models.ParseJobID(dep)
		if err != nil {
			return nil, gerror.NewErrValidationFailed("Dependency is not a job id").EDetail("dependency", dep).Wrap(err)
		}
		completed, err := s.dependencyCompleted(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if !completed {
			unmet = append(unmet, dep)
		}
	}
	return unmet, nil
}

// dependencyCompleted checks the job record first and falls back to the
// latest-event cache, which can outlive the record.
func (s *SchedulerService) dependencyCompleted(ctx context.Context, jobID models.JobID) (bool, error) {
	job, err := s.jobStore.Read(ctx, nil, jobID)
	if err == nil {
		return job.Status == models.JobStatusCompleted, nil
	}
	if !gerror.IsNotFound(err) {
		return false, err
	}
	latest, err := s.progressService.Latest(ctx, jobID)
	if err != nil {
		if gerror.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return latest.Status == models.JobStatusCompleted, nil
}

// Hold parks the request in the waiting queue until its dependencies
// complete, publishing a pending event naming the unmet dependencies.
func (s *SchedulerService) Hold(ctx context.Context, request *models.IngestionRequest, unmet []string) error {
	entry := &models.WaitingEntry{
		Request:      request,
		Dependencies: unmet,
		Status:       models.WaitingStatus,
	}
	buf, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("error serializing waiting entry: %w", err)
	}
	now := s.clk.Now()
	err = s.db.WithTx(ctx, nil, func(tx *store.Tx) error {
		err := s.kvStore.Put(ctx, tx, models.WaitingKey(request.JobID), string(buf), models.NewTime(now.Add(models.KVTTL)))
		if err != nil {
			return err
		}
		message := fmt.Sprintf("waiting for dependencies: [%s]", strings.Join(unmet, " "))
		event := models.NewProgressEventData(request.JobID, models.JobStatusPending, "", "", 0, message)
		return s.progressService.Publish(ctx, tx, event)
	})
	if err != nil {
		return err
	}
	s.Infof("Holding job %s until %d dependencies complete", request.JobID, len(unmet))
	return nil
}

// ReleaseReady starts every waiting job whose dependencies are all complete.
// Called after a job reaches the completed state. Each waiting entry is
// removed before its job is launched, so an entry is released at most once
// even when completions race.
func (s *SchedulerService) ReleaseReady(ctx context.Context, completedJobID models.JobID) error {
	launcher := s.getLauncher()
	if launcher == nil {
		return fmt.Errorf("error no launcher is bound")
	}

	entries, err := s.kvStore.ListByPrefix(ctx, nil, models.WaitingKeyPrefix, models.NewTime(s.clk.Now()))
	if err != nil {
		return err
	}
	for _, kvEntry := range entries {
		entry := &models.WaitingEntry{}
		if err := json.Unmarshal([]byte(kvEntry.Value), entry); err != nil {
			s.Errorf("Skipping malformed waiting entry %s: %v", kvEntry.Key, err)
			continue
		}
		if entry.Request == nil {
			s.Errorf("Skipping waiting entry %s with no request", kvEntry.Key)
			continue
		}
		unmet, err := s.Unmet(ctx, entry.Dependencies)
		if err != nil {
			s.Errorf("Unable to check dependencies of waiting job %s: %v", entry.Request.JobID, err)
			continue
		}
		if len(unmet) > 0 {
			continue
		}

		// Claim the entry by deleting it inside a transaction; a concurrent
		// scan that lost the race finds it gone and skips the job
		claimed := false
		err = s.db.WithTx(ctx, nil, func(tx *store.Tx) error {
			_, err := s.kvStore.Get(ctx, tx, kvEntry.Key, models.NewTime(s.clk.Now()))
			if err != nil {
				if gerror.IsNotFound(err) {
					return nil
				}
				return err
			}
			claimed = true
			return s.kvStore.Delete(ctx, tx, kvEntry.Key)
		})
		if err != nil {
			s.Errorf("Unable to claim waiting job %s: %v", entry.Request.JobID, err)
			continue
		}
		if !claimed {
			continue
		}

		s.Infof("Dependencies of job %s complete; launching", entry.Request.JobID)
		if err := launcher.Launch(ctx, entry.Request); err != nil {
			s.Errorf("Unable to launch released job %s: %v", entry.Request.JobID, err)
		}
	}
	return nil
}

// Waiting reads the waiting entry for a job.
// Returns gerror.ErrCodeNotFound if the job is not being held.
func (s *SchedulerService) Waiting(ctx context.Context, jobID models.JobID) (*models.WaitingEntry, error) {
	kvEntry, err := s.kvStore.Get(ctx, nil, models.WaitingKey(jobID), models.NewTime(s.clk.Now()))
	if err != nil {
		return nil, err
	}
	entry := &models.WaitingEntry{}
	if err := json.Unmarshal([]byte(kvEntry.Value), entry); err != nil {
		return nil, fmt.Errorf("error parsing waiting entry: %w", err)
	}
	return entry, nil
}

// Drop removes a waiting entry. Idempotent.
func (s *SchedulerService) Drop(ctx context.Context, jobID models.JobID) error {
	return s.kvStore.Delete(ctx, nil, models.WaitingKey(jobID))
}
