package models

import "time"

// WorkerHeartbeatInterval is how often a live worker refreshes its row.
const WorkerHeartbeatInterval = 10 * time.Second

// WorkerHeartbeatTTL is how stale a heartbeat can be before the worker is
// considered gone.
const WorkerHeartbeatTTL = 3 * WorkerHeartbeatInterval

// Worker is a broker worker's presence record, refreshed by heartbeat.
type Worker struct {
	ID         WorkerID   `json:"id" db:"worker_id"`
	CreatedAt  Time       `json:"created_at" db:"worker_created_at"`
	Hostname   string     `json:"hostname" db:"worker_hostname"`
	LastSeenAt Time       `json:"last_seen_at" db:"worker_last_seen_at"`
	TaskNames  StringList `json:"task_names" db:"worker_task_names"`
	// Concurrency is the number of task processors the worker runs.
	Concurrency int `json:"concurrency" db:"worker_concurrency"`
}

func (w *Worker) GetID() ResourceID {
	return w.ID.ResourceID
}

// IsActive reports whether the worker's heartbeat is fresh at the given time.
func (w *Worker) IsActive(now time.Time) bool {
	return now.Sub(w.LastSeenAt.Time) <= WorkerHeartbeatTTL
}

// WorkerFleetStatus summarizes the worker fleet, as returned by
// InspectWorkers.
type WorkerFleetStatus struct {
	ActiveCount int       `json:"active_count"`
	Workers     []*Worker `json:"workers"`
	// RegisteredTaskNames is the union of task names the active workers
	// can execute.
	RegisteredTaskNames []string `json:"registered_task_names"`
}
