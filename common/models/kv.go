package models

import (
	"fmt"
	"time"
)

// KVTTL is the lifetime of latest-value and waiting entries.
const KVTTL = 24 * time.Hour

// Key prefixes for the key-value cache.
const (
	LatestKeyPrefix  = "latest:"
	WaitingKeyPrefix = "waiting:"
)

// LatestKey is the cache key holding the most recent progress event for a job.
func LatestKey(jobID JobID) string {
	return LatestKeyPrefix + jobID.String()
}

// WaitingKey is the cache key holding a dependency-held ingestion request.
func WaitingKey(jobID JobID) string {
	return WaitingKeyPrefix + jobID.String()
}

// KVEntry is one row in the key-value cache. Values are JSON documents.
type KVEntry struct {
	Key       string `json:"key" db:"kv_key"`
	Value     string `json:"value" db:"kv_value"`
	UpdatedAt Time   `json:"updated_at" db:"kv_updated_at"`
	ExpiresAt Time   `json:"expires_at" db:"kv_expires_at"`
}

func (e *KVEntry) Validate() error {
	if e.Key == "" {
		return fmt.Errorf("error key must be set")
	}
	return nil
}

// WaitingStatus is the status field recorded in a waiting entry.
const WaitingStatus = "waiting"

// WaitingEntry is the JSON document stored under waiting:<job_id> while a
// job's dependencies are unresolved.
type WaitingEntry struct {
	Request      *IngestionRequest `json:"request"`
	Dependencies []string          `json:"dependencies"`
	Status       string            `json:"status"`
}
