package models

import (
	"database/sql/driver"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type ResourceKind string

const (
	JobResourceKind    ResourceKind = "job"
	TaskResourceKind   ResourceKind = "task"
	EventResourceKind  ResourceKind = "event"
	WorkerResourceKind ResourceKind = "worker"
)

// ResourceID uniquely identifies a resource in the system. The string form
// is "<kind>:<uuid>" so an ID is self-describing in logs and API payloads.
type ResourceID struct {
	kind ResourceKind
	id   string
}

func NewResourceID(kind ResourceKind) ResourceID {
	return ResourceID{kind: kind, id: uuid.New().String()}
}

func ParseResourceID(str string) (ResourceID, error) {
	kind, id, found := strings.Cut(str, ":")
	if !found || kind == "" || id == "" {
		return ResourceID{}, fmt.Errorf("error parsing resource id %q: expected <kind>:<id>", str)
	}
	return ResourceID{kind: ResourceKind(kind), id: id}, nil
}

func (r ResourceID) Kind() ResourceKind {
	return r.kind
}

func (r ResourceID) String() string {
	if !r.Valid() {
		return ""
	}
	return fmt.Sprintf("%s:%s", r.kind, r.id)
}

func (r ResourceID) Valid() bool {
	return r.kind != "" && r.id != ""
}

func (r ResourceID) Equal(other ResourceID) bool {
	return r.kind == other.kind && r.id == other.id
}

func (r ResourceID) Value() (driver.Value, error) {
	return r.String(), nil
}

func (r *ResourceID) Scan(src interface{}) error {
	if src == nil {
		return nil
	}
	str, ok := src.(string)
	if !ok {
		return fmt.Errorf("unsupported type for resource id: %[1]T (%[1]v)", src)
	}
	if str == "" {
		return nil
	}
	parsed, err := ParseResourceID(str)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

func (r ResourceID) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *ResourceID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	parsed, err := ParseResourceID(string(data))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

type JobID struct {
	ResourceID
}

func NewJobID() JobID {
	return JobID{ResourceID: NewResourceID(JobResourceKind)}
}

func ParseJobID(str string) (JobID, error) {
	id, err := ParseResourceID(str)
	if err != nil {
		return JobID{}, err
	}
	if id.Kind() != JobResourceKind {
		return JobID{}, fmt.Errorf("error parsing job id %q: wrong kind %q", str, id.Kind())
	}
	return JobID{ResourceID: id}, nil
}

type TaskID struct {
	ResourceID
}

func NewTaskID() TaskID {
	return TaskID{ResourceID: NewResourceID(TaskResourceKind)}
}

func ParseTaskID(str string) (TaskID, error) {
	id, err := ParseResourceID(str)
	if err != nil {
		return TaskID{}, err
	}
	if id.Kind() != TaskResourceKind {
		return TaskID{}, fmt.Errorf("error parsing task id %q: wrong kind %q", str, id.Kind())
	}
	return TaskID{ResourceID: id}, nil
}

type EventID struct {
	ResourceID
}

func NewEventID() EventID {
	return EventID{ResourceID: NewResourceID(EventResourceKind)}
}

type WorkerID struct {
	ResourceID
}

func NewWorkerID() WorkerID {
	return WorkerID{ResourceID: NewResourceID(WorkerResourceKind)}
}

func ParseWorkerID(str string) (WorkerID, error) {
	id, err := ParseResourceID(str)
	if err != nil {
		return WorkerID{}, err
	}
	if id.Kind() != WorkerResourceKind {
		return WorkerID{}, fmt.Errorf("error parsing worker id %q: wrong kind %q", str, id.Kind())
	}
	return WorkerID{ResourceID: id}, nil
}
