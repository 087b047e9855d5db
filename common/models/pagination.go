package models

import "fmt"

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// JobSortFields are the only fields jobs can be sorted by.
var JobSortFields = map[string]bool{
	"created_at": true,
	"updated_at": true,
	"status":     true,
}

// JobQuery filters and pages a job listing.
type JobQuery struct {
	// Statuses narrows the listing to jobs in any of these states. Empty
	// means no status filter.
	Statuses  []JobStatus
	Limit     int
	Offset    int
	SortBy    string
	SortOrder SortOrder
}

// PopulateDefaults clamps the limit and fills default sorting.
func (q *JobQuery) PopulateDefaults() {
	if q.Limit <= 0 {
		q.Limit = DefaultListLimit
	}
	if q.Limit > MaxListLimit {
		q.Limit = MaxListLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if q.SortBy == "" {
		q.SortBy = "created_at"
	}
	if q.SortOrder == "" {
		q.SortOrder = SortDesc
	}
}

func (q *JobQuery) Validate() error {
	if !JobSortFields[q.SortBy] {
		return fmt.Errorf("error cannot sort by %q", q.SortBy)
	}
	if q.SortOrder != SortAsc && q.SortOrder != SortDesc {
		return fmt.Errorf("error sort order %q is not valid", q.SortOrder)
	}
	for _, status := range q.Statuses {
		if !status.Valid() {
			return fmt.Errorf("error status %q is not valid", status)
		}
	}
	return nil
}

// JobPage is one page of a job listing.
type JobPage struct {
	Jobs    []*Job `json:"jobs"`
	Total   int    `json:"total"`
	HasMore bool   `json:"has_more"`
}
