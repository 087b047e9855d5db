package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/render"

	"github.com/codegraphhq/codegraph/common/gerror"
	"github.com/codegraphhq/codegraph/common/logger"
	"github.com/codegraphhq/codegraph/common/models"
	"github.com/codegraphhq/codegraph/server/api/rest/documents"
	"github.com/codegraphhq/codegraph/server/services"
)

type IngestAPI struct {
	ingestionService services.IngestionService
	progressService  services.ProgressService
	*APIBase
}

func NewIngestAPI(
	ingestionService services.IngestionService,
	progressService services.ProgressService,
	logFactory logger.LogFactory,
) *IngestAPI {
	return &IngestAPI{
		ingestionService: ingestionService,
		progressService:  progressService,
		APIBase:          NewAPIBase(logFactory("IngestAPI")),
	}
}

// Create accepts an ingestion request and responds 202 Accepted with the new
// job.
func (a *IngestAPI) Create(w http.ResponseWriter, r *http.Request) {
	req := &documents.IngestRequest{}
	err := render.Bind(r, req)
	if err != nil {
		a.Error(w, r, fmt.Errorf("error parsing request: %w", err))
		return
	}
	job, err := a.ingestionService.Start(r.Context(), &req.IngestionRequest)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	a.JSONStatus(w, r, http.StatusAccepted, documents.MakeJob(job))
}

// Get returns the current state of a job.
func (a *IngestAPI) Get(w http.ResponseWriter, r *http.Request) {
	jobID, err := a.JobID(r)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	job, err := a.ingestionService.Get(r.Context(), jobID)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	a.JSON(w, r, documents.MakeJob(job))
}

// Cancel stops a job. Cancelling a job that has already finished responds
// with its current state.
func (a *IngestAPI) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID, err := a.JobID(r)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	job, err := a.ingestionService.Cancel(r.Context(), jobID)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	a.JSON(w, r, documents.MakeJob(job))
}

// List returns a page of jobs.
func (a *IngestAPI) List(w http.ResponseWriter, r *http.Request) {
	query, err := a.parseJobQuery(r)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	page, err := a.ingestionService.List(r.Context(), query)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	a.JSON(w, r, documents.MakeJobPage(page, query))
}

// GetEvents returns a job's progress events after the 'last' sequence
// number, for clients that poll instead of holding a WebSocket open.
func (a *IngestAPI) GetEvents(w http.ResponseWriter, r *http.Request) {
	jobID, err := a.JobID(r)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	if _, err := a.ingestionService.Get(r.Context(), jobID); err != nil {
		a.Error(w, r, err)
		return
	}

	var (
		lastEventNumber = models.EventNumber(0)
		limit           = 100
	)
	queryParams := r.URL.Query()
	if lastStr := queryParams.Get("last"); lastStr != "" {
		lastInt, err := strconv.Atoi(lastStr)
		if err != nil {
			a.Error(w, r, gerror.NewErrValidationFailed("Invalid query parameter 'last'").Wrap(err))
			return
		}
		lastEventNumber = models.EventNumber(lastInt)
	}
	if limitStr := queryParams.Get("limit"); limitStr != "" {
		limitInt, err := strconv.Atoi(limitStr)
		if err != nil {
			a.Error(w, r, gerror.NewErrValidationFailed("Invalid query parameter 'limit'").Wrap(err))
			return
		}
		limit = limitInt
	}

	events, err := a.progressService.FetchEvents(r.Context(), nil, jobID, lastEventNumber, limit)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	a.JSON(w, r, documents.MakeEvents(events))
}

func (a *IngestAPI) parseJobQuery(r *http.Request) (*models.JobQuery, error) {
	query := &models.JobQuery{}
	queryParams := r.URL.Query()
	// status is repeatable; a job matches when its status is in the set
	for _, statusStr := range queryParams["status"] {
		status := models.JobStatus(statusStr)
		if !status.Valid() {
			return nil, gerror.NewErrValidationFailed("Invalid query parameter 'status'").EDetail("status", statusStr)
		}
		query.Statuses = append(query.Statuses, status)
	}
	if limitStr := queryParams.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, gerror.NewErrValidationFailed("Invalid query parameter 'limit'").Wrap(err)
		}
		query.Limit = limit
	}
	if offsetStr := queryParams.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			return nil, gerror.NewErrValidationFailed("Invalid query parameter 'offset'").Wrap(err)
		}
		query.Offset = offset
	}
	query.SortBy = queryParams.Get("sort_by")
	query.SortOrder = models.SortOrder(queryParams.Get("sort_order"))
	query.PopulateDefaults()
	if err := query.Validate(); err != nil {
		return nil, gerror.NewErrValidationFailed("Invalid job query").Wrap(err)
	}
	return query, nil
}
