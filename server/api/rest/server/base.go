package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/codegraphhq/codegraph/common/gerror"
	"github.com/codegraphhq/codegraph/common/logger"
	"github.com/codegraphhq/codegraph/common/models"
	"github.com/codegraphhq/codegraph/server/api/rest/documents"
)

type APIBase struct {
	logger.Log
}

func NewAPIBase(logger logger.Log) *APIBase {
	return &APIBase{Log: logger}
}

// JSON marshals 'v' to JSON, automatically escaping HTML and setting the
// Content-Type as application/json. Copied from chi/render.JSON and updated
// to log serialization errors.
func (a *APIBase) JSON(w http.ResponseWriter, r *http.Request, v interface{}) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(v); err != nil {
		a.Error(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if status, ok := r.Context().Value(render.StatusCtxKey).(int); ok {
		w.WriteHeader(status)
	}
	a.Tracef("JSON Response: %s", buf.String())
	w.Write(buf.Bytes())
}

// JSONStatus is JSON with an explicit response status code.
func (a *APIBase) JSONStatus(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	r = r.WithContext(context.WithValue(r.Context(), render.StatusCtxKey, status))
	a.JSON(w, r, v)
}

// Error writes the specified error to the http response as a standard
// API error document. Errors are sanitized for public display before
// being written. Status code is automatically inferred from the error.
// The error is logged to the server log at a Warning level.
func (a *APIBase) Error(w http.ResponseWriter, r *http.Request, err error) {
	a.Warnf("Error in API call: %v", err)
	a.ErrorNotLogged(w, r, err)
}

// ErrorNotLogged writes the specified error to the http response as a standard
// API error document without logging it.
func (a *APIBase) ErrorNotLogged(w http.ResponseWriter, r *http.Request, err error) {
	cause := errors.Cause(err)
	if cause == sql.ErrNoRows {
		err = gerror.NewErrNotFound("Resource not found").Wrap(err)
	}
	if pqErr, ok := cause.(*pq.Error); ok && pqErr.Code == "23505" {
		err = gerror.NewErrAlreadyExists("Resource already exists").Wrap(err)
	}

	// Look down through the chain of wrapped errors and find the first one
	// which is a gerror.Error
	var gErr gerror.Error
	if !errors.As(err, &gErr) || gErr.Audience() != gerror.AudienceExternal {
		gErr = gerror.NewErrInternal()
	}
	doc := &documents.ErrorDocument{
		Code:           gErr.Code(),
		HTTPStatusCode: gErr.HTTPStatusCode(),
		Message:        gErr.Message(),
		Details:        make(map[gerror.DetailKey]interface{}),
	}
	for _, detail := range gErr.Details() {
		if detail.Audience() == gerror.AudienceExternal {
			doc.Details[detail.Key()] = detail.Value()
		}
	}
	a.JSONStatus(w, r, gErr.HTTPStatusCode(), doc)
}

// JobID parses the {job_id} URL parameter.
func (a *APIBase) JobID(r *http.Request) (models.JobID, error) {
	raw := chi.URLParam(r, "job_id")
	jobID, err := models.ParseJobID(raw)
	if err != nil {
		return models.JobID{}, gerror.NewErrNotFound("Job not found").EDetail("job_id", raw).Wrap(err)
	}
	return jobID, nil
}
