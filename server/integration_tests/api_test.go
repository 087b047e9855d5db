package integration_tests

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/context"

	"github.com/codegraphhq/codegraph/common/gerror"
	"github.com/codegraphhq/codegraph/common/models"
	"github.com/codegraphhq/codegraph/server/api/rest/documents"
	"github.com/codegraphhq/codegraph/server/app/server_test"
	"github.com/codegraphhq/codegraph/server/services"
	"github.com/codegraphhq/codegraph/server/services/registry"
)

// newAPITestEnv starts a test server and serves its router over HTTP.
func newAPITestEnv(t *testing.T) (*server_test.TestServer, *httptest.Server) {
	app := newPipelineTestEnv(t)
	httpServer := httptest.NewServer(app.Router)
	t.Cleanup(httpServer.Close)
	return app, httpServer
}

func postIngest(t *testing.T, httpServer *httptest.Server, body string) *documents.Job {
	response, err := http.Post(httpServer.URL+"/v1/ingest", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer response.Body.Close()
	require.Equal(t, http.StatusAccepted, response.StatusCode)

	job := &documents.Job{}
	require.NoError(t, json.NewDecoder(response.Body).Decode(job))
	require.True(t, job.ID.Valid())
	return job
}

func getJSON(t *testing.T, url string, wantStatus int, out interface{}) {
	response, err := http.Get(url)
	require.NoError(t, err)
	defer response.Body.Close()
	require.Equal(t, wantStatus, response.StatusCode)
	if out != nil {
		require.NoError(t, json.NewDecoder(response.Body).Decode(out))
	}
}

func TestAPIIngestLifecycle(t *testing.T) {
	app, httpServer := newAPITestEnv(t)

	job := postIngest(t, httpServer, fmt.Sprintf(
		`{"source":"https://example.com/acme/widgets.git","steps":[{"name":%q}]}`, registry.StepFilesystem))
	assert.Equal(t, models.JobStatusPending, job.Status)
	require.Len(t, job.Steps, 1)
	assert.Equal(t, registry.StepFilesystem, job.Steps[0].Name)

	waitForJobStatus(t, app, job.ID, models.JobStatusCompleted)

	fetched := &documents.Job{}
	getJSON(t, httpServer.URL+"/v1/ingest/"+job.ID.String(), http.StatusOK, fetched)
	assert.Equal(t, models.JobStatusCompleted, fetched.Status)
	assert.Equal(t, float64(100), fetched.OverallProgress)

	page := &documents.JobPage{}
	getJSON(t, httpServer.URL+"/v1/ingest?status=completed", http.StatusOK, page)
	assert.Equal(t, 1, page.Total)
	require.Len(t, page.Jobs, 1)
	assert.Equal(t, job.ID, page.Jobs[0].ID)

	var events []*documents.Event
	getJSON(t, httpServer.URL+"/v1/ingest/"+job.ID.String()+"/events", http.StatusOK, &events)
	require.NotEmpty(t, events)
	assert.Equal(t, models.EventNumber(1), events[0].SequenceNumber)
	assert.Equal(t, models.JobStatusCompleted, events[len(events)-1].Status)

	// Polling resumes after the last seen sequence number
	var tail []*documents.Event
	getJSON(t, fmt.Sprintf("%s/v1/ingest/%s/events?last=%d", httpServer.URL, job.ID, events[0].SequenceNumber),
		http.StatusOK, &tail)
	assert.Len(t, tail, len(events)-1)
}

func TestAPIDefaultPipeline(t *testing.T) {
	_, httpServer := newAPITestEnv(t)

	// A request without steps gets the default pipeline
	job := postIngest(t, httpServer, `{"source":"/repos/widgets","source_type":"local_path"}`)
	require.Len(t, job.Steps, 4)
	names := make([]string, len(job.Steps))
	for i, step := range job.Steps {
		names[i] = step.Name
	}
	assert.Equal(t, []string{"filesystem", "blarify", "summarizer", "docgrapher"}, names)
}

func TestAPIRejectsBranchOnLocalPath(t *testing.T) {
	_, httpServer := newAPITestEnv(t)

	response, err := http.Post(httpServer.URL+"/v1/ingest", "application/json",
		bytes.NewBufferString(`{"source":"/repos/widgets","source_type":"local_path","branch":"main"}`))
	require.NoError(t, err)
	defer response.Body.Close()
	assert.Equal(t, http.StatusBadRequest, response.StatusCode)

	errorDoc := &documents.ErrorDocument{}
	require.NoError(t, json.NewDecoder(response.Body).Decode(errorDoc))
	assert.Equal(t, gerror.ErrCodeValidationFailed, errorDoc.Code)
}

func TestAPIListFiltersOnStatusSet(t *testing.T) {
	app, httpServer := newAPITestEnv(t)

	require.NoError(t, app.RegistryService.Register("exploding_step", scriptedFactory(&scriptedStep{
		run: func(ctx context.Context, stepCtx *services.StepContext) (map[string]interface{}, error) {
			return nil, gerror.NewErrStepExecution("graph database exploded", nil)
		},
	})))

	good := postIngest(t, httpServer, fmt.Sprintf(
		`{"source":"https://example.com/acme/widgets.git","steps":[{"name":%q}]}`, registry.StepFilesystem))
	bad := postIngest(t, httpServer, `{"source":"https://example.com/acme/widgets.git","steps":[{"name":"exploding_step"}]}`)
	waitForJobStatus(t, app, good.ID, models.JobStatusCompleted)
	waitForJobStatus(t, app, bad.ID, models.JobStatusFailed)

	// Repeating status matches jobs in any of the named states
	page := &documents.JobPage{}
	getJSON(t, httpServer.URL+"/v1/ingest?status=completed&status=failed", http.StatusOK, page)
	assert.Equal(t, 2, page.Total)

	getJSON(t, httpServer.URL+"/v1/ingest?status=failed", http.StatusOK, page)
	assert.Equal(t, 1, page.Total)
	require.Len(t, page.Jobs, 1)
	assert.Equal(t, bad.ID, page.Jobs[0].ID)

	getJSON(t, httpServer.URL+"/v1/ingest?status=cancelled", http.StatusOK, page)
	assert.Equal(t, 0, page.Total)
}

func TestAPIValidationFailure(t *testing.T) {
	_, httpServer := newAPITestEnv(t)

	response, err := http.Post(httpServer.URL+"/v1/ingest", "application/json",
		bytes.NewBufferString(`{"steps":[{"name":"filesystem"}]}`))
	require.NoError(t, err)
	defer response.Body.Close()
	assert.Equal(t, http.StatusBadRequest, response.StatusCode)

	errorDoc := &documents.ErrorDocument{}
	require.NoError(t, json.NewDecoder(response.Body).Decode(errorDoc))
	assert.Equal(t, gerror.ErrCodeValidationFailed, errorDoc.Code)
	assert.Contains(t, errorDoc.Message, "Invalid ingestion request")
}

func TestAPIUnknownJob(t *testing.T) {
	_, httpServer := newAPITestEnv(t)

	getJSON(t, httpServer.URL+"/v1/ingest/"+models.NewJobID().String(), http.StatusNotFound, nil)
	getJSON(t, httpServer.URL+"/v1/ingest/not-a-job-id", http.StatusNotFound, nil)
	getJSON(t, httpServer.URL+"/v1/ingest/"+models.NewJobID().String()+"/events", http.StatusNotFound, nil)
}

func TestAPICancel(t *testing.T) {
	app, httpServer := newAPITestEnv(t)

	release := make(chan struct{})
	defer close(release)
	require.NoError(t, app.RegistryService.Register("patient_step", scriptedFactory(blockingStep(release))))

	job := postIngest(t, httpServer, `{"source":"https://example.com/acme/widgets.git","steps":[{"name":"patient_step"}]}`)
	waitForJobStatus(t, app, job.ID, models.JobStatusRunning)

	response, err := http.Post(httpServer.URL+"/v1/ingest/"+job.ID.String()+"/cancel", "application/json", nil)
	require.NoError(t, err)
	defer response.Body.Close()
	require.Equal(t, http.StatusOK, response.StatusCode)

	waitForJobStatus(t, app, job.ID, models.JobStatusCancelled)
}

func TestAPIHealthAndMetrics(t *testing.T) {
	_, httpServer := newAPITestEnv(t)

	for _, path := range []string{"/health", "/v1/health"} {
		health := &documents.Health{}
		getJSON(t, httpServer.URL+path, http.StatusOK, health)
		assert.NotEmpty(t, health.Status)
		assert.Contains(t, health.Components, "broker")
	}

	response, err := http.Get(httpServer.URL + "/metrics")
	require.NoError(t, err)
	defer response.Body.Close()
	require.Equal(t, http.StatusOK, response.StatusCode)
	body, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "codegraph_steps_active")
}

func wsURL(httpServer *httptest.Server, jobID string) string {
	return strings.Replace(httpServer.URL, "http://", "ws://", 1) + "/v1/ingest/ws/status/" + jobID
}

func TestAPIStatusWebSocket(t *testing.T) {
	app, httpServer := newAPITestEnv(t)
	ctx := context.Background()

	job, err := app.IngestionService.Start(ctx, newIngestionRequest(registry.StepFilesystem))
	require.NoError(t, err)
	waitForJobStatus(t, app, job.ID, models.JobStatusCompleted)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(httpServer, job.ID.String()), nil)
	require.NoError(t, err)
	defer conn.Close()

	// The terminal event is replayed from the latest-value cache, then the
	// server closes the stream normally
	event := &documents.Event{}
	require.NoError(t, conn.ReadJSON(event))
	assert.Equal(t, models.JobStatusCompleted, event.Status)

	_, _, err = conn.ReadMessage()
	closeErr := &websocket.CloseError{}
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
}

func TestAPIStatusWebSocketUnknownJob(t *testing.T) {
	_, httpServer := newAPITestEnv(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(httpServer, models.NewJobID().String()), nil)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	closeErr := &websocket.CloseError{}
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}
