package server

import (
	"net/http"

	"github.com/codegraphhq/codegraph/common/logger"
	"github.com/codegraphhq/codegraph/server/api/rest/documents"
	"github.com/codegraphhq/codegraph/server/services"
)

type HealthAPI struct {
	healthService services.HealthService
	*APIBase
}

func NewHealthAPI(healthService services.HealthService, logFactory logger.LogFactory) *HealthAPI {
	return &HealthAPI{
		healthService: healthService,
		APIBase:       NewAPIBase(logFactory("HealthAPI")),
	}
}

// Get reports service health. An unhealthy service responds 503 so load
// balancers take it out of rotation; degraded still responds 200.
func (a *HealthAPI) Get(w http.ResponseWriter, r *http.Request) {
	report := a.healthService.Check(r.Context())
	status := http.StatusOK
	if report.Status == services.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	a.JSONStatus(w, r, status, documents.MakeHealth(report))
}
