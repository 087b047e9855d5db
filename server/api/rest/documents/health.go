package documents

import "github.com/codegraphhq/codegraph/server/services"

// Health is the response to the health endpoints.
type Health struct {
	Status     services.HealthStatus `json:"status"`
	Components map[string]string     `json:"components"`
}

func MakeHealth(report *services.HealthReport) *Health {
	return &Health{
		Status:     report.Status,
		Components: report.Components,
	}
}
