// Package v1 holds the wire types of the status API and a Go client for it.
package v1

import (
	"time"

	"github.com/HueCodes/zeno/internal/models"
)

type HealthResponse struct {
	Status  string    `json:"status"`
	Time    time.Time `json:"time"`
	Version string    `json:"version,omitempty"`
	Leader  bool      `json:"leader"`
}

// StatusResponse is the fleet-wide snapshot.
type StatusResponse struct {
	models.StatusSnapshot
	DryRun   bool   `json:"dry_run"`
	Provider string `json:"provider"`
}

type RunnersResponse struct {
	Repository string                  `json:"repository"`
	Count      int                     `json:"count"`
	Runners    []models.RunnerInstance `json:"runners"`
}

type DecisionsResponse struct {
	Repository string                   `json:"repository"`
	Count      int                      `json:"count"`
	Decisions  []models.ScalingDecision `json:"decisions"`
}

type ForecastResponse struct {
	Repository string                  `json:"repository"`
	Forecasts  []models.DemandForecast `json:"forecasts"`
}

type EventsResponse struct {
	Count  int            `json:"count"`
	Events []models.Event `json:"events"`
}

type WarmPoolResponse struct {
	Templates map[string]int `json:"templates"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
