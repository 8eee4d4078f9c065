// Package metrics holds the Prometheus collectors for the ingestion paths.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ScanRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_scan_runs_total",
		Help: "Directory scan invocations by outcome (completed, locked, cancelled, failed).",
	}, []string{"outcome"})

	UnitsRegistered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_units_registered_total",
		Help: "Filesystem units registered as projects.",
	})

	UnitsSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_units_skipped_total",
		Help: "Filesystem units skipped during a scan by reason.",
	}, []string{"reason"})

	FlightsDiscovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_flights_discovered_total",
		Help: "Remote flights matching the flight layout.",
	})

	FlightProjectsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_flight_projects_created_total",
		Help: "Projects created from remote flights.",
	})

	OAuthCallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_oauth_callbacks_total",
		Help: "OAuth2 callbacks by final phase.",
	}, []string{"phase"})

	ImageSyncJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_image_sync_jobs_total",
		Help: "Image download jobs by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(ScanRuns, UnitsRegistered, UnitsSkipped, FlightsDiscovered,
		FlightProjectsCreated, OAuthCallbacks, ImageSyncJobs)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
