package domain

import "time"

const (
	// HealthStatusOK means every dependency answered its probe.
	HealthStatusOK = "ok"
	// HealthStatusDegraded means a dependency is failing while the service keeps running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError means a critical dependency is unreachable.
	HealthStatusError = "error"
)

// SystemHealthCheck captures the outcome of a single dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport rolls up dependency probe results for the health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
