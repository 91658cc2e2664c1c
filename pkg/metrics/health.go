package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// componentSet tracks per-component health for the /healthz and /ready
// endpoints. Components register at daemon startup and update as their
// state changes.
type componentSet struct {
	mu         sync.RWMutex
	components map[string]component
	startedAt  time.Time
}

type component struct {
	healthy bool
	message string
	updated time.Time
}

var health = &componentSet{
	components: make(map[string]component),
	startedAt:  time.Now(),
}

// criticalComponents gate readiness: a node is not ready until every
// one of them has registered healthy.
var criticalComponents = []string{"raft", "store", "api"}

// SetComponentHealth registers or updates one component's health.
func SetComponentHealth(name string, healthy bool, message string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.components[name] = component{
		healthy: healthy,
		message: message,
		updated: time.Now(),
	}
}

type healthReport struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
	Uptime     string            `json:"uptime"`
	At         time.Time         `json:"at"`
}

func newReport(status string) healthReport {
	return healthReport{
		Status:     status,
		Components: make(map[string]string),
		Uptime:     time.Since(health.startedAt).String(),
		At:         time.Now(),
	}
}

// overall reports every registered component; one unhealthy component
// turns the whole report unhealthy.
func overall() healthReport {
	health.mu.RLock()
	defer health.mu.RUnlock()

	report := newReport("healthy")
	for name, c := range health.components {
		if c.healthy {
			report.Components[name] = "healthy"
			continue
		}
		report.Status = "unhealthy"
		report.Components[name] = "unhealthy: " + c.message
	}
	return report
}

// readiness checks the critical components only; an unregistered one
// counts as not ready.
func readiness() healthReport {
	health.mu.RLock()
	defer health.mu.RUnlock()

	report := newReport("ready")
	for _, name := range criticalComponents {
		c, ok := health.components[name]
		switch {
		case !ok:
			report.Status = "not_ready"
			report.Components[name] = "not registered"
		case !c.healthy:
			report.Status = "not_ready"
			report.Components[name] = "not ready: " + c.message
		default:
			report.Components[name] = "ready"
		}
	}
	return report
}

func writeReport(w http.ResponseWriter, report healthReport, ok bool) {
	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(report)
}

// HealthHandler serves the overall component view.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := overall()
		writeReport(w, report, report.Status == "healthy")
	}
}

// ReadyHandler serves readiness for load balancers and orchestration.
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := readiness()
		writeReport(w, report, report.Status == "ready")
	}
}

// LivenessHandler answers 200 whenever the process is up.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"uptime": time.Since(health.startedAt).String(),
		})
	}
}
