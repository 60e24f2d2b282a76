// Copyright 2024 The moq-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package monitor provides health checking for the broker: named checks,
// process information and HTTP endpoints for liveness and readiness probes.
package monitor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"

	checkPassed = "passed"
	checkFailed = "failed"
)

// maxGoroutines is the default goroutine count above which the goroutines
// check fails. Every connection, stream and subscription owns one.
const maxGoroutines = 100000

// HealthCheck is a named check. A failing critical check makes the broker
// unhealthy.
type HealthCheck struct {
	Name      string
	CheckFunc func() error
	Critical  bool
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	Critical bool   `json:"critical"`
}

// SystemInfo contains process-level information
type SystemInfo struct {
	Goroutines int    `json:"goroutines"`
	HeapAlloc  uint64 `json:"heap_alloc"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
	GoVersion  string `json:"go_version"`
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status     string                 `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Uptime     int64                  `json:"uptime"`
	Checks     map[string]CheckResult `json:"checks"`
	SystemInfo SystemInfo             `json:"system_info"`
}

// HealthChecker runs registered checks on demand.
type HealthChecker struct {
	mu      sync.RWMutex
	started time.Time
	checks  map[string]HealthCheck
}

// NewHealthChecker creates a checker with the default goroutines check.
func NewHealthChecker() *HealthChecker {
	hc := &HealthChecker{
		started: time.Now(),
		checks:  make(map[string]HealthCheck),
	}
	hc.RegisterCheck("goroutines", func() error {
		if n := runtime.NumGoroutine(); n > maxGoroutines {
			return fmt.Errorf("high goroutine count: %d", n)
		}
		return nil
	}, false)
	return hc
}

// RegisterCheck registers a new health check, replacing one with the same name.
func (hc *HealthChecker) RegisterCheck(name string, checkFunc func() error, critical bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = HealthCheck{Name: name, CheckFunc: checkFunc, Critical: critical}
}

// UnregisterCheck removes a health check
func (hc *HealthChecker) UnregisterCheck(name string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	delete(hc.checks, name)
}

// Checks returns the registered check names in sorted order.
func (hc *HealthChecker) Checks() []string {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	names := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunChecks executes all registered health checks
func (hc *HealthChecker) RunChecks() HealthStatus {
	hc.mu.RLock()
	checks := make([]HealthCheck, 0, len(hc.checks))
	for _, c := range hc.checks {
		checks = append(checks, c)
	}
	hc.mu.RUnlock()

	status := HealthStatus{
		Status:     StatusHealthy,
		Timestamp:  time.Now(),
		Uptime:     int64(time.Since(hc.started).Seconds()),
		Checks:     make(map[string]CheckResult, len(checks)),
		SystemInfo: systemInfo(),
	}
	for _, c := range checks {
		res := CheckResult{Status: checkPassed, Critical: c.Critical}
		if err := c.CheckFunc(); err != nil {
			res.Status = checkFailed
			res.Message = err.Error()
			if c.Critical {
				status.Status = StatusUnhealthy
			}
		}
		status.Checks[c.Name] = res
	}
	return status
}

// IsHealthy runs the checks and reports whether no critical check failed.
func (hc *HealthChecker) IsHealthy() bool {
	return hc.RunChecks().Status == StatusHealthy
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  m.HeapAlloc,
		Sys:        m.Sys,
		NumGC:      m.NumGC,
		GoVersion:  runtime.Version(),
	}
}

// RegisterRoutes registers the health endpoints on mux.
func (hc *HealthChecker) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", hc.handleHealth)
	mux.HandleFunc("/health/live", hc.handleLiveness)
	mux.HandleFunc("/health/ready", hc.handleHealth)
}

func (hc *HealthChecker) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := hc.RunChecks()
	code := http.StatusOK
	if status.Status != StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// handleLiveness only reports that the process is serving HTTP.
func (hc *HealthChecker) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}
