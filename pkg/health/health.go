// Package health provides readiness tracking and HTTP probe handlers.
package health

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// Readiness states.
const (
	stateStarting int32 = iota
	stateReady
	stateDraining
)

// Checker tracks service readiness. Safe for concurrent use.
type Checker struct {
	state atomic.Int32
}

// NewChecker creates a Checker in the starting state.
func NewChecker() *Checker {
	return &Checker{}
}

// MarkReady transitions to the ready state.
func (c *Checker) MarkReady() {
	c.state.Store(stateReady)
}

// MarkDraining transitions to the draining state, failing readiness while
// in-flight requests finish.
func (c *Checker) MarkDraining() {
	c.state.Store(stateDraining)
}

// Ready reports whether the service accepts traffic.
func (c *Checker) Ready() bool {
	return c.state.Load() == stateReady
}

// State returns the current state name.
func (c *Checker) State() string {
	switch c.state.Load() {
	case stateReady:
		return "ready"
	case stateDraining:
		return "draining"
	default:
		return "starting"
	}
}

type statusBody struct {
	Status string `json:"status"`
}

// LivenessHandler always responds 200. For /healthz.
func (*Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusOK, "ok")
	}
}

// ReadinessHandler responds 200 when ready, 503 while starting or draining.
// For /readyz.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		code := http.StatusOK
		if !c.Ready() {
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, c.State())
	}
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(statusBody{Status: status})
}
