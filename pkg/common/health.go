// Package common provides shared infrastructure helpers used by both binaries.
package common

import (
	"net/http"
	"sync/atomic"
	"time"
)

// HealthServer exposes liveness and readiness probes on a side port so
// orchestration platforms can health-check the process independently of
// the operator API.
type HealthServer struct {
	server *http.Server
	ready  *atomic.Bool
}

// NewHealthServer constructs a HealthServer and begins listening in the
// background. Readiness flips when the provided flag is set by the caller.
func NewHealthServer(ready *atomic.Bool) *HealthServer {
	mux := http.NewServeMux()

	hs := &HealthServer{
		server: &http.Server{
			Addr:         ":8081",
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		ready: ready,
	}

	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/readiness", func(w http.ResponseWriter, r *http.Request) {
		if !hs.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	go func() { _ = hs.server.ListenAndServe() }()

	return hs
}

// Server returns the underlying http server for shutdown control.
func (hs *HealthServer) Server() *http.Server { return hs.server }
