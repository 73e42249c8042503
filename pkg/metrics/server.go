package metrics

import (
	"net/http"
	"time"
)

// Serve starts an HTTP server exposing Prometheus metrics and health
// endpoints on addr. The server runs until the caller shuts it down.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/healthz", HealthHandler())
	mux.HandleFunc("/readyz", ReadyHandler())
	mux.HandleFunc("/livez", LivenessHandler())

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		_ = server.ListenAndServe()
	}()

	return server
}
