package main

import (
	"net/http"

	"github.com/blossomlabs/rpcgate/internal/handler"
	"github.com/blossomlabs/rpcgate/internal/metrics"
)

func setupRouter(gateway *handler.GatewayHandler, collector *metrics.Collector) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/", gateway.ServeHTTP)
	mux.HandleFunc("/health", gateway.HealthHandler())
	mux.HandleFunc("/admin/reset", gateway.ResetHandler())
	mux.Handle("/metrics", collector.PromHandler())
	mux.HandleFunc("/metrics/json", collector.Handler())

	return mux
}
