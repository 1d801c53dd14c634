// Package main runs the gateway process: an HTTP façade in front of the
// core's host registry discovery source, exposing health and metrics
// endpoints the way the teacher stack runs its wallet server as a
// separate process from the core library.
package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	gwmw "github.com/fabstir/llm-core/cmd/gateway/middleware"
	"github.com/fabstir/llm-core/core"
	"github.com/fabstir/llm-core/pkg/config"
	"github.com/fabstir/llm-core/pkg/utils"
)

func main() {
	zapLogger, _ := zap.NewProduction()
	zap.ReplaceGlobals(zapLogger)

	cfg, err := config.LoadFromEnv()
	if err != nil {
		logrus.Warnf("gateway: no config file found, using defaults: %v", err)
		cfg = &config.AppConfig
	}

	metrics := core.NewMetrics()
	registrySource := core.NewHTTPRegistrySource(cfg.Network.RegistryURL, &http.Client{Timeout: 5 * time.Second}, logrus.StandardLogger())
	hd := core.NewHostDiscovery([]core.HostSource{registrySource}, logrus.StandardLogger())

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(gwmw.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthzHandler)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	r.Get("/api/hosts", hostsHandler(hd, metrics))

	addr := utils.EnvOrDefault("GATEWAY_LISTEN_ADDR", cfg.Gateway.ListenAddr)
	if addr == "" {
		addr = ":8080"
	}
	zap.L().Sugar().Infow("gateway listening", "addr", addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		logrus.Fatal(err)
	}
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func hostsHandler(hd *core.HostDiscovery, metrics *core.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metrics.DiscoveryAttemptsTotal.Inc()
		hosts, err := hd.DiscoverAll(r.Context(), nil, false)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"hosts": hosts})
	}
}
