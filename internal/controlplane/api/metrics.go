package controlplane

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsHandler exposes the counters and histograms registered by the
// metrics package via promauto against the default registry.
func metricsHandler() http.Handler {
	return promhttp.Handler()
}
