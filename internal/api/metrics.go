package api

import (
	"net/http"

	"github.com/heysubinoy/kvapi/internal/store"
)

// MetricsHandler returns current store metrics as JSON.
// Only works if the server was initialized with an InstrumentedStore.
func MetricsHandler(instrumentedStore *store.InstrumentedStore) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		m := instrumentedStore.GetMetrics()

		response := map[string]any{
			"operations": map[string]uint64{
				"get":    m.Get.Count,
				"set":    m.Set.Count,
				"delete": m.Delete.Count,
			},
			"errors": map[string]uint64{
				"get":    m.Get.Errors,
				"set":    m.Set.Errors,
				"delete": m.Delete.Errors,
			},
			"avg_latency": map[string]string{
				"get":    m.Get.AvgLatency.String(),
				"set":    m.Set.AvgLatency.String(),
				"delete": m.Delete.AvgLatency.String(),
			},
		}

		writeJSON(w, http.StatusOK, response)
	}
}
