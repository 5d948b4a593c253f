package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

var labelEscaper = strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")

// PrometheusHandler serves every counter as one Prometheus metric family
// labelled by event name.
func PrometheusHandler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		keys := make([]string, 0, len(snap))
		for k := range snap {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintln(w, "# HELP webrtc_mesh_events_total Internal event counters.")
		_, _ = fmt.Fprintln(w, "# TYPE webrtc_mesh_events_total counter")
		for _, k := range keys {
			escaped := labelEscaper.Replace(k)
			_, _ = fmt.Fprintf(w, "webrtc_mesh_events_total{event=\"%s\"} %d\n", escaped, snap[k])
		}
	})
}
