package health

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/c360/twinsync/component"
)

// Probe supplies the current per-component health, typically backed by
// the lifecycle manager.
type Probe func() map[string]Status

// ManagerProbe adapts a lifecycle manager into a Probe.
func ManagerProbe(m interface {
	Health() map[string]component.HealthStatus
}) Probe {
	return func() map[string]Status {
		raw := m.Health()
		out := make(map[string]Status, len(raw))
		for name, ch := range raw {
			out[name] = FromComponent(name, ch)
		}
		return out
	}
}

// Handler serves the aggregated system health as JSON. A healthy or
// degraded system answers 200; an unhealthy one answers 503 so load
// balancers and probes can act on the status code alone.
func Handler(system string, probe Probe) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		statuses := probe()
		names := make([]string, 0, len(statuses))
		for name := range statuses {
			names = append(names, name)
		}
		sort.Strings(names)

		subs := make([]Status, 0, len(names))
		for _, name := range names {
			subs = append(subs, statuses[name])
		}
		agg := Aggregate(system, subs)

		w.Header().Set("Content-Type", "application/json")
		if agg.IsUnhealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(agg)
	})
}
