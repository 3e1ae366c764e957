package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// family is one exposed Prometheus counter. Registry keys are assigned to the
// first family whose prefix matches; the rest of the key becomes the label.
type family struct {
	name   string
	help   string
	label  string
	prefix string
}

var families = []family{
	{
		name:   "loopync_calls_ended_total",
		help:   "Calls that reached the ended phase, by end reason.",
		label:  "reason",
		prefix: endedReasonPrefix,
	},
	{
		name:   "loopync_relay_events_routed_total",
		help:   "Signaling events forwarded by the relay, by event kind.",
		label:  "kind",
		prefix: routedKindPrefix,
	},
	{
		name:   "loopync_relay_events_total",
		help:   "Signal relay connection, auth and fanout counters.",
		label:  "event",
		prefix: "relay_",
	},
	{
		name:  "loopync_call_events_total",
		help:  "Call lifecycle, negotiation and media counters.",
		label: "event",
	},
}

var labelEscaper = strings.NewReplacer("\\", `\\`, "\"", `\"`, "\n", `\n`)

// PrometheusHandler exposes Metrics in Prometheus' text exposition format.
// Families without samples are still announced so dashboards see them from
// the first scrape.
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

		samples := make([][]string, len(families))
		for _, k := range keys {
			for i, f := range families {
				if !strings.HasPrefix(k, f.prefix) || len(k) == len(f.prefix) {
					continue
				}
				samples[i] = append(samples[i], fmt.Sprintf("%s{%s=\"%s\"} %d",
					f.name, f.label, labelEscaper.Replace(strings.TrimPrefix(k, f.prefix)), snap[k]))
				break
			}
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		for i, f := range families {
			_, _ = fmt.Fprintf(w, "# HELP %s %s\n", f.name, f.help)
			_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", f.name)
			for _, line := range samples[i] {
				_, _ = fmt.Fprintln(w, line)
			}
		}
	})
}
