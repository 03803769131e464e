package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry holds the engine's counters and connector latency histograms and
// renders them as JSON or Prometheus text.
type Registry struct {
	mu            sync.RWMutex
	endpoint      map[string]*EndpointStat
	runs          map[string]int64 // mode|state
	outcomes      map[string]int64 // status|reason
	actions       map[string]int64 // system|op|result
	gauges        map[string]float64
	rosterDropped int64
	ledgerErrors  int64
	Histograms    *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt    string                  `json:"generated_at"`
	Endpoints      map[string]EndpointStat `json:"endpoints"`
	Runs           map[string]int64        `json:"runs"`
	Outcomes       map[string]int64        `json:"outcomes"`
	Actions        map[string]int64        `json:"actions"`
	Gauges         map[string]float64      `json:"gauges"`
	RosterDropped  int64                   `json:"roster_dropped_total"`
	LedgerErrors   int64                   `json:"ledger_errors_total"`
	ConnectorCalls []HistogramSnapshot     `json:"connector_calls,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:   map[string]*EndpointStat{},
		runs:       map[string]int64{},
		outcomes:   map[string]int64{},
		actions:    map[string]int64{},
		gauges:     map[string]float64{},
		Histograms: NewHistogramRegistry(),
	}
}

// Observe records one request to the operational listener.
func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncRun counts a run reaching a terminal state.
func (r *Registry) IncRun(mode, state string) {
	r.inc(r.runs, mode, state)
}

// IncOutcome counts one person outcome.
func (r *Registry) IncOutcome(status, reason string) {
	r.inc(r.outcomes, status, reason)
}

// IncAction counts one connector apply call by result ("ok" or "error").
func (r *Registry) IncAction(system, op, result string) {
	r.inc(r.actions, system, op, result)
}

// ObserveConnectorCall records the latency of a single connector call,
// retries included.
func (r *Registry) ObserveConnectorCall(system, op string, d time.Duration) {
	if system == "" || op == "" {
		return
	}
	r.Histograms.ObserveDuration(system+"|"+op, d)
}

func (r *Registry) IncRosterDropped() {
	r.mu.Lock()
	r.rosterDropped++
	r.mu.Unlock()
}

func (r *Registry) IncLedgerErrors() {
	r.mu.Lock()
	r.ledgerErrors++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) inc(m map[string]int64, labels ...string) {
	for i, l := range labels {
		labels[i] = strings.TrimSpace(l)
	}
	if labels[0] == "" {
		return
	}
	for i := range labels {
		if labels[i] == "" {
			labels[i] = "NONE"
		}
	}
	key := strings.Join(labels, "|")
	r.mu.Lock()
	m[key]++
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:   time.Now().UTC().Format(time.RFC3339),
		Endpoints:     make(map[string]EndpointStat, len(r.endpoint)),
		Runs:          copyCounts(r.runs),
		Outcomes:      copyCounts(r.outcomes),
		Actions:       copyCounts(r.actions),
		Gauges:        make(map[string]float64, len(r.gauges)),
		RosterDropped: r.rosterDropped,
		LedgerErrors:  r.ledgerErrors,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.ConnectorCalls = r.Histograms.Snapshots()
	return out
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}

		b.WriteString("# HELP idsync_http_requests_total requests to the operational listener\n")
		b.WriteString("# TYPE idsync_http_requests_total counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "idsync_http_requests_total{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP idsync_http_errors_total operational listener responses >= 400\n")
		b.WriteString("# TYPE idsync_http_errors_total counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "idsync_http_errors_total{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}

		writeLabelled(b, "idsync_runs_total", "runs by mode and final state", snap.Runs, "mode", "state")
		writeLabelled(b, "idsync_person_outcomes_total", "person outcomes by status and reason", snap.Outcomes, "status", "reason")
		writeLabelled(b, "idsync_actions_total", "connector apply calls", snap.Actions, "system", "op", "result")

		b.WriteString("# HELP idsync_roster_dropped_total roster messages that could not be decoded\n")
		b.WriteString("# TYPE idsync_roster_dropped_total counter\n")
		fmt.Fprintf(b, "idsync_roster_dropped_total %d\n", snap.RosterDropped)
		b.WriteString("# HELP idsync_ledger_errors_total failed ledger writes\n")
		b.WriteString("# TYPE idsync_ledger_errors_total counter\n")
		fmt.Fprintf(b, "idsync_ledger_errors_total %d\n", snap.LedgerErrors)

		b.WriteString("# HELP idsync_gauge operational gauges\n")
		b.WriteString("# TYPE idsync_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "idsync_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}

		if len(snap.ConnectorCalls) > 0 {
			b.WriteString("# HELP idsync_connector_call_seconds connector call latency\n")
			b.WriteString("# TYPE idsync_connector_call_seconds histogram\n")
		}
		for _, h := range snap.ConnectorCalls {
			system, op, _ := strings.Cut(h.Name, "|")
			labels := fmt.Sprintf("system=%q,op=%q", system, op)
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "idsync_connector_call_seconds_bucket{%s,le=\"%.3f\"} %d\n", labels, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "idsync_connector_call_seconds_bucket{%s,le=\"+Inf\"} %d\n", labels, h.Count)
			fmt.Fprintf(b, "idsync_connector_call_seconds_sum{%s} %.6f\n", labels, h.Sum)
			fmt.Fprintf(b, "idsync_connector_call_seconds_count{%s} %d\n", labels, h.Count)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func writeLabelled(b *strings.Builder, name, help string, counts map[string]int64, labels ...string) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s counter\n", name, help, name)
	for _, key := range SortedKeys(counts) {
		parts := strings.SplitN(key, "|", len(labels))
		pairs := make([]string, len(labels))
		for i, l := range labels {
			v := "NONE"
			if i < len(parts) {
				v = parts[i]
			}
			pairs[i] = fmt.Sprintf("%s=%q", l, v)
		}
		fmt.Fprintf(b, "%s{%s} %d\n", name, strings.Join(pairs, ","), counts[key])
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
