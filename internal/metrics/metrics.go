// Package metrics keeps the scanner's runtime counters and exposes them in
// the Prometheus text format. All updates are lock-free atomics on the hot
// path; label fan-out goes through a sync.Map keyed by the label value.
package metrics

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// DurationBuckets are the scan-latency histogram bucket bounds in
// milliseconds.
var DurationBuckets = []float64{5, 10, 20, 50, 100, 200, 500, 1000, 2000}

// Registry holds every metric the service exposes.
type Registry struct {
	requestsTotal  sync.Map // status → *atomic.Int64
	ruleMatches    sync.Map // "dataset|severity" → *atomic.Int64
	regexTimeouts  atomic.Int64
	reloadFailures atomic.Int64
	activeRequests atomic.Int64

	bucketCounts []atomic.Int64 // len(DurationBuckets)+1, last is +Inf
	durationSum  atomic.Uint64  // float64 bits
	durationN    atomic.Int64
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{bucketCounts: make([]atomic.Int64, len(DurationBuckets)+1)}
}

// IncRequest counts one completed scan request by final status.
func (r *Registry) IncRequest(status string) {
	counterIn(&r.requestsTotal, status).Add(1)
}

// IncRuleMatch counts one rule match by dataset and severity.
func (r *Registry) IncRuleMatch(dataset, severity string) {
	counterIn(&r.ruleMatches, dataset+"|"+severity).Add(1)
}

// IncRegexTimeout counts one per-pattern timeout.
func (r *Registry) IncRegexTimeout() { r.regexTimeouts.Add(1) }

// IncReloadFailure counts one failed dataset reload.
func (r *Registry) IncReloadFailure() { r.reloadFailures.Add(1) }

// ActiveInc/ActiveDec track in-flight requests.
func (r *Registry) ActiveInc() { r.activeRequests.Add(1) }
func (r *Registry) ActiveDec() { r.activeRequests.Add(-1) }

// ObserveScanDuration records one scan latency in milliseconds.
func (r *Registry) ObserveScanDuration(ms float64) {
	idx := len(DurationBuckets)
	for i, bound := range DurationBuckets {
		if ms <= bound {
			idx = i
			break
		}
	}
	r.bucketCounts[idx].Add(1)
	r.durationN.Add(1)
	for {
		old := r.durationSum.Load()
		next := math.Float64bits(math.Float64frombits(old) + ms)
		if r.durationSum.CompareAndSwap(old, next) {
			return
		}
	}
}

func counterIn(m *sync.Map, key string) *atomic.Int64 {
	if v, ok := m.Load(key); ok {
		return v.(*atomic.Int64)
	}
	v, _ := m.LoadOrStore(key, &atomic.Int64{})
	return v.(*atomic.Int64)
}

// WriteText renders every metric in the Prometheus text exposition format.
func (r *Registry) WriteText(w io.Writer) {
	fmt.Fprintln(w, "# HELP bastion_requests_total Total scan requests by final status.")
	fmt.Fprintln(w, "# TYPE bastion_requests_total counter")
	writeLabeled(w, &r.requestsTotal, func(key string, v int64) string {
		return fmt.Sprintf(`bastion_requests_total{status=%q} %d`, key, v)
	})

	fmt.Fprintln(w, "# HELP bastion_rule_matches_total Total rule matches by dataset and severity.")
	fmt.Fprintln(w, "# TYPE bastion_rule_matches_total counter")
	writeLabeled(w, &r.ruleMatches, func(key string, v int64) string {
		parts := strings.SplitN(key, "|", 2)
		return fmt.Sprintf(`bastion_rule_matches_total{dataset=%q,severity=%q} %d`, parts[0], parts[1], v)
	})

	fmt.Fprintln(w, "# HELP bastion_regex_timeouts_total Total per-pattern timeouts.")
	fmt.Fprintln(w, "# TYPE bastion_regex_timeouts_total counter")
	fmt.Fprintf(w, "bastion_regex_timeouts_total %d\n", r.regexTimeouts.Load())

	fmt.Fprintln(w, "# HELP bastion_dataset_reload_failures_total Total failed dataset reloads.")
	fmt.Fprintln(w, "# TYPE bastion_dataset_reload_failures_total counter")
	fmt.Fprintf(w, "bastion_dataset_reload_failures_total %d\n", r.reloadFailures.Load())

	fmt.Fprintln(w, "# HELP bastion_active_requests In-flight scan requests.")
	fmt.Fprintln(w, "# TYPE bastion_active_requests gauge")
	fmt.Fprintf(w, "bastion_active_requests %d\n", r.activeRequests.Load())

	fmt.Fprintln(w, "# HELP bastion_scan_duration_ms Scan duration in milliseconds.")
	fmt.Fprintln(w, "# TYPE bastion_scan_duration_ms histogram")
	var cumulative int64
	for i, bound := range DurationBuckets {
		cumulative += r.bucketCounts[i].Load()
		fmt.Fprintf(w, `bastion_scan_duration_ms_bucket{le="%g"} %d`+"\n", bound, cumulative)
	}
	cumulative += r.bucketCounts[len(DurationBuckets)].Load()
	fmt.Fprintf(w, `bastion_scan_duration_ms_bucket{le="+Inf"} %d`+"\n", cumulative)
	fmt.Fprintf(w, "bastion_scan_duration_ms_sum %g\n", math.Float64frombits(r.durationSum.Load()))
	fmt.Fprintf(w, "bastion_scan_duration_ms_count %d\n", r.durationN.Load())
}

func writeLabeled(w io.Writer, m *sync.Map, format func(key string, v int64) string) {
	var lines []string
	m.Range(func(k, v any) bool {
		lines = append(lines, format(k.(string), v.(*atomic.Int64).Load()))
		return true
	})
	sort.Strings(lines)
	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
}
