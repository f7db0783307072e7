// Package metrics is a small in-process registry rendered in the Prometheus
// text exposition format.
package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"
)

type kind string

const (
	kindCounter   kind = "counter"
	kindGauge     kind = "gauge"
	kindHistogram kind = "histogram"
)

var (
	latencyBuckets = []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000}
	jobBuckets     = []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}
	callBuckets    = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}
)

type family struct {
	name    string
	help    string
	kind    kind
	buckets []float64
	series  map[string]*series
}

type series struct {
	labels  map[string]string
	value   float64
	count   uint64
	sum     float64
	buckets []uint64
}

type Registry struct {
	mu       sync.RWMutex
	families map[string]*family
}

func NewRegistry() *Registry {
	r := &Registry{families: make(map[string]*family)}
	r.registerDefaults()
	return r
}

func (r *Registry) registerDefaults() {
	r.RegisterCounter("smartpc_job_runs_total", "Background job runs by job and status.")
	r.RegisterHistogram("smartpc_job_duration_ms", "Background job duration in milliseconds by job.", jobBuckets)

	r.RegisterCounter("smartpc_desktop_provision_total", "Desktop host provision attempts by provider, region, and status.")
	r.RegisterHistogram("smartpc_desktop_provision_latency_ms", "Desktop host provision latency in milliseconds by provider, region, and status.", latencyBuckets)
	r.RegisterCounter("smartpc_desktop_deprovision_total", "Desktop host deprovision attempts by provider, region, and status.")
	r.RegisterHistogram("smartpc_desktop_deprovision_latency_ms", "Desktop host deprovision latency in milliseconds by provider, region, and status.", latencyBuckets)

	r.RegisterCounter("smartpc_aws_operations_total", "AWS operation attempts by operation, region, and status.")
	r.RegisterHistogram("smartpc_aws_operation_latency_ms", "AWS operation latency in milliseconds by operation, region, and status.", latencyBuckets)
	r.RegisterCounter("smartpc_aws_retries_total", "AWS retries by operation, region, and error code.")
	r.RegisterCounter("smartpc_aws_retry_exhausted_total", "AWS operations that exhausted retry attempts by operation and region.")

	r.RegisterCounter("smartpc_viewer_connects_total", "Viewer connect attempts by entry state.")
	r.RegisterCounter("smartpc_viewer_disconnects_total", "Viewer session teardowns by reason.")
	r.RegisterCounter("smartpc_viewer_errors_total", "Viewer sessions ended by a display error.")
	r.RegisterHistogram("smartpc_viewer_first_frame_ms", "Time from connect to first rendered frame in milliseconds.", latencyBuckets)
	r.RegisterCounter("smartpc_viewer_resolution_requests_total", "Remote resolution requests by status.")
	r.RegisterHistogram("smartpc_viewer_resolution_latency_ms", "Remote resolution request latency in milliseconds by status.", callBuckets)
	r.RegisterCounter("smartpc_viewer_stats_polls_total", "Connection stats samples by status.")
	r.RegisterCounter("smartpc_viewer_forwards_total", "Quality, input, and shortcut calls forwarded to the host by op and status.")
	r.RegisterCounter("smartpc_viewer_power_effects_total", "Power transition effects started by kind.")
	r.RegisterGauge("smartpc_viewer_event_streams", "Open viewer event stream connections.")
}

func (r *Registry) register(name, help string, k kind, buckets []float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.families[name] = &family{name: name, help: help, kind: k, buckets: buckets, series: make(map[string]*series)}
}

func (r *Registry) RegisterCounter(name, help string) {
	r.register(name, help, kindCounter, nil)
}

func (r *Registry) RegisterGauge(name, help string) {
	r.register(name, help, kindGauge, nil)
}

func (r *Registry) RegisterHistogram(name, help string, buckets []float64) {
	cp := append([]float64(nil), buckets...)
	sort.Float64s(cp)
	r.register(name, help, kindHistogram, cp)
}

// lookup returns the series for name and labels, creating it on first use.
// Callers hold r.mu. Unknown names and kind mismatches return nil.
func (r *Registry) lookup(name string, k kind, labels map[string]string) (*family, *series) {
	f, ok := r.families[name]
	if !ok || f.kind != k {
		return nil, nil
	}
	key := labelsKey(labels)
	s := f.series[key]
	if s == nil {
		s = &series{labels: cloneLabels(labels)}
		if k == kindHistogram {
			s.buckets = make([]uint64, len(f.buckets)+1)
		}
		f.series[key] = s
	}
	return f, s
}

func (r *Registry) IncCounter(name string, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, s := r.lookup(name, kindCounter, labels); s != nil {
		s.value++
	}
}

func (r *Registry) SetGauge(name string, value float64, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, s := r.lookup(name, kindGauge, labels); s != nil {
		s.value = value
	}
}

func (r *Registry) AddGauge(name string, delta float64, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, s := r.lookup(name, kindGauge, labels); s != nil {
		s.value += delta
	}
}

func (r *Registry) ObserveHistogram(name string, value float64, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, s := r.lookup(name, kindHistogram, labels)
	if s == nil {
		return
	}
	i := sort.SearchFloat64s(f.buckets, value)
	s.buckets[i]++
	s.count++
	s.sum += value
}

// Value reports the current counter or gauge value for labels.
func (r *Registry) Value(name string, labels map[string]string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.families[name]
	if !ok {
		return 0
	}
	if s := f.series[labelsKey(labels)]; s != nil {
		return s.value
	}
	return 0
}

func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(r.Render()))
	})
}

func labelsKey(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := sortedKeys(labels)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
		b.WriteByte(';')
	}
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func cloneLabels(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var (
	defaultMu       sync.Mutex
	defaultRegistry = NewRegistry()
)

func Default() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultRegistry
}

func ResetDefaultForTest() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultRegistry = NewRegistry()
}
