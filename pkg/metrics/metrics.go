package metrics

import (
	"bufio"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"
)

// Collector captures counters, gauges and histograms.
type Collector interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
	ObserveHistogram(name string, labels map[string]string, value float64)
}

// Noop discards everything.
type Noop struct{}

func (Noop) IncCounter(string, map[string]string, float64)       {}
func (Noop) SetGauge(string, map[string]string, float64)         {}
func (Noop) ObserveHistogram(string, map[string]string, float64) {}

type summary struct {
	count uint64
	sum   float64
}

// Registry is an in-memory Collector that renders the Prometheus text format.
// Histograms are exported as _count and _sum only.
type Registry struct {
	mu       sync.Mutex
	counters map[string]float64
	gauges   map[string]float64
	hists    map[string]*summary
}

func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
		hists:    make(map[string]*summary),
	}
}

func series(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}

	pairs := make([]string, 0, len(labels))
	for _, k := range slices.Sorted(maps.Keys(labels)) {
		pairs = append(pairs, fmt.Sprintf("%s=%q", k, labels[k]))
	}
	return name + "{" + strings.Join(pairs, ",") + "}"
}

func (r *Registry) IncCounter(name string, labels map[string]string, delta float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.counters[series(name, labels)] += delta
}

func (r *Registry) SetGauge(name string, labels map[string]string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.gauges[series(name, labels)] = value
}

func (r *Registry) ObserveHistogram(name string, labels map[string]string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := series(name, labels)
	h, ok := r.hists[key]
	if !ok {
		h = &summary{}
		r.hists[key] = h
	}
	h.count++
	h.sum += value
}

// Value returns the current value of a counter or gauge series.
func (r *Registry) Value(name string, labels map[string]string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := series(name, labels)
	if v, ok := r.counters[key]; ok {
		return v
	}
	return r.gauges[key]
}

// WriteText writes every series sorted by name.
func (r *Registry) WriteText(w io.Writer) error {
	r.mu.Lock()
	lines := make([]string, 0, len(r.counters)+len(r.gauges)+2*len(r.hists))
	for k, v := range r.counters {
		lines = append(lines, fmt.Sprintf("%s %g", k, v))
	}
	for k, v := range r.gauges {
		lines = append(lines, fmt.Sprintf("%s %g", k, v))
	}
	for k, h := range r.hists {
		name, labels, _ := strings.Cut(k, "{")
		if labels != "" {
			labels = "{" + labels
		}
		lines = append(lines,
			fmt.Sprintf("%s_count%s %d", name, labels, h.count),
			fmt.Sprintf("%s_sum%s %g", name, labels, h.sum),
		)
	}
	r.mu.Unlock()

	slices.Sort(lines)

	bw := bufio.NewWriter(w)
	for _, line := range lines {
		if _, err := bw.WriteString(line + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}
