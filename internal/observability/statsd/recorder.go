package statsd

import (
	"maps"
	"sync"
	"time"
)

// Sample is one metric captured by a Recorder.
type Sample struct {
	Kind  string
	Name  string
	Value float64
	Tags  map[string]string
}

// Recorder is an in-memory Sink that keeps every sample and the latest value
// of each gauge.
type Recorder struct {
	mu      sync.Mutex
	samples []Sample
	gauges  map[string]float64
}

var _ Sink = (*Recorder)(nil)

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{gauges: make(map[string]float64)}
}

func (r *Recorder) Count(name string, value int64, tags map[string]string) {
	r.add(Sample{Kind: "c", Name: name, Value: float64(value), Tags: maps.Clone(tags)})
}

func (r *Recorder) Gauge(name string, value float64, tags map[string]string) {
	r.mu.Lock()
	r.gauges[gaugeKey(name, tags)] = value
	r.mu.Unlock()
	r.add(Sample{Kind: "g", Name: name, Value: value, Tags: maps.Clone(tags)})
}

func (r *Recorder) Timing(name string, value time.Duration, tags map[string]string) {
	r.add(Sample{Kind: "ms", Name: name, Value: float64(value) / float64(time.Millisecond), Tags: maps.Clone(tags)})
}

func (r *Recorder) add(s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, s)
}

// Samples returns every captured sample named name, in emission order.
func (r *Recorder) Samples(name string) []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Sample
	for _, s := range r.samples {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

// CountTotal sums the counter named name over samples whose tags include match.
func (r *Recorder) CountTotal(name string, match map[string]string) int64 {
	var total int64
	for _, s := range r.Samples(name) {
		if s.Kind == "c" && tagsMatch(s.Tags, match) {
			total += int64(s.Value)
		}
	}
	return total
}

// LastGauge returns the latest value of the gauge with exactly these tags.
func (r *Recorder) LastGauge(name string, tags map[string]string) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.gauges[gaugeKey(name, tags)]
	return v, ok
}

func gaugeKey(name string, tags map[string]string) string {
	return name + formatTags(nil, tags)
}

func tagsMatch(tags, match map[string]string) bool {
	for k, v := range match {
		if tags[k] != v {
			return false
		}
	}
	return true
}
