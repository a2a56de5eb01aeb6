package metrics

import (
	"encoding/json"
	"net/http"
	"sync"

	"go.uber.org/atomic"
)

var (
	_ Recorder     = &Memory{}
	_ http.Handler = &Memory{}
)

// Memory keeps counters and observations in process, keyed by name and tags. It serves a JSON
// snapshot for single-instance deployments without a Prometheus scraper.
type Memory struct {
	mu           sync.RWMutex
	counters     map[string]*atomic.Float64
	observations map[string][]float64
}

// NewMemory returns an empty Memory recorder.
func NewMemory() *Memory {
	return &Memory{
		counters:     map[string]*atomic.Float64{},
		observations: map[string][]float64{},
	}
}

func (m *Memory) counter(key string) *atomic.Float64 {
	m.mu.RLock()
	c, ok := m.counters[key]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.counters[key]; !ok {
		c = atomic.NewFloat64(0)
		m.counters[key] = c
	}
	return c
}

// Add increments the counter for name and tags.
func (m *Memory) Add(name string, value float64, tags map[string]string) {
	m.counter(seriesKey(name, tags)).Add(value)
}

// Observe appends value to the series for name and tags.
func (m *Memory) Observe(name string, value float64, tags map[string]string) {
	key := seriesKey(name, tags)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observations[key] = append(m.observations[key], value)
}

// Counter returns the current value of one counter series.
func (m *Memory) Counter(name string, tags map[string]string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.counters[seriesKey(name, tags)]; ok {
		return c.Load()
	}
	return 0
}

// Observations returns a copy of one observation series.
func (m *Memory) Observations(name string, tags map[string]string) []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]float64(nil), m.observations[seriesKey(name, tags)]...)
}

// Snapshot returns every counter series keyed by name{tag=value,...}.
func (m *Memory) Snapshot() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]float64, len(m.counters))
	for key, c := range m.counters {
		out[key] = c.Load()
	}
	return out
}

type memorySnapshot struct {
	Counters     map[string]float64 `json:"counters"`
	Observations map[string]int     `json:"observations"`
}

// ServeHTTP writes the counters and the number of observations per series as JSON.
func (m *Memory) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	snap := memorySnapshot{Counters: m.Snapshot()}
	m.mu.RLock()
	snap.Observations = make(map[string]int, len(m.observations))
	for key, values := range m.observations {
		snap.Observations[key] = len(values)
	}
	m.mu.RUnlock()

	data, err := json.Marshal(snap)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}
