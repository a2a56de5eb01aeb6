// Package metrics records decision counters and latencies behind a small Recorder interface.
package metrics

import (
	"sort"
	"strings"
)

// Metric names emitted by the engine.
const (
	RequestsTotal   = "ratelimiter_requests_total"
	EvaluateSeconds = "ratelimiter_evaluate_seconds"
)

// Recorder receives counter increments and observations. Implementations must be safe for concurrent use.
type Recorder interface {
	Add(name string, value float64, tags map[string]string)
	Observe(name string, value float64, tags map[string]string)
}

// NoOp discards everything. It lets callers skip nil checks on the hot path.
type NoOp struct{}

func (NoOp) Add(name string, value float64, tags map[string]string)     {}
func (NoOp) Observe(name string, value float64, tags map[string]string) {}

// sortedKeys returns the tag names in a stable order.
func sortedKeys(tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// seriesKey renders name{k=v,...} with tags sorted by name.
func seriesKey(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range sortedKeys(tags) {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
	}
	b.WriteByte('}')
	return b.String()
}
