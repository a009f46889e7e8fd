package scheduler

import (
	"sort"
	"sync"
	"time"
)

type taskCounters struct {
	runs       int64
	failures   int64
	durationNs int64
}

// TickMetrics accumulates per-task run counters for the periodic report.
type TickMetrics struct {
	mu    sync.Mutex
	tasks map[string]*taskCounters
}

func NewTickMetrics() *TickMetrics {
	return &TickMetrics{tasks: make(map[string]*taskCounters)}
}

func (m *TickMetrics) RecordSuccess(name string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.counters(name)
	c.runs++
	c.durationNs += int64(duration)
}

func (m *TickMetrics) RecordFailure(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.counters(name)
	c.runs++
	c.failures++
}

type TaskStats struct {
	Name        string
	Runs        int64
	Failures    int64
	AvgDuration time.Duration
}

func (m *TickMetrics) Stats() []TaskStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]TaskStats, 0, len(m.tasks))
	for name, c := range m.tasks {
		st := TaskStats{Name: name, Runs: c.runs, Failures: c.failures}
		if succeeded := c.runs - c.failures; succeeded > 0 {
			st.AvgDuration = time.Duration(c.durationNs / succeeded)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *TickMetrics) counters(name string) *taskCounters {
	c, ok := m.tasks[name]
	if !ok {
		c = &taskCounters{}
		m.tasks[name] = c
	}
	return c
}
