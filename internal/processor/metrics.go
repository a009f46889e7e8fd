package processor

import (
	"sync"
	"time"
)

// PipelineMetrics tracks upload processing counters for the periodic
// stats report.
type PipelineMetrics struct {
	mu             sync.Mutex
	filesProcessed int64
	filesFailed    int64
	chunksWritten  int64
	durationNs     int64
}

type PipelineStats struct {
	FilesProcessed int64
	FilesFailed    int64
	ChunksWritten  int64
	AvgDuration    time.Duration
}

func NewPipelineMetrics() *PipelineMetrics {
	return &PipelineMetrics{}
}

func (m *PipelineMetrics) RecordFile(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filesProcessed++
	m.durationNs += d.Nanoseconds()
}

func (m *PipelineMetrics) RecordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filesFailed++
}

func (m *PipelineMetrics) RecordChunks(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunksWritten += int64(n)
}

func (m *PipelineMetrics) Stats() PipelineStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := PipelineStats{
		FilesProcessed: m.filesProcessed,
		FilesFailed:    m.filesFailed,
		ChunksWritten:  m.chunksWritten,
	}
	if m.filesProcessed > 0 {
		stats.AvgDuration = time.Duration(m.durationNs / m.filesProcessed)
	}
	return stats
}
