package transmit

import (
	"sync"
	"time"

	"github.com/telemetryhq/tracecore/types"
)

// MockTransmission records every trace it is handed so tests can inspect
// what the buffer emitted.
type MockTransmission struct {
	mutex   sync.Mutex
	Traces  [][]*types.SpanData
	Flushed int
}

var _ = Transmission((*MockTransmission)(nil))

func (m *MockTransmission) EnqueueTrace(trace []*types.SpanData) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.Traces = append(m.Traces, trace)
}

func (m *MockTransmission) Flush(time.Duration) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.Flushed++
	return nil
}

// Sent returns a snapshot of the emitted traces.
func (m *MockTransmission) Sent() [][]*types.SpanData {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	traces := make([][]*types.SpanData, len(m.Traces))
	copy(traces, m.Traces)
	return traces
}
