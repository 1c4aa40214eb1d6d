package transmit

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/telemetryhq/tracecore/logger"
	"github.com/telemetryhq/tracecore/metrics"
	"github.com/telemetryhq/tracecore/types"
)

const (
	tracesPath = "/v0.4/traces"

	// queueDepth bounds the number of traces waiting for the send loop.
	// Beyond this, EnqueueTrace drops rather than blocks.
	queueDepth = 1000

	// batchLimit is the number of traces collected before a send happens
	// without waiting for the ticker.
	batchLimit = 100

	flushInterval = 2 * time.Second
)

const (
	counterBatchesSent   = "transmit_batches_sent"
	counterTracesSent    = "transmit_traces_sent"
	counterTracesDropped = "transmit_traces_dropped"
	counterSendErrors    = "transmit_send_errors"
)

// agentResponse is the body the agent returns on a successful submission.
type agentResponse struct {
	RateByService map[string]float64 `json:"rate_by_service"`
}

type flushRequest struct {
	done chan struct{}
}

// AgentTransmission ships trace batches to a local trace agent over HTTP,
// msgpack-encoded. A single background goroutine drains the queue, batching
// by count and by time. When the agent's response carries a rate_by_service
// table and a RateSetter is configured, the table is fed back into the
// sampler, closing the loop between agent and client.
type AgentTransmission struct {
	Logger  logger.Logger   `inject:""`
	Metrics metrics.Metrics `inject:"metrics"`
	Version string          `inject:"version"`
	Clock   clockwork.Clock

	// AgentURL is the base address of the trace agent, e.g.
	// "http://localhost:8126".
	AgentURL string
	// RateSetter, when non-nil, receives decoded rate_by_service tables.
	RateSetter RateSetter
	HTTPClient *http.Client

	traces chan []*types.SpanData
	flush  chan flushRequest
	done   chan struct{}
}

func (t *AgentTransmission) Start() error {
	if t.AgentURL == "" {
		return errors.New("transmit: agent URL is required")
	}
	if t.Clock == nil {
		t.Clock = clockwork.NewRealClock()
	}
	if t.HTTPClient == nil {
		t.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	t.Metrics.Register(counterBatchesSent, "counter")
	t.Metrics.Register(counterTracesSent, "counter")
	t.Metrics.Register(counterTracesDropped, "counter")
	t.Metrics.Register(counterSendErrors, "counter")

	t.traces = make(chan []*types.SpanData, queueDepth)
	t.flush = make(chan flushRequest)
	t.done = make(chan struct{})
	go t.sendLoop()
	return nil
}

func (t *AgentTransmission) Stop() error {
	close(t.done)
	return nil
}

// EnqueueTrace hands a finished trace to the send loop. It never blocks;
// when the queue is full the trace is dropped and counted.
func (t *AgentTransmission) EnqueueTrace(trace []*types.SpanData) {
	select {
	case t.traces <- trace:
	default:
		t.Metrics.Increment(counterTracesDropped)
		t.Logger.Errorf("transmission queue full, dropping trace of %d spans", len(trace))
	}
}

// Flush pushes everything queued so far out to the agent and waits for the
// send to finish, up to the timeout.
func (t *AgentTransmission) Flush(timeout time.Duration) error {
	req := flushRequest{done: make(chan struct{})}
	timer := t.Clock.NewTimer(timeout)
	defer timer.Stop()
	select {
	case t.flush <- req:
	case <-timer.Chan():
		return fmt.Errorf("transmit: flush not accepted within %s", timeout)
	case <-t.done:
		return errors.New("transmit: stopped")
	}
	select {
	case <-req.done:
		return nil
	case <-timer.Chan():
		return fmt.Errorf("transmit: flush did not complete within %s", timeout)
	case <-t.done:
		return errors.New("transmit: stopped")
	}
}

func (t *AgentTransmission) sendLoop() {
	ticker := t.Clock.NewTicker(flushInterval)
	defer ticker.Stop()
	var batch [][]*types.SpanData
	for {
		select {
		case trace := <-t.traces:
			batch = append(batch, trace)
			if len(batch) >= batchLimit {
				t.send(batch)
				batch = nil
			}
		case <-ticker.Chan():
			if len(batch) > 0 {
				t.send(batch)
				batch = nil
			}
		case req := <-t.flush:
			batch = append(batch, t.drain()...)
			if len(batch) > 0 {
				t.send(batch)
				batch = nil
			}
			close(req.done)
		case <-t.done:
			return
		}
	}
}

// drain empties the queue without blocking.
func (t *AgentTransmission) drain() [][]*types.SpanData {
	var traces [][]*types.SpanData
	for {
		select {
		case trace := <-t.traces:
			traces = append(traces, trace)
		default:
			return traces
		}
	}
}

func (t *AgentTransmission) send(batch [][]*types.SpanData) {
	body, err := msgpack.Marshal(batch)
	if err != nil {
		t.Metrics.Increment(counterSendErrors)
		t.Logger.Errorf("failed to encode trace batch: %s", err)
		return
	}
	req, err := http.NewRequest(http.MethodPost, t.AgentURL+tracesPath, bytes.NewReader(body))
	if err != nil {
		t.Metrics.Increment(counterSendErrors)
		t.Logger.Errorf("failed to build agent request: %s", err)
		return
	}
	req.Header.Set("Content-Type", "application/msgpack")
	req.Header.Set("X-Datadog-Trace-Count", strconv.Itoa(len(batch)))
	req.Header.Set("Datadog-Meta-Lang", "go")
	if t.Version != "" {
		req.Header.Set("Datadog-Meta-Tracer-Version", t.Version)
	}

	resp, err := t.HTTPClient.Do(req)
	if err != nil {
		t.Metrics.Increment(counterSendErrors)
		t.Logger.Errorf("failed to send traces to agent: %s", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		t.Metrics.Increment(counterSendErrors)
		t.Logger.Errorf("agent returned status %d", resp.StatusCode)
		io.Copy(io.Discard, resp.Body)
		return
	}

	t.Metrics.Increment(counterBatchesSent)
	t.Metrics.Count(counterTracesSent, len(batch))
	t.applyResponse(resp.Body)
}

// applyResponse feeds the agent's sampling feedback into the priority
// sampler. An empty or malformed body is not an error worth more than a
// debug line; older agents return "OK".
func (t *AgentTransmission) applyResponse(body io.Reader) {
	if t.RateSetter == nil {
		io.Copy(io.Discard, body)
		return
	}
	var response agentResponse
	if err := json.NewDecoder(body).Decode(&response); err != nil {
		t.Logger.Debugf("could not decode agent response: %s", err)
		return
	}
	if response.RateByService != nil {
		t.RateSetter.Configure(response.RateByService)
	}
}
