package runtime

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	idspkg "github.com/drblury/qdispatch/internal/runtime/ids"
	jsoncodec "github.com/drblury/qdispatch/internal/runtime/jsoncodec"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// UnprocessableMessageError marks deliveries that could not be turned into a
// request: the body is not a JSON object or carries no correlation key.
type UnprocessableMessageError struct {
	SourceQueue string
	Payload     string
	Err         error
}

func (e *UnprocessableMessageError) Error() string {
	return fmt.Sprintf("unprocessable message on %s: %v", e.SourceQueue, e.Err)
}

func (e *UnprocessableMessageError) Unwrap() error { return e.Err }

// HandlerFailureError marks a request whose handler failed with an error that
// is not reported to the caller, including recovered panics.
type HandlerFailureError struct {
	Handler   string
	RequestID string
	Err       error
}

func (e *HandlerFailureError) Error() string {
	return fmt.Sprintf("handler %s failed on request %q: %v", e.Handler, e.RequestID, e.Err)
}

func (e *HandlerFailureError) Unwrap() error { return e.Err }

// ResponsePublishError reports a response that could not be published to one
// of the result queues.
type ResponsePublishError struct {
	Queue string
	Err   error
}

func (e *ResponsePublishError) Error() string {
	return fmt.Sprintf("publish response to %s: %v", e.Queue, e.Err)
}

func (e *ResponsePublishError) Unwrap() error { return e.Err }

// isDeadLetterCandidate reports errors that take the dead-letter route.
func isDeadLetterCandidate(err error) bool {
	var unprocessable *UnprocessableMessageError
	var failure *HandlerFailureError
	return errors.As(err, &unprocessable) || errors.As(err, &failure)
}

func isPublishFailure(err error) bool {
	var publishErr *ResponsePublishError
	return errors.As(err, &publishErr)
}

// Outcome classifies how a delivery ended.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeNoResult        Outcome = "no_result"
	OutcomeValidationError Outcome = "validation_error"
	OutcomeHandlerError    Outcome = "handler_error"
	OutcomeUnprocessable   Outcome = "unprocessable"
	OutcomeFailed          Outcome = "failed"
	OutcomePublishFailed   Outcome = "publish_failed"
)

// HandlerInfo describes a registered handler.
type HandlerInfo struct {
	Name        string        `json:"name"`
	SourceQueue string        `json:"source_queue"`
	Consumer    string        `json:"consumer"`
	Stats       *HandlerStats `json:"stats"`
}

// HandlerStats aggregates per-handler counters for the /api/handlers endpoint.
type HandlerStats struct {
	mu sync.Mutex

	MessagesProcessed   uint64    `json:"messages_processed"`
	MessagesFailed      uint64    `json:"messages_failed"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time `json:"last_processed_at"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Outcomes   OutcomeBreakdown  `json:"outcomes"`
	Backlog    BacklogMetrics    `json:"backlog"`

	latencyWindow    *latencyWindow
	throughputWindow *throughputWindow
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
	TotalMessages    uint64  `json:"total_messages"`
}

// OutcomeBreakdown counts deliveries per Outcome.
type OutcomeBreakdown struct {
	Success         uint64 `json:"success"`
	NoResult        uint64 `json:"no_result"`
	ValidationError uint64 `json:"validation_error"`
	HandlerError    uint64 `json:"handler_error"`
	Unprocessable   uint64 `json:"unprocessable"`
	Failed          uint64 `json:"failed"`
	PublishFailed   uint64 `json:"publish_failed"`
	LastError       string `json:"last_error,omitempty"`
}

// BacklogMetrics holds in-flight counts and queue depth. Negative depth and
// lag mean unknown.
type BacklogMetrics struct {
	InFlight           uint64 `json:"in_flight"`
	MaxInFlight        uint64 `json:"max_in_flight"`
	LastQueueDepth     int64  `json:"last_queue_depth"`
	EstimatedLagMillis int64  `json:"estimated_lag_millis"`
}

func newHandlerStats() *HandlerStats {
	return &HandlerStats{
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
		Backlog: BacklogMetrics{
			LastQueueDepth:     -1,
			EstimatedLagMillis: -1,
		},
	}
}

func (h *HandlerStats) onMessageStart(msg *message.Message) {
	lag := int64(-1)
	if msg != nil {
		if age := idspkg.Age(msg.UUID, time.Now()); age >= 0 {
			lag = age.Milliseconds()
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.Backlog.InFlight++
	h.Backlog.MaxInFlight = max(h.Backlog.MaxInFlight, h.Backlog.InFlight)
	if lag >= 0 {
		h.Backlog.EstimatedLagMillis = lag
	}
}

func (h *HandlerStats) onMessageFinish(duration time.Duration, outcome Outcome, err error) {
	now := time.Now()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.Backlog.InFlight > 0 {
		h.Backlog.InFlight--
	}

	h.MessagesProcessed++
	if err != nil {
		h.MessagesFailed++
	}
	h.TotalProcessingTime += int64(duration)
	h.LastProcessedAt = now.UTC()

	if h.latencyWindow != nil {
		h.latencyWindow.Add(duration)
		h.Latency = h.latencyWindow.Snapshot()
		h.Latency.AverageNs = h.TotalProcessingTime / int64(h.MessagesProcessed)
	}
	if h.throughputWindow != nil {
		snap := h.throughputWindow.AddAndSnapshot(now)
		h.Throughput.CurrentRPS = snap.CurrentRPS
		h.Throughput.WindowSeconds = snap.WindowSeconds
		h.Throughput.MessagesInWindow = uint64(snap.Count)
	}
	h.Throughput.TotalMessages = h.MessagesProcessed

	h.Outcomes.Record(outcome, err)
}

func (h *HandlerStats) setQueueDepth(depth int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Backlog.LastQueueDepth = depth
}

func (h *HandlerStats) MarshalJSON() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	type alias HandlerStats
	return jsoncodec.Marshal((*alias)(h))
}

// Record counts one delivery.
func (o *OutcomeBreakdown) Record(outcome Outcome, err error) {
	switch outcome {
	case OutcomeSuccess:
		o.Success++
	case OutcomeNoResult:
		o.NoResult++
	case OutcomeValidationError:
		o.ValidationError++
	case OutcomeHandlerError:
		o.HandlerError++
	case OutcomeUnprocessable:
		o.Unprocessable++
	case OutcomePublishFailed:
		o.PublishFailed++
	default:
		o.Failed++
	}
	if err != nil {
		o.LastError = err.Error()
	}
}

// latencyWindow is a ring buffer of recent durations.
type latencyWindow struct {
	samples []int64
	next    int
	filled  int
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	if lw.filled == 0 {
		return LatencyMetrics{}
	}

	last := lw.samples[(lw.next-1+len(lw.samples))%len(lw.samples)]
	sorted := slices.Clone(lw.samples[:lw.filled])
	slices.Sort(sorted)

	return LatencyMetrics{
		P50Ns:      percentile(sorted, 0.50),
		P95Ns:      percentile(sorted, 0.95),
		P99Ns:      percentile(sorted, 0.99),
		LastNs:     last,
		SampleSize: lw.filled,
	}
}

// percentile interpolates linearly between the closest ranks of sorted.
func percentile(sorted []int64, q float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := q * float64(len(sorted)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return sorted[lower]
	}
	frac := pos - float64(lower)
	return sorted[lower] + int64(float64(sorted[upper]-sorted[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{horizon: horizon}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	tw.samples = append(tw.samples, now)

	cutoff := now.Add(-tw.horizon)
	idx, _ := slices.BinarySearchFunc(tw.samples, cutoff, func(t, target time.Time) int {
		return t.Compare(target)
	})
	tw.samples = slices.Delete(tw.samples, 0, idx)

	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	return throughputSnapshot{
		Count:         len(tw.samples),
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(len(tw.samples)) / span.Seconds(),
	}
}
