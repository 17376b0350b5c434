package runtime

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	idspkg "github.com/drblury/qdispatch/internal/runtime/ids"
)

func TestHandlerStatsRecordsOutcomes(t *testing.T) {
	stats := newHandlerStats()

	stats.onMessageStart(message.NewMessage(idspkg.New(), nil))
	if stats.Backlog.InFlight != 1 || stats.Backlog.EstimatedLagMillis < 0 {
		t.Fatalf("unexpected backlog after start: %+v", stats.Backlog)
	}
	stats.onMessageFinish(10*time.Millisecond, OutcomeSuccess, nil)

	stats.onMessageStart(message.NewMessage("not-a-ulid", nil))
	stats.onMessageFinish(30*time.Millisecond, OutcomeFailed, errors.New("db down"))

	if stats.MessagesProcessed != 2 || stats.MessagesFailed != 1 {
		t.Fatalf("unexpected counters: processed=%d failed=%d", stats.MessagesProcessed, stats.MessagesFailed)
	}
	if stats.Backlog.InFlight != 0 || stats.Backlog.MaxInFlight != 1 {
		t.Fatalf("unexpected backlog: %+v", stats.Backlog)
	}
	if stats.Outcomes.Success != 1 || stats.Outcomes.Failed != 1 || stats.Outcomes.LastError != "db down" {
		t.Fatalf("unexpected outcomes: %+v", stats.Outcomes)
	}
	if stats.Latency.SampleSize != 2 || stats.Latency.LastNs != int64(30*time.Millisecond) {
		t.Fatalf("unexpected latency: %+v", stats.Latency)
	}
	if stats.Latency.AverageNs != int64(20*time.Millisecond) {
		t.Fatalf("unexpected average latency: %d", stats.Latency.AverageNs)
	}
	if stats.Throughput.TotalMessages != 2 || stats.Throughput.MessagesInWindow != 2 {
		t.Fatalf("unexpected throughput: %+v", stats.Throughput)
	}
}

func TestOutcomeBreakdownRecord(t *testing.T) {
	var o OutcomeBreakdown
	for _, outcome := range []Outcome{
		OutcomeSuccess, OutcomeNoResult, OutcomeValidationError, OutcomeHandlerError,
		OutcomeUnprocessable, OutcomeFailed, OutcomePublishFailed,
	} {
		o.Record(outcome, nil)
	}
	want := OutcomeBreakdown{1, 1, 1, 1, 1, 1, 1, ""}
	if o != want {
		t.Fatalf("expected %+v, got %+v", want, o)
	}
}

func TestLatencyWindowPercentiles(t *testing.T) {
	lw := newLatencyWindow(4)
	if snap := lw.Snapshot(); snap.SampleSize != 0 {
		t.Fatalf("expected an empty snapshot, got %+v", snap)
	}

	for _, d := range []time.Duration{1, 2, 3, 4, 5, 6} {
		lw.Add(d)
	}
	snap := lw.Snapshot()
	if snap.SampleSize != 4 || snap.LastNs != 6 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.P50Ns != 4 || snap.P99Ns != 5 {
		t.Fatalf("unexpected percentiles: %+v", snap)
	}
}

func TestThroughputWindowDropsOldSamples(t *testing.T) {
	tw := newThroughputWindow(time.Second)
	base := time.Now()

	tw.AddAndSnapshot(base)
	tw.AddAndSnapshot(base.Add(500 * time.Millisecond))
	snap := tw.AddAndSnapshot(base.Add(2 * time.Second))

	if snap.Count != 1 {
		t.Fatalf("expected samples outside the window to be dropped, got %d", snap.Count)
	}
}

func TestHandlerStatsMarshalJSON(t *testing.T) {
	stats := newHandlerStats()
	stats.onMessageFinish(time.Millisecond, OutcomeHandlerError, nil)
	stats.setQueueDepth(12)

	raw, err := json.Marshal(stats)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	backlog := decoded["backlog"].(map[string]any)
	if backlog["last_queue_depth"] != float64(12) {
		t.Fatalf("unexpected backlog: %v", backlog)
	}
	outcomes := decoded["outcomes"].(map[string]any)
	if outcomes["handler_error"] != float64(1) {
		t.Fatalf("unexpected outcomes: %v", outcomes)
	}
	if decoded["messages_processed"] != float64(1) {
		t.Fatalf("unexpected document: %s", raw)
	}
}

func TestErrorTypesUnwrap(t *testing.T) {
	cause := errors.New("cause")
	for _, err := range []error{
		&UnprocessableMessageError{SourceQueue: "q", Err: cause},
		&HandlerFailureError{Handler: "h", Err: cause},
		&ResponsePublishError{Queue: "q", Err: cause},
	} {
		if !errors.Is(err, cause) {
			t.Fatalf("%T must unwrap to its cause", err)
		}
	}
	if isDeadLetterCandidate(&ResponsePublishError{Err: cause}) {
		t.Fatal("publish failures are not dead-letter candidates on their own")
	}
	if !isPublishFailure(&ResponsePublishError{Err: cause}) {
		t.Fatal("expected a publish failure")
	}
}
