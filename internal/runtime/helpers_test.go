package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	configpkg "github.com/drblury/qdispatch/internal/runtime/config"
	"github.com/drblury/qdispatch/internal/runtime/envelope"
	loggingpkg "github.com/drblury/qdispatch/internal/runtime/logging"
	"github.com/drblury/qdispatch/transport"
)

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

type testPublisher struct {
	mu        sync.Mutex
	published map[string][]*message.Message
	failOn    map[string]error
	closed    int
}

func (p *testPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failOn[topic]; err != nil {
		return err
	}
	if p.published == nil {
		p.published = make(map[string][]*message.Message)
	}
	p.published[topic] = append(p.published[topic], messages...)
	return nil
}

func (p *testPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func (p *testPublisher) Messages(topic string) []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*message.Message(nil), p.published[topic]...)
}

func (p *testPublisher) Total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, msgs := range p.published {
		n += len(msgs)
	}
	return n
}

type testSubscriber struct {
	err    error
	closed int

	mu     sync.Mutex
	topics []string
}

func (s *testSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.mu.Lock()
	s.topics = append(s.topics, topic)
	s.mu.Unlock()
	ch := make(chan *message.Message)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

// Topics lists the subscribed topics in subscription order.
func (s *testSubscriber) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.topics...)
}

func (s *testSubscriber) Close() error {
	s.closed++
	return nil
}

// depthSubscriber reports a fixed backlog for every queue.
type depthSubscriber struct {
	testSubscriber
	depth int64
}

func (s *depthSubscriber) GetPendingCount(string) (int64, error) { return s.depth, nil }

var _ transport.QueueIntrospector = (*depthSubscriber)(nil)

type logRecord struct {
	level  string
	msg    string
	err    error
	fields loggingpkg.LogFields
}

// recordingLogger keeps every record, including access and warn records.
type recordingLogger struct {
	mu      *sync.Mutex
	records *[]logRecord
	fields  loggingpkg.LogFields
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, records: &[]logRecord{}}
}

func (l *recordingLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	merged := loggingpkg.LogFields{}
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &recordingLogger{mu: l.mu, records: l.records, fields: merged}
}

func (l *recordingLogger) add(level, msg string, err error, fields loggingpkg.LogFields) {
	merged := loggingpkg.LogFields{}
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.records = append(*l.records, logRecord{level: level, msg: msg, err: err, fields: merged})
}

func (l *recordingLogger) Debug(msg string, fields loggingpkg.LogFields) { l.add("debug", msg, nil, fields) }
func (l *recordingLogger) Info(msg string, fields loggingpkg.LogFields)  { l.add("info", msg, nil, fields) }
func (l *recordingLogger) Trace(msg string, fields loggingpkg.LogFields) { l.add("trace", msg, nil, fields) }
func (l *recordingLogger) Access(msg string, fields loggingpkg.LogFields) {
	l.add("access", msg, nil, fields)
}
func (l *recordingLogger) Warn(msg string, fields loggingpkg.LogFields) { l.add("warn", msg, nil, fields) }
func (l *recordingLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	l.add("error", msg, err, fields)
}

func (l *recordingLogger) find(level, msg string) (logRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range *l.records {
		if r.level == level && r.msg == msg {
			return r, true
		}
	}
	return logRecord{}, false
}

// newTestService builds a Service around in-memory doubles without a transport factory.
func newTestService(t *testing.T) *Service {
	t.Helper()
	return newTestServiceWith(t, &configpkg.Config{ApplicationName: "books-service"}, newTestLogger())
}

func newTestServiceWith(t *testing.T, conf *configpkg.Config, log loggingpkg.ServiceLogger) *Service {
	t.Helper()
	router, err := message.NewRouter(message.RouterConfig{}, loggingpkg.NewWatermillAdapter(log))
	if err != nil {
		t.Fatalf("router init failed: %v", err)
	}
	metrics, err := NewMetrics(nil)
	if err != nil {
		t.Fatalf("metrics init failed: %v", err)
	}
	return &Service{
		Conf:       conf,
		Logger:     log,
		router:     router,
		publisher:  &testPublisher{},
		subscriber: &testSubscriber{},
		metrics:    metrics,
		validator:  envelope.NewValidator(),
	}
}

type bookRequest struct {
	BookID  string `json:"book_id" validate:"required"`
	Edition int64  `json:"edition"`
}

func decodeResponse(t *testing.T, msg *message.Message) map[string]any {
	t.Helper()
	var resp map[string]any
	dec := json.NewDecoder(bytes.NewReader(msg.Payload))
	dec.UseNumber()
	if err := dec.Decode(&resp); err != nil {
		t.Fatalf("response is not JSON: %v (%s)", err, msg.Payload)
	}
	return resp
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
