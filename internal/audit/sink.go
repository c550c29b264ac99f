package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"
)

// Headers set by HTTPSink on every delivery.
const (
	HeaderRequestID  = "X-Request-ID"
	HeaderEventCount = "X-Audit-Event-Count"
)

// ErrSinkRejected marks a delivery the collector refused outright. Retrying it
// cannot succeed, so BatchSink gives up immediately.
var ErrSinkRejected = errors.New("audit sink rejected events")

// Sink is an interface for audit event sinks that support closing.
type Sink interface {
	EventWriter
	Close() error
}

// BatchWriter is implemented by sinks that deliver several events at once.
type BatchWriter interface {
	WriteBatch(events []*AuditEvent) error
}

// BatchSink buffers relay events and hands them to the wrapped writer when
// the buffer fills or the flush interval elapses.
type BatchSink struct {
	wrapped      EventWriter
	size         int
	interval     time.Duration
	retryCount   int
	retryBackoff time.Duration

	mu      sync.Mutex
	pending []*AuditEvent
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewBatchSink wraps w. A non-positive size or interval selects 100 events
// and five seconds.
func NewBatchSink(w EventWriter, size int, interval time.Duration, retryCount int, retryBackoff time.Duration) *BatchSink {
	if size <= 0 {
		size = 100
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if retryCount < 0 {
		retryCount = 0
	}

	s := &BatchSink{
		wrapped:      w,
		size:         size,
		interval:     interval,
		retryCount:   retryCount,
		retryBackoff: retryBackoff,
		pending:      make([]*AuditEvent, 0, size),
		done:         make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

// WriteEvent queues event. A full buffer is flushed in the background so the
// relay request never waits on the collector.
func (s *BatchSink) WriteEvent(event *AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = append(s.pending, event)
	if len(s.pending) < s.size {
		return nil
	}
	batch := s.takeLocked()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.deliver(batch)
	}()
	return nil
}

// Close flushes what is buffered, waits for in-flight deliveries and closes
// the wrapped writer. It is safe to call more than once.
func (s *BatchSink) Close() error {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
	if c, ok := s.wrapped.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func (s *BatchSink) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.done:
			s.flush()
			return
		}
	}
}

func (s *BatchSink) flush() {
	s.mu.Lock()
	batch := s.takeLocked()
	s.mu.Unlock()
	if len(batch) > 0 {
		s.deliver(batch)
	}
}

// takeLocked hands over the buffered events. Caller must hold s.mu.
func (s *BatchSink) takeLocked() []*AuditEvent {
	if len(s.pending) == 0 {
		return nil
	}
	batch := s.pending
	s.pending = make([]*AuditEvent, 0, s.size)
	return batch
}

// deliver writes batch, retrying with exponential backoff. Writers without
// batch support are fed one event at a time and only unsent events are
// retried, so a collector never sees the same relay twice.
func (s *BatchSink) deliver(batch []*AuditEvent) error {
	remaining := batch
	var err error
	for attempt := 0; ; attempt++ {
		remaining, err = s.write(remaining)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrSinkRejected) || attempt >= s.retryCount {
			break
		}
		time.Sleep(s.retryBackoff * time.Duration(1<<uint(attempt)))
	}

	fmt.Fprintf(os.Stderr, "audit: dropped %d relay events (first request %q): %v\n",
		len(remaining), firstRequestID(remaining), err)
	return err
}

// write returns the events that still need delivery.
func (s *BatchSink) write(events []*AuditEvent) ([]*AuditEvent, error) {
	if bw, ok := s.wrapped.(BatchWriter); ok {
		if err := bw.WriteBatch(events); err != nil {
			return events, err
		}
		return nil, nil
	}
	for i, ev := range events {
		if err := s.wrapped.WriteEvent(ev); err != nil {
			return events[i:], err
		}
	}
	return nil, nil
}

func firstRequestID(events []*AuditEvent) string {
	for _, ev := range events {
		if ev.RequestID != "" {
			return ev.RequestID
		}
	}
	return ""
}

// HTTPSink posts events as a JSON array to a collector endpoint.
type HTTPSink struct {
	endpoint string
	client   *http.Client
	headers  map[string]string
}

// NewHTTPSink creates a sink posting to endpoint with the given extra headers.
func NewHTTPSink(endpoint string, headers map[string]string) *HTTPSink {
	return &HTTPSink{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		headers:  headers,
	}
}

// WriteEvent posts a single event.
func (s *HTTPSink) WriteEvent(event *AuditEvent) error {
	return s.WriteBatch([]*AuditEvent{event})
}

// WriteBatch posts events. X-Request-ID carries the relay request id when
// every event in the batch belongs to the same request. A 4xx other than 429
// is reported as ErrSinkRejected.
func (s *HTTPSink) WriteBatch(events []*AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEventCount, strconv.Itoa(len(events)))
	if id := sharedRequestID(events); id != "" {
		req.Header.Set(HeaderRequestID, id)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("audit collector returned %s", resp.Status)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: collector returned %s", ErrSinkRejected, resp.Status)
	}
	return nil
}

// sharedRequestID returns the request id common to all events, or "".
func sharedRequestID(events []*AuditEvent) string {
	id := events[0].RequestID
	for _, ev := range events[1:] {
		if ev.RequestID != id {
			return ""
		}
	}
	return id
}

// FileSink appends JSON lines to a file opened on first write.
type FileSink struct {
	path string
	mu   sync.Mutex
	f    *os.File
}

// NewFileSink creates a file sink for path.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

// WriteEvent appends event as one line.
func (s *FileSink) WriteEvent(event *AuditEvent) error {
	data, err := marshalLine(event)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		// Audit lines carry phone-number identities; keep the file private.
		f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return err
		}
		s.f = f
	}
	_, err = s.f.Write(data)
	return err
}

// Close closes the underlying file. A later write reopens it.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// StdoutSink writes events to stdout as JSON lines.
type StdoutSink struct {
	mu sync.Mutex
}

// WriteEvent writes a single event.
func (s *StdoutSink) WriteEvent(event *AuditEvent) error {
	data, err := marshalLine(event)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = os.Stdout.Write(data)
	return err
}
