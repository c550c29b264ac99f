package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/kenneth/media-relay/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockWriter is a thread-safe mock writer.
type mockWriter struct {
	mu     sync.Mutex
	events []*AuditEvent
}

func (w *mockWriter) WriteEvent(event *AuditEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, event)
	return nil
}

func (w *mockWriter) WriteBatch(events []*AuditEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, events...)
	return nil
}

func TestBatchSink(t *testing.T) {
	mock := &mockWriter{}
	sink := NewBatchSink(mock, 5, 100*time.Millisecond, 0, 0)

	// Send 3 events (less than batch size)
	for i := 0; i < 3; i++ {
		sink.WriteEvent(&AuditEvent{Operation: "download_media", Key: fmt.Sprintf("whatsapp-media/i/%d.jpg", i)})
	}

	// Verify nothing written immediately (or shortly after)
	time.Sleep(10 * time.Millisecond)
	mock.mu.Lock()
	assert.Len(t, mock.events, 0)
	mock.mu.Unlock()

	// Wait for flush interval
	time.Sleep(150 * time.Millisecond)
	mock.mu.Lock()
	assert.Len(t, mock.events, 3)
	mock.mu.Unlock()

	// Send more events to trigger batch size flush
	for i := 0; i < 5; i++ {
		sink.WriteEvent(&AuditEvent{Operation: "download_media", Key: fmt.Sprintf("whatsapp-media/batch/%d.jpg", i)})
	}

	// Should flush quickly due to size limit
	time.Sleep(50 * time.Millisecond)
	mock.mu.Lock()
	assert.Len(t, mock.events, 8) // 3 + 5
	mock.mu.Unlock()

	sink.Close()
}

func TestHTTPSink(t *testing.T) {
	var capturedEvents []*AuditEvent
	var mu sync.Mutex

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		
		assert.Equal(t, "true", r.Header.Get("X-Test"))

		// HTTPSink always posts an array
		var events []*AuditEvent
		if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		capturedEvents = append(capturedEvents, events...)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	sink := NewHTTPSink(ts.URL, map[string]string{"X-Test": "true"})
	
	event := &AuditEvent{Operation: "relay-http"}
	err := sink.WriteEvent(event)
	require.NoError(t, err)

	mu.Lock()
	require.Len(t, capturedEvents, 1)
	assert.Equal(t, "relay-http", capturedEvents[0].Operation)
	mu.Unlock()
}

func TestFileSink(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "audit-log-*.json")
	require.NoError(t, err)
	path := tmpfile.Name()
	tmpfile.Close()
	defer os.Remove(path)

	sink := NewFileSink(path)
	defer sink.Close()
	event := &AuditEvent{Operation: "relay-file"}
	err = sink.WriteEvent(event)
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	
	// FileSink appends newline
	var loadedEvent AuditEvent
	err = json.Unmarshal(content, &loadedEvent)
	require.NoError(t, err)
	assert.Equal(t, "relay-file", loadedEvent.Operation)
}

func TestNewLoggerFromConfig(t *testing.T) {
	// Test HTTP config
	cfg := config.AuditConfig{
		Enabled: true,
		Sink: config.SinkConfig{
			Type: "http",
			Endpoint: "http://localhost:1234",
			BatchSize: 10,
		},
	}

	logger, err := NewLoggerFromConfig(cfg)
	require.NoError(t, err)
	require.NotNil(t, logger)
	
	// Cleanup
	if l, ok := logger.(interface{ Close() error }); ok {
		l.Close()
	}
}


func TestNewLoggerFromConfig_Variants(t *testing.T) {
	logger, err := NewLoggerFromConfig(config.AuditConfig{Enabled: false})
	require.NoError(t, err)
	logger.LogRelay(&AuditEvent{Key: "k"}, time.Millisecond)
	assert.Empty(t, logger.GetEvents(), "disabled audit retains nothing")

	_, err = NewLoggerFromConfig(config.AuditConfig{Enabled: true, Sink: config.SinkConfig{Type: "kafka"}})
	assert.Error(t, err)

	path := t.TempDir() + "/audit.log"
	logger, err = NewLoggerFromConfig(config.AuditConfig{
		Enabled:   true,
		MaxEvents: 10,
		Sink:      config.SinkConfig{Type: "file", FilePath: path},
	})
	require.NoError(t, err)
	logger.LogRelay(&AuditEvent{Key: "whatsapp-media/a.jpg", Success: true}, time.Second)
	require.NoError(t, logger.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), `"key":"whatsapp-media/a.jpg"`)
	assert.Contains(t, string(content), `"duration_ms":1000`)
}

func TestBatchSink_CloseFlushes(t *testing.T) {
	mock := &mockWriter{}
	sink := NewBatchSink(mock, 100, time.Hour, 0, 0)

	sink.WriteEvent(&AuditEvent{Key: "one"})
	sink.WriteEvent(&AuditEvent{Key: "two"})
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close(), "close is idempotent")

	mock.mu.Lock()
	defer mock.mu.Unlock()
	assert.Len(t, mock.events, 2)
}

func TestHTTPSink_ErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	err := NewHTTPSink(ts.URL, nil).WriteEvent(&AuditEvent{Key: "k"})
	assert.ErrorContains(t, err, "503")
}

func TestHTTPSink_RequestIDHeader(t *testing.T) {
	var (
		mu     sync.Mutex
		ids    []string
		counts []string
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		ids = append(ids, r.Header.Get(HeaderRequestID))
		counts = append(counts, r.Header.Get(HeaderEventCount))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	sink := NewHTTPSink(ts.URL, nil)
	require.NoError(t, sink.WriteEvent(&AuditEvent{RequestID: "01HZX3J8Q6", Key: "whatsapp-media/a.jpg"}))
	require.NoError(t, sink.WriteBatch([]*AuditEvent{
		{RequestID: "req-a", Key: "whatsapp-media/a.jpg"},
		{RequestID: "req-b", Key: "whatsapp-media/b.jpg"},
	}))
	require.NoError(t, sink.WriteBatch([]*AuditEvent{
		{RequestID: "req-c", Stage: "Opening"},
		{RequestID: "req-c", Stage: "Uploading"},
	}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"01HZX3J8Q6", "", "req-c"}, ids)
	assert.Equal(t, []string{"1", "2", "2"}, counts)
}

func TestHTTPSink_ClientErrorIsRejected(t *testing.T) {
	for _, tc := range []struct {
		status   int
		rejected bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnauthorized, true},
		{http.StatusTooManyRequests, false},
		{http.StatusBadGateway, false},
	} {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer ts.Close()

			err := NewHTTPSink(ts.URL, nil).WriteEvent(&AuditEvent{Key: "k"})
			require.Error(t, err)
			assert.Equal(t, tc.rejected, errors.Is(err, ErrSinkRejected))
		})
	}
}

// flakyWriter fails its first failures writes with err.
type flakyWriter struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
	accepted []string
}

func (w *flakyWriter) WriteEvent(event *AuditEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.failures > 0 {
		w.failures--
		return w.err
	}
	w.accepted = append(w.accepted, event.RequestID)
	return nil
}

func TestBatchSink_RetriesOnlyUnsentEvents(t *testing.T) {
	// The second write fails; r2 and r3 are retried, r1 is not sent again.
	w := &sequenceWriter{fail: map[int]bool{2: true}}
	sink := NewBatchSink(w, 100, time.Hour, 2, time.Millisecond)

	require.NoError(t, sink.WriteEvent(&AuditEvent{RequestID: "r1"}))
	require.NoError(t, sink.WriteEvent(&AuditEvent{RequestID: "r2"}))
	require.NoError(t, sink.WriteEvent(&AuditEvent{RequestID: "r3"}))
	require.NoError(t, sink.Close())

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Equal(t, []string{"r1", "r2", "r3"}, w.accepted)
	assert.Equal(t, 4, w.calls)
}

// sequenceWriter fails the calls whose 1-based index is in fail.
type sequenceWriter struct {
	mu       sync.Mutex
	fail     map[int]bool
	calls    int
	accepted []string
}

func (w *sequenceWriter) WriteEvent(event *AuditEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.fail[w.calls] {
		return errors.New("collector unavailable")
	}
	w.accepted = append(w.accepted, event.RequestID)
	return nil
}

func TestBatchSink_StopsOnRejection(t *testing.T) {
	w := &flakyWriter{failures: 10, err: fmt.Errorf("%w: 400", ErrSinkRejected)}
	sink := NewBatchSink(w, 100, time.Hour, 5, time.Millisecond)

	require.NoError(t, sink.WriteEvent(&AuditEvent{RequestID: "r1"}))
	require.NoError(t, sink.Close())

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Equal(t, 1, w.calls, "rejected deliveries are not retried")
	assert.Empty(t, w.accepted)
}

func TestFileSink_ReopensAfterClose(t *testing.T) {
	path := t.TempDir() + "/audit.log"
	sink := NewFileSink(path)

	require.NoError(t, sink.WriteEvent(&AuditEvent{RequestID: "r1"}))
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())
	require.NoError(t, sink.WriteEvent(&AuditEvent{RequestID: "r2"}))
	require.NoError(t, sink.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), `"request_id":"r1"`)
	assert.Contains(t, string(content), `"request_id":"r2"`)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
