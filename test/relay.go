package test

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kenneth/media-relay/internal/api"
	"github.com/kenneth/media-relay/internal/envelope"
	"github.com/kenneth/media-relay/internal/relay"
	"github.com/sirupsen/logrus"
)

// MediaPath is the origin path sealed fixtures are served from.
const MediaPath = "/v/t62.7118-24/fixture.enc"

// Fixture is a sealed media object and the key that opens it.
type Fixture struct {
	Plaintext []byte
	Sealed    []byte
	MediaKey  string
	MediaType string
}

// NewFixture seals size random bytes for mediaType.
func NewFixture(t *testing.T, size int, mediaType string) *Fixture {
	t.Helper()
	key := make([]byte, 32)
	plaintext := make([]byte, size)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	if _, err := rand.Read(plaintext); err != nil {
		t.Fatal(err)
	}
	sealed, err := envelope.Seal(plaintext, key, mediaType)
	if err != nil {
		t.Fatalf("Failed to seal fixture: %v", err)
	}
	return &Fixture{
		Plaintext: plaintext,
		Sealed:    sealed,
		MediaKey:  base64.StdEncoding.EncodeToString(key),
		MediaType: mediaType,
	}
}

// RelayServer is the relay HTTP API backed by real pipeline components.
type RelayServer struct {
	*httptest.Server
}

// StartRelay serves the relay API over storage, fetching media with the given timeout.
func StartRelay(t *testing.T, storage relay.Storage, fetchTimeout time.Duration) *RelayServer {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	source, err := envelope.NewSource(envelope.SourceOptions{
		FetchTimeout: fetchTimeout,
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("Failed to create media source: %v", err)
	}
	pipeline := relay.NewPipeline(relay.Options{
		Source:  source,
		Storage: storage,
		Logger:  logger,
	})
	handler := api.NewHandler(api.Options{Runner: pipeline, Logger: logger})
	server := httptest.NewServer(api.NewRouter(handler, api.RouterOptions{Logger: logger}))
	t.Cleanup(server.Close)
	return &RelayServer{Server: server}
}

// RelayResponse is the decoded download-media response.
type RelayResponse struct {
	Status    int
	Success   bool   `json:"success"`
	URL       string `json:"url"`
	FileName  string `json:"fileName"`
	ExpiresIn int    `json:"expiresIn"`
	Stage     string `json:"stage"`
	Error     string `json:"error"`
}

// Relay posts a download-media request for the fixture served at sourceURL.
func (s *RelayServer) Relay(t *testing.T, f *Fixture, sourceURL, mimeType string) *RelayResponse {
	t.Helper()
	body, _ := json.Marshal(map[string]interface{}{
		"url":        sourceURL,
		"mediaKey":   f.MediaKey,
		"mimetype":   mimeType,
		"remoteJid":  "5511999999999@s.whatsapp.net",
		"mediaType":  f.MediaType,
		"instanceId": "integration",
	})
	resp, err := s.Client().Post(s.URL+api.DownloadMediaPath, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Relay request failed: %v", err)
	}
	defer resp.Body.Close()

	out := &RelayResponse{Status: resp.StatusCode}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("Failed to decode relay response: %v", err)
	}
	return out
}

// ServeFixture returns an origin handler serving f at MediaPath.
func ServeFixture(f *Fixture) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != MediaPath {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, "fixture.enc", time.Time{}, bytes.NewReader(f.Sealed))
	})
}
