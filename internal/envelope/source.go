package envelope

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Origin is sent on media downloads; the media CDN expects web-client requests.
const Origin = "https://web.whatsapp.com"

// SourceOptions configures a Source.
type SourceOptions struct {
	// MediaHost is the CDN base URL (e.g. https://mmg.whatsapp.net). Source URLs on other
	// hosts are rewritten to MediaHost + locator. Empty means source URLs are used as given.
	MediaHost string
	// FetchTimeout bounds the wait for response headers. Body streaming is bounded only by
	// the caller's context.
	FetchTimeout time.Duration
	// ReadSize is the ciphertext read size.
	ReadSize int
	// HTTPClient overrides the client built from the options.
	HTTPClient *http.Client
	Logger     *logrus.Logger
}

// Source fetches envelopes and exposes them as decrypted streams. It is safe for concurrent
// use and is meant to be built once per process.
type Source struct {
	client    *http.Client
	mediaHost *url.URL
	readSize  int
	logger    *logrus.Logger
}

// NewSource creates a Source.
func NewSource(opts SourceOptions) (*Source, error) {
	s := &Source{
		client:   opts.HTTPClient,
		readSize: opts.ReadSize,
		logger:   opts.Logger,
	}
	if s.readSize <= 0 {
		s.readSize = DefaultReadSize
	}
	if s.logger == nil {
		s.logger = logrus.StandardLogger()
	}

	if host := strings.TrimSpace(opts.MediaHost); host != "" {
		u, err := url.Parse(host)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return nil, fmt.Errorf("invalid media host %q", opts.MediaHost)
		}
		s.mediaHost = u
	}

	if s.client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if opts.FetchTimeout > 0 {
			transport.ResponseHeaderTimeout = opts.FetchTimeout
		}
		s.client = &http.Client{Transport: transport}
	}

	return s, nil
}

// Open fetches the envelope described by km and returns its plaintext as a stream.
//
// The returned stream is finite and cannot be restarted; callers must Close it. Transport
// failures and non-2xx answers fail with ErrFetchFailed. Integrity failures surface from
// Read as ErrDecryptionFailed.
func (s *Source) Open(ctx context.Context, km *KeyMaterial, sourceURL, mimeType string) (io.ReadCloser, error) {
	if km == nil {
		return nil, fmt.Errorf("%w: missing key material", ErrInvalidKeyMaterial)
	}
	keys, err := expand(km.Key, km.AppInfo)
	if err != nil {
		return nil, err
	}

	target := s.resolve(sourceURL, km.Locator)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSourceURL, err)
	}
	req.Header.Set("Origin", Origin)

	s.logger.WithFields(logrus.Fields{
		"host":      req.URL.Host,
		"mime_type": mimeType,
	}).Debug("Fetching media envelope")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: get media: %w", ErrFetchFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: media host returned %s", ErrFetchFailed, resp.Status)
	}

	reader, err := newDecryptReader(ctx, resp.Body, keys, s.readSize)
	if err != nil {
		resp.Body.Close()
		return nil, err
	}
	return reader, nil
}

// resolve picks the download URL. Source URLs on the media host are used as-is; anything
// else is fetched through the media host using the locator.
func (s *Source) resolve(sourceURL, locator string) string {
	if s.mediaHost == nil {
		return sourceURL
	}
	if u, err := url.Parse(sourceURL); err == nil && strings.EqualFold(u.Host, s.mediaHost.Host) {
		return sourceURL
	}
	return strings.TrimRight(s.mediaHost.String(), "/") + locator
}
