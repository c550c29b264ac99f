package envelope

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

// appInfo maps a normalized media category to its HKDF application info string.
var appInfo = map[string]string{
	"image":              "WhatsApp Image Keys",
	"sticker":            "WhatsApp Image Keys",
	"product":            "WhatsApp Image Keys",
	"video":              "WhatsApp Video Keys",
	"gif":                "WhatsApp Video Keys",
	"ptv":                "WhatsApp Video Keys",
	"audio":              "WhatsApp Audio Keys",
	"ptt":                "WhatsApp Audio Keys",
	"document":           "WhatsApp Document Keys",
	"thumbnail-image":    "WhatsApp Image Thumbnail Keys",
	"thumbnail-video":    "WhatsApp Video Thumbnail Keys",
	"thumbnail-document": "WhatsApp Document Thumbnail Keys",
	"thumbnail-link":     "WhatsApp Link Thumbnail Keys",
	"md-msg-hist":        "WhatsApp History Keys",
	"md-app-state":       "WhatsApp App State Keys",
	"payment-bg-image":   "WhatsApp Payment Background Keys",
}

// Derive decodes mediaKeyBase64 and parses sourceURL into the KeyMaterial for one request.
//
// Keys shorter than MinKeyLength fail with ErrInvalidKeyMaterial. A key of exactly 16 bytes
// is accepted and yields an empty MacKey. mediaType accepts both message names
// ("imageMessage") and bare categories ("image").
func Derive(sourceURL, mediaKeyBase64, mediaType string) (*KeyMaterial, error) {
	key, err := decodeKey(mediaKeyBase64)
	if err != nil {
		return nil, err
	}
	if len(key) < MinKeyLength {
		return nil, fmt.Errorf("%w: media key is %d bytes, need at least %d", ErrInvalidKeyMaterial, len(key), MinKeyLength)
	}

	info, err := AppInfo(mediaType)
	if err != nil {
		return nil, err
	}

	locator, err := Locator(sourceURL)
	if err != nil {
		return nil, err
	}

	encIV := make([]byte, ivLength)
	copy(encIV, key[:ivLength])
	macKey := make([]byte, len(key)-ivLength)
	copy(macKey, key[ivLength:])

	return &KeyMaterial{
		IV:      make([]byte, ivLength),
		EncIV:   encIV,
		Key:     key,
		MacKey:  macKey,
		Locator: locator,
		AppInfo: info,
	}, nil
}

// Locator returns the path and query of sourceURL, the protocol's direct path.
func Locator(sourceURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(sourceURL))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSourceURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidSourceURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidSourceURL)
	}

	locator := u.EscapedPath()
	if locator == "" {
		locator = "/"
	}
	if u.RawQuery != "" {
		locator += "?" + u.RawQuery
	}
	return locator, nil
}

// AppInfo returns the HKDF info string for a media category.
func AppInfo(mediaType string) (string, error) {
	category := normalizeCategory(mediaType)
	info, ok := appInfo[category]
	if !ok {
		return "", fmt.Errorf("%w: unsupported media type %q", ErrInvalidKeyMaterial, mediaType)
	}
	return info, nil
}

func normalizeCategory(mediaType string) string {
	c := strings.TrimSuffix(strings.TrimSpace(mediaType), "Message")
	c = strings.ToLower(c)
	if c == "documentwithcaption" {
		return "document"
	}
	return c
}

// decodeKey decodes a base64 media key. Padded standard encoding is expected; unpadded and
// URL-safe alphabets are accepted as well.
func decodeKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty media key", ErrInvalidKeyMaterial)
	}

	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	}
	var firstErr error
	for _, enc := range encodings {
		data, err := enc.DecodeString(s)
		if err == nil {
			return data, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, fmt.Errorf("%w: invalid base64 string: %v", ErrInvalidKeyMaterial, firstErr)
}
