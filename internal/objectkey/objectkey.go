// Package objectkey builds object-storage keys for relayed media.
//
// Keys have the shape folder/instance/remoteJid/mediaType/<unixMillis>.<ext>. Every
// caller-supplied segment is sanitized on its own before joining so that no segment can
// reach outside its slot in the path.
package objectkey

import (
	"errors"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// DefaultFolder is used when the caller does not name a folder.
const DefaultFolder = "whatsapp-media"

// fallbackExtension is used when the MIME type has no known extension.
const fallbackExtension = "bin"

var (
	// ErrTraversal is returned when a segment, or the joined key, contains "..".
	ErrTraversal = errors.New("object key contains path traversal sequence")
	// ErrEmptyKey is returned when there are no segments, a segment sanitizes to nothing,
	// or a path element is ".".
	ErrEmptyKey = errors.New("object key is empty after sanitization")
)

// Clock returns the current time. Tests inject a fixed clock.
type Clock func() time.Time

// Build joins segments with "/" and sanitizes the result.
//
// Segments containing ".." are rejected before any stripping. Characters outside
// [A-Za-z0-9-_./] are removed, runs of "/" collapse to one and leading or trailing
// slashes are trimmed. A segment that sanitizes to nothing, or any "." path element,
// is rejected so every slot of the key keeps its place. The traversal check runs again
// on the final key, so a ".." assembled by stripping is rejected instead of stored.
func Build(segments ...string) (string, error) {
	if len(segments) == 0 {
		return "", ErrEmptyKey
	}

	cleaned := make([]string, 0, len(segments))
	for i, seg := range segments {
		if strings.Contains(seg, "..") {
			return "", fmt.Errorf("segment %d: %w", i, ErrTraversal)
		}
		c := strings.Trim(collapseSlashes(sanitizeSegment(seg)), "/")
		if c == "" {
			return "", fmt.Errorf("segment %d: %w", i, ErrEmptyKey)
		}
		cleaned = append(cleaned, c)
	}

	key := strings.Join(cleaned, "/")
	if strings.Contains(key, "..") {
		return "", ErrTraversal
	}
	for _, elem := range strings.Split(key, "/") {
		if elem == "." {
			return "", fmt.Errorf("dot path element: %w", ErrEmptyKey)
		}
	}
	return key, nil
}

// FileName returns "<unixMillis>.<ext>" for the given instant and MIME type.
func FileName(now time.Time, mimeType string) string {
	return fmt.Sprintf("%d.%s", now.UnixMilli(), Extension(mimeType))
}

// Extension returns the preferred file extension for mimeType without the leading dot.
// MIME parameters such as "; codecs=opus" are ignored.
func Extension(mimeType string) string {
	mediaType := strings.TrimSpace(mimeType)
	if parsed, _, err := mime.ParseMediaType(mediaType); err == nil {
		mediaType = parsed
	}
	mediaType = strings.ToLower(mediaType)
	if mediaType == "" {
		return fallbackExtension
	}

	m := mimetype.Lookup(mediaType)
	if m == nil {
		return fallbackExtension
	}
	ext := strings.TrimPrefix(m.Extension(), ".")
	if ext == "" {
		return fallbackExtension
	}
	return ext
}

func sanitizeSegment(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if isAllowed(s[i]) {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func isAllowed(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '_', c == '.', c == '/':
		return true
	}
	return false
}

func collapseSlashes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevSlash := false
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
