package s3

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const amzDateFormat = "20060102T150405Z"

// ErrPresignExpired is returned when a presigned URL is outside its validity window.
var ErrPresignExpired = errors.New("presigned url expired")

// ValidatePresignedURL recomputes the SigV4 query signature of a presigned GET
// URL with secretKey and checks that now falls inside its validity window.
func ValidatePresignedURL(rawURL, secretKey string, now time.Time) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid presigned url: %w", err)
	}
	query := u.Query()

	if query.Get("X-Amz-Algorithm") != "AWS4-HMAC-SHA256" {
		return fmt.Errorf("unsupported signing algorithm %q", query.Get("X-Amz-Algorithm"))
	}
	signature := query.Get("X-Amz-Signature")
	if signature == "" {
		return fmt.Errorf("missing signature")
	}
	// Credential format: AccessKey/Date/Region/Service/aws4_request
	credParts := strings.Split(query.Get("X-Amz-Credential"), "/")
	if len(credParts) != 5 {
		return fmt.Errorf("invalid credential format")
	}
	credentialScope := strings.Join(credParts[1:], "/")

	signedAt, expiresAt, err := presignWindow(query)
	if err != nil {
		return err
	}

	canonicalRequest := createCanonicalRequest(u, strings.Split(query.Get("X-Amz-SignedHeaders"), ";"))
	stringToSign := createStringToSign(query.Get("X-Amz-Date"), credentialScope, canonicalRequest)
	signingKey := getSignatureKey(secretKey, credParts[1], credParts[2], credParts[3])
	calculated := hex.EncodeToString(sign(signingKey, []byte(stringToSign)))

	if !hmac.Equal([]byte(calculated), []byte(signature)) {
		return fmt.Errorf("signature mismatch")
	}

	now = now.UTC()
	if now.Before(signedAt) {
		return fmt.Errorf("presigned url not yet valid: signed at %s", signedAt.Format(time.RFC3339))
	}
	if now.After(expiresAt) {
		return fmt.Errorf("%w at %s", ErrPresignExpired, expiresAt.Format(time.RFC3339))
	}
	return nil
}

// PresignedExpiry returns the instant a presigned URL stops being valid.
func PresignedExpiry(rawURL string) (time.Time, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid presigned url: %w", err)
	}
	_, expiresAt, err := presignWindow(u.Query())
	return expiresAt, err
}

func presignWindow(query url.Values) (time.Time, time.Time, error) {
	signedAt, err := time.Parse(amzDateFormat, query.Get("X-Amz-Date"))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid timestamp format")
	}
	expires, err := strconv.Atoi(query.Get("X-Amz-Expires"))
	if err != nil || expires <= 0 {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid expires format")
	}
	return signedAt, signedAt.Add(time.Duration(expires) * time.Second), nil
}

func createCanonicalRequest(u *url.URL, signedHeaders []string) string {
	var buf strings.Builder

	buf.WriteString("GET\n")

	uri := u.Path
	if uri == "" {
		uri = "/"
	}
	buf.WriteString(encodePath(uri))
	buf.WriteByte('\n')

	query := u.Query()
	keys := make([]string, 0, len(query))
	for k := range query {
		if k != "X-Amz-Signature" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	items := make([]string, 0, len(keys))
	for _, k := range keys {
		vals := query[k]
		sort.Strings(vals)
		for _, v := range vals {
			items = append(items, uriEncode(k)+"="+uriEncode(v))
		}
	}
	buf.WriteString(strings.Join(items, "&"))
	buf.WriteByte('\n')

	// A presigned GET only signs the host header.
	sort.Strings(signedHeaders)
	for _, h := range signedHeaders {
		if strings.ToLower(h) == "host" {
			buf.WriteString("host:")
			buf.WriteString(canonicalHost(u))
			buf.WriteByte('\n')
		}
	}
	buf.WriteByte('\n')

	buf.WriteString(strings.Join(signedHeaders, ";"))
	buf.WriteByte('\n')
	buf.WriteString("UNSIGNED-PAYLOAD")

	return buf.String()
}

// canonicalHost drops the default port for the scheme, matching the signer.
func canonicalHost(u *url.URL) string {
	host, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		return u.Host
	}
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		return host
	}
	return u.Host
}

func createStringToSign(timestamp, credentialScope, canonicalRequest string) string {
	hash := sha256.Sum256([]byte(canonicalRequest))
	return strings.Join([]string{
		"AWS4-HMAC-SHA256",
		timestamp,
		credentialScope,
		hex.EncodeToString(hash[:]),
	}, "\n")
}

func sign(key []byte, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func getSignatureKey(secret, date, region, service string) []byte {
	kDate := sign([]byte("AWS4"+secret), []byte(date))
	kRegion := sign(kDate, []byte(region))
	kService := sign(kRegion, []byte(service))
	return sign(kService, []byte("aws4_request"))
}

// uriEncode encodes strings for AWS Signature V4 (RFC 3986).
// url.QueryEscape encodes spaces as +, AWS requires %20.
func uriEncode(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// encodePath encodes each path segment, keeping the slashes.
func encodePath(path string) string {
	segments := strings.Split(path, "/")
	for i, s := range segments {
		segments[i] = uriEncode(s)
	}
	return strings.Join(segments, "/")
}
