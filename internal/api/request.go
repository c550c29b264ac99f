package api

import (
	"errors"
	"fmt"
	"mime"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/kenneth/media-relay/internal/relay"
)

var (
	// identity fields end up as object key segments
	paramPattern  = regexp.MustCompile(`^[A-Za-z0-9\-_@.]+$`)
	folderPattern = regexp.MustCompile(`^[A-Za-z0-9\-_]+$`)
)

// downloadMediaRequest is the body of POST /v1/download-media.
type downloadMediaRequest struct {
	URL        string `json:"url" validate:"required,http_url"`
	MediaKey   string `json:"mediaKey" validate:"required,base64"`
	MimeType   string `json:"mimetype" validate:"required,mimetype"`
	RemoteJID  string `json:"remoteJid" validate:"required,relayparam"`
	MediaType  string `json:"mediaType" validate:"required,relayparam"`
	InstanceID string `json:"instanceId" validate:"required,relayparam"`
	FolderName string `json:"folderName" validate:"omitempty,folder"`
	ExpiresIn  int    `json:"expiresIn" validate:"omitempty,min=1"`
}

func (r *downloadMediaRequest) relayRequest(requestID, clientIP string) relay.Request {
	return relay.Request{
		SourceURL:  r.URL,
		MediaKey:   strings.TrimSpace(r.MediaKey),
		MimeType:   r.MimeType,
		RemoteJID:  r.RemoteJID,
		MediaType:  r.MediaType,
		InstanceID: r.InstanceID,
		FolderName: r.FolderName,
		TTLSeconds: r.ExpiresIn,
		RequestID:  requestID,
		ClientIP:   clientIP,
	}
}

// fieldError is one entry of a 400 response.
type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	v.RegisterValidation("relayparam", func(fl validator.FieldLevel) bool {
		return paramPattern.MatchString(fl.Field().String())
	})
	v.RegisterValidation("folder", func(fl validator.FieldLevel) bool {
		return folderPattern.MatchString(fl.Field().String())
	})
	v.RegisterValidation("mimetype", func(fl validator.FieldLevel) bool {
		mediaType, _, err := mime.ParseMediaType(fl.Field().String())
		return err == nil && strings.Count(mediaType, "/") == 1
	})
	return v
}

// fieldErrors converts a validation failure into response entries.
func fieldErrors(err error) []fieldError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []fieldError{{Field: "", Message: err.Error()}}
	}
	out := make([]fieldError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, fieldError{Field: fe.Field(), Message: message(fe)})
	}
	return out
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "http_url":
		return "must be an absolute http(s) URL"
	case "base64":
		return "must be base64"
	case "mimetype":
		return "must be a MIME type"
	case "relayparam":
		return "may only contain letters, digits, '-', '_', '@' and '.'"
	case "folder":
		return "may only contain letters, digits, '-' and '_'"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	}
	return "is invalid"
}
