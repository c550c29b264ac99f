package relay

import (
	"errors"
	"fmt"

	"github.com/kenneth/media-relay/internal/envelope"
	"github.com/kenneth/media-relay/internal/objectkey"
	"github.com/kenneth/media-relay/internal/s3"
)

// Stage is a state of the relay pipeline.
type Stage string

const (
	StageIdle        Stage = "Idle"
	StageDerivingKey Stage = "DerivingKey"
	StageOpening     Stage = "Opening"
	StageUploading   Stage = "Uploading"
	StageIssuing     Stage = "Issuing"
	StageDone        Stage = "Done"
	StageFailed      Stage = "Failed"
)

// Kind classifies a relay failure.
type Kind string

const (
	KindInvalidKeyMaterial Kind = "InvalidKeyMaterial"
	KindInvalidSourceURL   Kind = "InvalidSourceUrl"
	KindInvalidObjectKey   Kind = "InvalidObjectKey"
	KindFetchFailed        Kind = "FetchFailed"
	KindDecryptionFailed   Kind = "DecryptionFailed"
	KindUploadFailed       Kind = "UploadFailed"
	KindInvalidTTL         Kind = "InvalidTTL"
	KindInternal           Kind = "Internal"
)

// Retryable reports whether the same request may succeed when sent again.
// Decryption and validation failures never do.
func (k Kind) Retryable() bool {
	return k == KindFetchFailed || k == KindUploadFailed
}

// Error is a failed relay run tagged with the stage it failed in.
type Error struct {
	Stage Stage
	Kind  Kind
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("relay %s at %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// PublicError is the part of an Error that may be shown to callers.
type PublicError struct {
	Stage Stage `json:"stage"`
	Kind  Kind  `json:"error"`
}

// Public drops the cause, which can carry upstream hosts or storage details.
func (e *Error) Public() PublicError {
	return PublicError{Stage: e.Stage, Kind: e.Kind}
}

// AsError returns err as a relay *Error, tagging unknown errors as Internal.
func AsError(err error) *Error {
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	return &Error{Stage: StageFailed, Kind: KindInternal, Err: err}
}

// classify maps a stage failure to its kind. Stream errors take precedence over
// the upload error wrapping them, so a MAC mismatch during upload reports
// DecryptionFailed rather than UploadFailed.
func classify(stage Stage, err error) Kind {
	switch {
	case errors.Is(err, envelope.ErrDecryptionFailed):
		return KindDecryptionFailed
	case errors.Is(err, envelope.ErrFetchFailed):
		return KindFetchFailed
	case errors.Is(err, envelope.ErrInvalidKeyMaterial):
		return KindInvalidKeyMaterial
	case errors.Is(err, envelope.ErrInvalidSourceURL):
		return KindInvalidSourceURL
	case errors.Is(err, objectkey.ErrTraversal), errors.Is(err, objectkey.ErrEmptyKey):
		return KindInvalidObjectKey
	case errors.Is(err, s3.ErrInvalidTTL):
		return KindInvalidTTL
	case errors.Is(err, s3.ErrUploadFailed):
		return KindUploadFailed
	}

	switch stage {
	case StageOpening:
		return KindFetchFailed
	case StageUploading, StageIssuing:
		return KindUploadFailed
	}
	return KindInternal
}
