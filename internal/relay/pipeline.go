// Package relay sequences a media relay: derive the envelope keys, open the decrypted
// stream, stream it into object storage and sign a retrieval URL.
//
// A run moves through Idle, DerivingKey, Opening, Uploading, Issuing and Done. Any stage
// may fail the run; the returned *Error names the stage and a Kind, never key material.
// No stage is retried.
package relay

import (
	"context"
	"io"
	"time"

	"github.com/kenneth/media-relay/internal/audit"
	"github.com/kenneth/media-relay/internal/envelope"
	"github.com/kenneth/media-relay/internal/objectkey"
	"github.com/kenneth/media-relay/internal/s3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Request describes one media object to relay. The boundary layer builds it and the
// pipeline never modifies it.
type Request struct {
	SourceURL  string
	MediaKey   string
	MimeType   string
	RemoteJID  string
	MediaType  string
	InstanceID string
	// FolderName defaults to the pipeline's folder.
	FolderName string
	// TTLSeconds of the signed URL; zero uses the storage default and negative values
	// fail with KindInvalidTTL.
	TTLSeconds int

	RequestID string
	ClientIP  string
}

// Result is returned only when the object is stored and its URL signed.
type Result struct {
	ObjectKey string
	URL       string
	ExpiresIn int
	ExpiresAt time.Time
	Bytes     int64
}

// MediaSource opens decrypted media streams.
type MediaSource interface {
	Open(ctx context.Context, km *envelope.KeyMaterial, sourceURL, mimeType string) (io.ReadCloser, error)
}

// Storage stores streams and signs retrieval URLs.
type Storage interface {
	Upload(ctx context.Context, key string, body io.Reader, contentType string, metadata map[string]string) (*s3.UploadInfo, error)
	Issue(ctx context.Context, key string, ttlSeconds int) (*s3.SignedURL, error)
}

// Recorder receives relay metrics.
type Recorder interface {
	RecordStage(ctx context.Context, stage, outcome string, duration time.Duration)
	RecordRelaySuccess(ctx context.Context, bytes int64)
	RecordRelayFailure(ctx context.Context, stage, kind string)
	RelayStarted() func()
}

// Options configures a Pipeline. Source and Storage are required.
type Options struct {
	Source   MediaSource
	Storage  Storage
	Tracer   trace.Tracer
	Recorder Recorder
	Audit    audit.Logger
	Logger   *logrus.Logger
	Clock    objectkey.Clock
	// Folder is the key prefix for requests without a FolderName. Empty means
	// objectkey.DefaultFolder.
	Folder   string
}

// Pipeline runs relays. It holds no per-request state and is safe for concurrent use.
type Pipeline struct {
	source   MediaSource
	storage  Storage
	tracer   trace.Tracer
	recorder Recorder
	audit    audit.Logger
	logger   *logrus.Logger
	clock    objectkey.Clock
	folder   string
}

// NewPipeline creates a Pipeline.
func NewPipeline(opts Options) *Pipeline {
	p := &Pipeline{
		source:   opts.Source,
		storage:  opts.Storage,
		tracer:   opts.Tracer,
		recorder: opts.Recorder,
		audit:    opts.Audit,
		logger:   opts.Logger,
		clock:    opts.Clock,
		folder:   opts.Folder,
	}
	if p.tracer == nil {
		p.tracer = noop.NewTracerProvider().Tracer("relay")
	}
	if p.recorder == nil {
		p.recorder = nopRecorder{}
	}
	if p.logger == nil {
		p.logger = logrus.StandardLogger()
	}
	if p.clock == nil {
		p.clock = time.Now
	}
	if p.folder == "" {
		p.folder = objectkey.DefaultFolder
	}
	return p
}

// run is the state of one relay.
type run struct {
	req    Request
	stage  Stage
	key    string
	km     *envelope.KeyMaterial
	stream io.ReadCloser
	upload *s3.UploadInfo
	signed *s3.SignedURL
}

// Run relays req. On failure the error is an *Error; any partially written object has
// been aborted and the source stream closed.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	start := p.clock()
	defer p.recorder.RelayStarted()()

	ctx, span := p.tracer.Start(ctx, "relay.Run",
		trace.WithAttributes(
			attribute.String("relay.instance_id", req.InstanceID),
			attribute.String("relay.media_type", req.MediaType),
			attribute.String("relay.mime_type", req.MimeType),
		),
	)
	defer span.End()

	r := &run{req: req, stage: StageIdle}
	defer func() {
		if r.stream != nil {
			r.stream.Close()
		}
	}()

	steps := []struct {
		stage Stage
		fn    func(context.Context, *run) error
	}{
		{StageDerivingKey, p.derive},
		{StageOpening, p.open},
		{StageUploading, p.store},
		{StageIssuing, p.issue},
	}
	for _, step := range steps {
		r.stage = step.stage
		if err := p.step(ctx, r, step.fn); err != nil {
			relayErr := &Error{Stage: step.stage, Kind: classify(step.stage, err), Err: err}
			span.RecordError(err)
			span.SetStatus(codes.Error, string(relayErr.Kind))
			p.fail(ctx, r, relayErr, p.clock().Sub(start))
			return nil, relayErr
		}
	}
	r.stage = StageDone

	result := &Result{
		ObjectKey: r.key,
		URL:       r.signed.URL,
		ExpiresIn: r.signed.TTL,
		ExpiresAt: r.signed.ExpiresAt,
		Bytes:     r.upload.Size,
	}
	span.SetAttributes(
		attribute.String("relay.object_key", r.key),
		attribute.Int64("relay.bytes", r.upload.Size),
	)
	span.SetStatus(codes.Ok, "")
	p.succeed(ctx, r, p.clock().Sub(start))
	return result, nil
}

// step runs one stage inside its own span and records its duration.
func (p *Pipeline) step(ctx context.Context, r *run, fn func(context.Context, *run) error) error {
	ctx, span := p.tracer.Start(ctx, "relay."+string(r.stage))
	defer span.End()

	start := p.clock()
	err := fn(ctx, r)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	p.recorder.RecordStage(ctx, string(r.stage), outcome, p.clock().Sub(start))
	return err
}

func (p *Pipeline) derive(_ context.Context, r *run) error {
	folder := r.req.FolderName
	if folder == "" {
		folder = p.folder
	}
	key, err := objectkey.Build(folder, r.req.InstanceID, r.req.RemoteJID, r.req.MediaType,
		objectkey.FileName(p.clock(), r.req.MimeType))
	if err != nil {
		return err
	}

	km, err := envelope.Derive(r.req.SourceURL, r.req.MediaKey, r.req.MediaType)
	if err != nil {
		return err
	}
	r.key = key
	r.km = km
	return nil
}

func (p *Pipeline) open(ctx context.Context, r *run) error {
	stream, err := p.source.Open(ctx, r.km, r.req.SourceURL, r.req.MimeType)
	if err != nil {
		return err
	}
	r.stream = stream
	return nil
}

func (p *Pipeline) store(ctx context.Context, r *run) error {
	info, err := p.storage.Upload(ctx, r.key, r.stream, r.req.MimeType, objectMetadata(r.req))
	// The stream is spent either way; release the media connection before signing.
	r.stream.Close()
	r.stream = nil
	if err != nil {
		return err
	}
	r.upload = info
	return nil
}

func (p *Pipeline) issue(ctx context.Context, r *run) error {
	signed, err := p.storage.Issue(ctx, r.key, r.req.TTLSeconds)
	if err != nil {
		return err
	}
	r.signed = signed
	return nil
}

func (p *Pipeline) succeed(ctx context.Context, r *run, duration time.Duration) {
	p.recorder.RecordRelaySuccess(ctx, r.upload.Size)
	p.fields(r).WithFields(logrus.Fields{
		"bytes":       r.upload.Size,
		"parts":       r.upload.Parts,
		"duration_ms": duration.Milliseconds(),
	}).Info("Media relayed")

	if p.audit != nil {
		ev := p.event(r)
		ev.Bucket = r.upload.Bucket
		ev.Bytes = r.upload.Size
		ev.Success = true
		p.audit.LogRelay(ev, duration)
	}
}

func (p *Pipeline) fail(ctx context.Context, r *run, err *Error, duration time.Duration) {
	p.recorder.RecordRelayFailure(ctx, string(err.Stage), string(err.Kind))
	entry := p.fields(r).WithError(err.Err).WithField("kind", err.Kind)
	if err.Kind == KindInternal {
		entry.Error("Media relay failed")
	} else {
		entry.Warn("Media relay failed")
	}

	if p.audit != nil {
		ev := p.event(r)
		ev.Stage = string(err.Stage)
		ev.Kind = string(err.Kind)
		ev.Error = string(err.Kind)
		p.audit.LogRelay(ev, duration)
	}
}

func (p *Pipeline) fields(r *run) *logrus.Entry {
	fields := logrus.Fields{
		"stage":       r.stage,
		"instance_id": r.req.InstanceID,
		"media_type":  r.req.MediaType,
	}
	if r.req.RequestID != "" {
		fields["request_id"] = r.req.RequestID
	}
	if r.key != "" {
		fields["object_key"] = r.key
	}
	return p.logger.WithFields(fields)
}

// objectMetadata is the user metadata stored with the relayed object.
func objectMetadata(req Request) map[string]string {
	return map[string]string{
		"instance-id": req.InstanceID,
		"remote-jid":  req.RemoteJID,
		"media-type":  req.MediaType,
	}
}

// event mirrors the object metadata into the audit event so configured
// redact keys apply to it as well.
func (p *Pipeline) event(r *run) *audit.AuditEvent {
	md := objectMetadata(r.req)
	metadata := make(map[string]interface{}, len(md))
	for k, v := range md {
		metadata[k] = v
	}
	return &audit.AuditEvent{
		RequestID:  r.req.RequestID,
		ClientIP:   r.req.ClientIP,
		InstanceID: r.req.InstanceID,
		RemoteJID:  r.req.RemoteJID,
		MediaType:  r.req.MediaType,
		MimeType:   r.req.MimeType,
		Key:        r.key,
		Metadata:   metadata,
	}
}

type nopRecorder struct{}

func (nopRecorder) RecordStage(context.Context, string, string, time.Duration) {}
func (nopRecorder) RecordRelaySuccess(context.Context, int64)                  {}
func (nopRecorder) RecordRelayFailure(context.Context, string, string)         {}
func (nopRecorder) RelayStarted() func()                                       { return func() {} }
