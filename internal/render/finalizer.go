package render

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mediarender/internal/pkg/errors"
	"mediarender/internal/pkg/logger"
	"mediarender/internal/ports"
)

// Finalizer moves provider output into durable storage.
type Finalizer struct {
	storage ports.StorageProvider
	client  *http.Client
	mirror  bool
	log     *logger.Logger
}

// FinalizerOption configures a Finalizer.
type FinalizerOption func(*Finalizer)

// WithMirror makes the finalizer copy public http(s) outputs into storage
// instead of recording the provider URL.
func WithMirror(mirror bool) FinalizerOption {
	return func(f *Finalizer) { f.mirror = mirror }
}

// WithHTTPClient sets the client used to fetch mirrored outputs.
func WithHTTPClient(c *http.Client) FinalizerOption {
	return func(f *Finalizer) { f.client = c }
}

// NewFinalizer creates a Finalizer writing to storage.
func NewFinalizer(storage ports.StorageProvider, log *logger.Logger, opts ...FinalizerOption) *Finalizer {
	if log == nil {
		log = logger.Discard()
	}
	f := &Finalizer{
		storage: storage,
		client:  &http.Client{Timeout: 2 * time.Minute},
		log:     log.WithComponent("finalizer"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ObjectKey is the deterministic storage key for a job's output.
func ObjectKey(job *Job) string {
	return fmt.Sprintf("renders/%s/%s/%s.%s", job.TenantID, job.Kind, job.ID, job.Kind.Extension())
}

// Finalize returns the durable URL for outputURL, uploading when needed. A
// public http(s) URL is recorded as-is unless mirroring is on or the provider
// implements Downloader, whose URLs are treated as short-lived. Uploads
// always target ObjectKey(job), so a retry overwrites.
func (f *Finalizer) Finalize(ctx context.Context, job *Job, p Provider, outputURL string) (string, error) {
	const op = "render.finalize"

	public := isPublicURL(outputURL)
	_, downloads := p.(Downloader)
	if public && !f.mirror && !downloads {
		return outputURL, nil
	}
	if f.storage == nil {
		return "", errors.New(errors.CodeFinalizationFailed, "no object storage configured").WithOp(op)
	}

	body, contentType, err := f.open(ctx, p, outputURL, public)
	if err != nil {
		return "", errors.WrapWithCode(err, errors.CodeFinalizationFailed, op, "fetch provider output")
	}
	defer body.Close()

	if contentType == "" || contentType == "application/octet-stream" {
		contentType = job.Kind.ContentType()
	}

	key := ObjectKey(job)
	out, err := f.storage.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   key,
		ContentType: contentType,
		Reader:      body,
		Size:        -1,
	})
	if err != nil {
		return "", errors.WrapWithCode(err, errors.CodeFinalizationFailed, op, "upload to storage").
			WithField("object_key", key)
	}

	f.log.Info("render output stored",
		"job_id", job.ID,
		"storage", f.storage.Provider(),
		"object_key", key,
		"size", out.Size,
	)

	if out.URL != "" {
		return out.URL, nil
	}
	return out.ObjectKey, nil
}

func (f *Finalizer) open(ctx context.Context, p Provider, outputURL string, public bool) (io.ReadCloser, string, error) {
	if d, ok := p.(Downloader); ok {
		return d.Download(ctx, outputURL)
	}
	if strings.HasPrefix(outputURL, "data:") {
		data, contentType, err := decodeDataURI(outputURL)
		if err != nil {
			return nil, "", err
		}
		return io.NopCloser(bytes.NewReader(data)), contentType, nil
	}
	if public {
		return f.fetch(ctx, outputURL)
	}
	return nil, "", fmt.Errorf("provider %s cannot download %q", p.Name(), redactURL(outputURL))
}

func (f *Finalizer) fetch(ctx context.Context, rawURL string) (io.ReadCloser, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, "", fmt.Errorf("GET %s: status %d", redactURL(rawURL), resp.StatusCode)
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

func isPublicURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// decodeDataURI parses data:[<mediatype>][;base64],<data>.
func decodeDataURI(s string) ([]byte, string, error) {
	rest := strings.TrimPrefix(s, "data:")
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", fmt.Errorf("malformed data URI")
	}
	isBase64 := strings.HasSuffix(meta, ";base64")
	contentType := strings.TrimSuffix(meta, ";base64")
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	if isBase64 {
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, "", fmt.Errorf("data URI: %w", err)
		}
		return data, contentType, nil
	}
	data, err := url.PathUnescape(payload)
	if err != nil {
		return nil, "", fmt.Errorf("data URI: %w", err)
	}
	return []byte(data), contentType, nil
}

func redactURL(s string) string {
	if strings.HasPrefix(s, "data:") {
		return "data:..."
	}
	if u, err := url.Parse(s); err == nil {
		u.RawQuery = ""
		return u.String()
	}
	return s
}
