package render

import (
	"context"
	"io"
	"net/http"
)

// RenderRequest is what a provider receives on submission.
type RenderRequest struct {
	TenantID   string
	EntityID   string
	CampaignID string
	Kind       Kind
	Model      string
	Prompt     string
	Params     map[string]any
}

// RenderResult is the provider's acknowledgement of a submission.
type RenderResult struct {
	ProviderJobID    string
	EstimatedSeconds int
}

// ProviderStatus is the normalized provider-side state of a render.
type ProviderStatus string

const (
	ProviderPending   ProviderStatus = "pending"
	ProviderCompleted ProviderStatus = "completed"
	ProviderFailed    ProviderStatus = "failed"
)

// ProviderError is the provider's own description of a failed render.
type ProviderError struct {
	Message string
	Raw     any
}

// PollResult is the normalized answer to PollStatus.
type PollResult struct {
	Status    ProviderStatus
	Progress  *float64
	OutputURL string
	Error     *ProviderError
}

// WebhookResult is a provider callback parsed into the normalized shape.
// Status may be pending for in-progress callbacks.
type WebhookResult struct {
	JobID     string
	Status    ProviderStatus
	Progress  *float64
	OutputURL string
	Error     *ProviderError
}

// Provider adapts one generation backend.
type Provider interface {
	Name() string
	CanRender(kind Kind) bool
	Render(ctx context.Context, jobID string, req RenderRequest) (RenderResult, error)
	PollStatus(ctx context.Context, jobID, providerJobID string) (PollResult, error)
	// HandleWebhook fails with CodeUnrecognizedPayload when payload is not a
	// known callback shape.
	HandleWebhook(ctx context.Context, payload []byte) (WebhookResult, error)
}

// Downloader is implemented by providers whose output URLs need credentials
// or expire. Their output is always copied into storage.
type Downloader interface {
	Download(ctx context.Context, outputURL string) (body io.ReadCloser, contentType string, err error)
}

// WebhookVerifier is implemented by providers that sign their callbacks.
type WebhookVerifier interface {
	VerifyWebhook(header http.Header, body []byte) error
}

type webhookJobIDKey struct{}

// ContextWithWebhookJobID carries a job ID taken from the callback URL
// (?jobId=) for providers whose payload does not echo it.
func ContextWithWebhookJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, webhookJobIDKey{}, jobID)
}

// WebhookJobIDFromContext returns the job ID set by ContextWithWebhookJobID.
func WebhookJobIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(webhookJobIDKey{}).(string)
	return id
}
