// Package stub is an in-memory render provider for development and tests.
// It never calls out; renders complete after a configurable number of polls.
package stub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"mediarender/internal/pkg/errors"
	"mediarender/internal/render"
)

// Name is the registry name of the stub provider.
const Name = "stub"

// Config controls the stub's scripted behaviour.
type Config struct {
	// Kinds the stub accepts. Empty means image and video.
	Kinds []render.Kind
	// OutputURL returned on completion. Defaults to a data: URI so the
	// finalizer uploads it.
	OutputURL string
	// PollsUntilComplete is the number of PollStatus calls answering pending
	// before the render completes. Zero completes on the first poll.
	PollsUntilComplete int
	// EstimatedSeconds returned by Render.
	EstimatedSeconds int
	// RenderErr, when set, fails every submission.
	RenderErr error
	// PollErr, when set, fails every poll.
	PollErr error
	// FailWith, when set, makes completed renders fail with this message.
	FailWith string
}

// Provider is the stub render provider.
type Provider struct {
	cfg Config
	seq atomic.Int64

	mu    sync.Mutex
	polls map[string]int

	renderCalls atomic.Int64
	pollCalls   atomic.Int64
}

// transparentPNG is a 1x1 PNG.
const transparentPNG = "data:image/png;base64,iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII="

func New(cfg Config) *Provider {
	if cfg.OutputURL == "" {
		cfg.OutputURL = transparentPNG
	}
	return &Provider{cfg: cfg, polls: make(map[string]int)}
}

func (p *Provider) Name() string { return Name }

func (p *Provider) CanRender(kind render.Kind) bool {
	if len(p.cfg.Kinds) == 0 {
		return kind.Valid()
	}
	for _, k := range p.cfg.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (p *Provider) Render(ctx context.Context, jobID string, req render.RenderRequest) (render.RenderResult, error) {
	p.renderCalls.Add(1)
	if p.cfg.RenderErr != nil {
		return render.RenderResult{}, p.cfg.RenderErr
	}
	if err := ctx.Err(); err != nil {
		return render.RenderResult{}, err
	}
	id := fmt.Sprintf("stub_%d", p.seq.Add(1))

	p.mu.Lock()
	p.polls[id] = 0
	p.mu.Unlock()

	return render.RenderResult{ProviderJobID: id, EstimatedSeconds: p.cfg.EstimatedSeconds}, nil
}

func (p *Provider) PollStatus(ctx context.Context, jobID, providerJobID string) (render.PollResult, error) {
	p.pollCalls.Add(1)
	if p.cfg.PollErr != nil {
		return render.PollResult{}, p.cfg.PollErr
	}

	p.mu.Lock()
	n, ok := p.polls[providerJobID]
	if ok {
		n++
		p.polls[providerJobID] = n
	}
	p.mu.Unlock()
	if !ok {
		return render.PollResult{}, fmt.Errorf("stub: unknown prediction %s", providerJobID)
	}

	if n <= p.cfg.PollsUntilComplete {
		progress := float64(n) * 100 / float64(p.cfg.PollsUntilComplete+1)
		return render.PollResult{Status: render.ProviderPending, Progress: &progress}, nil
	}
	if p.cfg.FailWith != "" {
		return render.PollResult{
			Status: render.ProviderFailed,
			Error:  &render.ProviderError{Message: p.cfg.FailWith, Raw: map[string]any{"error": p.cfg.FailWith}},
		}, nil
	}
	return render.PollResult{Status: render.ProviderCompleted, OutputURL: p.cfg.OutputURL}, nil
}

// WebhookPayload is the callback body the stub understands.
type WebhookPayload struct {
	JobID     string   `json:"jobId"`
	Status    string   `json:"status"`
	OutputURL string   `json:"outputUrl,omitempty"`
	Error     string   `json:"error,omitempty"`
	Progress  *float64 `json:"progress,omitempty"`
}

func (p *Provider) HandleWebhook(ctx context.Context, payload []byte) (render.WebhookResult, error) {
	var body WebhookPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return render.WebhookResult{}, errors.WrapWithCode(err, errors.CodeUnrecognizedPayload, "stub.webhook", "invalid JSON")
	}
	if body.JobID == "" {
		return render.WebhookResult{}, errors.New(errors.CodeUnrecognizedPayload, "missing jobId")
	}

	res := render.WebhookResult{JobID: body.JobID, Progress: body.Progress}
	switch body.Status {
	case "completed":
		res.Status = render.ProviderCompleted
		res.OutputURL = body.OutputURL
	case "failed":
		res.Status = render.ProviderFailed
		res.Error = &render.ProviderError{Message: body.Error, Raw: body}
	case "pending", "processing":
		res.Status = render.ProviderPending
	default:
		return render.WebhookResult{}, errors.Newf(errors.CodeUnrecognizedPayload, "unexpected webhook status %q", body.Status)
	}
	return res, nil
}

// RenderCalls reports how many times Render was invoked.
func (p *Provider) RenderCalls() int { return int(p.renderCalls.Load()) }

// PollCalls reports how many times PollStatus was invoked.
func (p *Provider) PollCalls() int { return int(p.pollCalls.Load()) }
