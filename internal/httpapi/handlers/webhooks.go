package handlers

import (
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"mediarender/internal/httpkit"
	"mediarender/internal/pkg/errors"
	"mediarender/internal/render"
)

const maxWebhookBody = 1 << 20

type webhookResponse struct {
	Received bool          `json:"received"`
	JobID    string        `json:"jobId,omitempty"`
	Status   render.Status `json:"status,omitempty"`
}

// ProviderWebhook verifies and applies a provider callback. A jobId query
// parameter (set on the callback URL at submission) is passed to providers
// whose payload does not carry it.
func (h *Handler) ProviderWebhook(w http.ResponseWriter, r *http.Request) error {
	const op = "http.webhook"
	name := chi.URLParam(r, "provider")

	p, err := h.providers.Get(name)
	if err != nil {
		return err
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeInvalidRequest, op, "read body")
	}
	if len(body) > maxWebhookBody {
		return errors.New(errors.CodeInvalidRequest, "webhook body too large").WithOp(op)
	}

	if v, ok := p.(render.WebhookVerifier); ok {
		if err := v.VerifyWebhook(r.Header, body); err != nil {
			var coded *errors.Error
			if errors.As(err, &coded) {
				return err
			}
			return errors.WrapWithCode(err, errors.CodeUnauthorized, op, "invalid webhook signature")
		}
	}

	ctx := r.Context()
	if jobID := strings.TrimSpace(r.URL.Query().Get("jobId")); jobID != "" {
		ctx = render.ContextWithWebhookJobID(ctx, jobID)
	}

	job, err := h.render.HandleWebhook(ctx, name, body)
	if err != nil {
		return err
	}

	resp := webhookResponse{Received: true}
	if job != nil {
		resp.JobID = job.ID
		resp.Status = job.Status
	}
	httpkit.WriteJSON(w, http.StatusOK, resp)
	return nil
}
