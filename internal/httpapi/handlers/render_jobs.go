package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"mediarender/internal/httpkit"
	"mediarender/internal/pkg/errors"
	"mediarender/internal/render"
)

// TenantHeader supplies tenantId when the request body omits it.
const TenantHeader = "X-Tenant-ID"

type jobResponse struct {
	Job *render.Job `json:"job"`
}

// publicJob strips the raw provider payload kept for diagnostics.
func publicJob(j *render.Job) jobResponse {
	if j == nil {
		return jobResponse{}
	}
	out := j.Clone()
	out.Finalizing = nil
	if out.Error != nil {
		e := *out.Error
		e.Details = nil
		out.Error = &e
	}
	return jobResponse{Job: out}
}

func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) error {
	var req render.CreateRequest
	if err := httpkit.DecodeJSON(r, &req); err != nil {
		return errors.WrapWithCode(err, errors.CodeInvalidRequest, "http.create", "invalid json body")
	}
	if strings.TrimSpace(req.TenantID) == "" {
		req.TenantID = strings.TrimSpace(r.Header.Get(TenantHeader))
	}

	job, err := h.render.Create(r.Context(), req)
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusCreated, publicJob(job))
	return nil
}

func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) error {
	job, err := h.render.Submit(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, publicJob(job))
	return nil
}

func (h *Handler) JobStatus(w http.ResponseWriter, r *http.Request) error {
	job, err := h.render.Get(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, publicJob(job))
	return nil
}

func (h *Handler) PollJob(w http.ResponseWriter, r *http.Request) error {
	job, err := h.render.Poll(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, publicJob(job))
	return nil
}

func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) error {
	job, err := h.render.Cancel(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, publicJob(job))
	return nil
}
