package handlers

import (
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"mediarender/internal/httpkit"
)

// StreamAsset serves a stored render by object key, e.g.
// GET /assets/renders/{tenant}/image/{jobId}.png.
func (h *Handler) StreamAsset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	objectKey := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if objectKey == "" || strings.Contains(objectKey, "..") {
		httpkit.WriteErr(w, 400, "INVALID_REQUEST", "invalid asset path", nil)
		return
	}

	rc, ct, size, err := h.sp.GetObject(ctx, objectKey)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			httpkit.WriteErr(w, 404, "NOT_FOUND", "asset not found", map[string]any{"object_key": objectKey})
			return
		}
		h.log.FromContext(ctx).WithError(err).Error("asset read failed", "object_key", objectKey)
		httpkit.WriteErr(w, 404, "NOT_FOUND", "asset not found", map[string]any{"object_key": objectKey})
		return
	}
	defer rc.Close()

	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	if r.Method == http.MethodHead {
		return
	}
	_, _ = io.Copy(w, rc)
}
