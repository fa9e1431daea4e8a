package handlers

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"mediarender/internal/httpkit"
	"mediarender/internal/ports"
)

const healthProbeKey = "health/probe.txt"

// Health performs a health check of the service.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.log.FromContext(ctx)

	// Basic health response
	health := map[string]any{
		"status":  "ok",
		"service": h.service,
		"version": h.version,
	}

	// Check if deep health check is requested
	if r.URL.Query().Get("deep") == "true" {
		checks := h.deepHealthCheck(ctx)
		health["checks"] = checks

		// If any check failed, change status
		for _, check := range checks {
			if check["status"] == "error" {
				health["status"] = "degraded"
				log.Warn("health check degraded", "checks", checks)
				break
			}
		}
	}

	status := http.StatusOK
	if health["status"] != "ok" {
		status = http.StatusServiceUnavailable
	}
	httpkit.WriteJSON(w, status, health)
}

// deepHealthCheck performs detailed health checks on dependencies.
func (h *Handler) deepHealthCheck(ctx context.Context) map[string]map[string]any {
	return map[string]map[string]any{
		"postgres": h.checkPostgres(ctx),
		"redis":    h.checkRedis(ctx),
		"storage":  h.checkStorage(ctx),
	}
}

func timed(ctx context.Context, fn func(context.Context) error) map[string]any {
	start := time.Now()
	result := map[string]any{
		"status": "ok",
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := fn(checkCtx); err != nil {
		result["status"] = "error"
		result["error"] = err.Error()
	}

	result["latency_ms"] = time.Since(start).Milliseconds()
	return result
}

func (h *Handler) checkPostgres(ctx context.Context) map[string]any {
	if h.db == nil {
		return map[string]any{"status": "skipped"}
	}
	return timed(ctx, h.db.Ping)
}

func (h *Handler) checkRedis(ctx context.Context) map[string]any {
	if h.rdb == nil {
		return map[string]any{"status": "skipped"}
	}
	return timed(ctx, func(ctx context.Context) error {
		return h.rdb.Ping(ctx).Err()
	})
}

// checkStorage writes and deletes a small probe object.
func (h *Handler) checkStorage(ctx context.Context) map[string]any {
	if h.sp == nil {
		return map[string]any{"status": "skipped"}
	}
	result := timed(ctx, func(ctx context.Context) error {
		out, err := h.sp.PutObject(ctx, ports.PutObjectInput{
			ObjectKey:   healthProbeKey,
			ContentType: "text/plain",
			Reader:      bytes.NewReader([]byte("ok")),
			Size:        2,
		})
		if err != nil {
			return err
		}
		return h.sp.DeleteObject(ctx, out.ObjectKey)
	})
	result["provider"] = h.sp.Provider()
	return result
}
