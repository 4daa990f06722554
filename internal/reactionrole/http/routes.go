package reactionrolehttp

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/vivibot/vivibot/internal/platform/httpx"
)

const (
	writeRateLimit  = 30
	writeRateWindow = time.Minute
)

// MountRoutes registers the admin endpoints under /api/v1/reaction-roles.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	r.Route("/api/v1/reaction-roles", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Get("/{ruleID}", h.handleGet)
		r.Group(func(r chi.Router) {
			r.Use(h.rateLimit)
			r.Use(h.notifyOnSuccess)
			r.Post("/", h.handleCreate)
			r.Patch("/{ruleID}", h.handleUpdate)
			r.Delete("/{ruleID}", h.handleDelete)
			r.Post("/{ruleID}/changes", h.handleAddChange)
			r.Patch("/{ruleID}/changes/{changeID}", h.handleUpdateChange)
			r.Delete("/{ruleID}/changes/{changeID}", h.handleRemoveChange)
			r.Post("/{ruleID}/requirements", h.handleAddRequirement)
			r.Patch("/{ruleID}/requirements/{requirementID}", h.handleUpdateRequirement)
			r.Delete("/{ruleID}/requirements/{requirementID}", h.handleRemoveRequirement)
		})
	})
}

func writeLimiter() func(http.Handler) http.Handler {
	return httprate.Limit(writeRateLimit, writeRateWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "")
		}),
	)
}

// notifyOnSuccess publishes a change notification after every successful write.
func (h *Handler) notifyOnSuccess(next http.Handler) http.Handler {
	if h.notifier == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if status := ww.Status(); status < 200 || status >= 300 {
			return
		}
		if _, err := h.notifier.Publish(context.WithoutCancel(r.Context())); err != nil {
			h.logger.Warn("publish reaction role change", slog.String("path", r.URL.Path), slog.Any("error", err))
		}
	})
}
