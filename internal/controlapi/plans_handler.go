package controlapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/rafaeljc/plangate/internal/logger"
	"github.com/rafaeljc/plangate/internal/store"
)

// handleListPlans processes GET /api/v1/plans.
// The reserved selectors come first, then every plan ordered by name.
func (a *API) handleListPlans(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	entries, err := a.catalog.List(r.Context())
	if err != nil {
		log.Error("failed to load catalog", slog.Any("error", err))
		internalError(w, r, "Failed to list plans")
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, CatalogResponse{Data: entries})
}

// handleUpsertPlan processes PUT /api/v1/plans/{slug}.
// Creating and renaming are the same operation; the slug is immutable.
func (a *API) handleUpsertPlan(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	slug := chi.URLParam(r, "slug")

	if errResp := validateSlug(slug); errResp != nil {
		writeError(w, r, http.StatusBadRequest, *errResp)
		return
	}

	var req UpsertPlanRequest
	if err := render.DecodeJSON(http.MaxBytesReader(w, r.Body, maxBodyBytes), &req); err != nil {
		writeError(w, r, http.StatusBadRequest, ErrorResponse{
			Code:    "ERR_INVALID_JSON",
			Message: "Invalid JSON payload: " + err.Error(),
		})
		return
	}
	if errResp := req.Validate(); errResp != nil {
		writeError(w, r, http.StatusBadRequest, *errResp)
		return
	}

	plan := &store.Plan{Slug: slug, Name: req.Name}
	if err := a.plans.UpsertPlan(r.Context(), plan); err != nil {
		log.Error("failed to upsert plan", slog.String("slug", slug), slog.Any("error", err))
		internalError(w, r, "Failed to save plan")
		return
	}

	a.catalog.Invalidate()

	log.Info("plan saved", slog.String("slug", plan.Slug), slog.Int64("plan_id", plan.ID))
	render.Status(r, http.StatusOK)
	render.JSON(w, r, Plan{
		ID:        plan.ID,
		Slug:      plan.Slug,
		Name:      plan.Name,
		CreatedAt: plan.CreatedAt,
		UpdatedAt: plan.UpdatedAt,
	})
}
