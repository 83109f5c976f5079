package controlapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/rafaeljc/plangate/internal/logger"
	"github.com/rafaeljc/plangate/internal/store"
)

// handleListMemberships processes GET /api/v1/viewers/{viewerID}/memberships.
// Only memberships active at request time are returned.
func (a *API) handleListMemberships(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	viewerID := chi.URLParam(r, "viewerID")

	if errResp := validateIdentifier("Viewer ID", viewerID); errResp != nil {
		writeError(w, r, http.StatusBadRequest, *errResp)
		return
	}

	slugs, err := a.memberships.ListActivePlanSlugs(r.Context(), viewerID, a.now())
	if err != nil {
		log.Error("failed to list memberships", slog.String("viewer_id", viewerID), slog.Any("error", err))
		internalError(w, r, "Failed to list memberships")
		return
	}
	if slugs == nil {
		slugs = []string{}
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, ViewerMemberships{ViewerID: viewerID, Plans: slugs})
}

// handleGrantMembership processes PUT /api/v1/viewers/{viewerID}/memberships/{slug}.
// The body is optional and may only carry an expiry.
func (a *API) handleGrantMembership(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	viewerID := chi.URLParam(r, "viewerID")
	slug := chi.URLParam(r, "slug")

	if errResp := validateIdentifier("Viewer ID", viewerID); errResp != nil {
		writeError(w, r, http.StatusBadRequest, *errResp)
		return
	}
	if errResp := validateSlug(slug); errResp != nil {
		writeError(w, r, http.StatusBadRequest, *errResp)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, ErrorResponse{Code: "ERR_INVALID_JSON", Message: "Failed to read payload: " + err.Error()})
		return
	}

	var req GrantMembershipRequest
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, ErrorResponse{Code: "ERR_INVALID_JSON", Message: "Invalid JSON payload: " + err.Error()})
			return
		}
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(a.now()) {
		writeError(w, r, http.StatusBadRequest, ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "expires_at must be in the future",
			Details: []ErrorDetail{{Field: "expires_at", Issue: "already elapsed"}},
		})
		return
	}

	if err := a.memberships.GrantMembership(r.Context(), viewerID, slug, req.ExpiresAt); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, ErrorResponse{Code: "ERR_NOT_FOUND", Message: "Plan does not exist"})
			return
		}
		log.Error("failed to grant membership", slog.String("viewer_id", viewerID), slog.String("plan", slug), slog.Any("error", err))
		internalError(w, r, "Failed to grant membership")
		return
	}

	a.invalidateViewer(r, log, viewerID)

	log.Info("membership granted", slog.String("viewer_id", viewerID), slog.String("plan", slug))
	w.WriteHeader(http.StatusNoContent)
}

// handleRevokeMembership processes DELETE /api/v1/viewers/{viewerID}/memberships/{slug}.
func (a *API) handleRevokeMembership(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	viewerID := chi.URLParam(r, "viewerID")
	slug := chi.URLParam(r, "slug")

	if errResp := validateIdentifier("Viewer ID", viewerID); errResp != nil {
		writeError(w, r, http.StatusBadRequest, *errResp)
		return
	}
	if errResp := validateSlug(slug); errResp != nil {
		writeError(w, r, http.StatusBadRequest, *errResp)
		return
	}

	if err := a.memberships.RevokeMembership(r.Context(), viewerID, slug); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, ErrorResponse{Code: "ERR_NOT_FOUND", Message: "Viewer does not hold this plan"})
			return
		}
		log.Error("failed to revoke membership", slog.String("viewer_id", viewerID), slog.String("plan", slug), slog.Any("error", err))
		internalError(w, r, "Failed to revoke membership")
		return
	}

	a.invalidateViewer(r, log, viewerID)

	log.Info("membership revoked", slog.String("viewer_id", viewerID), slog.String("plan", slug))
	w.WriteHeader(http.StatusNoContent)
}

// invalidateViewer drops the cached membership set. On failure the cache TTL
// bounds how long the data plane serves the old set.
func (a *API) invalidateViewer(r *http.Request, log *slog.Logger, viewerID string) {
	if err := a.publisher.DeleteMemberships(r.Context(), viewerID); err != nil {
		log.Warn("failed to invalidate cached memberships",
			slog.String("viewer_id", viewerID),
			slog.Any("error", err),
		)
	}
}
