package controlapi

import (
	"net/http"

	"github.com/go-chi/render"

	"github.com/rafaeljc/plangate/internal/logger"
	"github.com/rafaeljc/plangate/internal/visibility"
)

// handleEvaluate processes POST /api/v1/evaluate.
// It previews the decision of a rule for a membership set. Nothing is persisted.
func (a *API) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req EvaluateRequest
	if err := render.DecodeJSON(http.MaxBytesReader(w, r.Body, maxBodyBytes), &req); err != nil {
		writeError(w, r, http.StatusBadRequest, ErrorResponse{
			Code:    "ERR_INVALID_JSON",
			Message: "Invalid JSON payload: " + err.Error(),
		})
		return
	}

	rule, errResp := parseRulePayload(req.Rule)
	if errResp != nil {
		writeError(w, r, http.StatusBadRequest, *errResp)
		return
	}

	viewer := visibility.NewMemberships(req.Memberships...)
	decision := visibility.Evaluate(rule, viewer)

	render.Status(r, http.StatusOK)
	render.JSON(w, r, EvaluateResponse{
		Render:      decision.Render,
		Reason:      decision.Reason,
		Memberships: viewer,
		Warnings:    a.ruleWarnings(r.Context(), log, rule),
	})
}
