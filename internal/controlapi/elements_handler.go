package controlapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/rafaeljc/plangate/internal/logger"
	"github.com/rafaeljc/plangate/internal/store"
	"github.com/rafaeljc/plangate/internal/visibility"
)

// handleListElements processes GET /api/v1/elements.
//
// Responsibilities:
// 1. Parses and clamps pagination parameters (page, page_size).
// 2. Fetches the page and the total count.
// 3. Returns the PaginatedResponse.
func (a *API) handleListElements(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	// We return 400 if the user sends invalid types (e.g., page=banana).
	page, err := parseOptionalInt(r, "page", 1)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, ErrorResponse{Code: "ERR_INVALID_QUERY_PARAM", Message: err.Error()})
		return
	}
	pageSize, err := parseOptionalInt(r, "page_size", 10)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, ErrorResponse{Code: "ERR_INVALID_QUERY_PARAM", Message: err.Error()})
		return
	}

	// Out-of-bounds values are silently corrected.
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	if pageSize > 100 {
		pageSize = 100
	}

	rules, totalItems, err := a.rules.ListElementRules(r.Context(), pageSize, (page-1)*pageSize)
	if err != nil {
		log.Error("failed to list element rules", slog.Any("error", err))
		internalError(w, r, "Failed to list element rules")
		return
	}

	dtos := make([]ElementRule, len(rules))
	for i, rule := range rules {
		dtos[i] = mapStoreRuleToResponse(rule)
	}

	totalPages := 0
	if totalItems > 0 {
		totalPages = int(math.Ceil(float64(totalItems) / float64(pageSize)))
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, PaginatedResponse{
		Data: dtos,
		Pagination: Pagination{
			TotalItems:  totalItems,
			TotalPages:  totalPages,
			CurrentPage: page,
			PageSize:    pageSize,
		},
	})
}

// handleGetVisibility processes GET /api/v1/elements/{elementID}/visibility.
// The response carries the rule fingerprint as ETag for conditional writes.
func (a *API) handleGetVisibility(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	elementID := chi.URLParam(r, "elementID")

	if errResp := validateIdentifier("Element ID", elementID); errResp != nil {
		writeError(w, r, http.StatusBadRequest, *errResp)
		return
	}

	rule, err := a.rules.GetElementRule(r.Context(), elementID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, ErrorResponse{
				Code:    "ERR_NOT_FOUND",
				Message: "Element has no visibility rule",
			})
			return
		}
		log.Error("failed to get element rule", slog.String("element_id", elementID), slog.Any("error", err))
		internalError(w, r, "Failed to load visibility rule")
		return
	}

	resp := mapStoreRuleToResponse(rule)
	w.Header().Set("ETag", quoteETag(resp.ETag))
	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}

// handlePutVisibility processes PUT /api/v1/elements/{elementID}/visibility.
//
// The body is the rule itself ({"enabled", "visibleFor", "hiddenFor"}).
// With ?format=legacy it is instead the page-builder settings map
// (wcm_ecl_enabled, wcm_ecl_membership_visible, wcm_ecl_membership_hidden).
// Concurrent edits are guarded either by If-Match (the ETag of a previous read)
// or by the expected_version query parameter. Without either the write is
// unconditional. Identifiers unknown to the catalog are stored verbatim and
// reported as warnings.
func (a *API) handlePutVisibility(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	elementID := chi.URLParam(r, "elementID")

	if errResp := validateIdentifier("Element ID", elementID); errResp != nil {
		writeError(w, r, http.StatusBadRequest, *errResp)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, ErrorResponse{
			Code:    "ERR_INVALID_JSON",
			Message: "Failed to read payload: " + err.Error(),
		})
		return
	}

	var (
		rule    visibility.Rule
		errResp *ErrorResponse
	)
	switch r.URL.Query().Get("format") {
	case "", formatNative:
		rule, errResp = parseRulePayload(body)
	case formatLegacy:
		rule, errResp = parseLegacyPayload(body)
	default:
		errResp = &ErrorResponse{
			Code:    "ERR_INVALID_QUERY_PARAM",
			Message: fmt.Sprintf("parameter 'format' must be %q or %q", formatNative, formatLegacy),
		}
	}
	if errResp != nil {
		writeError(w, r, http.StatusBadRequest, *errResp)
		return
	}

	expectedVersion, status, errResp := a.expectedVersion(r, elementID)
	if errResp != nil {
		if status == http.StatusInternalServerError {
			log.Error("failed to resolve precondition", slog.String("element_id", elementID), slog.String("error", errResp.Message))
			internalError(w, r, "Failed to load visibility rule")
			return
		}
		writeError(w, r, status, *errResp)
		return
	}

	record := &store.ElementRule{ElementID: elementID, Rule: rule}
	if err := a.rules.UpsertElementRule(r.Context(), record, expectedVersion); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			writeError(w, r, http.StatusConflict, ErrorResponse{
				Code:    "ERR_VERSION_CONFLICT",
				Message: "The rule was modified by another request; reload and retry",
			})
			return
		}
		log.Error("failed to save element rule", slog.String("element_id", elementID), slog.Any("error", err))
		internalError(w, r, "Failed to save visibility rule")
		return
	}

	resp := mapStoreRuleToResponse(record)
	resp.Warnings = a.ruleWarnings(r.Context(), log, record.Rule)

	a.notifyCacheAsync(log, elementID, record.Version)

	log.Info("visibility rule saved",
		slog.String("element_id", elementID),
		slog.Int64("version", record.Version),
		slog.Int("warnings", len(resp.Warnings)),
	)

	w.Header().Set("ETag", quoteETag(resp.ETag))
	if record.Created {
		render.Status(r, http.StatusCreated)
	} else {
		render.Status(r, http.StatusOK)
	}
	render.JSON(w, r, resp)
}

// handleDeleteVisibility processes DELETE /api/v1/elements/{elementID}/visibility.
// Without a rule the element renders for every viewer.
func (a *API) handleDeleteVisibility(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	elementID := chi.URLParam(r, "elementID")

	if errResp := validateIdentifier("Element ID", elementID); errResp != nil {
		writeError(w, r, http.StatusBadRequest, *errResp)
		return
	}

	if err := a.rules.DeleteElementRule(r.Context(), elementID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, ErrorResponse{
				Code:    "ERR_NOT_FOUND",
				Message: "Element has no visibility rule",
			})
			return
		}
		log.Error("failed to delete element rule", slog.String("element_id", elementID), slog.Any("error", err))
		internalError(w, r, "Failed to delete visibility rule")
		return
	}

	// The syncer reloads from the database, finds nothing and evicts the cache entry.
	a.notifyCacheAsync(log, elementID, 0)

	log.Info("visibility rule deleted", slog.String("element_id", elementID))
	w.WriteHeader(http.StatusNoContent)
}

// expectedVersion resolves the optimistic-locking precondition of a write.
// It returns 0 when the request carries none.
func (a *API) expectedVersion(r *http.Request, elementID string) (int64, int, *ErrorResponse) {
	if fingerprint := parseIfMatch(r.Header.Get("If-Match")); fingerprint != "" {
		current, err := a.rules.GetElementRule(r.Context(), elementID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return 0, http.StatusPreconditionFailed, &ErrorResponse{
					Code:    "ERR_PRECONDITION_FAILED",
					Message: "Element has no visibility rule to match",
				}
			}
			return 0, http.StatusInternalServerError, &ErrorResponse{Code: "ERR_INTERNAL", Message: err.Error()}
		}
		if current.Rule.Fingerprint() != fingerprint {
			return 0, http.StatusPreconditionFailed, &ErrorResponse{
				Code:    "ERR_PRECONDITION_FAILED",
				Message: "The rule changed since it was read",
			}
		}
		return current.Version, 0, nil
	}

	raw := r.URL.Query().Get("expected_version")
	if raw == "" {
		return 0, 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 1 {
		return 0, http.StatusBadRequest, &ErrorResponse{
			Code:    "ERR_INVALID_QUERY_PARAM",
			Message: "parameter 'expected_version' must be a positive integer",
		}
	}
	return v, 0, nil
}

// ruleWarnings reports unknown identifiers and conflicting lists.
// A catalog failure only drops the unknown-identifier check.
func (a *API) ruleWarnings(ctx context.Context, log *slog.Logger, rule visibility.Rule) []Warning {
	var warnings []Warning

	ids := make([]string, 0, len(rule.VisibleFor)+len(rule.HiddenFor))
	ids = append(ids, rule.VisibleFor...)
	ids = append(ids, rule.HiddenFor...)

	if len(ids) > 0 {
		unknown, err := a.catalog.Unknown(ctx, ids)
		if err != nil {
			log.Warn("skipping unknown identifier check", slog.Any("error", err))
		} else if len(unknown) > 0 {
			warnings = append(warnings, Warning{
				Code:    WarnUnknownIdentifiers,
				Message: "Identifiers are not in the plan catalog and will never match a viewer's plan",
				IDs:     unknown,
			})
		}
	}

	if rule.Conflicting() {
		warnings = append(warnings, Warning{
			Code:    WarnConflictingLists,
			Message: "Both visibleFor and hiddenFor are set; hiddenFor is ignored while visibleFor is non-empty",
		})
	}

	return warnings
}

// Accepted values of the format query parameter on rule writes.
const (
	formatNative = "native"
	formatLegacy = "legacy"
)

// parseRulePayload decodes, normalizes and validates a rule body.
func parseRulePayload(body []byte) (visibility.Rule, *ErrorResponse) {
	if len(body) == 0 {
		return visibility.Rule{}, &ErrorResponse{Code: "ERR_INVALID_JSON", Message: "Rule payload is required"}
	}

	rule, err := visibility.ParseRule(body)
	if err != nil {
		return visibility.Rule{}, ruleErrorResponse(err)
	}
	return rule, nil
}

// parseLegacyPayload converts a page-builder settings map and validates the result.
func parseLegacyPayload(body []byte) (visibility.Rule, *ErrorResponse) {
	if len(body) == 0 {
		return visibility.Rule{}, &ErrorResponse{Code: "ERR_INVALID_JSON", Message: "Settings payload is required"}
	}

	var settings map[string]any
	if err := json.Unmarshal(body, &settings); err != nil {
		return visibility.Rule{}, &ErrorResponse{Code: "ERR_INVALID_JSON", Message: "Invalid settings payload: " + err.Error()}
	}

	rule := visibility.DecodeLegacySettings(settings)
	if err := rule.Validate(); err != nil {
		return visibility.Rule{}, ruleErrorResponse(err)
	}
	return rule, nil
}

func ruleErrorResponse(err error) *ErrorResponse {
	switch {
	case errors.Is(err, visibility.ErrEmptyIdentifier), errors.Is(err, visibility.ErrTooManySelectors):
		return &ErrorResponse{
			Code:    "ERR_INVALID_RULE",
			Message: "Visibility rule is invalid",
			Details: []ErrorDetail{{Field: ruleErrorField(err), Issue: err.Error()}},
		}
	default:
		return &ErrorResponse{Code: "ERR_INVALID_JSON", Message: err.Error()}
	}
}

// ruleErrorField names the list a validation error refers to.
func ruleErrorField(err error) string {
	msg := err.Error()
	if i := strings.IndexAny(msg, "[:"); i > 0 {
		return msg[:i]
	}
	return "rule"
}

// parseOptionalInt extracts an integer from the query string.
// If the parameter is missing, it returns the defaultValue.
// It only returns an error if the parameter is present but malformed.
func parseOptionalInt(r *http.Request, key string, defaultValue int) (int, error) {
	valStr := r.URL.Query().Get(key)
	if valStr == "" {
		return defaultValue, nil
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return 0, fmt.Errorf("parameter '%s' must be an integer", key)
	}
	return val, nil
}
