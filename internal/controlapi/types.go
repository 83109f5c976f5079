package controlapi

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rafaeljc/plangate/internal/store"
	"github.com/rafaeljc/plangate/internal/visibility"
)

// slugRegex ensures plan slugs are URL-safe (lowercase, numbers, hyphens).
var slugRegex = regexp.MustCompile(`^[a-z0-9-]+$`)

// maxIdentifierLength applies to plan slugs, element IDs and viewer IDs.
const maxIdentifierLength = 255

// maxBodyBytes caps request payloads. The largest legal rule holds two full lists.
const maxBodyBytes = 1 << 20

// -----------------------------------------------------------------------------
// Reusable Validation Logic
// -----------------------------------------------------------------------------

// validateSlug enforces the format of plan identifiers. Reserved selectors are
// rejected: they are matched against membership emptiness, never plan identity.
func validateSlug(slug string) *ErrorResponse {
	switch {
	case slug == "":
		return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "Plan slug is required"}
	case len(slug) > maxIdentifierLength:
		return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: fmt.Sprintf("Plan slug must be at most %d characters", maxIdentifierLength)}
	case !slugRegex.MatchString(slug):
		return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "Plan slug must strictly contain only lowercase letters, numbers, and hyphens (slug format)"}
	case visibility.IsReserved(slug) || slug == visibility.LegacyNonMembers:
		return &ErrorResponse{Code: "ERR_RESERVED_IDENTIFIER", Message: fmt.Sprintf("%q is a reserved selector and cannot be used as a plan slug", slug)}
	}
	return nil
}

// validateIdentifier checks opaque identifiers (element and viewer IDs).
func validateIdentifier(field, id string) *ErrorResponse {
	if strings.TrimSpace(id) == "" {
		return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: field + " is required"}
	}
	if len(id) > maxIdentifierLength {
		return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: fmt.Sprintf("%s must be at most %d characters", field, maxIdentifierLength)}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Plans
// -----------------------------------------------------------------------------

// Plan is the API representation of a membership plan.
type Plan struct {
	ID        int64     `json:"id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UpsertPlanRequest is the payload of PUT /plans/{slug}.
type UpsertPlanRequest struct {
	Name string `json:"name"`
}

// Validate checks the human-readable name.
func (r *UpsertPlanRequest) Validate() *ErrorResponse {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "Name is required"}
	}
	if len(r.Name) > maxIdentifierLength {
		return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: fmt.Sprintf("Name must be at most %d characters", maxIdentifierLength)}
	}
	return nil
}

// CatalogResponse lists every selectable identifier, reserved ones first.
type CatalogResponse struct {
	Data any `json:"data"`
}

// -----------------------------------------------------------------------------
// Element rules
// -----------------------------------------------------------------------------

// ElementRule is the API representation of a stored visibility rule.
type ElementRule struct {
	ElementID string          `json:"element_id"`
	Rule      visibility.Rule `json:"rule"`
	Version   int64           `json:"version"`
	ETag      string          `json:"etag"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`

	// Warnings are authoring hints. They never block a write.
	Warnings []Warning `json:"warnings,omitempty"`
}

// Warning codes.
const (
	WarnUnknownIdentifiers = "UNKNOWN_IDENTIFIERS"
	WarnConflictingLists   = "CONFLICTING_LISTS"
)

// Warning flags a rule that is valid but probably not what the author meant.
type Warning struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	IDs     []string `json:"ids,omitempty"`
}

func mapStoreRuleToResponse(r *store.ElementRule) ElementRule {
	return ElementRule{
		ElementID: r.ElementID,
		Rule:      r.Rule,
		Version:   r.Version,
		ETag:      r.Rule.Fingerprint(),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// quoteETag formats a fingerprint as a strong HTTP entity tag.
func quoteETag(fingerprint string) string {
	return `"` + fingerprint + `"`
}

// parseIfMatch extracts the fingerprint from an If-Match header.
// Returns "" for a missing header and for "*".
func parseIfMatch(header string) string {
	header = strings.TrimSpace(header)
	if header == "" || header == "*" {
		return ""
	}
	header = strings.TrimPrefix(header, "W/")
	return strings.Trim(header, `"`)
}

// -----------------------------------------------------------------------------
// Memberships
// -----------------------------------------------------------------------------

// ViewerMemberships lists the plans a viewer holds right now.
type ViewerMemberships struct {
	ViewerID string   `json:"viewer_id"`
	Plans    []string `json:"plans"`
}

// GrantMembershipRequest is the optional payload of PUT /viewers/{id}/memberships/{slug}.
type GrantMembershipRequest struct {
	// ExpiresAt is optional. Nil means the membership never expires.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// -----------------------------------------------------------------------------
// Evaluation
// -----------------------------------------------------------------------------

// EvaluateRequest asks for the decision of an ad-hoc rule for an ad-hoc membership set.
type EvaluateRequest struct {
	Rule        json.RawMessage `json:"rule"`
	Memberships []string        `json:"memberships"`
}

// EvaluateResponse carries the decision and the set it was evaluated against,
// with reserved selectors and duplicates removed.
type EvaluateResponse struct {
	Render      bool                   `json:"render"`
	Reason      visibility.Reason      `json:"reason"`
	Memberships visibility.Memberships `json:"memberships"`
	Warnings    []Warning              `json:"warnings,omitempty"`
}

// -----------------------------------------------------------------------------
// Envelopes
// -----------------------------------------------------------------------------

// PaginatedResponse is a standard wrapper for list endpoints to support offset pagination.
type PaginatedResponse struct {
	// Data holds the list of resources (e.g., []ElementRule).
	Data any `json:"data"`

	// Pagination contains pagination metadata.
	Pagination Pagination `json:"pagination"`
}

// Pagination metadata for the frontend pager.
type Pagination struct {
	TotalItems  int64 `json:"total_items"`
	TotalPages  int   `json:"total_pages"`
	CurrentPage int   `json:"current_page"`
	PageSize    int   `json:"page_size"`
}

// ErrorResponse represents a standard structured API error.
type ErrorResponse struct {
	// Code is a machine-readable error code (e.g., "ERR_INVALID_INPUT").
	Code string `json:"code"`

	// Message is a human-readable description of the error.
	Message string `json:"message"`

	// Details provides optional granular validation errors.
	Details []ErrorDetail `json:"details,omitempty"`
}

// ErrorDetail provides context about specific field validation failures.
type ErrorDetail struct {
	Field string `json:"field"`
	Issue string `json:"issue"`
}
