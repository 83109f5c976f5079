// Package render decides, for one viewer, which content elements are shown.
//
// It resolves the viewer's memberships once per request, looks up each
// element's visibility rule and applies visibility.Evaluate. Preview mode
// (an author inspecting the page) skips evaluation entirely.
package render

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/rafaeljc/plangate/internal/logger"
	"github.com/rafaeljc/plangate/internal/membership"
	"github.com/rafaeljc/plangate/internal/observability"
	"github.com/rafaeljc/plangate/internal/visibility"
)

// Mode selects how the host is rendering the page.
type Mode int

const (
	// ModeLive applies visibility rules.
	ModeLive Mode = iota
	// ModePreview renders every element, as in an editor canvas.
	ModePreview
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case ModeLive:
		return "live"
	case ModePreview:
		return "preview"
	default:
		return "mode(" + strconv.Itoa(int(m)) + ")"
	}
}

// ParseMode accepts "live", "preview" or the empty string (live).
func ParseMode(s string) (Mode, bool) {
	switch s {
	case "", "live":
		return ModeLive, true
	case "preview":
		return ModePreview, true
	default:
		return ModeLive, false
	}
}

// Reasons added on top of visibility.Reason.
const (
	ReasonPreview         visibility.Reason = "PREVIEW"
	ReasonNoRule          visibility.Reason = "NO_RULE"
	ReasonRuleUnavailable visibility.Reason = "RULE_UNAVAILABLE"
)

// ErrNoRule is returned by a RuleSource when the element has no rule.
var ErrNoRule = errors.New("element has no visibility rule")

// RuleSource looks up the rule attached to an element.
type RuleSource interface {
	// Rule returns ErrNoRule when the element is unrestricted.
	// Any other error means the rule could not be determined.
	Rule(ctx context.Context, elementID string) (visibility.Rule, error)
}

// Request describes one page render.
type Request struct {
	ViewerID   string
	ElementIDs []string
	Mode       Mode
}

// Element is the decision for one element.
type Element struct {
	ElementID string            `json:"elementId"`
	Render    bool              `json:"render"`
	Reason    visibility.Reason `json:"reason"`
}

// Result holds one Element per requested ID, in request order.
type Result struct {
	Elements []Element `json:"elements"`
	// Memberships is the resolved viewer set. Empty in preview mode.
	Memberships visibility.Memberships `json:"memberships"`
}

// Pipeline evaluates render requests.
type Pipeline struct {
	resolver membership.Resolver
	rules    RuleSource
}

// NewPipeline wires a resolver and a rule source.
// The resolver should be fail-safe (see membership.SafeResolver).
func NewPipeline(resolver membership.Resolver, rules RuleSource) *Pipeline {
	if resolver == nil {
		panic("render: resolver cannot be nil")
	}
	if rules == nil {
		panic("render: rule source cannot be nil")
	}
	return &Pipeline{resolver: resolver, rules: rules}
}

// Render evaluates every element of the request. It never fails: lookup
// errors suppress the affected element and resolution errors degrade the
// viewer to non-member.
func (p *Pipeline) Render(ctx context.Context, req Request) Result {
	res := Result{Elements: make([]Element, 0, len(req.ElementIDs))}

	if req.Mode == ModePreview {
		for _, id := range req.ElementIDs {
			res.Elements = append(res.Elements, Element{ElementID: id, Render: true, Reason: ReasonPreview})
		}
		return res
	}

	log := logger.FromContext(ctx)

	viewer, err := p.resolver.Resolve(ctx, req.ViewerID)
	if err != nil {
		log.Warn("membership resolution failed, treating viewer as non-member", slog.Any("error", err))
		viewer = visibility.NewMemberships()
	}
	res.Memberships = viewer

	for _, id := range req.ElementIDs {
		el := p.evaluate(ctx, log, id, viewer)
		observability.DataPlaneDecisions.WithLabelValues(strconv.FormatBool(el.Render), string(el.Reason)).Inc()
		res.Elements = append(res.Elements, el)
	}

	return res
}

func (p *Pipeline) evaluate(ctx context.Context, log *slog.Logger, elementID string, viewer visibility.Memberships) Element {
	rule, err := p.rules.Rule(ctx, elementID)
	switch {
	case errors.Is(err, ErrNoRule):
		return Element{ElementID: elementID, Render: true, Reason: ReasonNoRule}
	case err != nil:
		// Fail closed: gated content is never shown when its rule is unknown.
		log.Error("failed to load visibility rule",
			slog.String("element_id", elementID),
			slog.Any("error", err),
		)
		return Element{ElementID: elementID, Render: false, Reason: ReasonRuleUnavailable}
	}

	d := visibility.Evaluate(rule, viewer)
	return Element{ElementID: elementID, Render: d.Render, Reason: d.Reason}
}
