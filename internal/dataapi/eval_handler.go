package dataapi

import (
	"context"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rafaeljc/plangate/internal/logger"
	"github.com/rafaeljc/plangate/internal/render"
)

// Evaluate decides which elements of a page render for a viewer.
//
// Flow: validate -> resolve memberships -> L1 -> L2 -> visibility.Evaluate
//
// It returns:
//   - OK with one decision per element, in request order.
//   - INVALID_ARGUMENT if no element is given, an element ID is empty,
//     the batch is too large or the mode is unknown.
//
// Infrastructure failures never surface as RPC errors: the affected elements
// are suppressed and the viewer degrades to non-member.
func (a *API) Evaluate(ctx context.Context, req *EvaluateRequest) (*EvaluateResponse, error) {
	log := logger.FromContext(ctx)

	if len(req.ElementIDs) == 0 {
		log.Warn("bad request: missing element_ids")
		return nil, status.Error(codes.InvalidArgument, "element_ids is required")
	}
	if len(req.ElementIDs) > a.maxElements {
		return nil, status.Errorf(codes.InvalidArgument, "too many elements: %d (max %d)", len(req.ElementIDs), a.maxElements)
	}
	for i, id := range req.ElementIDs {
		if id == "" {
			return nil, status.Errorf(codes.InvalidArgument, "element_ids[%d] is empty", i)
		}
	}

	mode, ok := render.ParseMode(req.Mode)
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "unknown mode %q", req.Mode)
	}

	ctx = logger.With(ctx, slog.String("viewer_id", req.ViewerID))
	logger.FromContext(ctx).Debug("evaluating elements",
		slog.Int("elements", len(req.ElementIDs)),
		slog.String("mode", mode.String()),
	)

	res := a.pipeline.Render(ctx, render.Request{
		ViewerID:   req.ViewerID,
		ElementIDs: req.ElementIDs,
		Mode:       mode,
	})

	return &EvaluateResponse{
		Elements:    res.Elements,
		Memberships: res.Memberships.IDs(),
	}, nil
}
