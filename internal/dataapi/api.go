// Package dataapi implements the gRPC Data Plane that answers render
// decisions for content elements. It is the high-throughput read path
// called by the host site while it renders a page.
package dataapi

import (
	"log/slog"

	"google.golang.org/grpc"

	"github.com/rafaeljc/plangate/internal/render"
)

// DefaultMaxElements bounds a single Evaluate batch when no limit is configured.
const DefaultMaxElements = 500

// API implements VisibilityServer.
type API struct {
	logger      *slog.Logger
	pipeline    *render.Pipeline
	maxElements int
}

// NewAPI creates a new Data Plane gRPC API instance.
func NewAPI(logger *slog.Logger, pipeline *render.Pipeline, maxElements int) *API {
	if pipeline == nil {
		panic("dataapi: render pipeline cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if maxElements <= 0 {
		maxElements = DefaultMaxElements
	}

	return &API{
		logger:      logger,
		pipeline:    pipeline,
		maxElements: maxElements,
	}
}

// Register connects this implementation to the grpc.Server engine.
func (a *API) Register(grpcServer *grpc.Server) {
	grpcServer.RegisterService(&ServiceDesc, a)
}
