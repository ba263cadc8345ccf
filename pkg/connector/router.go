// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/aiku/threematrix/pkg/retry"
	"github.com/aiku/threematrix/pkg/threema"
)

// ThreemaAPI is the part of *threema.Client used by the router.
type ThreemaAPI interface {
	OwnID() string
	Directory() *threema.Directory
	SendGroupText(ctx context.Context, gid threema.GroupID, text string) error
	SendGroupFile(ctx context.Context, gid threema.GroupID, file threema.FileMessage) error
	RequestGroupSync(ctx context.Context, creator string, gid threema.GroupID) error
	UploadFile(ctx context.Context, data, thumbnail []byte, meta threema.FileMessage) (threema.FileMessage, error)
	DownloadFile(ctx context.Context, file threema.FileMessage) ([]byte, error)
}

var _ ThreemaAPI = (*threema.Client)(nil)

// Router translates events between Threema groups and Matrix rooms. It has
// no state of its own; group membership lives in the Threema directory and
// bindings in room state. Failures only ever affect the message at hand.
type Router struct {
	threema  ThreemaAPI
	matrix   MatrixAPI
	bindings *BindingStore

	commandPrefix string
	retry         retry.Policy
	log           zerolog.Logger
}

// NewRouter creates a router.
func NewRouter(tc ThreemaAPI, mc MatrixAPI, bindings *BindingStore, cfg BridgeConfig, policy retry.Policy, log zerolog.Logger) *Router {
	prefix := cfg.CommandPrefix
	if prefix == "" {
		prefix = DefaultCommandPrefix
	}
	return &Router{
		threema:       tc,
		matrix:        mc,
		bindings:      bindings,
		commandPrefix: prefix,
		retry:         policy,
		log:           log.With().Str("component", "router").Logger(),
	}
}

// logContext extends the logger of ctx, or the router's logger if ctx has none.
func (r *Router) logContext(ctx context.Context) zerolog.Context {
	if log := zerolog.Ctx(ctx); log.GetLevel() != zerolog.Disabled {
		return log.With()
	}
	return r.log.With()
}
