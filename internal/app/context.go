package app

import (
	"context"
	"errors"
	"fmt"

	"cardflow/internal/config"
	"cardflow/internal/engine"
	"cardflow/internal/repo"
)

// ResolveFlowAndConfig picks the active flow and makes sure it exists in the
// DB. It prefers the override, then a single-flow DB, then the flow declared
// in the workspace cardflow.yml. A missing flow is imported from the
// workspace config when it declares that flow, otherwise from the defaults.
func ResolveFlowAndConfig(ctx context.Context, workspace, flowOverride, actorID string, eng engine.Engine) (string, *config.Config, error) {
	local, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	flowID := flowOverride
	if flowID == "" {
		if f, err := eng.Repo.SingleFlow(ctx); err == nil {
			flowID = f.ID
		} else if local != nil {
			flowID = local.Flow.ID
		} else {
			return "", nil, fmt.Errorf("flow not specified; use --flow")
		}
	}

	if _, err := eng.Repo.GetFlow(ctx, flowID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		seed := config.Default(flowID)
		if local != nil && local.Flow.ID == flowID {
			seed = local
		}
		if _, err := eng.ImportFlow(ctx, seed, actorID); err != nil {
			return "", nil, fmt.Errorf("seed flow %s: %w", flowID, err)
		}
	}
	cfg, err := eng.Repo.GetFlowConfig(ctx, flowID)
	if err != nil {
		return "", nil, err
	}
	return flowID, cfg, nil
}
