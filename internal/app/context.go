package app

import (
	"context"
	"errors"
	"fmt"

	"stagegate/internal/config"
	"stagegate/internal/repo"
)

// DefaultProject is used when neither the database nor a config file names one.
const DefaultProject = "default"

// ResolveConfig picks the active configuration. A config stored in the
// database wins; otherwise stagegate.yml in the workspace, otherwise the
// built-in default. Whatever is picked from outside the database is seeded
// into it so later runs read the same config.
func ResolveConfig(ctx context.Context, workspace, projectOverride string, r repo.Repo) (*config.Config, error) {
	projectID := projectOverride
	if projectID == "" {
		id, err := r.SingleProject(ctx)
		switch {
		case err == nil:
			projectID = id
		case !errors.Is(err, repo.ErrNotFound):
			return nil, err
		}
	}
	if projectID != "" {
		cfg, err := r.GetProjectConfig(ctx, projectID)
		if err == nil {
			cfg.Project.ID = projectID
			return cfg, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
	}

	seed, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if seed == nil {
		if projectID == "" {
			projectID = DefaultProject
		}
		seed = config.Default(projectID)
	}
	if projectID == "" {
		projectID = seed.Project.ID
	}
	if err := r.UpsertProjectConfig(ctx, projectID, seed); err != nil {
		return nil, fmt.Errorf("seed config: %w", err)
	}
	return seed, nil
}
