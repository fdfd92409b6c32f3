package app

import (
	"context"
	"errors"
	"fmt"

	"solaros/internal/config"
	"solaros/internal/repo"
)

// ResolveConfig loads the pipeline config stored in the database, seeding it
// on first use. Seed order: solaros.yml in the workspace if present,
// otherwise built-in defaults. After seeding, the DB copy is authoritative;
// edit it with `sol config import`.
func ResolveConfig(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	cfg, err := r.GetConfig(ctx)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	seed, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if seed == nil {
		seed = config.Default()
	}
	if err := r.UpsertConfig(ctx, seed); err != nil {
		return nil, fmt.Errorf("seed config: %w", err)
	}
	return seed, nil
}
