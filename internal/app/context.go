package app

import (
	"context"
	"errors"
	"os"

	"taskbridge/internal/config"
	"taskbridge/internal/repo"
)

// ResolveConfig picks the active rules for a workspace. Precedence: rules
// stored in the DB for the instance, then taskbridge.yml on disk (imported
// into the DB as a side effect), then the seeded defaults.
func ResolveConfig(ctx context.Context, workspace, instance string, r repo.Repo) (*config.Config, error) {
	if instance == "" {
		instance = "default"
	}
	cfg, _, err := r.GetRulesConfig(ctx, instance)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if fileCfg != nil {
		raw := config.GenerateDefault(instance)
		if data, rerr := readRaw(workspace); rerr == nil {
			raw = data
		}
		if err := r.UpsertRulesConfig(ctx, instance, raw); err != nil {
			return nil, err
		}
		return fileCfg, nil
	}

	seed := config.GenerateDefault(instance)
	if err := r.UpsertRulesConfig(ctx, instance, seed); err != nil {
		return nil, err
	}
	return config.Default(instance), nil
}

func readRaw(workspace string) (string, error) {
	data, err := os.ReadFile(config.Path(workspace))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
