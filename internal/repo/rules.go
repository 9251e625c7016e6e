package repo

import (
	"context"
	"database/sql"
	"time"

	"taskbridge/internal/config"
)

// UpsertRulesConfig stores the active rules YAML for an instance, mirroring
// how the file looks on disk so `tb config show` round-trips.
func (r Repo) UpsertRulesConfig(ctx context.Context, instance string, yamlText string) error {
	if _, err := config.FromYAML([]byte(yamlText)); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.DB.ExecContext(ctx, `INSERT INTO rules_configs(instance,config_yaml,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(instance) DO UPDATE SET config_yaml=excluded.config_yaml, updated_at=excluded.updated_at`,
		instance, yamlText, now, now)
	return err
}

// GetRulesConfig loads and validates the stored rules for an instance.
func (r Repo) GetRulesConfig(ctx context.Context, instance string) (*config.Config, string, error) {
	var yamlText string
	err := r.DB.QueryRowContext(ctx, `SELECT config_yaml FROM rules_configs WHERE instance=?`, instance).Scan(&yamlText)
	if err == sql.ErrNoRows {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.FromYAML([]byte(yamlText))
	if err != nil {
		return nil, "", err
	}
	return cfg, yamlText, nil
}
