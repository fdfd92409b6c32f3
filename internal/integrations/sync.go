// Package integrations checks which third-party vendors are configured and
// records a masked snapshot of their keys for the admin dashboard.
package integrations

import (
	"context"
	"os"
	"strings"
	"time"

	"solaros/internal/config"
	"solaros/internal/domain"
	"solaros/internal/repo"
)

// Mask hides a secret, keeping only the last four characters.
func Mask(v string) string {
	if len(v) <= 4 {
		return strings.Repeat("*", len(v))
	}
	return strings.Repeat("*", len(v)-4) + v[len(v)-4:]
}

// Sync evaluates every catalog integration against the environment and
// upserts its connection status. An integration is connected when all of its
// required keys are set. Secret values are masked before storage; other
// values are stored as-is.
func Sync(ctx context.Context, r repo.Repo, cfg *config.Config, now func() time.Time) ([]domain.IntegrationStatus, error) {
	if now == nil {
		now = time.Now
	}
	var out []domain.IntegrationStatus
	for name, integ := range cfg.Integrations.Catalog {
		secret := make(map[string]bool, len(integ.Secret))
		for _, key := range integ.Secret {
			secret[key] = true
		}
		status := domain.IntegrationStatus{
			Name:       name,
			Connected:  true,
			MaskedKeys: make(map[string]string, len(integ.Required)),
			CheckedAt:  now().UTC().Format(time.RFC3339),
		}
		for _, key := range integ.Required {
			val := os.Getenv(key)
			if val == "" {
				status.Connected = false
				status.MaskedKeys[key] = ""
				continue
			}
			if secret[key] {
				status.MaskedKeys[key] = Mask(val)
			} else {
				status.MaskedKeys[key] = val
			}
		}
		if err := r.UpsertIntegrationStatus(ctx, status); err != nil {
			return nil, err
		}
		out = append(out, status)
	}
	return out, nil
}
