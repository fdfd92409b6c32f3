package integrations_test

import (
	"context"
	"testing"

	"solaros/internal/config"
	"solaros/internal/db"
	"solaros/internal/integrations"
	"solaros/internal/migrate"
	"solaros/internal/repo"
)

func TestMask(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", ""},
		{"abc", "***"},
		{"abcd", "****"},
		{"sk_live_1234", "********1234"},
	}
	for _, c := range cases {
		if got := integrations.Mask(c.in); got != c.want {
			t.Errorf("Mask(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestSyncMasksSecretsAndTracksConnection(t *testing.T) {
	dir := t.TempDir()
	if _, err := db.EnsureWorkspace(dir); err != nil {
		t.Fatal(err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	r := repo.Repo{DB: conn}

	cfg := config.Default()
	cfg.Integrations.Catalog = map[string]config.Integration{
		"stripe":   {Required: []string{"STRIPE_SECRET_KEY"}, Secret: []string{"STRIPE_SECRET_KEY"}},
		"sendgrid": {Required: []string{"SENDGRID_API_KEY"}, Secret: []string{"SENDGRID_API_KEY"}},
	}
	t.Setenv("STRIPE_SECRET_KEY", "sk_live_4242424242")
	t.Setenv("SENDGRID_API_KEY", "")

	out, err := integrations.Sync(context.Background(), r, cfg, nil)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	byName := map[string]bool{}
	for _, s := range out {
		byName[s.Name] = s.Connected
		if s.Name == "stripe" {
			masked := s.MaskedKeys["STRIPE_SECRET_KEY"]
			if masked != "**************4242" {
				t.Fatalf("stripe key not masked: %q", masked)
			}
		}
	}
	if !byName["stripe"] || byName["sendgrid"] {
		t.Fatalf("connection flags wrong: %v", byName)
	}

	stored, err := r.ListIntegrationStatus(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected 2 stored rows, got %d", len(stored))
	}
}
