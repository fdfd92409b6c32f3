package ahj_test

import (
	"context"
	"testing"

	"solaros/internal/ahj"
	"solaros/internal/db"
	"solaros/internal/domain"
	"solaros/internal/migrate"
	"solaros/internal/repo"
)

func newRegistry(t *testing.T) (*ahj.Registry, repo.Repo) {
	t.Helper()
	dir := t.TempDir()
	if _, err := db.EnsureWorkspace(dir); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	registry, err := ahj.NewRegistry(r)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return registry, r
}

func TestExtractZip(t *testing.T) {
	cases := []struct {
		address string
		want    string
	}{
		{"500 Congress Ave, Austin, TX 78701", "78701"},
		{"500 Congress Ave, Austin, TX 78701-4020", "78701"},
		{"12 Main St", ""},
		{"PO Box 123456789", ""},
		{"90210 Wilshire Blvd", "90210"},
	}
	for _, c := range cases {
		if got := ahj.ExtractZip(c.address); got != c.want {
			t.Errorf("ExtractZip(%q) = %q, want %q", c.address, got, c.want)
		}
	}
}

func TestResolveKnownZip(t *testing.T) {
	registry, r := newRegistry(t)
	ctx := context.Background()
	if err := r.UpsertAuthority(ctx, domain.Authority{
		ID: "tx-austin", Name: "City of Austin", State: "TX", ZipCodes: []string{"78701"},
	}); err != nil {
		t.Fatal(err)
	}
	got, err := registry.Resolve(ctx, "500 Congress Ave, Austin, TX 78701")
	if err != nil || got != "tx-austin" {
		t.Fatalf("resolve: got %q, %v", got, err)
	}
}

func TestResolveFallsBackToUnknown(t *testing.T) {
	registry, _ := newRegistry(t)
	ctx := context.Background()

	got, err := registry.Resolve(ctx, "99 Nowhere Rd, Elsewhere, MT 59999")
	if err != nil || got != ahj.UnknownID {
		t.Fatalf("uncovered zip: got %q, %v", got, err)
	}
	got, err = registry.Resolve(ctx, "no zip here")
	if err != nil || got != ahj.UnknownID {
		t.Fatalf("missing zip: got %q, %v", got, err)
	}
}

func TestResolveCachesUntilInvalidated(t *testing.T) {
	registry, r := newRegistry(t)
	ctx := context.Background()
	if err := r.UpsertAuthority(ctx, domain.Authority{
		ID: "tx-austin", Name: "City of Austin", ZipCodes: []string{"78701"},
	}); err != nil {
		t.Fatal(err)
	}
	if got, _ := registry.Resolve(ctx, "78701"); got != "tx-austin" {
		t.Fatalf("first resolve: %q", got)
	}

	// reassign the zip; the stale cache entry survives until invalidation
	if err := r.UpsertAuthority(ctx, domain.Authority{
		ID: "tx-austin", Name: "City of Austin", ZipCodes: nil,
	}); err != nil {
		t.Fatal(err)
	}
	if err := r.UpsertAuthority(ctx, domain.Authority{
		ID: "tx-travis", Name: "Travis County", ZipCodes: []string{"78701"},
	}); err != nil {
		t.Fatal(err)
	}
	if got, _ := registry.Resolve(ctx, "78701"); got != "tx-austin" {
		t.Fatalf("expected cached answer, got %q", got)
	}
	registry.Invalidate()
	if got, _ := registry.Resolve(ctx, "78701"); got != "tx-travis" {
		t.Fatalf("expected fresh answer after invalidate, got %q", got)
	}
}

func TestUpsertDropsStaleResolution(t *testing.T) {
	registry, _ := newRegistry(t)
	ctx := context.Background()
	if err := registry.Upsert(ctx, domain.Authority{
		ID: "tx-austin", Name: "City of Austin", ZipCodes: []string{"78701"},
	}); err != nil {
		t.Fatal(err)
	}
	if got, _ := registry.Resolve(ctx, "78701"); got != "tx-austin" {
		t.Fatalf("first resolve: %q", got)
	}

	// remap the zip through the registry; the next lookup must see it
	if err := registry.Upsert(ctx, domain.Authority{
		ID: "tx-austin", Name: "City of Austin", ZipCodes: nil,
	}); err != nil {
		t.Fatal(err)
	}
	if err := registry.Upsert(ctx, domain.Authority{
		ID: "tx-travis", Name: "Travis County", ZipCodes: []string{"78701"},
	}); err != nil {
		t.Fatal(err)
	}
	if got, _ := registry.Resolve(ctx, "78701"); got != "tx-travis" {
		t.Fatalf("resolve after remap: got %q, want tx-travis", got)
	}
}
