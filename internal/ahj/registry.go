// Package ahj resolves which authority having jurisdiction reviews a
// project's permit, keyed by the ZIP code in the project address.
package ahj

import (
	"context"
	"errors"
	"regexp"

	lru "github.com/hashicorp/golang-lru/v2"

	"solaros/internal/domain"
	"solaros/internal/repo"
)

// UnknownID is stored on permits whose address yields no ZIP or whose ZIP is
// not covered by any registered authority.
const UnknownID = "unknown"

var zipPattern = regexp.MustCompile(`\b\d{5}\b`)

// ExtractZip returns the first 5-digit ZIP in an address, or "".
func ExtractZip(address string) string {
	return zipPattern.FindString(address)
}

// Registry answers ZIP-to-authority lookups. Coverage rows change rarely, so
// resolved ZIPs are cached; Invalidate drops the cache after registry edits.
type Registry struct {
	Repo  repo.Repo
	cache *lru.Cache[string, string]
}

func NewRegistry(r repo.Repo) (*Registry, error) {
	cache, err := lru.New[string, string](4096)
	if err != nil {
		return nil, err
	}
	return &Registry{Repo: r, cache: cache}, nil
}

// Resolve maps a free-form address to an authority ID. Missing ZIP and
// uncovered ZIP both resolve to UnknownID rather than an error; the permit
// still gets created and an operator assigns the authority later.
func (g *Registry) Resolve(ctx context.Context, address string) (string, error) {
	zip := ExtractZip(address)
	if zip == "" {
		return UnknownID, nil
	}
	if id, ok := g.cache.Get(zip); ok {
		return id, nil
	}
	id, err := g.Repo.AuthorityIDByZip(ctx, zip)
	if errors.Is(err, repo.ErrNotFound) {
		return UnknownID, nil
	}
	if err != nil {
		return "", err
	}
	g.cache.Add(zip, id)
	return id, nil
}

// Upsert writes an authority and its ZIP coverage, then drops the cache so
// remapped ZIPs resolve to the new authority on the next lookup. Coverage
// writes must go through here when a long-lived Registry is serving lookups.
func (g *Registry) Upsert(ctx context.Context, a domain.Authority) error {
	if err := g.Repo.UpsertAuthority(ctx, a); err != nil {
		return err
	}
	g.Invalidate()
	return nil
}

// Invalidate clears cached ZIP resolutions.
func (g *Registry) Invalidate() {
	g.cache.Purge()
}
