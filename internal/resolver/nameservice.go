package resolver

import (
	"context"
	"errors"

	"github.com/Will-Luck/Agent-Courier/internal/almanac"
	"github.com/Will-Luck/Agent-Courier/internal/identity"
)

// NameServiceResolver handles human-readable names: the name service maps
// the name to an address, then the wrapped resolver finds its endpoints.
// Identifiers that already carry an address skip the name lookup.
type NameServiceResolver struct {
	names almanac.NameService
	inner Resolver
}

// NewNameServiceResolver wraps an address resolver with name lookups.
func NewNameServiceResolver(names almanac.NameService, inner Resolver) *NameServiceResolver {
	return &NameServiceResolver{names: names, inner: inner}
}

func (r *NameServiceResolver) Resolve(ctx context.Context, identifier string) (string, []string, error) {
	name, address := splitIdentifier(identifier)
	if address != "" && identity.IsAddress(address) {
		return r.inner.Resolve(ctx, address)
	}
	if name == "" {
		return "", nil, nil
	}

	resolved, err := r.names.ResolveName(ctx, name)
	if err != nil {
		recordLookup("nameservice", false)
		if errors.Is(err, almanac.ErrNotFound) {
			return "", nil, nil
		}
		return "", nil, err
	}
	recordLookup("nameservice", true)
	return r.inner.Resolve(ctx, resolved)
}
