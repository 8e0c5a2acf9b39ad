// Package resolver maps agent identifiers to delivery endpoints. A chain of
// resolvers is consulted in order: the Almanac REST index, the on-chain
// contract, and (for human names) the name service.
package resolver

import (
	"context"
	"log/slog"

	"github.com/Will-Luck/Agent-Courier/internal/identity"
	"github.com/Will-Luck/Agent-Courier/internal/metrics"
)

// DefaultMaxEndpoints bounds how many endpoints a resolution returns.
const DefaultMaxEndpoints = 10

// Resolver translates an identifier (address or name) into a canonical
// address and a weighted-sampled endpoint list. A clean miss returns
// ("", nil, nil); err is reserved for infrastructure failures the caller
// may want to log.
type Resolver interface {
	Resolve(ctx context.Context, identifier string) (address string, endpoints []string, err error)
}

// Chain tries each resolver in order and returns the first hit. Misses and
// errors both fall through to the next resolver.
type Chain struct {
	resolvers []Resolver
	log       *slog.Logger
}

// NewChain builds a resolver chain.
func NewChain(log *slog.Logger, resolvers ...Resolver) *Chain {
	return &Chain{resolvers: resolvers, log: log}
}

func (c *Chain) Resolve(ctx context.Context, identifier string) (string, []string, error) {
	for _, r := range c.resolvers {
		address, endpoints, err := r.Resolve(ctx, identifier)
		if err != nil {
			c.log.Debug("resolver failed, falling back", "identifier", identifier, "error", err)
			continue
		}
		if address != "" && len(endpoints) > 0 {
			return address, endpoints, nil
		}
	}
	return "", nil, nil
}

// splitIdentifier separates a "name/address" identifier. Bare addresses
// resolve directly; bare names go through the name service.
func splitIdentifier(identifier string) (name, address string) {
	return identity.Parse(identifier)
}

func recordLookup(source string, hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	metrics.ResolverLookups.WithLabelValues(source, outcome).Inc()
}
