package resolver

import (
	"context"
	"errors"

	"github.com/Will-Luck/Agent-Courier/internal/almanac"
	"github.com/Will-Luck/Agent-Courier/internal/identity"
)

// AlmanacContractResolver queries the contract directly. Slower than the
// REST index but authoritative.
type AlmanacContractResolver struct {
	contract     almanac.Contract
	maxEndpoints int
}

// NewAlmanacContractResolver creates a contract-backed resolver.
func NewAlmanacContractResolver(contract almanac.Contract, maxEndpoints int) *AlmanacContractResolver {
	if maxEndpoints <= 0 {
		maxEndpoints = DefaultMaxEndpoints
	}
	return &AlmanacContractResolver{contract: contract, maxEndpoints: maxEndpoints}
}

func (r *AlmanacContractResolver) Resolve(ctx context.Context, identifier string) (string, []string, error) {
	_, address := splitIdentifier(identifier)
	if address == "" || !identity.IsAddress(address) {
		recordLookup("contract", false)
		return "", nil, nil
	}

	rec, err := r.contract.QueryRecord(ctx, address)
	if err != nil {
		recordLookup("contract", false)
		if errors.Is(err, almanac.ErrNotFound) {
			return "", nil, nil
		}
		return "", nil, err
	}
	if rec.ExpirySeconds <= 0 || len(rec.Endpoints) == 0 {
		recordLookup("contract", false)
		return "", nil, nil
	}

	recordLookup("contract", true)
	return rec.Address, sampleRecord(rec, r.maxEndpoints), nil
}
