package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Will-Luck/Agent-Courier/internal/almanac"
	"github.com/Will-Luck/Agent-Courier/internal/identity"
)

// AlmanacAPIResolver resolves through the hosted Almanac REST index. It is
// the fast path; any failure is reported as a miss so the chain can fall
// back to the contract.
type AlmanacAPIResolver struct {
	baseURL      string
	maxEndpoints int
	client       *http.Client

	// Concurrent lookups for the same address collapse into one request.
	group singleflight.Group
}

// NewAlmanacAPIResolver creates a REST resolver against the given base URL.
func NewAlmanacAPIResolver(baseURL string, maxEndpoints int) *AlmanacAPIResolver {
	if maxEndpoints <= 0 {
		maxEndpoints = DefaultMaxEndpoints
	}
	return &AlmanacAPIResolver{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		maxEndpoints: maxEndpoints,
		client:       &http.Client{Timeout: 10 * time.Second},
	}
}

type apiResult struct {
	address   string
	endpoints []string
}

func (r *AlmanacAPIResolver) Resolve(ctx context.Context, identifier string) (string, []string, error) {
	_, address := splitIdentifier(identifier)
	if address == "" || !identity.IsAddress(address) {
		recordLookup("api", false)
		return "", nil, nil
	}

	v, err, _ := r.group.Do(address, func() (any, error) {
		return r.fetch(ctx, address)
	})
	if err != nil || v == nil {
		recordLookup("api", false)
		return "", nil, nil
	}
	res := v.(*apiResult)
	recordLookup("api", true)
	return res.address, res.endpoints, nil
}

// fetch retrieves the record and samples its endpoints. A nil result with
// nil error is a clean miss.
func (r *AlmanacAPIResolver) fetch(ctx context.Context, address string) (*apiResult, error) {
	url := r.baseURL + "/v1/almanac/agents/" + address
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create lookup request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil
	}

	var rec almanac.Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, err
	}
	if rec.ExpirySeconds <= 0 || len(rec.Endpoints) == 0 {
		return nil, nil
	}

	endpoints := sampleRecord(&rec, r.maxEndpoints)
	if len(endpoints) == 0 {
		return nil, nil
	}
	return &apiResult{address: rec.Address, endpoints: endpoints}, nil
}

// sampleRecord draws up to max endpoints from a record, weighted.
func sampleRecord(rec *almanac.Record, max int) []string {
	weighted := make([]WeightedEndpoint, 0, len(rec.Endpoints))
	for _, ep := range rec.Endpoints {
		weighted = append(weighted, WeightedEndpoint{URL: ep.URL, Weight: float64(ep.Weight)})
	}
	return weightedSample(weighted, max)
}
