package resolver

import (
	"math"
	"math/rand/v2"
	"sort"
)

// WeightedEndpoint pairs a delivery URL with its relative selection weight.
type WeightedEndpoint struct {
	URL    string
	Weight float64
}

// weightedSample draws up to k endpoints without replacement, with selection
// probability proportional to weight (Efraimidis-Spirakis: order by
// u^(1/w) for u uniform in (0,1)). Zero and negative weights never win
// against a positive weight.
func weightedSample(endpoints []WeightedEndpoint, k int) []string {
	if k <= 0 || len(endpoints) == 0 {
		return nil
	}

	type keyed struct {
		url string
		key float64
	}
	keys := make([]keyed, 0, len(endpoints))
	for _, ep := range endpoints {
		if ep.Weight <= 0 {
			keys = append(keys, keyed{url: ep.URL, key: -1})
			continue
		}
		u := rand.Float64()
		for u == 0 {
			u = rand.Float64()
		}
		keys = append(keys, keyed{url: ep.URL, key: math.Pow(u, 1/ep.Weight)})
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i].key > keys[j].key })

	if k > len(keys) {
		k = len(keys)
	}
	out := make([]string, 0, k)
	for _, kd := range keys[:k] {
		out = append(out, kd.url)
	}
	return out
}
