package resolver

import (
	"math"
	"testing"
)

func TestWeightedSampleBounds(t *testing.T) {
	eps := []WeightedEndpoint{
		{URL: "a", Weight: 1},
		{URL: "b", Weight: 1},
		{URL: "c", Weight: 1},
	}

	if got := weightedSample(eps, 0); got != nil {
		t.Errorf("k=0: got %v, want nil", got)
	}
	if got := weightedSample(nil, 3); got != nil {
		t.Errorf("empty input: got %v, want nil", got)
	}
	if got := weightedSample(eps, 10); len(got) != 3 {
		t.Errorf("k>n: got %d endpoints, want 3", len(got))
	}

	// Sampling without replacement: no duplicates.
	got := weightedSample(eps, 3)
	seen := map[string]bool{}
	for _, u := range got {
		if seen[u] {
			t.Fatalf("duplicate endpoint %q in %v", u, got)
		}
		seen[u] = true
	}
}

func TestWeightedSampleZeroWeightLoses(t *testing.T) {
	eps := []WeightedEndpoint{
		{URL: "dead", Weight: 0},
		{URL: "live", Weight: 1},
	}
	for i := 0; i < 100; i++ {
		got := weightedSample(eps, 1)
		if len(got) != 1 || got[0] != "live" {
			t.Fatalf("sample = %v, want [live]", got)
		}
	}
}

func TestWeightedSampleFrequency(t *testing.T) {
	// With weights 1 and 3, the heavier endpoint should win three times
	// out of four.
	eps := []WeightedEndpoint{
		{URL: "http://h1/submit", Weight: 1},
		{URL: "http://h2/submit", Weight: 3},
	}

	const trials = 10000
	var h2 int
	for i := 0; i < trials; i++ {
		got := weightedSample(eps, 1)
		if len(got) != 1 {
			t.Fatalf("sample size = %d, want 1", len(got))
		}
		if got[0] == "http://h2/submit" {
			h2++
		}
	}

	freq := float64(h2) / trials
	if math.Abs(freq-0.75) > 0.02 {
		t.Errorf("h2 frequency = %.4f, want 0.75 +/- 0.02", freq)
	}
}
