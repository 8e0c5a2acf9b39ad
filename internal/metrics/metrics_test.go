package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetricsRegistered(t *testing.T) {
	// Initialise CounterVec label combinations so they appear in Gather output.
	// CounterVec metrics are not gathered until at least one label set is created.
	EnvelopesReceived.WithLabelValues("handled")
	EnvelopesFailed.WithLabelValues("timeout")
	RegistrationAttempts.WithLabelValues("success")
	ResolverLookups.WithLabelValues("almanac_api", "hit")

	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	expected := map[string]bool{
		"courier_envelopes_received_total":    false,
		"courier_envelopes_delivered_total":   false,
		"courier_envelopes_failed_total":      false,
		"courier_handler_duration_seconds":    false,
		"courier_handler_errors_total":        false,
		"courier_registration_attempts_total": false,
		"courier_resolver_lookups_total":      false,
		"courier_dispenser_queue_depth":       false,
		"courier_dialogue_sessions_active":    false,
	}

	for _, mf := range mfs {
		if _, ok := expected[mf.GetName()]; ok {
			expected[mf.GetName()] = true
		}
	}

	for name, found := range expected {
		if !found {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestWriteTextfile(t *testing.T) {
	EnvelopesDelivered.Add(1)

	path := filepath.Join(t.TempDir(), "courier.prom")
	if err := WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read textfile: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "courier_envelopes_delivered_total") {
		t.Error("textfile missing courier_envelopes_delivered_total")
	}
	if strings.Contains(out, "go_goroutines") {
		t.Error("textfile contains non-courier metrics")
	}

	// No temp file left behind.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file not cleaned up")
	}
}
