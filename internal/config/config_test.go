package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	// Unset all courier env vars to get defaults.
	for _, k := range []string{
		"COURIER_SEED", "COURIER_NETWORK", "COURIER_PORT",
		"COURIER_ALMANAC_API_URL", "COURIER_REGISTRATION_INTERVAL",
		"COURIER_BROADCAST_RETRIES", "COURIER_STORAGE_DIR",
		"COURIER_STORAGE_BACKEND", "COURIER_LOG_LEVEL", "COURIER_LOG_FORMAT",
	} {
		os.Unsetenv(k)
	}

	cfg := Load()
	if cfg.Network != NetworkTestnet {
		t.Errorf("Network = %q, want testnet", cfg.Network)
	}
	if cfg.Port != 8000 {
		t.Errorf("Port = %d, want 8000", cfg.Port)
	}
	if cfg.RegistrationTick != time.Minute {
		t.Errorf("RegistrationTick = %s, want 1m", cfg.RegistrationTick)
	}
	if cfg.BroadcastRetries != 5 {
		t.Errorf("BroadcastRetries = %d, want 5", cfg.BroadcastRetries)
	}
	if cfg.StorageBackend != "json" {
		t.Errorf("StorageBackend = %q, want json", cfg.StorageBackend)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("COURIER_NETWORK", "mainnet")
	t.Setenv("COURIER_PORT", "9100")
	t.Setenv("COURIER_REGISTRATION_INTERVAL", "5m")
	t.Setenv("COURIER_STORAGE_BACKEND", "bolt")

	cfg := Load()
	if cfg.Network != NetworkMainnet {
		t.Errorf("Network = %q, want mainnet", cfg.Network)
	}
	if cfg.Port != 9100 {
		t.Errorf("Port = %d, want 9100", cfg.Port)
	}
	if cfg.RegistrationTick != 5*time.Minute {
		t.Errorf("RegistrationTick = %s, want 5m", cfg.RegistrationTick)
	}
	if cfg.StorageBackend != "bolt" {
		t.Errorf("StorageBackend = %q, want bolt", cfg.StorageBackend)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(_ *Config) {}, false},
		{"bad network", func(c *Config) { c.Network = "devnet" }, true},
		{"port zero", func(c *Config) { c.Port = 0 }, true},
		{"port too large", func(c *Config) { c.Port = 70000 }, true},
		{"zero registration tick", func(c *Config) { c.RegistrationTick = 0 }, true},
		{"zero retries", func(c *Config) { c.BroadcastRetries = 0 }, true},
		{"bad backend", func(c *Config) { c.StorageBackend = "sqlite" }, true},
		{"bolt backend valid", func(c *Config) { c.StorageBackend = "bolt" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Network:          NetworkTestnet,
				Port:             8000,
				RegistrationTick: time.Minute,
				BroadcastRetries: 5,
				StorageBackend:   "json",
			}
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("Validate() = nil, want error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestParseEndpoints(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    []Endpoint
		wantErr bool
	}{
		{"empty", "", nil, false},
		{
			"single url upgrades to weight 1",
			"http://localhost:8000/submit",
			[]Endpoint{{URL: "http://localhost:8000/submit", Weight: 1}},
			false,
		},
		{
			"weighted pair",
			"https://h1/submit=1,https://h2/submit=3",
			[]Endpoint{{URL: "https://h1/submit", Weight: 1}, {URL: "https://h2/submit", Weight: 3}},
			false,
		},
		{"bad weight", "http://h1/submit=zero", nil, true},
		{"bad scheme", "ftp://h1/submit", nil, true},
		{"not a url", "just-text", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEndpoints(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatal("ParseEndpoints() = nil error, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseEndpoints: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d endpoints, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("endpoint %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}
