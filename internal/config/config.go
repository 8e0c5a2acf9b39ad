// Package config reads courier configuration from COURIER_* environment
// variables and normalizes endpoint declarations.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Network selects the address prefix and ledger defaults.
const (
	NetworkMainnet = "mainnet"
	NetworkTestnet = "testnet"
)

// Config holds all courier configuration from environment variables.
type Config struct {
	// Identity
	AgentName string
	Seed      string // agent seed phrase; required unless running ephemeral
	Network   string // "mainnet" or "testnet"

	// HTTP surface
	Port      int    // envelope server port
	Endpoints string // public submit URLs, comma separated, optional =weight

	// Bureau
	BureauManifest string // YAML manifest path; empty = single agent from env

	// Registration
	AlmanacAPIURL    string        // Almanac REST index base URL
	ContractURL      string        // ledger REST gateway for the almanac contract
	ContractAddress  string        // almanac contract address on the ledger
	NameServiceURL   string        // name service contract gateway
	AgentverseURL    string        // central registry base URL (empty = ledger policy)
	FaucetURL        string        // testnet faucet (empty = no top-up)
	RegistrationTick time.Duration // how often the registration policy runs
	BroadcastRetries int           // ledger broadcast retry budget

	// Storage
	StorageDir     string
	StorageBackend string // "json" or "bolt"
	HistoryEnabled bool

	// Wallet messaging
	WalletGatewayURL string
	MQTTBroker       string

	// Metrics
	MetricsTextfile string // path for textfile export; empty disables

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		AgentName:        envStr("COURIER_AGENT_NAME", "agent"),
		Seed:             envStr("COURIER_SEED", ""),
		Network:          envStr("COURIER_NETWORK", NetworkTestnet),
		Port:             envInt("COURIER_PORT", 8000),
		Endpoints:        envStr("COURIER_ENDPOINTS", ""),
		BureauManifest:   envStr("COURIER_BUREAU_MANIFEST", ""),
		AlmanacAPIURL:    envStr("COURIER_ALMANAC_API_URL", "https://agentverse.ai/v1/almanac"),
		ContractURL:      envStr("COURIER_CONTRACT_URL", ""),
		ContractAddress:  envStr("COURIER_CONTRACT_ADDRESS", ""),
		NameServiceURL:   envStr("COURIER_NAME_SERVICE_URL", ""),
		AgentverseURL:    envStr("COURIER_AGENTVERSE_URL", ""),
		FaucetURL:        envStr("COURIER_FAUCET_URL", ""),
		RegistrationTick: envDuration("COURIER_REGISTRATION_INTERVAL", time.Minute),
		BroadcastRetries: envInt("COURIER_BROADCAST_RETRIES", 5),
		StorageDir:       envStr("COURIER_STORAGE_DIR", "./data"),
		StorageBackend:   envStr("COURIER_STORAGE_BACKEND", "json"),
		HistoryEnabled:   envBool("COURIER_HISTORY_ENABLED", false),
		WalletGatewayURL: envStr("COURIER_WALLET_GATEWAY_URL", ""),
		MQTTBroker:       envStr("COURIER_MQTT_BROKER", ""),
		MetricsTextfile:  envStr("COURIER_METRICS_TEXTFILE", ""),
		LogLevel:         envStr("COURIER_LOG_LEVEL", "info"),
		LogFormat:        envStr("COURIER_LOG_FORMAT", "text"),
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.Network != NetworkMainnet && c.Network != NetworkTestnet {
		errs = append(errs, fmt.Errorf("COURIER_NETWORK must be mainnet or testnet, got %q", c.Network))
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("COURIER_PORT must be 1-65535, got %d", c.Port))
	}
	if _, err := ParseEndpoints(c.Endpoints); err != nil {
		errs = append(errs, fmt.Errorf("COURIER_ENDPOINTS: %w", err))
	}
	if c.RegistrationTick <= 0 {
		errs = append(errs, fmt.Errorf("COURIER_REGISTRATION_INTERVAL must be > 0, got %s", c.RegistrationTick))
	}
	if c.BroadcastRetries < 1 {
		errs = append(errs, fmt.Errorf("COURIER_BROADCAST_RETRIES must be >= 1, got %d", c.BroadcastRetries))
	}
	switch c.StorageBackend {
	case "json", "bolt":
		// valid
	default:
		errs = append(errs, fmt.Errorf("COURIER_STORAGE_BACKEND must be json or bolt, got %q", c.StorageBackend))
	}
	return errors.Join(errs...)
}

// Endpoint is one public submit URL with a selection weight.
type Endpoint struct {
	URL    string `json:"url" yaml:"url"`
	Weight int    `json:"weight" yaml:"weight"`
}

// ParseEndpoints normalizes endpoint declarations. A declaration is a
// comma-separated list of either bare URLs (weight 1) or "url=weight" pairs.
func ParseEndpoints(s string) ([]Endpoint, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []Endpoint
	var errs []error
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		ep := Endpoint{URL: part, Weight: 1}
		if i := strings.LastIndex(part, "="); i >= 0 {
			w, err := strconv.Atoi(part[i+1:])
			if err != nil || w < 1 {
				errs = append(errs, fmt.Errorf("endpoint %q: bad weight", part))
				continue
			}
			ep.URL, ep.Weight = part[:i], w
		}
		u, err := url.Parse(ep.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("endpoint %q: not an http(s) URL", ep.URL))
			continue
		}
		out = append(out, ep)
	}
	return out, errors.Join(errs...)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
