package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Will-Luck/Agent-Courier/internal/config"
)

// AgentSpec declares one agent in a bureau manifest. Seeds are referenced
// through environment variables so the manifest can live in version control.
type AgentSpec struct {
	Name          string            `yaml:"name"`
	SeedEnv       string            `yaml:"seed_env"`
	SeedIndex     int               `yaml:"seed_index"`
	Endpoints     []config.Endpoint `yaml:"endpoints"`
	StrictReplies bool              `yaml:"strict_replies"`
}

// BureauManifest is the YAML description of a multi-agent bureau.
type BureauManifest struct {
	Agents []AgentSpec `yaml:"agents"`
}

// loadManifest reads and validates a bureau manifest.
func loadManifest(path string) (*BureauManifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m BureauManifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if len(m.Agents) == 0 {
		return nil, fmt.Errorf("manifest %s declares no agents", path)
	}
	seen := make(map[string]bool)
	for i, spec := range m.Agents {
		if spec.Name == "" {
			return nil, fmt.Errorf("manifest agent %d has no name", i)
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("manifest declares agent %q twice", spec.Name)
		}
		seen[spec.Name] = true
	}
	return &m, nil
}

// seed resolves the agent's seed phrase: the referenced env var, or empty
// for a persisted/ephemeral identity.
func (s AgentSpec) seed() string {
	if s.SeedEnv == "" {
		return ""
	}
	return os.Getenv(s.SeedEnv)
}
