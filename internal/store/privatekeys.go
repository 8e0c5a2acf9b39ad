package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
)

// AgentKeys holds the secret material for one named agent.
type AgentKeys struct {
	IdentityKey string `json:"identity_key"`
	WalletKey   string `json:"wallet_key,omitempty"`
	LedgerKey   string `json:"ledger_key,omitempty"`
}

// PrivateKeys maps agent names to their key material in private_keys.json.
// The file is created with 0600 permissions and rewritten atomically.
type PrivateKeys struct {
	mu   sync.Mutex
	path string
	keys map[string]AgentKeys
}

// OpenPrivateKeys loads or creates the private keys file at path.
func OpenPrivateKeys(path string) (*PrivateKeys, error) {
	p := &PrivateKeys{path: path, keys: make(map[string]AgentKeys)}

	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read private keys: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p.keys); err != nil {
			return nil, fmt.Errorf("parse private keys %s: %w", path, err)
		}
	}
	return p, nil
}

// Get returns the keys for an agent name.
func (p *PrivateKeys) Get(name string) (AgentKeys, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k, ok := p.keys[name]
	return k, ok
}

// Set stores the keys for an agent name and persists the file.
func (p *PrivateKeys) Set(name string, keys AgentKeys) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys[name] = keys
	raw, err := json.Marshal(p.keys)
	if err != nil {
		return fmt.Errorf("encode private keys: %w", err)
	}
	return atomicWrite(p.path, raw, 0o600)
}
