package almanac

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Will-Luck/Agent-Courier/internal/clock"
)

// AgentversePolicy registers through the central Agentverse registry, which
// mirrors to the contract internally. The request proves key ownership with
// an EdDSA JWT signed by the agent identity.
type AgentversePolicy struct {
	baseURL string
	retries int
	clock   clock.Clock
	log     *slog.Logger

	mu         sync.Mutex
	registered map[string]bool
}

// NewAgentversePolicy creates a registry-based registration policy.
func NewAgentversePolicy(baseURL string, retries int, clk clock.Clock, log *slog.Logger) *AgentversePolicy {
	if retries < 1 {
		retries = 1
	}
	return &AgentversePolicy{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		retries:    retries,
		clock:      clk,
		log:        log,
		registered: make(map[string]bool),
	}
}

// Register posts the agent's record once; subsequent ticks are no-ops. The
// registry handles expiry renewal itself.
func (p *AgentversePolicy) Register(ctx context.Context, info AgentInfo) error {
	p.mu.Lock()
	done := p.registered[info.Address]
	p.mu.Unlock()
	if done {
		return nil
	}

	token, err := p.proofToken(info)
	if err != nil {
		return fmt.Errorf("build proof token: %w", err)
	}

	body, err := json.Marshal(map[string]any{
		"address":   info.Address,
		"endpoints": info.Endpoints,
		"protocols": info.Protocols,
		"metadata":  info.Metadata,
	})
	if err != nil {
		return fmt.Errorf("marshal registration: %w", err)
	}

	bo := newBackoff()
	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = p.post(ctx, token, body)
		if lastErr == nil {
			p.mu.Lock()
			p.registered[info.Address] = true
			p.mu.Unlock()
			p.log.Info("agentverse registration complete", "address", info.Address)
			return nil
		}
		if attempt >= p.retries {
			break
		}

		wait := bo.next()
		p.log.Warn("agentverse registration failed",
			"attempt", attempt,
			"backoff", wait,
			"error", lastErr,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clock.After(wait):
		}
	}
	return fmt.Errorf("%w: %v", ErrBroadcastTimeout, lastErr)
}

func (p *AgentversePolicy) post(ctx context.Context, token string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/agents", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("registry returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// proofToken issues a short-lived EdDSA JWT binding the request to the
// agent's identity key. Only ed25519 identities can register here.
func (p *AgentversePolicy) proofToken(info AgentInfo) (string, error) {
	key, ok := info.Identity.Ed25519Key()
	if !ok {
		return "", fmt.Errorf("agentverse registration requires an ed25519 identity")
	}
	now := p.clock.Now()
	claims := jwt.RegisteredClaims{
		Subject:   info.Address,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(key)
}
