package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTP posts wallet messages to a gateway endpoint as JSON.
type HTTP struct {
	url    string
	token  string
	client *http.Client
}

// NewHTTP creates an HTTP messenger for the given gateway URL. The token,
// when set, is sent as a bearer credential.
func NewHTTP(url, token string) *HTTP {
	return &HTTP{
		url:    strings.TrimRight(url, "/"),
		token:  token,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Name returns the channel name for logging.
func (h *HTTP) Name() string { return "http" }

// Send posts the message to the gateway.
func (h *HTTP) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal wallet message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create wallet request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("send wallet request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("wallet gateway returned %s", resp.Status)
	}
	return nil
}
