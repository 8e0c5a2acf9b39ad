package almanac

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// httpClient is shared by all gateway clients. Registration traffic is low
// volume; one pooled client is enough.
var httpClient = &http.Client{Timeout: 15 * time.Second}

// HTTPContract talks to the almanac contract through a ledger REST gateway.
// Query methods map to smart-query endpoints; Register maps to an execute
// broadcast the gateway signs into a transaction.
type HTTPContract struct {
	baseURL         string
	contractAddress string
}

// NewHTTPContract creates a contract client for the given gateway base URL
// and contract address.
func NewHTTPContract(baseURL, contractAddress string) *HTTPContract {
	return &HTTPContract{
		baseURL:         strings.TrimSuffix(baseURL, "/"),
		contractAddress: contractAddress,
	}
}

// ContractAddress returns the address of the deployed contract.
func (c *HTTPContract) ContractAddress() string {
	return c.contractAddress
}

func (c *HTTPContract) QueryRecord(ctx context.Context, address string) (*Record, error) {
	var rec Record
	err := c.query(ctx, "record/"+address, &rec)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *HTTPContract) GetSequence(ctx context.Context, address string) (uint64, error) {
	var out struct {
		Sequence uint64 `json:"sequence"`
	}
	if err := c.query(ctx, "sequence/"+address, &out); err != nil {
		return 0, err
	}
	return out.Sequence, nil
}

func (c *HTTPContract) GetRegistrationFee(ctx context.Context) (uint64, error) {
	var out struct {
		Fee uint64 `json:"fee"`
	}
	if err := c.query(ctx, "registration_fee", &out); err != nil {
		return 0, err
	}
	return out.Fee, nil
}

func (c *HTTPContract) GetContractVersion(ctx context.Context) (string, error) {
	var out struct {
		Version string `json:"version"`
	}
	if err := c.query(ctx, "contract_version", &out); err != nil {
		return "", err
	}
	return out.Version, nil
}

func (c *HTTPContract) Register(ctx context.Context, reg Registration) error {
	body, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("marshal registration: %w", err)
	}

	url := c.baseURL + "/contracts/" + c.contractAddress + "/execute/register"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create register request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("broadcast register: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("register returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// query performs a smart query against the contract and decodes the result.
func (c *HTTPContract) query(ctx context.Context, path string, out any) error {
	url := c.baseURL + "/contracts/" + c.contractAddress + "/query/" + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create query request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("contract query %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("contract query %s returned %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode query %s response: %w", path, err)
	}
	return nil
}

// HTTPNameService resolves names through the name service contract gateway.
type HTTPNameService struct {
	baseURL string
}

// NewHTTPNameService creates a name service client.
func NewHTTPNameService(baseURL string) *HTTPNameService {
	return &HTTPNameService{baseURL: strings.TrimSuffix(baseURL, "/")}
}

func (n *HTTPNameService) ResolveName(ctx context.Context, name string) (string, error) {
	url := n.baseURL + "/resolve/" + name
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create resolve request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("resolve name %q: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("resolve name %q returned %d", name, resp.StatusCode)
	}

	var out struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode resolve response: %w", err)
	}
	if out.Address == "" {
		return "", ErrNotFound
	}
	return out.Address, nil
}

// HTTPFaucet claims testnet funds for a wallet address.
type HTTPFaucet struct {
	baseURL string
}

// NewHTTPFaucet creates a faucet client.
func NewHTTPFaucet(baseURL string) *HTTPFaucet {
	return &HTTPFaucet{baseURL: strings.TrimSuffix(baseURL, "/")}
}

func (f *HTTPFaucet) Fund(ctx context.Context, address string) error {
	body, _ := json.Marshal(map[string]string{"address": address})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/claim", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create faucet request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("faucet claim: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("faucet claim returned %d", resp.StatusCode)
	}
	return nil
}

// HTTPWallet reads an account balance through the ledger REST gateway. The
// gateway signs and broadcasts transactions on the agent's behalf, so only
// balance queries happen locally.
type HTTPWallet struct {
	baseURL string
	address string
}

// NewHTTPWallet creates a wallet view over the gateway for one account.
func NewHTTPWallet(baseURL, address string) *HTTPWallet {
	return &HTTPWallet{baseURL: strings.TrimSuffix(baseURL, "/"), address: address}
}

func (w *HTTPWallet) Address() string { return w.address }

func (w *HTTPWallet) Balance(ctx context.Context) (uint64, error) {
	url := w.baseURL + "/bank/balances/" + w.address
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("create balance request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("balance query returned %d", resp.StatusCode)
	}
	var out struct {
		Balance uint64 `json:"balance"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode balance response: %w", err)
	}
	return out.Balance, nil
}

// FundIfLow tops up a testnet wallet from the faucet when its balance is
// below the registration fee. A nil faucet is a no-op.
func FundIfLow(ctx context.Context, contract Contract, faucet Faucet, wallet Wallet) error {
	if faucet == nil {
		return nil
	}
	fee, err := contract.GetRegistrationFee(ctx)
	if err != nil {
		return fmt.Errorf("query registration fee: %w", err)
	}
	balance, err := wallet.Balance(ctx)
	if err != nil {
		return fmt.Errorf("query wallet balance: %w", err)
	}
	if balance >= fee {
		return nil
	}
	return faucet.Fund(ctx, wallet.Address())
}
