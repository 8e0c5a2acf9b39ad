package almanac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/Will-Luck/Agent-Courier/internal/clock"
	"github.com/Will-Luck/Agent-Courier/internal/identity"
)

// supportedContractMajor is the almanac contract major version this client
// was written against. A deployed contract with a different major logs a
// warning but does not stop registration attempts.
const supportedContractMajor = 2

// DefaultMinSecondsLeft re-registers when the on-chain record expires within
// this window.
const DefaultMinSecondsLeft = 24 * time.Hour

// AgentInfo is the registration view of one agent.
type AgentInfo struct {
	Identity  *identity.Identity
	Address   string
	Endpoints []Endpoint
	Protocols []string
	Metadata  map[string]string
}

// Policy decides when and how to publish an agent's presence. Register is
// invoked on every registration tick; implementations must be cheap when
// nothing changed.
type Policy interface {
	Register(ctx context.Context, info AgentInfo) error
}

// LedgerPolicy registers directly with the almanac contract, paying the
// registration fee from the agent's wallet. It re-registers only when the
// agent's data changed or the record is close to expiry.
type LedgerPolicy struct {
	contract        Contract
	contractAddress string
	wallet          Wallet
	faucet          Faucet // nil outside testnet
	minSecondsLeft  time.Duration
	retries         int
	clock           clock.Clock
	log             *slog.Logger

	versionOnce sync.Once

	mu           sync.Mutex
	lastInfo     *AgentInfo
	lastRecorded time.Time
	lastExpiry   time.Duration
}

// NewLedgerPolicy creates the default on-chain registration policy.
func NewLedgerPolicy(contract Contract, contractAddress string, wallet Wallet, faucet Faucet, retries int, clk clock.Clock, log *slog.Logger) *LedgerPolicy {
	if retries < 1 {
		retries = 1
	}
	return &LedgerPolicy{
		contract:        contract,
		contractAddress: contractAddress,
		wallet:          wallet,
		faucet:          faucet,
		minSecondsLeft:  DefaultMinSecondsLeft,
		retries:         retries,
		clock:           clk,
		log:             log,
	}
}

// SetMinSecondsLeft overrides the re-registration expiry window.
func (p *LedgerPolicy) SetMinSecondsLeft(d time.Duration) {
	p.minSecondsLeft = d
}

// Register publishes the agent's record if needed. Idempotent: when the
// data is unchanged and the record is not close to expiry, no network call
// is made at all.
func (p *LedgerPolicy) Register(ctx context.Context, info AgentInfo) error {
	if p.upToDate(info) {
		return nil
	}

	p.versionOnce.Do(func() { p.checkContractVersion(ctx) })

	if err := FundIfLow(ctx, p.contract, p.faucet, p.wallet); err != nil {
		p.log.Warn("faucet top-up failed", "error", err)
	}

	fee, err := p.contract.GetRegistrationFee(ctx)
	if err != nil {
		return fmt.Errorf("query registration fee: %w", err)
	}
	balance, err := p.wallet.Balance(ctx)
	if err != nil {
		return fmt.Errorf("query wallet balance: %w", err)
	}
	if balance < fee {
		return fmt.Errorf("%w: balance %d, fee %d", ErrInsufficientFunds, balance, fee)
	}

	seq, err := p.contract.GetSequence(ctx, info.Address)
	if err != nil {
		return fmt.Errorf("query sequence: %w", err)
	}

	digest := RegistrationDigest(p.contractAddress, seq, info.Address)
	reg := Registration{
		SignBytes: digest,
		Sequence:  seq,
		Address:   info.Address,
		Endpoints: info.Endpoints,
		Protocols: info.Protocols,
		Metadata:  info.Metadata,
		Signature: info.Identity.Sign(digest),
	}

	if err := p.broadcast(ctx, reg); err != nil {
		return err
	}

	p.mu.Lock()
	p.lastInfo = &info
	p.lastRecorded = p.clock.Now()
	p.lastExpiry = 0
	p.mu.Unlock()

	// Read back the expiry so the next ticks can skip without querying.
	if rec, err := p.contract.QueryRecord(ctx, info.Address); err == nil {
		p.mu.Lock()
		p.lastExpiry = time.Duration(rec.ExpirySeconds) * time.Second
		p.mu.Unlock()
	}

	p.log.Info("almanac registration complete", "address", info.Address, "sequence", seq)
	return nil
}

// upToDate reports whether the cached registration still covers info. It
// never touches the network; a cold cache always returns false.
func (p *LedgerPolicy) upToDate(info AgentInfo) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.lastInfo == nil || p.lastExpiry == 0 {
		return false
	}
	if !infoEqual(*p.lastInfo, info) {
		return false
	}
	remaining := p.lastExpiry - p.clock.Since(p.lastRecorded)
	return remaining > p.minSecondsLeft
}

// broadcast retries the register execute with exponential backoff starting
// at 0.64s, doubling up to ~32s, for the configured retry budget.
func (p *LedgerPolicy) broadcast(ctx context.Context, reg Registration) error {
	bo := newBackoff()
	var lastErr error

	for attempt := 1; ; attempt++ {
		lastErr = p.contract.Register(ctx, reg)
		if lastErr == nil {
			return nil
		}
		if attempt >= p.retries {
			break
		}

		wait := bo.next()
		p.log.Warn("registration broadcast failed",
			"attempt", attempt,
			"retries", p.retries,
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

// checkContractVersion warns when the deployed contract's semver major does
// not match the supported major. Never fatal.
func (p *LedgerPolicy) checkContractVersion(ctx context.Context) {
	ver, err := p.contract.GetContractVersion(ctx)
	if err != nil {
		p.log.Warn("failed to query contract version", "error", err)
		return
	}
	parsed, err := semver.NewVersion(ver)
	if err != nil {
		p.log.Warn("unparseable contract version", "version", ver, "error", err)
		return
	}
	if parsed.Major() != supportedContractMajor {
		p.log.Warn("almanac contract version mismatch",
			"deployed", ver,
			"supported_major", supportedContractMajor,
			"error", ErrContractVersionMismatch,
		)
	}
}

func infoEqual(a, b AgentInfo) bool {
	if a.Address != b.Address {
		return false
	}
	if len(a.Endpoints) != len(b.Endpoints) || len(a.Protocols) != len(b.Protocols) || len(a.Metadata) != len(b.Metadata) {
		return false
	}
	for i := range a.Endpoints {
		if a.Endpoints[i] != b.Endpoints[i] {
			return false
		}
	}
	for i := range a.Protocols {
		if a.Protocols[i] != b.Protocols[i] {
			return false
		}
	}
	for k, v := range a.Metadata {
		if b.Metadata[k] != v {
			return false
		}
	}
	return true
}

// backoff implements exponential backoff for broadcast retries.
type backoff struct {
	attempt  int
	base     time.Duration
	maxDelay time.Duration
}

func newBackoff() *backoff {
	return &backoff{
		base:     640 * time.Millisecond,
		maxDelay: 32 * time.Second,
	}
}

// next returns the next backoff delay and increments the attempt counter.
func (b *backoff) next() time.Duration {
	// Cap the shift to avoid overflow; the delay is clamped to maxDelay
	// anyway.
	shift := b.attempt
	if shift > 30 {
		shift = 30
	}
	delay := b.base << uint(shift)
	if delay > b.maxDelay || delay < 0 {
		delay = b.maxDelay
	}
	b.attempt++
	return delay
}

// BatchPolicy registers every agent of a Bureau on one tick, collecting
// per-agent failures rather than stopping at the first.
type BatchPolicy struct {
	inner Policy
}

// NewBatchPolicy wraps a per-agent policy for Bureau use.
func NewBatchPolicy(inner Policy) *BatchPolicy {
	return &BatchPolicy{inner: inner}
}

// RegisterAll runs the inner policy for each agent and joins the failures.
func (b *BatchPolicy) RegisterAll(ctx context.Context, infos []AgentInfo) error {
	var errs []error
	for _, info := range infos {
		if err := b.inner.Register(ctx, info); err != nil {
			errs = append(errs, fmt.Errorf("register %s: %w", info.Address, err))
		}
	}
	return errors.Join(errs...)
}
