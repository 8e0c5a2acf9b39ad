package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Will-Luck/Agent-Courier/internal/agent"
	"github.com/Will-Luck/Agent-Courier/internal/almanac"
	"github.com/Will-Luck/Agent-Courier/internal/clock"
	"github.com/Will-Luck/Agent-Courier/internal/config"
	"github.com/Will-Luck/Agent-Courier/internal/envelope"
	"github.com/Will-Luck/Agent-Courier/internal/logging"
	"github.com/Will-Luck/Agent-Courier/internal/metrics"
	"github.com/Will-Luck/Agent-Courier/internal/resolver"
	"github.com/Will-Luck/Agent-Courier/internal/store"
	"github.com/Will-Luck/Agent-Courier/internal/wallet"
)

var version = "dev"

// metricsTextfileTick is how often the textfile export is rewritten.
const metricsTextfileTick = 30 * time.Second

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	fmt.Println("Agent-Courier " + version)
	fmt.Println("=============================================")
	fmt.Printf("COURIER_NETWORK=%s\n", cfg.Network)
	fmt.Printf("COURIER_PORT=%d\n", cfg.Port)
	fmt.Printf("COURIER_STORAGE_BACKEND=%s\n", cfg.StorageBackend)
	fmt.Printf("COURIER_REGISTRATION_INTERVAL=%s\n", cfg.RegistrationTick)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil && ctx.Err() == nil {
		log.Error("courier exited", "error", err)
		os.Exit(1)
	}
	log.Info("courier stopped")
}

func run(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	if err := os.MkdirAll(cfg.StorageDir, 0o755); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}

	backend, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	keys, err := store.OpenPrivateKeys(filepath.Join(cfg.StorageDir, "private_keys.json"))
	if err != nil {
		return fmt.Errorf("open key store: %w", err)
	}

	res := buildResolver(cfg, log)

	bureau := agent.NewBureau(agent.BureauOptions{
		Port:     cfg.Port,
		Resolver: res,
		Log:      log.Logger,
	})

	specs, err := agentSpecs(cfg)
	if err != nil {
		return err
	}
	for _, spec := range specs {
		if err := spawnAgent(bureau, backend, keys, cfg, spec, log); err != nil {
			return fmt.Errorf("agent %s: %w", spec.Name, err)
		}
	}

	if cfg.MetricsTextfile != "" {
		go exportMetrics(ctx, cfg.MetricsTextfile, log)
	}

	log.Info("bureau starting", "agents", len(specs), "port", cfg.Port)
	return bureau.Run(ctx)
}

// agentSpecs resolves the set of agents to run: the YAML manifest when
// configured, otherwise a single agent from the environment.
func agentSpecs(cfg *config.Config) ([]AgentSpec, error) {
	if cfg.BureauManifest != "" {
		m, err := loadManifest(cfg.BureauManifest)
		if err != nil {
			return nil, err
		}
		return m.Agents, nil
	}
	endpoints, err := config.ParseEndpoints(cfg.Endpoints)
	if err != nil {
		return nil, err
	}
	return []AgentSpec{{
		Name:      cfg.AgentName,
		SeedEnv:   "COURIER_SEED",
		Endpoints: endpoints,
	}}, nil
}

func spawnAgent(bureau *agent.Bureau, backend storageBackend, keys *store.PrivateKeys, cfg *config.Config, spec AgentSpec, log *logging.Logger) error {
	seed := spec.seed()
	if seed == "" {
		seed = persistedSeed(keys, spec.Name)
	}

	kv, err := backend.Agent(spec.Name)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	var history *envelope.History
	if cfg.HistoryEnabled {
		history = envelope.NewHistory(0, 0, backend.History(spec.Name))
	}

	a, err := bureau.Spawn(agent.Options{
		Name:             spec.Name,
		Seed:             seed,
		SeedIndex:        spec.SeedIndex,
		Network:          cfg.Network,
		Endpoints:        spec.Endpoints,
		StrictReplies:    spec.StrictReplies,
		RegistrationTick: cfg.RegistrationTick,
		Storage:          kv,
		History:          history,
		Wallet:           messengerFor(cfg, log),
	})
	if err != nil {
		return err
	}

	// The policy needs the derived address, so it is attached after Spawn.
	if policy := buildPolicy(cfg, a.Address(), log); policy != nil {
		a.SetPolicy(policy)
	}

	log.Info("agent spawned", "name", spec.Name, "address", a.Address())
	return nil
}

// persistedSeed returns the stored seed for a named agent, minting and
// saving a fresh one on first run so restarts keep the same address.
func persistedSeed(keys *store.PrivateKeys, name string) string {
	if k, ok := keys.Get(name); ok && k.IdentityKey != "" {
		return k.IdentityKey
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "" // ephemeral identity
	}
	seed := hex.EncodeToString(buf)
	_ = keys.Set(name, store.AgentKeys{IdentityKey: seed})
	return seed
}

// storageBackend abstracts the per-agent KV and history stores over the
// json and bolt backends.
type storageBackend interface {
	Agent(name string) (store.KV, error)
	History(name string) envelope.HistoryStore
	Close() error
}

func openStorage(cfg *config.Config) (storageBackend, error) {
	if cfg.StorageBackend == "bolt" {
		db, err := store.OpenBolt(filepath.Join(cfg.StorageDir, "courier.db"))
		if err != nil {
			return nil, fmt.Errorf("open bolt store: %w", err)
		}
		return db, nil
	}
	return &jsonBackend{dir: cfg.StorageDir}, nil
}

// jsonBackend lays out one JSON file per agent plus one per history.
type jsonBackend struct {
	dir string
}

func (b *jsonBackend) Agent(name string) (store.KV, error) {
	return store.OpenJSONFile(filepath.Join(b.dir, "agent_"+name+".json"))
}

func (b *jsonBackend) History(name string) envelope.HistoryStore {
	return store.NewJSONHistory(filepath.Join(b.dir, "agent_"+name+"_history.json"))
}

func (b *jsonBackend) Close() error { return nil }

func buildResolver(cfg *config.Config, log *logging.Logger) resolver.Resolver {
	var resolvers []resolver.Resolver
	if cfg.AlmanacAPIURL != "" {
		resolvers = append(resolvers, resolver.NewAlmanacAPIResolver(cfg.AlmanacAPIURL, 0))
	}
	if cfg.ContractURL != "" && cfg.ContractAddress != "" {
		contract := almanac.NewHTTPContract(cfg.ContractURL, cfg.ContractAddress)
		resolvers = append(resolvers, resolver.NewAlmanacContractResolver(contract, 0))
	}
	if len(resolvers) == 0 {
		return nil
	}

	var res resolver.Resolver = resolver.NewChain(log.Logger, resolvers...)
	if cfg.NameServiceURL != "" {
		res = resolver.NewNameServiceResolver(almanac.NewHTTPNameService(cfg.NameServiceURL), res)
	}
	return res
}

func buildPolicy(cfg *config.Config, address string, log *logging.Logger) almanac.Policy {
	clk := clock.Real{}
	if cfg.AgentverseURL != "" {
		return almanac.NewAgentversePolicy(cfg.AgentverseURL, cfg.BroadcastRetries, clk, log.Logger)
	}
	if cfg.ContractURL == "" || cfg.ContractAddress == "" {
		return nil
	}
	contract := almanac.NewHTTPContract(cfg.ContractURL, cfg.ContractAddress)
	acct := almanac.NewHTTPWallet(cfg.ContractURL, address)
	var faucet almanac.Faucet
	if cfg.Network == config.NetworkTestnet && cfg.FaucetURL != "" {
		faucet = almanac.NewHTTPFaucet(cfg.FaucetURL)
	}
	return almanac.NewLedgerPolicy(contract, cfg.ContractAddress, acct, faucet, cfg.BroadcastRetries, clk, log.Logger)
}

// messengerFor builds the wallet-message fan-out from config. With nothing
// configured, messages land in the log.
func messengerFor(cfg *config.Config, log *logging.Logger) *wallet.Multi {
	var messengers []wallet.Messenger
	if cfg.WalletGatewayURL != "" {
		messengers = append(messengers, wallet.NewHTTP(cfg.WalletGatewayURL, os.Getenv("COURIER_WALLET_GATEWAY_TOKEN")))
	}
	if cfg.MQTTBroker != "" {
		messengers = append(messengers, wallet.NewMQTT(cfg.MQTTBroker, "", "", "", 1))
	}
	if len(messengers) == 0 {
		messengers = append(messengers, wallet.NewLogMessenger(log.Logger))
	}
	return wallet.NewMulti(log.Logger, messengers...)
}

// exportMetrics rewrites the Prometheus textfile until ctx is cancelled,
// with one final write on the way out.
func exportMetrics(ctx context.Context, path string, log *logging.Logger) {
	ticker := time.NewTicker(metricsTextfileTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := metrics.WriteTextfile(path); err != nil {
				log.Warn("metrics textfile write failed", "error", err)
			}
		case <-ctx.Done():
			if err := metrics.WriteTextfile(path); err != nil {
				log.Warn("final metrics textfile write failed", "error", err)
			}
			return
		}
	}
}
