// courier-keygen derives or generates agent identities for provisioning:
// seeds in, addresses out. It never writes key material anywhere.
package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/Will-Luck/Agent-Courier/internal/config"
	"github.com/Will-Luck/Agent-Courier/internal/identity"
)

func main() {
	var (
		seed    = flag.String("seed", "", "seed phrase; empty generates a random identity")
		index   = flag.Int("index", 0, "key index under the seed")
		network = flag.String("network", config.NetworkMainnet, "address network: mainnet or testnet")
		secp    = flag.Bool("secp256k1", false, "derive a secp256k1 identity instead of ed25519")
		asJSON  = flag.Bool("json", false, "print machine-readable JSON")
	)
	flag.Parse()

	if err := run(*seed, *index, *network, *secp, *asJSON); err != nil {
		fmt.Fprintf(os.Stderr, "courier-keygen: %v\n", err)
		os.Exit(1)
	}
}

func run(seed string, index int, network string, secp, asJSON bool) error {
	prefix := identity.MainnetPrefix
	switch network {
	case config.NetworkMainnet:
	case config.NetworkTestnet:
		prefix = identity.TestnetPrefix
	default:
		return fmt.Errorf("unknown network %q", network)
	}

	id, err := derive(seed, index, secp)
	if err != nil {
		return err
	}
	address, err := id.AddressOn(prefix)
	if err != nil {
		return err
	}

	if asJSON {
		out := struct {
			Address   string `json:"address"`
			PublicKey string `json:"public_key"`
			Kind      string `json:"kind"`
			Network   string `json:"network"`
			Index     int    `json:"index"`
		}{
			Address:   address,
			PublicKey: hex.EncodeToString(id.PubKey()),
			Kind:      string(id.Kind()),
			Network:   network,
			Index:     index,
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Printf("address:    %s\n", address)
	fmt.Printf("public key: %s\n", hex.EncodeToString(id.PubKey()))
	fmt.Printf("kind:       %s\n", id.Kind())
	if seed == "" {
		fmt.Println("note:       generated identity; the private key is not recoverable")
	}
	return nil
}

func derive(seed string, index int, secp bool) (*identity.Identity, error) {
	switch {
	case seed == "" && secp:
		return identity.GenerateSecp256k1()
	case seed == "":
		return identity.Generate()
	case secp:
		return identity.FromSeedSecp256k1(seed, index)
	default:
		return identity.FromSeed(seed, index)
	}
}
