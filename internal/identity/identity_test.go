package identity

import (
	"crypto/sha256"
	"strings"
	"testing"
)

func TestFromSeedDeterministic(t *testing.T) {
	a, err := FromSeed("alice secret phrase", 0)
	if err != nil {
		t.Fatalf("FromSeed: %v", err)
	}
	b, err := FromSeed("alice secret phrase", 0)
	if err != nil {
		t.Fatalf("FromSeed: %v", err)
	}
	if a.Address() != b.Address() {
		t.Errorf("same seed+index produced different addresses: %s vs %s", a.Address(), b.Address())
	}

	c, err := FromSeed("alice secret phrase", 1)
	if err != nil {
		t.Fatalf("FromSeed index 1: %v", err)
	}
	if c.Address() == a.Address() {
		t.Error("different index produced the same address")
	}

	d, err := FromSeed("bob secret phrase", 0)
	if err != nil {
		t.Fatalf("FromSeed other seed: %v", err)
	}
	if d.Address() == a.Address() {
		t.Error("different seed produced the same address")
	}
}

func TestAddressShape(t *testing.T) {
	id, err := FromSeed("shape test", 0)
	if err != nil {
		t.Fatalf("FromSeed: %v", err)
	}
	if !strings.HasPrefix(id.Address(), MainnetPrefix+"1") {
		t.Errorf("address %q does not start with %q", id.Address(), MainnetPrefix+"1")
	}
	if err := ValidateAddress(id.Address()); err != nil {
		t.Errorf("ValidateAddress(%q): %v", id.Address(), err)
	}

	test, err := id.AddressOn(TestnetPrefix)
	if err != nil {
		t.Fatalf("AddressOn: %v", err)
	}
	if !strings.HasPrefix(test, TestnetPrefix+"1") {
		t.Errorf("testnet address %q does not start with %q", test, TestnetPrefix+"1")
	}
	if err := ValidateAddress(test); err != nil {
		t.Errorf("ValidateAddress(%q): %v", test, err)
	}
}

func TestValidateAddressRejects(t *testing.T) {
	id, _ := FromSeed("reject test", 0)
	good := id.Address()

	// Flip one character in the data part to break the checksum.
	bad := []byte(good)
	i := len(bad) - 1
	if bad[i] == 'q' {
		bad[i] = 'p'
	} else {
		bad[i] = 'q'
	}

	cases := []struct {
		name string
		addr string
	}{
		{"empty", ""},
		{"bad checksum", string(bad)},
		{"wrong prefix", strings.Replace(good, MainnetPrefix+"1", "cosmos1", 1)},
		{"not bech32", "agent1notbech32!!!"},
	}
	for _, tc := range cases {
		if err := ValidateAddress(tc.addr); err == nil {
			t.Errorf("%s: ValidateAddress(%q) accepted an invalid address", tc.name, tc.addr)
		}
	}
}

func TestSignVerify(t *testing.T) {
	digest := sha256.Sum256([]byte("the message digest"))

	ids := map[string]*Identity{}
	ed, err := FromSeed("sign verify", 0)
	if err != nil {
		t.Fatalf("FromSeed: %v", err)
	}
	ids["ed25519"] = ed
	secp, err := FromSeedSecp256k1("sign verify", 0)
	if err != nil {
		t.Fatalf("FromSeedSecp256k1: %v", err)
	}
	ids["secp256k1"] = secp

	for name, id := range ids {
		t.Run(name, func(t *testing.T) {
			sig := id.Sign(digest[:])
			if sig == "" {
				t.Fatal("empty signature")
			}
			if err := Verify(id.Address(), digest[:], sig); err != nil {
				t.Fatalf("Verify: %v", err)
			}

			// Same digest signs to a verifiable signature again.
			if err := Verify(id.Address(), digest[:], id.Sign(digest[:])); err != nil {
				t.Fatalf("Verify after re-sign: %v", err)
			}

			// Tampered digest must fail.
			other := sha256.Sum256([]byte("another digest"))
			if err := Verify(id.Address(), other[:], sig); err == nil {
				t.Error("Verify accepted a signature over a different digest")
			}

			// Wrong sender address must fail.
			stranger, _ := FromSeed("a stranger", 0)
			if err := Verify(stranger.Address(), digest[:], sig); err == nil {
				t.Error("Verify accepted a signature for the wrong address")
			}
		})
	}
}

func TestVerifyMissingSignature(t *testing.T) {
	id, _ := FromSeed("missing sig", 0)
	digest := sha256.Sum256([]byte("x"))
	if err := Verify(id.Address(), digest[:], ""); err != ErrMissingSignature {
		t.Errorf("Verify with empty signature = %v, want ErrMissingSignature", err)
	}
}

func TestParse(t *testing.T) {
	id, _ := FromSeed("parse test", 0)
	addr := id.Address()

	cases := []struct {
		in          string
		name, want  string
	}{
		{addr, "", addr},
		{"alice/" + addr, "alice", addr},
		{"alice", "alice", ""},
		{"alice/bogus", "alice", ""},
	}
	for _, tc := range cases {
		name, address := Parse(tc.in)
		if name != tc.name || address != tc.want {
			t.Errorf("Parse(%q) = (%q, %q), want (%q, %q)", tc.in, name, address, tc.name, tc.want)
		}
	}
}
