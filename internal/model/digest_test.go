package model

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"testing"

	"gopkg.in/yaml.v3"
)

type Query struct {
	Guests    int `json:"guests"`
	TimeStart int `json:"time_start"`
	Duration  int `json:"duration"`
}

type Message struct {
	Text string `json:"text"`
}

type Booking struct {
	Guests    int     `json:"guests"`
	Slots     []int   `json:"slots"`
	Rating    float64 `json:"rating"`
	Confirmed bool    `json:"confirmed"`
	Note      string  `json:"note,omitempty"`
}

func expectedDigest(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return DigestPrefix + hex.EncodeToString(sum[:])
}

func TestDigestVectors(t *testing.T) {
	raw, err := os.ReadFile("testdata/digests.yaml")
	if err != nil {
		t.Fatalf("read fixtures: %v", err)
	}
	var fixtures struct {
		Vectors []struct {
			Name      string `yaml:"name"`
			Canonical string `yaml:"canonical"`
		} `yaml:"vectors"`
	}
	if err := yaml.Unmarshal(raw, &fixtures); err != nil {
		t.Fatalf("parse fixtures: %v", err)
	}
	if len(fixtures.Vectors) == 0 {
		t.Fatal("no fixture vectors loaded")
	}

	models := map[string]any{
		"Query":   Query{},
		"Message": Message{},
		"Booking": Booking{},
	}

	for _, v := range fixtures.Vectors {
		m, ok := models[v.Name]
		if !ok {
			t.Fatalf("fixture %s has no Go model", v.Name)
		}
		canonical, err := CanonicalSchema(m)
		if err != nil {
			t.Fatalf("%s: CanonicalSchema: %v", v.Name, err)
		}
		if string(canonical) != v.Canonical {
			t.Errorf("%s canonical schema mismatch:\n got  %s\n want %s", v.Name, canonical, v.Canonical)
		}

		d, err := Digest(m)
		if err != nil {
			t.Fatalf("%s: Digest: %v", v.Name, err)
		}
		if want := expectedDigest(v.Canonical); d != want {
			t.Errorf("%s digest = %s, want %s", v.Name, d, want)
		}
	}
}

func TestDigestStableAcrossCalls(t *testing.T) {
	a, err := Digest(Query{})
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	b, err := Digest(&Query{})
	if err != nil {
		t.Fatalf("Digest pointer: %v", err)
	}
	if a != b {
		t.Errorf("digest differs between value and pointer: %s vs %s", a, b)
	}
}

func TestCanonicalFormOrderIndependent(t *testing.T) {
	// Schema construction goes through Go maps, whose iteration order is
	// randomized; the canonical form must come out identical every time.
	first, err := CanonicalSchema(Booking{})
	if err != nil {
		t.Fatalf("CanonicalSchema: %v", err)
	}
	for i := 0; i < 20; i++ {
		next, err := CanonicalSchema(Booking{})
		if err != nil {
			t.Fatalf("CanonicalSchema run %d: %v", i, err)
		}
		if string(next) != string(first) {
			t.Fatalf("canonical form unstable on run %d:\n got  %s\n want %s", i, next, first)
		}
	}
}

func TestIntAndFloatDistinct(t *testing.T) {
	type A struct {
		V int `json:"v"`
	}
	type B struct {
		V float64 `json:"v"`
	}
	da, _ := CanonicalSchema(A{})
	db, _ := CanonicalSchema(B{})
	if string(da) == string(db) {
		t.Error("integer and float fields produced identical schemas")
	}
}

func TestOptionalFields(t *testing.T) {
	type M struct {
		Req  string  `json:"req"`
		Opt  string  `json:"opt,omitempty"`
		Ptr  *int    `json:"ptr"`
		Skip string  `json:"-"`
	}
	schema, err := SchemaOf(M{})
	if err != nil {
		t.Fatalf("SchemaOf: %v", err)
	}
	props := schema["properties"].(map[string]any)
	for _, name := range []string{"req", "opt", "ptr"} {
		if _, ok := props[name]; !ok {
			t.Errorf("properties missing %q", name)
		}
	}
	if _, ok := props["Skip"]; ok {
		t.Error(`json:"-" field was not skipped`)
	}
	required, _ := schema["required"].([]string)
	if len(required) != 1 || required[0] != "req" {
		t.Errorf("required = %v, want [req]", required)
	}
}

func TestNestedAndListSchemas(t *testing.T) {
	type Inner struct {
		ID string `json:"id"`
	}
	type Outer struct {
		Items  []Inner           `json:"items"`
		Labels map[string]string `json:"labels,omitempty"`
	}
	schema, err := SchemaOf(Outer{})
	if err != nil {
		t.Fatalf("SchemaOf: %v", err)
	}
	props := schema["properties"].(map[string]any)
	items := props["items"].(map[string]any)
	if items["type"] != "array" {
		t.Errorf("items type = %v, want array", items["type"])
	}
	inner := items["items"].(map[string]any)
	if inner["title"] != "Inner" || inner["type"] != "object" {
		t.Errorf("nested schema = %v, want Inner object", inner)
	}
	labels := props["labels"].(map[string]any)
	if labels["type"] != "object" {
		t.Errorf("labels type = %v, want object", labels["type"])
	}
}

func TestSchemaRejectsNonStruct(t *testing.T) {
	if _, err := SchemaOf(42); err == nil {
		t.Error("SchemaOf(int) did not fail")
	}
	if _, err := SchemaOf(nil); err == nil {
		t.Error("SchemaOf(nil) did not fail")
	}
}
