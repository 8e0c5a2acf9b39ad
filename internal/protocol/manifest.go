package protocol

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/Will-Luck/Agent-Courier/internal/model"
)

// DigestPrefix marks protocol digests on the wire.
const DigestPrefix = "proto:"

// manifestVersion is the manifest envelope format, independent of the
// protocol's own version.
const manifestVersion = "1.0"

// Manifest is the canonical on-chain description of a protocol: its models
// and the interaction graph between them. The metadata digest is computed
// over the manifest itself with the digest field blanked.
type Manifest struct {
	Version      string        `json:"version"`
	Metadata     Metadata      `json:"metadata"`
	Models       []ModelRef    `json:"models"`
	Interactions []Interaction `json:"interactions"`
}

// Metadata names the protocol inside its manifest.
type Metadata struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Digest  string `json:"digest"`
}

// ModelRef pairs a schema digest with its full canonical schema.
type ModelRef struct {
	Digest string          `json:"digest"`
	Schema json.RawMessage `json:"schema"`
}

// Interaction is one request model and the replies a handler may answer
// with.
type Interaction struct {
	Type      string   `json:"type"`
	Request   string   `json:"request"`
	Responses []string `json:"responses"`
}

// Manifest builds the protocol's canonical manifest, digest included.
func (p *Protocol) Manifest() (*Manifest, error) {
	m := &Manifest{
		Version: manifestVersion,
		Metadata: Metadata{
			Name:    p.name,
			Version: p.version,
		},
		Models:       []ModelRef{},
		Interactions: []Interaction{},
	}

	models := p.Models()
	digests := make([]string, 0, len(models))
	for d := range models {
		digests = append(digests, d)
	}
	sort.Strings(digests)
	for _, d := range digests {
		m.Models = append(m.Models, ModelRef{Digest: d, Schema: models[d].Schema})
	}

	for _, d := range p.handledDigests() {
		responses := p.Replies(d)
		if responses == nil {
			responses = []string{}
		}
		m.Interactions = append(m.Interactions, Interaction{
			Type:      p.interactionKind[d],
			Request:   d,
			Responses: responses,
		})
	}

	digest, err := manifestDigest(m)
	if err != nil {
		return nil, err
	}
	m.Metadata.Digest = digest
	return m, nil
}

// Digest returns the protocol digest without the full manifest.
func (p *Protocol) Digest() (string, error) {
	m, err := p.Manifest()
	if err != nil {
		return "", err
	}
	return m.Metadata.Digest, nil
}

// manifestDigest hashes the manifest with an empty metadata digest field,
// canonicalized the same way schema digests are.
func manifestDigest(m *Manifest) (string, error) {
	blanked := *m
	blanked.Metadata.Digest = ""
	canonical, err := model.Canonicalize(blanked)
	if err != nil {
		return "", fmt.Errorf("canonicalize manifest: %w", err)
	}
	return model.SumDigest(DigestPrefix, canonical), nil
}
