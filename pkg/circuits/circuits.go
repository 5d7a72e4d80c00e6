// Package circuits loads the circuit registry: the static table
// mapping a circuitId to its signal-hash family, its price, and its
// per-chain verifier contract address. Every component that needs to
// know "which hash scheme" or "which verifier contract" for a circuit
// reads it from here rather than hard-coding it.
package circuits

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// HashFamily names a signal-hash convention a circuit commits to.
// Pinning exactly one per circuit resolves the "which hash scheme"
// open question at the registry level instead of leaving it to callers.
type HashFamily string

const (
	HashFamilyKeccak256 HashFamily = "keccak256"
	HashFamilySHA256    HashFamily = "sha256"
)

// Price is the amount and asset a circuit charges per proof.
type Price struct {
	AmountAtomic string `yaml:"amountAtomic"`
	Asset        string `yaml:"asset"`
}

// Verifier is one chain's deployment of a circuit's verifier contract.
type Verifier struct {
	ChainID int64  `yaml:"chainId"`
	Address string `yaml:"address"`
}

// Circuit is one registry entry.
type Circuit struct {
	ID               string     `yaml:"id"`
	SignalHashFamily HashFamily `yaml:"signalHashFamily"`
	Price            Price      `yaml:"price"`
	Verifiers        []Verifier `yaml:"verifiers"`
}

type registryFile struct {
	Circuits []Circuit `yaml:"circuits"`
}

// Registry is the in-memory, read-only circuit table, loaded once at
// startup.
type Registry struct {
	byID map[string]Circuit
}

// Load reads and parses a circuit registry YAML file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("circuits: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a Registry directly from YAML bytes, useful for tests
// that don't want to touch the filesystem.
func Parse(data []byte) (*Registry, error) {
	var rf registryFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("circuits: parse: %w", err)
	}
	byID := make(map[string]Circuit, len(rf.Circuits))
	for _, c := range rf.Circuits {
		if c.ID == "" {
			return nil, fmt.Errorf("circuits: entry with empty id")
		}
		if c.SignalHashFamily != HashFamilyKeccak256 && c.SignalHashFamily != HashFamilySHA256 {
			return nil, fmt.Errorf("circuits: %s: unknown signalHashFamily %q", c.ID, c.SignalHashFamily)
		}
		byID[c.ID] = c
	}
	return &Registry{byID: byID}, nil
}

// Get returns the circuit descriptor for id.
func (r *Registry) Get(id string) (Circuit, bool) {
	c, ok := r.byID[id]
	return c, ok
}

// VerifierAddress resolves the verifier contract address for a
// circuit on a given chain.
func (r *Registry) VerifierAddress(circuitID string, chainID int64) (string, bool) {
	c, ok := r.byID[circuitID]
	if !ok {
		return "", false
	}
	for _, v := range c.Verifiers {
		if v.ChainID == chainID {
			return v.Address, true
		}
	}
	return "", false
}
