package core

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Identity is the device keypair plus the node id announced to peers.
type Identity struct {
	NodeID  string `json:"node_id"`
	PubKey  string `json:"pub_key"`
	PrivKey string `json:"priv_key"`
}

// GenerateIdentity creates a fresh node id and ed25519 keypair.
func GenerateIdentity() (Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, fmt.Errorf("failed to generate keypair: %w", err)
	}
	return Identity{
		NodeID:  uuid.New().String(),
		PubKey:  hex.EncodeToString(pub),
		PrivKey: hex.EncodeToString(priv.Seed()),
	}, nil
}

// LoadOrGenerateIdentity reads the identity stored at path, or generates and
// stores a new one when the file does not exist.
func LoadOrGenerateIdentity(path string) (Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var id Identity
		if err := json.Unmarshal(data, &id); err != nil {
			return Identity{}, fmt.Errorf("failed to parse identity file: %w", err)
		}
		if _, _, err := id.Keys(); err != nil {
			return Identity{}, fmt.Errorf("identity file %s: %w", path, err)
		}
		if id.NodeID == "" {
			return Identity{}, fmt.Errorf("identity file %s: empty node id", path)
		}
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return Identity{}, fmt.Errorf("failed to read identity file: %w", err)
	}

	id, err := GenerateIdentity()
	if err != nil {
		return Identity{}, err
	}
	if err := SaveIdentity(path, id); err != nil {
		return Identity{}, err
	}
	return id, nil
}

func SaveIdentity(path string, id Identity) error {
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create identity dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}
	return nil
}

// Keys decodes the hex encoded keypair.
func (id Identity) Keys() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	seed, err := hex.DecodeString(id.PrivKey)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, nil, fmt.Errorf("bad private key")
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	if id.PubKey != "" && id.PubKey != hex.EncodeToString(pub) {
		return nil, nil, fmt.Errorf("public key does not match private key")
	}
	return pub, priv, nil
}
