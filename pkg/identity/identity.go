// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

// Package identity manages a node's persistent Ed25519 keypair and the
// shared network secret used to authenticate RPC connections.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/zeebo/errs"
	"golang.org/x/crypto/nacl/secretbox"
)

// Error is this package's error class.
var Error = errs.Class("identity")

// NodeKeyFileName and NodeKeyPubFileName are the on-disk file names under
// metadata_dir.
const (
	NodeKeyFileName    = "node_key"
	NodeKeyPubFileName = "node_key.pub"
)

// Identity holds a node's keypair.
type Identity struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Generate creates a fresh random Ed25519 keypair.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Identity{Public: pub, Private: priv}, nil
}

// LoadOrGenerate reads node_key/node_key.pub from dir, generating and
// persisting a fresh keypair if absent. node_key is written with mode
// 0600.
func LoadOrGenerate(dir string) (*Identity, error) {
	keyPath := filepath.Join(dir, NodeKeyFileName)
	pubPath := filepath.Join(dir, NodeKeyPubFileName)

	priv, err := os.ReadFile(keyPath)
	if err == nil {
		pub, err := os.ReadFile(pubPath)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		if len(priv) != ed25519.PrivateKeySize || len(pub) != ed25519.PublicKeySize {
			return nil, Error.New("corrupt node identity files in %s", dir)
		}
		return &Identity{Public: ed25519.PublicKey(pub), Private: ed25519.PrivateKey(priv)}, nil
	}
	if !os.IsNotExist(err) {
		return nil, Error.Wrap(err)
	}

	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, id.Private, 0600); err != nil {
		return nil, Error.Wrap(err)
	}
	if err := os.WriteFile(pubPath, id.Public, 0644); err != nil {
		return nil, Error.Wrap(err)
	}
	return id, nil
}

// Fingerprint returns the hex-encoded public key, used in bootstrap peer
// strings ("<pubkey>@<host>:<port>").
func (id *Identity) Fingerprint() string {
	return hex.EncodeToString(id.Public)
}

// NetworkKey is the shared secret (32 bytes, configured as 64 hex chars)
// every node in a cluster is configured with; it authenticates the
// secretbox layer wrapping each RPC connection.
type NetworkKey [32]byte

// ParseNetworkKey decodes a hex network_key from config.
func ParseNetworkKey(hexKey string) (NetworkKey, error) {
	var key NetworkKey
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return key, Error.Wrap(err)
	}
	if len(raw) != 32 {
		return key, Error.New("network key must be 32 bytes (64 hex chars), got %d bytes", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// Seal authenticates and encrypts a frame's bytes with the shared
// network key.
func Seal(key NetworkKey, nonce *[24]byte, plaintext []byte) []byte {
	return secretbox.Seal(nil, plaintext, nonce, (*[32]byte)(&key))
}

// Open reverses Seal, returning an error if authentication fails.
func Open(key NetworkKey, nonce *[24]byte, ciphertext []byte) ([]byte, error) {
	out, ok := secretbox.Open(nil, ciphertext, nonce, (*[32]byte)(&key))
	if !ok {
		return nil, Error.New("secretbox authentication failed")
	}
	return out, nil
}
