// Copyright 2025 Certen Protocol
//
// KeyManager loads a validator's BLS signing key from disk, generating and
// persisting one on first run. The key file is the hex-encoded 32-byte
// scalar, written 0600 under a 0700 directory.

package bls

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type KeyManager struct {
	keyPath string
	priv    *PrivateKey
	pub     *PublicKey
}

func NewKeyManager(keyPath string) *KeyManager {
	return &KeyManager{keyPath: keyPath}
}

// LoadOrGenerateKey reads the key file if it exists, otherwise generates a
// fresh key pair and persists it when a path is configured.
func (km *KeyManager) LoadOrGenerateKey() error {
	if km.keyPath != "" {
		if _, err := os.Stat(km.keyPath); err == nil {
			return km.load()
		}
	}
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("generate BLS key: %w", err)
	}
	km.priv, km.pub = priv, pub
	if km.keyPath == "" {
		return nil
	}
	return km.save()
}

func (km *KeyManager) load() error {
	raw, err := os.ReadFile(km.keyPath)
	if err != nil {
		return fmt.Errorf("read BLS key file: %w", err)
	}
	keyBytes, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return fmt.Errorf("decode BLS key file: %w", err)
	}
	km.priv, err = PrivateKeyFromBytes(keyBytes)
	if err != nil {
		return err
	}
	km.pub = km.priv.PublicKey()
	return nil
}

func (km *KeyManager) save() error {
	if err := os.MkdirAll(filepath.Dir(km.keyPath), 0o700); err != nil {
		return fmt.Errorf("create BLS key directory: %w", err)
	}
	if err := os.WriteFile(km.keyPath, []byte(km.priv.Hex()), 0o600); err != nil {
		return fmt.Errorf("write BLS key file: %w", err)
	}
	return nil
}

func (km *KeyManager) GetPrivateKey() *PrivateKey { return km.priv }

func (km *KeyManager) GetPublicKey() *PublicKey { return km.pub }

func (km *KeyManager) GetPublicKeyHex() string {
	if km.pub == nil {
		return ""
	}
	return km.pub.Hex()
}

// Sign signs with the loaded key.
func (km *KeyManager) Sign(message []byte) (*Signature, error) {
	if km.priv == nil {
		return nil, errors.New("bls: no private key loaded")
	}
	return km.priv.Sign(message), nil
}
