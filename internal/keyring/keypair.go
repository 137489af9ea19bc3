package keyring

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/curve25519"
)

// keyFileName is the name of the file storing the peer's private key.
// The keypair identifies a peer stably across pairing sessions; only
// the keypair is ever persisted, never a derived shared key.
const keyFileName = "peer_key"

// StoreKeyPair persists the private key to the data directory using an
// atomic temp-file rename. The public key is rederivable and not stored.
func StoreKeyPair(dataDir string, privateKey [KeySize]byte) error {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	filePath := filepath.Join(dataDir, keyFileName)
	tempPath := filePath + ".tmp"
	if err := os.WriteFile(tempPath, []byte(hex.EncodeToString(privateKey[:])+"\n"), 0600); err != nil {
		return fmt.Errorf("write peer key: %w", err)
	}

	if err := os.Rename(tempPath, filePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("persist peer key: %w", err)
	}

	return nil
}

// LoadKeyPair reads a persisted private key and rederives the public key.
func LoadKeyPair(dataDir string) (privateKey, publicKey [KeySize]byte, err error) {
	filePath := filepath.Join(dataDir, keyFileName)

	data, err := os.ReadFile(filePath)
	if err != nil {
		// Wraps fs.ErrNotExist so callers can branch with errors.Is.
		return privateKey, publicKey, fmt.Errorf("read peer key: %w", err)
	}

	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return privateKey, publicKey, fmt.Errorf("parse peer key: %w", err)
	}
	if len(raw) != KeySize {
		return privateKey, publicKey, fmt.Errorf("parse peer key: got %d bytes, expected %d", len(raw), KeySize)
	}

	copy(privateKey[:], raw)
	curve25519.ScalarBaseMult(&publicKey, &privateKey)
	return privateKey, publicKey, nil
}

// LoadOrCreateKeyPair loads an existing keypair from the data directory
// or generates and persists a new one. The second return value reports
// whether a new keypair was created.
func LoadOrCreateKeyPair(dataDir string) (priv, pub [KeySize]byte, created bool, err error) {
	priv, pub, err = LoadKeyPair(dataDir)
	if err == nil {
		return priv, pub, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return priv, pub, false, err
	}

	priv, pub, err = GenerateKeyPair()
	if err != nil {
		return priv, pub, false, err
	}

	if err := StoreKeyPair(dataDir, priv); err != nil {
		return priv, pub, false, err
	}

	return priv, pub, true, nil
}

// KeyPairExists checks whether a peer key file exists in the data directory.
func KeyPairExists(dataDir string) bool {
	_, err := os.Stat(filepath.Join(dataDir, keyFileName))
	return err == nil
}
