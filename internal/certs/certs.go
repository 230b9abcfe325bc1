// Package certs generates and loads the Curve25519 keypairs used by the
// TCP transport's CURVE-style handshake (internal/transport).
//
// Keys are stored hex-encoded, one file per identity, split across two
// directories: public_keys/<name>.pub and private_keys/<name>.key. This
// mirrors the public_keys/private_keys split used by the bus this module
// replaces, adapted from ZeroMQ CURVE certificates to raw NaCl box keys.
//
// Called by: cmd/swarmbus (certs subcommand), internal/transport
// Calls: golang.org/x/crypto/nacl/box, encoding/hex
package certs

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/nacl/box"
)

// KeyPair is a Curve25519 public/private key pair.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random Curve25519 keypair.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("certs: generate keypair: %w", err)
	}
	return KeyPair{Public: *pub, Private: *priv}, nil
}

// Dir is the on-disk layout rooted at a base directory: base/public_keys
// and base/private_keys.
type Dir struct {
	Base string
}

func (d Dir) publicKeysDir() string  { return filepath.Join(d.Base, "public_keys") }
func (d Dir) privateKeysDir() string { return filepath.Join(d.Base, "private_keys") }

// Prepare ensures both subdirectories exist.
func (d Dir) Prepare() error {
	for _, sub := range []string{d.publicKeysDir(), d.privateKeysDir()} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return fmt.Errorf("certs: prepare %s: %w", sub, err)
		}
	}
	return nil
}

// WriteKeyPair generates a new keypair for name and writes both halves to
// disk, returning the keypair for immediate use.
func (d Dir) WriteKeyPair(name string) (KeyPair, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return KeyPair{}, err
	}
	if err := d.Prepare(); err != nil {
		return KeyPair{}, err
	}
	pubPath := filepath.Join(d.publicKeysDir(), name+".pub")
	privPath := filepath.Join(d.privateKeysDir(), name+".key")

	if err := os.WriteFile(pubPath, []byte(hex.EncodeToString(kp.Public[:])), 0o644); err != nil {
		return KeyPair{}, fmt.Errorf("certs: write %s: %w", pubPath, err)
	}
	if err := os.WriteFile(privPath, []byte(hex.EncodeToString(kp.Private[:])), 0o600); err != nil {
		return KeyPair{}, fmt.Errorf("certs: write %s: %w", privPath, err)
	}
	return kp, nil
}

// LoadPublicKey reads name's public key from base/public_keys.
func (d Dir) LoadPublicKey(name string) ([32]byte, error) {
	return readKeyFile(filepath.Join(d.publicKeysDir(), name+".pub"))
}

// LoadPrivateKey reads name's private key from base/private_keys.
func (d Dir) LoadPrivateKey(name string) ([32]byte, error) {
	return readKeyFile(filepath.Join(d.privateKeysDir(), name+".key"))
}

// LoadKeyPair loads both halves of name's keypair.
func (d Dir) LoadKeyPair(name string) (KeyPair, error) {
	pub, err := d.LoadPublicKey(name)
	if err != nil {
		return KeyPair{}, err
	}
	priv, err := d.LoadPrivateKey(name)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

func readKeyFile(path string) ([32]byte, error) {
	var key [32]byte
	data, err := os.ReadFile(path)
	if err != nil {
		return key, fmt.Errorf("certs: read %s: %w", path, err)
	}
	decoded, err := hex.DecodeString(string(data))
	if err != nil {
		return key, fmt.Errorf("certs: decode %s: %w", path, err)
	}
	if len(decoded) != 32 {
		return key, fmt.Errorf("certs: %s: want 32 bytes, got %d", path, len(decoded))
	}
	copy(key[:], decoded)
	return key, nil
}

// ListPublicKeys returns the identity names with a public key on disk,
// used by the TCP listener to build its set of allowed client identities.
func (d Dir) ListPublicKeys() ([]string, error) {
	entries, err := os.ReadDir(d.publicKeysDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("certs: list %s: %w", d.publicKeysDir(), err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, trimExt(e.Name(), ".pub"))
	}
	return names, nil
}

func trimExt(name, ext string) string {
	if len(name) > len(ext) && name[len(name)-len(ext):] == ext {
		return name[:len(name)-len(ext)]
	}
	return name
}
