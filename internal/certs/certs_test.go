package certs

import (
	"path/filepath"
	"testing"
)

func TestWriteAndLoadKeyPairRoundTrip(t *testing.T) {
	d := Dir{Base: t.TempDir()}

	written, err := d.WriteKeyPair("server")
	if err != nil {
		t.Fatalf("WriteKeyPair() error: %v", err)
	}

	loaded, err := d.LoadKeyPair("server")
	if err != nil {
		t.Fatalf("LoadKeyPair() error: %v", err)
	}

	if loaded.Public != written.Public {
		t.Errorf("loaded public key differs from written")
	}
	if loaded.Private != written.Private {
		t.Errorf("loaded private key differs from written")
	}
}

func TestWriteKeyPairLayout(t *testing.T) {
	base := t.TempDir()
	d := Dir{Base: base}

	if _, err := d.WriteKeyPair("client-1"); err != nil {
		t.Fatalf("WriteKeyPair() error: %v", err)
	}

	if _, err := d.LoadPublicKey("client-1"); err != nil {
		t.Fatalf("expected public key at %s: %v", filepath.Join(base, "public_keys", "client-1.pub"), err)
	}
	if _, err := d.LoadPrivateKey("client-1"); err != nil {
		t.Fatalf("expected private key at %s: %v", filepath.Join(base, "private_keys", "client-1.key"), err)
	}
}

func TestListPublicKeys(t *testing.T) {
	d := Dir{Base: t.TempDir()}
	for _, name := range []string{"server", "client-1", "client-2"} {
		if _, err := d.WriteKeyPair(name); err != nil {
			t.Fatalf("WriteKeyPair(%s) error: %v", name, err)
		}
	}

	names, err := d.ListPublicKeys()
	if err != nil {
		t.Fatalf("ListPublicKeys() error: %v", err)
	}
	if len(names) != 3 {
		t.Fatalf("ListPublicKeys() returned %d names, want 3: %v", len(names), names)
	}
}

func TestListPublicKeysEmptyDirDoesNotError(t *testing.T) {
	d := Dir{Base: t.TempDir()}
	names, err := d.ListPublicKeys()
	if err != nil {
		t.Fatalf("ListPublicKeys() on an unprepared dir: want nil error, got %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("ListPublicKeys() = %v, want empty", names)
	}
}
