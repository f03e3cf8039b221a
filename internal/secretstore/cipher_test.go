package secretstore

import (
	"strings"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	c, err := NewCipher("unit-test-secret")
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}

	token, err := c.Seal("ed25519-private-key-material")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if strings.Contains(token, "ed25519") {
		t.Fatal("sealed token leaks plaintext")
	}

	got, err := c.Open(token)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got != "ed25519-private-key-material" {
		t.Fatalf("round trip mismatch: %q", got)
	}
}

func TestOpenWithReconstructedCipher(t *testing.T) {
	first, err := NewCipher("shared-secret")
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	token, err := first.Seal("credential")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	second, err := NewCipherWithSalt("shared-secret", first.Salt())
	if err != nil {
		t.Fatalf("reconstruct cipher: %v", err)
	}
	got, err := second.Open(token)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got != "credential" {
		t.Fatalf("round trip mismatch: %q", got)
	}
}

func TestOpenRejectsWrongSecret(t *testing.T) {
	first, err := NewCipher("secret-a")
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	token, err := first.Seal("credential")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	other, err := NewCipherWithSalt("secret-b", first.Salt())
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	if _, err := other.Open(token); err == nil {
		t.Fatal("expected open to fail with wrong secret")
	}
}

func TestNewCipherRequiresSecret(t *testing.T) {
	if _, err := NewCipher("  "); err == nil {
		t.Fatal("expected error for empty secret")
	}
}
