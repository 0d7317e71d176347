package store

import (
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestGenerateAPIKey(t *testing.T) {
	fullKey, hash, prefix, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(fullKey, "bsk_") || len(fullKey) != 68 {
		t.Errorf("unexpected key shape: %q", fullKey)
	}
	if prefix != fullKey[:8] {
		t.Errorf("prefix must be the first 8 chars, got %q", prefix)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(fullKey)); err != nil {
		t.Errorf("hash must verify against the full key: %v", err)
	}

	other, _, _, err := GenerateAPIKey()
	if err != nil {
		t.Fatal(err)
	}
	if other == fullKey {
		t.Error("keys must be unique")
	}
}
