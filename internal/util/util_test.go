package util

import (
	"bytes"
	"testing"
)

func TestNormalizeEmail(t *testing.T) {
	// \uff41 is a fullwidth "a"; NFKC folds it to ASCII.
	tests := map[string]string{
		"  Admin@Hablas.CO ":   "admin@hablas.co",
		"\uff41dmin@hablas.co": "admin@hablas.co",
		"editor@hablas.co":     "editor@hablas.co",
	}
	for in, want := range tests {
		if got := NormalizeEmail(in); got != want {
			t.Errorf("NormalizeEmail(%q) = %q, want %q", in, got, want)
		}
	}
	if Normalize("cafe\u0301") != "caf\u00e9" {
		t.Error("Normalize should compose combining accents")
	}
}

func TestDigest(t *testing.T) {
	d1 := Digest("token-a")
	if len(d1) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(d1))
	}
	if d1 == Digest("token-b") {
		t.Error("Digest should differ for different input")
	}
	if d1 != Digest("token-a") {
		t.Error("Digest should be deterministic")
	}
}

func TestRandomBytes(t *testing.T) {
	b1, err := RandomBytes(32)
	if err != nil {
		t.Fatalf("RandomBytes: %v", err)
	}
	b2, _ := RandomBytes(32)
	if len(b1) != 32 {
		t.Errorf("expected 32 bytes, got %d", len(b1))
	}
	if bytes.Equal(b1, b2) {
		t.Error("RandomBytes should produce different outputs")
	}
}
