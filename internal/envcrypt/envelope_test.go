package envcrypt

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func newTestEnvelope(t *testing.T) *Envelope {
	t.Helper()
	e, err := New("test-master-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestNewRejectsEmptyKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("New accepted an empty master key")
	}
}

func TestRoundTrip(t *testing.T) {
	e := newTestEnvelope(t)

	for _, plaintext := range []string{
		"sk-or-v1-abcdef0123456789",
		"",
		"multi\nline\nvalue",
		`{"nested":"json","n":42}`,
		strings.Repeat("x", 4096),
		"unicode: héllo wörld 你好",
	} {
		blob, err := e.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", plaintext, err)
		}
		got, version, err := e.Decrypt(blob)
		if err != nil {
			t.Fatalf("Decrypt(%q): %v", plaintext, err)
		}
		if got != plaintext {
			t.Errorf("round trip = %q, want %q", got, plaintext)
		}
		if version != V2 {
			t.Errorf("version = %d, want V2", version)
		}
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	e := newTestEnvelope(t)

	a, err := e.Encrypt("same plaintext")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := e.Encrypt("same plaintext")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if a == b {
		t.Error("two encryptions of the same plaintext produced identical blobs")
	}
}

func TestLegacyV1Fallback(t *testing.T) {
	e := newTestEnvelope(t)

	blob, err := e.EncryptV1("legacy secret")
	if err != nil {
		t.Fatalf("EncryptV1: %v", err)
	}
	got, version, err := e.Decrypt(blob)
	if err != nil {
		t.Fatalf("Decrypt(v1 blob): %v", err)
	}
	if got != "legacy secret" {
		t.Errorf("plaintext = %q, want %q", got, "legacy secret")
	}
	if version != V1 {
		t.Errorf("version = %d, want V1", version)
	}
}

func TestDecryptWrongKey(t *testing.T) {
	e := newTestEnvelope(t)
	blob, err := e.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	other, err := New("a-different-master-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, _, err := other.Decrypt(blob); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Decrypt with wrong key: err = %v, want ErrDecrypt", err)
	}
}

func TestDecryptGarbage(t *testing.T) {
	e := newTestEnvelope(t)

	if _, _, err := e.Decrypt("not base64 at all!!!"); err == nil {
		t.Error("Decrypt accepted invalid base64")
	}

	short := base64.StdEncoding.EncodeToString([]byte("tiny"))
	if _, _, err := e.Decrypt(short); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Decrypt of short blob: err = %v, want ErrDecrypt", err)
	}

	// Valid length, corrupted ciphertext: both layouts must refuse.
	blob, err := e.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	raw, _ := base64.StdEncoding.DecodeString(blob)
	raw[len(raw)-1] ^= 0xff
	if _, _, err := e.Decrypt(base64.StdEncoding.EncodeToString(raw)); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Decrypt of corrupted blob: err = %v, want ErrDecrypt", err)
	}
}
