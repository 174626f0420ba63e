package crypto

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"
)

func testKey(t *testing.T) string {
	t.Helper()
	return hex.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
}

func TestSealOpenRoundtrip(t *testing.T) {
	for _, key := range []string{testKey(t), "a long enough passphrase"} {
		c, err := NewCipher(key)
		if err != nil {
			t.Fatalf("NewCipher(%q): %v", key, err)
		}

		original := []byte(`{"type":"api_key","apiKey":{"name":"key","value":"secret-123"}}`)
		sealed, err := c.Seal(original)
		if err != nil {
			t.Fatalf("Seal: %v", err)
		}
		if bytes.Contains(sealed, []byte("secret-123")) {
			t.Fatal("sealed value leaks plaintext")
		}

		opened, err := c.Open(sealed)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if !bytes.Equal(opened, original) {
			t.Errorf("roundtrip failed: got %q, want %q", opened, original)
		}
	}
}

func TestDifferentCiphertexts(t *testing.T) {
	c, err := NewCipher(testKey(t))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	enc1, _ := c.Seal([]byte("same input"))
	enc2, _ := c.Seal([]byte("same input"))
	if bytes.Equal(enc1, enc2) {
		t.Error("two seals of the same plaintext should differ (random nonce)")
	}
}

func TestNilCipherPassthrough(t *testing.T) {
	var c *Cipher

	text := []byte(`{"key":"value"}`)
	sealed, err := c.Seal(text)
	if err != nil {
		t.Fatalf("nil Seal: %v", err)
	}
	if !bytes.Equal(sealed, text) {
		t.Errorf("nil Seal should return plaintext unchanged, got %q", sealed)
	}
	opened, err := c.Open(text)
	if err != nil || !bytes.Equal(opened, text) {
		t.Errorf("nil Open should return data unchanged, got %q, %v", opened, err)
	}
	if c.Enabled() {
		t.Error("nil cipher should report disabled")
	}
}

func TestOpenUnsealedPassthrough(t *testing.T) {
	c, _ := NewCipher(testKey(t))
	plain := []byte(`{"legacy":true}`)
	opened, err := c.Open(plain)
	if err != nil || !bytes.Equal(opened, plain) {
		t.Errorf("unsealed data should pass through, got %q, %v", opened, err)
	}
}

func TestOpenSealedWithoutKey(t *testing.T) {
	c, _ := NewCipher(testKey(t))
	sealed, _ := c.Seal([]byte("x"))

	var none *Cipher
	if _, err := none.Open(sealed); err == nil {
		t.Error("expected error opening sealed data without a key")
	}
}

func TestEmptyKeyReturnsNil(t *testing.T) {
	c, err := NewCipher("")
	if err != nil {
		t.Fatalf("NewCipher with empty key: %v", err)
	}
	if c != nil {
		t.Error("NewCipher with empty key should return nil")
	}
}

func TestShortPassphrase(t *testing.T) {
	_, err := NewCipher("short")
	if err == nil {
		t.Fatal("expected error for short passphrase")
	}
	if !strings.Contains(err.Error(), "16 characters") {
		t.Errorf("error should mention minimum length, got: %v", err)
	}
}

func TestOpenTampered(t *testing.T) {
	c, _ := NewCipher(testKey(t))

	if _, err := c.Open(append([]byte(nil), sealedPrefix...)); err == nil {
		t.Error("expected error for too-short ciphertext")
	}

	sealed, _ := c.Seal([]byte("hello"))
	sealed[len(sealed)-1] ^= 0xff
	if _, err := c.Open(sealed); err == nil {
		t.Error("expected error for tampered ciphertext")
	}
}
