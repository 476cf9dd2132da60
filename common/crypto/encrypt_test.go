package crypto_test

import (
	"bytes"
	"testing"

	"github.com/latchflow/latchflow/common/crypto"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = byte(i * 3)
	}
	return key
}

func TestEncryptDecrypt_Roundtrip(t *testing.T) {
	key := testKey(t)
	plaintext := []byte(`{"smtp_password":"hunter2"}`)

	sealed, err := crypto.Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(sealed, plaintext) {
		t.Fatal("ciphertext equals plaintext")
	}

	opened, err := crypto.Decrypt(key, sealed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("recovered %q, want %q", opened, plaintext)
	}
}

func TestEncrypt_FreshNoncePerCall(t *testing.T) {
	key := testKey(t)
	plaintext := []byte("same bytes")

	c1, err := crypto.Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("first Encrypt: %v", err)
	}
	c2, err := crypto.Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("second Encrypt: %v", err)
	}
	if bytes.Equal(c1, c2) {
		t.Error("two seals of the same plaintext produced identical ciphertext")
	}
}

func TestEncrypt_RejectsBadKeySizes(t *testing.T) {
	for _, n := range []int{0, 16, 31, 33, 64} {
		if _, err := crypto.Encrypt(make([]byte, n), []byte("x")); err == nil {
			t.Errorf("key size %d: expected error, got nil", n)
		}
	}
}

func TestDecrypt_Tampered(t *testing.T) {
	key := testKey(t)
	sealed, err := crypto.Encrypt(key, []byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	sealed[len(sealed)-1] ^= 0x01

	if _, err := crypto.Decrypt(key, sealed); err == nil {
		t.Fatal("expected authentication failure for tampered ciphertext")
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	sealed, err := crypto.Encrypt(testKey(t), []byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	other := make([]byte, crypto.KeySize)
	for i := range other {
		other[i] = byte(255 - i)
	}
	if _, err := crypto.Decrypt(other, sealed); err == nil {
		t.Fatal("expected error decrypting with a different key")
	}
}

func TestDecrypt_TooShort(t *testing.T) {
	if _, err := crypto.Decrypt(testKey(t), []byte("tiny")); err == nil {
		t.Fatal("expected error for ciphertext shorter than nonce")
	}
}

func TestParseMasterKey(t *testing.T) {
	cases := []struct {
		name    string
		hex     string
		wantErr bool
	}{
		{"valid", "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f", false},
		{"valid with whitespace", "  000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f\n", false},
		{"empty", "", true},
		{"not hex", "zz0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f", true},
		{"too short", "00010203", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			key, err := crypto.ParseMasterKey(tc.hex)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseMasterKey: %v", err)
			}
			if len(key) != crypto.KeySize {
				t.Errorf("key length = %d, want %d", len(key), crypto.KeySize)
			}
		})
	}
}
