package crypto_test

import (
	"strings"
	"testing"

	"github.com/latchflow/latchflow/common/crypto"
)

func TestNewToken_LengthAndUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		tok, err := crypto.NewToken()
		if err != nil {
			t.Fatalf("NewToken: %v", err)
		}
		if len(tok) != 43 {
			t.Fatalf("token length = %d, want 43 (32 bytes base64url)", len(tok))
		}
		if strings.ContainsAny(tok, "+/=") {
			t.Fatalf("token %q contains non-URL-safe characters", tok)
		}
		if seen[tok] {
			t.Fatalf("duplicate token generated: %q", tok)
		}
		seen[tok] = true
	}
}

func TestHashToken_StableAndOpaque(t *testing.T) {
	raw := "lfk_example-raw-token"
	h1 := crypto.HashToken(raw)
	h2 := crypto.HashToken(raw)
	if h1 != h2 {
		t.Errorf("hash not stable: %q vs %q", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(h1))
	}
	if h1 == raw || strings.Contains(h1, raw) {
		t.Error("hash leaks the raw token")
	}
}

func TestTokensEqual(t *testing.T) {
	a := crypto.HashToken("one")
	b := crypto.HashToken("one")
	c := crypto.HashToken("two")
	if !crypto.TokensEqual(a, b) {
		t.Error("equal digests reported unequal")
	}
	if crypto.TokensEqual(a, c) {
		t.Error("different digests reported equal")
	}
}

func TestNumericCode(t *testing.T) {
	for _, digits := range []int{4, 6, 8} {
		code, err := crypto.NumericCode(digits)
		if err != nil {
			t.Fatalf("NumericCode(%d): %v", digits, err)
		}
		if len(code) != digits {
			t.Errorf("NumericCode(%d) length = %d", digits, len(code))
		}
		for _, r := range code {
			if r < '0' || r > '9' {
				t.Errorf("NumericCode(%d) = %q contains non-digit", digits, code)
				break
			}
		}
	}
}

func TestNumericCode_ClampsLength(t *testing.T) {
	code, err := crypto.NumericCode(1)
	if err != nil {
		t.Fatalf("NumericCode: %v", err)
	}
	if len(code) != 4 {
		t.Errorf("short request not clamped to 4 digits, got %d", len(code))
	}
}
