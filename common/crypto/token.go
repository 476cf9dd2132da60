package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
)

// TokenBytes is the entropy of an opaque credential before encoding.
const TokenBytes = 32

// NewToken returns a fresh opaque credential: 32 random bytes encoded as
// unpadded base64url (43 characters). Used for magic links, sessions,
// device codes and API token bodies.
func NewToken() (string, error) {
	buf := make([]byte, TokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("crypto: generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken returns the lowercase hex SHA-256 of a raw credential. Only this
// digest is ever persisted; the raw value is handed to the caller once and
// never stored.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// HashBytes returns the lowercase hex SHA-256 of arbitrary bytes.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// TokensEqual compares two token digests in constant time.
func TokensEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// NumericCode returns a random code of the given number of decimal digits,
// zero-padded, suitable for one-time passwords. Lengths outside [4, 10] are
// clamped.
func NumericCode(digits int) (string, error) {
	if digits < 4 {
		digits = 4
	}
	if digits > 10 {
		digits = 10
	}
	limit := big.NewInt(1)
	for i := 0; i < digits; i++ {
		limit.Mul(limit, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("crypto: generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}
