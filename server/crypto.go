package server

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Sign computes an HMAC-SHA256 over value, base64-encodes the digest,
// truncates it to length characters and makes it URL-safe. This is an
// integrity mark for nonces, not encryption.
func Sign(value, secret string, length int) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(value))
	digest := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if length > 0 && length < len(digest) {
		digest = digest[:length]
	}
	return urlSafe(digest)
}

// urlSafe translates a base64 string so it can travel in URLs, cookies and
// PKCE verifiers without further encoding: padding dropped, +/ swapped for -_.
func urlSafe(b64 string) string {
	b64 = strings.ReplaceAll(b64, "=", "")
	b64 = strings.ReplaceAll(b64, "+", "-")
	return strings.ReplaceAll(b64, "/", "_")
}

// GenerateSecret draws length characters uniformly from alphabet using
// crypto/rand. Rejection sampling avoids modulo bias: a random byte is
// redrawn when it falls above the largest multiple of len(alphabet) that
// fits in a byte.
func GenerateSecret(alphabet string, length int) (string, error) {
	if len(alphabet) == 0 || len(alphabet) > 256 {
		return "", fmt.Errorf("alphabet size must be 1..256, got %d", len(alphabet))
	}
	limit := 256 - 256%len(alphabet)
	out := make([]byte, 0, length)
	buf := make([]byte, 1)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		if int(buf[0]) >= limit {
			continue
		}
		out = append(out, alphabet[int(buf[0])%len(alphabet)])
	}
	return string(out), nil
}

// NewNonce produces a nonce of the form "<unix-seconds>T<random>". The
// timestamp prefix lets validation bound the nonce's age without any
// server-side store.
func NewNonce(alphabet string, length int) (string, error) {
	random, err := GenerateSecret(alphabet, length)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%dT%s", time.Now().Unix(), random), nil
}

// NonceTimestamp extracts the unix-seconds prefix of a nonce. Returns zero
// time for malformed nonces, which then always fail the age check.
func NonceTimestamp(nonce string) time.Time {
	prefix, _, ok := strings.Cut(nonce, "T")
	if !ok {
		return time.Time{}
	}
	secs, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(secs, 0)
}

// PKCEPair is a PKCE verifier with its S256 challenge.
type PKCEPair struct {
	Verifier  string
	Challenge string
}

// NewPKCEPair draws a random verifier and derives its challenge as the
// URL-safe base64 of SHA-256(verifier), per RFC 7636.
func NewPKCEPair(alphabet string, length int) (PKCEPair, error) {
	verifier, err := GenerateSecret(alphabet, length)
	if err != nil {
		return PKCEPair{}, err
	}
	hash := sha256.Sum256([]byte(verifier))
	return PKCEPair{
		Verifier:  verifier,
		Challenge: urlSafe(base64.StdEncoding.EncodeToString(hash[:])),
	}, nil
}
