package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
)

// Key realm and environments. Issued keys look like
// oao_live_ab12cd34ef56gh78ij90 and clients consume them verbatim.
const (
	KeyRealm     = "oao"
	EnvLive      = "live"
	EnvTest      = "test"
	keySecretLen = 20
)

// keyAlphabet holds the characters allowed in the random key suffix.
const keyAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// keyPattern matches the exact credential wire format: {realm}_{live|test}_{20 lowercase alphanumerics}.
var keyPattern = regexp.MustCompile(`^[a-z0-9]+_(live|test)_[a-z0-9]{20}$`)

// GenerateAPIKey creates a new random API key string for the given environment.
func GenerateAPIKey(env string) (token string, err error) {
	if env != EnvLive && env != EnvTest {
		return "", fmt.Errorf("generate api key: unknown env %q", env)
	}
	buf := make([]byte, keySecretLen)
	if _, err = rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	for i := range buf {
		buf[i] = keyAlphabet[int(buf[i])%len(keyAlphabet)]
	}
	return KeyRealm + "_" + env + "_" + string(buf), nil
}

// ValidKeyFormat reports whether a raw credential matches the issued wire
// format. It is a pure lexical check and performs no I/O.
func ValidKeyFormat(raw string) bool {
	return keyPattern.MatchString(raw)
}

// HashAPIKey returns the deterministic one-way hash under which a key is
// stored and looked up. The plaintext itself is never persisted.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
