package accessoracle

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	saltLength = 16
	keyLength  = 32
	// Recommended Argon2id parameters (OWASP), used for the dev-mode
	// shared-secret auth path documented in SPEC_FULL.md §10.
	timeCost    = 1
	memoryCost  = 64 * 1024 // 64MB
	parallelism = 4
)

func generateSalt(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// HashSecret hashes a dev-mode shared secret using Argon2id with a
// randomly generated salt.
func HashSecret(secret string) (string, error) {
	salt, err := generateSalt(saltLength)
	if err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(secret), salt, timeCost, memoryCost, parallelism, keyLength)

	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedHash := base64.RawStdEncoding.EncodeToString(hash)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s", argon2.Version, memoryCost, timeCost, parallelism, encodedSalt, encodedHash), nil
}

// VerifySecret verifies a dev-mode shared secret against its hash.
func VerifySecret(hashedSecret, secret string) bool {
	parts := strings.Split(hashedSecret, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}
	var version, memory, time, parallelism int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &parallelism); err != nil {
		return false
	}
	encodedSalt, encodedHash := parts[4], parts[5]

	salt, err := base64.RawStdEncoding.DecodeString(encodedSalt)
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(encodedHash)
	if err != nil {
		return false
	}

	got := argon2.IDKey([]byte(secret), salt, uint32(time), uint32(memory), uint8(parallelism), uint32(keyLength))
	return subtle.ConstantTimeCompare(got, want) == 1
}
