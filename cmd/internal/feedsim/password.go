package feedsim

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// ErrInvalidHash is returned for malformed or unsupported password hashes.
var ErrInvalidHash = errors.New("invalid password hash")

// hashParams is the Argon2id cost of simulator accounts. It is the lower bound of
// interactive-login settings so seeded logins stay fast in tests.
var hashParams = struct {
	memoryKiB   uint32
	iterations  uint32
	parallelism uint8
	saltLen     int
	keyLen      uint32
}{memoryKiB: 19 * 1024, iterations: 2, parallelism: 1, saltLen: 16, keyLen: 32}

// HashPassword encodes password as
// $argon2id$v=19$m=<mem>,t=<iter>,p=<par>$<salt_b64>$<hash_b64>.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("empty password")
	}
	salt := make([]byte, hashParams.saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, hashParams.iterations, hashParams.memoryKiB, hashParams.parallelism, hashParams.keyLen)

	b64 := base64.RawStdEncoding
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, hashParams.memoryKiB, hashParams.iterations, hashParams.parallelism,
		b64.EncodeToString(salt), b64.EncodeToString(key)), nil
}

// VerifyPassword reports whether password matches encoded.
func VerifyPassword(encoded, password string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" || parts[2] != fmt.Sprintf("v=%d", argon2.Version) {
		return false, ErrInvalidHash
	}
	var mem, it uint32
	var par uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &it, &par); err != nil {
		return false, ErrInvalidHash
	}
	// Refuse costs far above our own; the hash string is untrusted input.
	if mem == 0 || it == 0 || par == 0 || mem > 2*hashParams.memoryKiB || it > 2*hashParams.iterations {
		return false, ErrInvalidHash
	}

	b64 := base64.RawStdEncoding
	salt, err := b64.DecodeString(parts[4])
	if err != nil || len(salt) < 8 {
		return false, ErrInvalidHash
	}
	want, err := b64.DecodeString(parts[5])
	if err != nil || len(want) < 16 || len(want) > 128 {
		return false, ErrInvalidHash
	}

	got := argon2.IDKey([]byte(password), salt, it, mem, par, uint32(len(want))) // #nosec G115 -- bounded above
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
