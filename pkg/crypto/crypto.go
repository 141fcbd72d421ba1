// Package crypto provides password hashing for the credential store.
//
// New hashes use Argon2id encoded in the PHC string format:
//
//	$argon2id$v=19$m=65536,t=1,p=4$<salt>$<key>
//
// Verification also understands bcrypt hashes ($2a$, $2b$, $2y$) so that
// credential files produced by bcrypt-based tools can be imported as-is.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

const argon2Prefix = "$argon2id$"

var (
	ErrMalformedHash = errors.New("crypto: malformed password hash")
	ErrUnknownScheme = errors.New("crypto: unknown hash scheme")
)

// Scheme names the format a stored credential is in.
type Scheme string

const (
	SchemeArgon2id  Scheme = "argon2id"
	SchemeBcrypt    Scheme = "bcrypt"
	SchemePlaintext Scheme = "plaintext"
)

// Params controls the Argon2id cost.
type Params struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
	KeyLen  uint32
	SaltLen uint32
}

// DefaultParams is the cost used for stored credentials.
var DefaultParams = Params{
	Time:    1,
	Memory:  64 * 1024,
	Threads: 4,
	KeyLen:  32,
	SaltLen: 16,
}

// Upper bounds accepted when verifying a stored hash. A hash outside them is
// treated as malformed rather than computed.
const (
	MaxTime   = 16
	MaxMemory = 1024 * 1024 // KiB
	maxKeyLen = 128
)

// GenerateSalt returns n random bytes.
func GenerateSalt(n uint32) ([]byte, error) {
	salt := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("crypto: generate salt: %w", err)
	}
	return salt, nil
}

// HashPassword hashes a password with Argon2id and a fresh random salt and
// returns the encoded hash string.
func HashPassword(password string, p Params) (string, error) {
	if p.Time == 0 || p.Memory == 0 || p.Threads == 0 || p.KeyLen == 0 {
		p = DefaultParams
	}
	if p.SaltLen == 0 {
		p.SaltLen = DefaultParams.SaltLen
	}
	salt, err := GenerateSalt(p.SaltLen)
	if err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, p.KeyLen)
	return fmt.Sprintf("%sv=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2Prefix, argon2.Version, p.Memory, p.Time, p.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// SchemeOf reports which format a stored credential uses. Anything that is
// not shaped like a known hash is legacy plaintext.
func SchemeOf(stored string) Scheme {
	switch {
	case strings.HasPrefix(stored, argon2Prefix):
		return SchemeArgon2id
	case isBcrypt(stored):
		return SchemeBcrypt
	default:
		return SchemePlaintext
	}
}

// IsHashed returns true if stored is an Argon2id or bcrypt hash.
func IsHashed(stored string) bool {
	return SchemeOf(stored) != SchemePlaintext
}

// VerifyPassword checks password against an encoded Argon2id or bcrypt hash.
// A mismatch returns (false, nil); an undecodable hash returns an error.
func VerifyPassword(password, encoded string) (bool, error) {
	switch SchemeOf(encoded) {
	case SchemeArgon2id:
		return verifyArgon2(password, encoded)
	case SchemeBcrypt:
		err := bcrypt.CompareHashAndPassword([]byte(encoded), []byte(password))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrMalformedHash, err)
		}
		return true, nil
	default:
		return false, ErrUnknownScheme
	}
}

func verifyArgon2(password, encoded string) (bool, error) {
	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, key
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return false, ErrMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, ErrMalformedHash
	}
	if version != argon2.Version {
		return false, fmt.Errorf("%w: unsupported argon2 version %d", ErrMalformedHash, version)
	}

	var p Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Time, &p.Threads); err != nil {
		return false, ErrMalformedHash
	}
	if p.Time == 0 || p.Threads == 0 || p.Memory == 0 {
		return false, fmt.Errorf("%w: zero argon2 cost parameter", ErrMalformedHash)
	}
	if p.Time > MaxTime || p.Memory > MaxMemory {
		return false, fmt.Errorf("%w: argon2 cost exceeds limit", ErrMalformedHash)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, ErrMalformedHash
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(want) == 0 || len(want) > maxKeyLen {
		return false, ErrMalformedHash
	}

	got := argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, uint32(len(want))) //nolint:gosec // key length bounded by decoded hash
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// EqualPlaintext compares a legacy plaintext credential in constant time.
func EqualPlaintext(password, stored string) bool {
	return subtle.ConstantTimeCompare([]byte(password), []byte(stored)) == 1
}

func isBcrypt(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}
