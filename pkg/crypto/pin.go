// Package crypto provides keyed hashing for connection invite PINs.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

var (
	// ErrInvalidPepper is returned when the process-wide PIN secret is empty.
	ErrInvalidPepper = errors.New("invalid pin pepper: must not be empty")
	// ErrInvalidHash is returned when a stored hash is not a well-formed
	// Argon2id PHC string within accepted parameter bounds.
	ErrInvalidHash = errors.New("invalid argon2id hash")
)

// PinHasher hashes and verifies invite PINs with Argon2id, keyed by a
// process-wide pepper so a leaked database alone is not enough to brute-force
// short PINs.
type PinHasher struct {
	pepper  []byte
	memory  uint32 // KiB
	time    uint32
	threads uint8
	saltLen uint32
	keyLen  uint32
}

// NewPinHasher creates a PinHasher with the given pepper and default
// Argon2id parameters (64 MiB, t=3, p=1).
func NewPinHasher(pepper string) (*PinHasher, error) {
	if pepper == "" {
		return nil, ErrInvalidPepper
	}
	return &PinHasher{
		pepper:  []byte(pepper),
		memory:  64 * 1024,
		time:    3,
		threads: 1,
		saltLen: 16,
		keyLen:  32,
	}, nil
}

// Hash returns a PHC-format Argon2id hash of the PIN.
func (h *PinHasher) Hash(pin string) (string, error) {
	salt := make([]byte, h.saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := argon2.IDKey(h.material(pin), salt, h.time, h.memory, h.threads, h.keyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.memory, h.time, h.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

// Verify checks a candidate PIN against a stored PHC hash. Parsing is strict
// and parameters far above the configured maxima are rejected rather than
// evaluated, so a corrupted row cannot trigger an expensive computation.
func (h *PinHasher) Verify(encoded, candidate string) (bool, error) {
	memory, time, threads, salt, key, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}

	got := argon2.IDKey(h.material(candidate), salt, time, memory, threads, uint32(len(key)))
	return subtle.ConstantTimeCompare(got, key) == 1, nil
}

func (h *PinHasher) material(pin string) []byte {
	return append([]byte(pin), h.pepper...)
}

func parsePHC(encoded string) (memory, time uint32, threads uint8, salt, key []byte, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return 0, 0, 0, nil, nil, ErrInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return 0, 0, 0, nil, nil, ErrInvalidHash
	}

	var p uint
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &p); err != nil {
		return 0, 0, 0, nil, nil, ErrInvalidHash
	}

	// Anti-DoS bounds on stored parameters.
	if memory < 8*1024 || memory > 1<<21 || time < 1 || time > 16 || p < 1 || p > 8 {
		return 0, 0, 0, nil, nil, ErrInvalidHash
	}
	threads = uint8(p)

	salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) < 8 || len(salt) > 64 {
		return 0, 0, 0, nil, nil, ErrInvalidHash
	}

	key, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) < 16 || len(key) > 128 {
		return 0, 0, 0, nil, nil, ErrInvalidHash
	}

	return memory, time, threads, salt, key, nil
}
