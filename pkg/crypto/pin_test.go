package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPinHasherRequiresPepper(t *testing.T) {
	_, err := NewPinHasher("")
	assert.ErrorIs(t, err, ErrInvalidPepper)
}

func TestHashVerifyRoundTrip(t *testing.T) {
	hasher, err := NewPinHasher("test-pepper")
	require.NoError(t, err)

	encoded, err := hasher.Hash("123456")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(encoded, "$argon2id$v=19$"))

	ok, err := hasher.Verify(encoded, "123456")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = hasher.Verify(encoded, "654321")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashesAreSalted(t *testing.T) {
	hasher, err := NewPinHasher("test-pepper")
	require.NoError(t, err)

	first, err := hasher.Hash("123456")
	require.NoError(t, err)
	second, err := hasher.Hash("123456")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestVerifyWithDifferentPepperFails(t *testing.T) {
	hasher, err := NewPinHasher("pepper-a")
	require.NoError(t, err)
	other, err := NewPinHasher("pepper-b")
	require.NoError(t, err)

	encoded, err := hasher.Hash("123456")
	require.NoError(t, err)

	ok, err := other.Verify(encoded, "123456")
	require.NoError(t, err)
	assert.False(t, ok, "the hash must be bound to the pepper, not just the pin")
}

func TestVerifyRejectsMalformedHashes(t *testing.T) {
	hasher, err := NewPinHasher("test-pepper")
	require.NoError(t, err)

	valid, err := hasher.Hash("123456")
	require.NoError(t, err)
	parts := strings.Split(valid, "$")
	require.Len(t, parts, 6)

	tests := []struct {
		name    string
		encoded string
	}{
		{"empty", ""},
		{"not phc", "plainly-not-a-hash"},
		{"wrong algorithm", "$argon2i$v=19$" + strings.Join(parts[3:], "$")},
		{"wrong version", "$argon2id$v=18$" + strings.Join(parts[3:], "$")},
		{"garbled params", "$argon2id$v=19$m=abc,t=3,p=1$" + parts[4] + "$" + parts[5]},
		{"bad salt encoding", "$argon2id$v=19$" + parts[3] + "$!!!$" + parts[5]},
		{"bad key encoding", "$argon2id$v=19$" + parts[3] + "$" + parts[4] + "$!!!"},
		// Out-of-bounds parameters are rejected before any key derivation.
		{"memory too small", "$argon2id$v=19$m=1024,t=3,p=1$" + parts[4] + "$" + parts[5]},
		{"memory too large", "$argon2id$v=19$m=4194304,t=3,p=1$" + parts[4] + "$" + parts[5]},
		{"too many passes", "$argon2id$v=19$m=65536,t=64,p=1$" + parts[4] + "$" + parts[5]},
		{"too many threads", "$argon2id$v=19$m=65536,t=3,p=32$" + parts[4] + "$" + parts[5]},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := hasher.Verify(tc.encoded, "123456")
			assert.ErrorIs(t, err, ErrInvalidHash)
		})
	}
}
