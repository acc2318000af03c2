package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	privKey, pubKey, err := GenerateKeyPair()
	require.NoError(t, err)

	msg := []byte("do not read this over my shoulder")
	encrypted, err := pubKey.Encrypt(msg)
	require.NoError(t, err)
	assert.Len(t, encrypted, len(msg)+SealOverhead)

	t.Run("holder of the private key opens the box", func(t *testing.T) {
		decrypted, err := privKey.Decrypt(encrypted)
		require.NoError(t, err)
		assert.Equal(t, msg, decrypted)
	})
	t.Run("encryption is non-deterministic", func(t *testing.T) {
		other, err := pubKey.Encrypt(msg)
		require.NoError(t, err)
		assert.NotEqual(t, encrypted, other)
	})
	t.Run("another key fails to open", func(t *testing.T) {
		otherPriv, _, err := GenerateKeyPair()
		require.NoError(t, err)
		_, err = otherPriv.Decrypt(encrypted)
		assert.ErrorIs(t, err, ErrDecryption)
	})
	t.Run("tampered ciphertext fails authentication", func(t *testing.T) {
		tampered := append([]byte(nil), encrypted...)
		tampered[len(tampered)-1] ^= 0xff
		_, err := privKey.Decrypt(tampered)
		assert.ErrorIs(t, err, ErrDecryption)
	})
	t.Run("truncated ciphertext fails", func(t *testing.T) {
		_, err := privKey.Decrypt(encrypted[:SealOverhead-1])
		assert.ErrorIs(t, err, ErrDecryption)
	})
}

func TestUnmarshalPrivKey(t *testing.T) {
	privKey, pubKey, err := GenerateKeyPair()
	require.NoError(t, err)

	restored, err := UnmarshalPrivKey(privKey.Raw())
	require.NoError(t, err)
	assert.True(t, restored.Equals(privKey))

	t.Run("public key is re-derived", func(t *testing.T) {
		assert.True(t, restored.GetPublic().Equals(pubKey))
	})
	t.Run("restored key decrypts", func(t *testing.T) {
		encrypted, err := pubKey.Encrypt([]byte("payload"))
		require.NoError(t, err)
		decrypted, err := restored.Decrypt(encrypted)
		require.NoError(t, err)
		assert.Equal(t, []byte("payload"), decrypted)
	})
	t.Run("wrong size is rejected", func(t *testing.T) {
		_, err := UnmarshalPrivKey(make([]byte, 16))
		assert.ErrorIs(t, err, ErrKeySize)
	})
}

func TestPubKeyStringRoundTrip(t *testing.T) {
	_, pubKey, err := GenerateKeyPair()
	require.NoError(t, err)
	decoded, err := DecodePubKeyString(pubKey.String())
	require.NoError(t, err)
	assert.True(t, decoded.Equals(pubKey))
}

func TestIsZero(t *testing.T) {
	zeroed, err := UnmarshalPrivKey(make([]byte, KeyBytes))
	require.NoError(t, err)
	assert.True(t, zeroed.IsZero())

	privKey, _, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.False(t, privKey.IsZero())
}

func TestHash(t *testing.T) {
	a := Hash([]byte("epoch key"))
	b := Hash([]byte("epoch key"))
	c := Hash([]byte("epoch keY"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a[:], HashBytes)
}

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, ConstantTimeEqual([]byte{1, 2, 3}, []byte{1, 2, 3}))
	assert.False(t, ConstantTimeEqual([]byte{1, 2, 3}, []byte{1, 2, 4}))
	assert.False(t, ConstantTimeEqual([]byte{1, 2, 3}, []byte{1, 2}))
	assert.True(t, ConstantTimeEqual(nil, []byte{}))
}
