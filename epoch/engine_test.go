package epoch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murmur-chat/epochs/util/crypto"
)

type testMember struct {
	priv *crypto.PrivKey
	pub  *crypto.PubKey
}

func newTestMembers(t *testing.T, n int) (members []testMember, pubKeys []*crypto.PubKey) {
	for i := 0; i < n; i++ {
		priv, pub, err := crypto.GenerateKeyPair()
		require.NoError(t, err)
		members = append(members, testMember{priv: priv, pub: pub})
		pubKeys = append(pubKeys, pub)
	}
	return
}

func TestCreateFirst(t *testing.T) {
	members, pubKeys := newTestMembers(t, 3)

	keys, err := CreateFirst(pubKeys)
	require.NoError(t, err)
	assert.Empty(t, keys.ChainLink)
	assert.Len(t, keys.MemberWraps, 3)

	t.Run("every member unwraps the same key", func(t *testing.T) {
		for i, member := range members {
			unwrapped, err := UnwrapKey(member.priv, keys.MemberWraps[i].Wrap)
			require.NoError(t, err)
			assert.True(t, unwrapped.Equals(keys.PrivateKey))
			assert.True(t, VerifyConfirmation(unwrapped, keys.ConfirmationHash))
		}
	})
	t.Run("confirmation rejects another key", func(t *testing.T) {
		stranger, _, err := crypto.GenerateKeyPair()
		require.NoError(t, err)
		assert.False(t, VerifyConfirmation(stranger, keys.ConfirmationHash))
	})
}

func TestRotate(t *testing.T) {
	_, pubKeys := newTestMembers(t, 2)
	first, err := CreateFirst(pubKeys)
	require.NoError(t, err)

	second, err := Rotate(first.PrivateKey, pubKeys)
	require.NoError(t, err)
	require.NotEmpty(t, second.ChainLink)

	t.Run("fresh keypair per rotation", func(t *testing.T) {
		assert.False(t, second.PrivateKey.Equals(first.PrivateKey))
		assert.False(t, second.PublicKey.Equals(first.PublicKey))
	})
	t.Run("chain link round-trip law", func(t *testing.T) {
		recovered, err := TraverseChainLink(second.PrivateKey, second.ChainLink)
		require.NoError(t, err)
		assert.True(t, recovered.Equals(first.PrivateKey))
	})
	t.Run("older key does not open the chain link", func(t *testing.T) {
		_, err := TraverseChainLink(first.PrivateKey, second.ChainLink)
		assert.ErrorIs(t, err, crypto.ErrDecryption)
	})
	t.Run("multi-hop traversal", func(t *testing.T) {
		third, err := Rotate(second.PrivateKey, pubKeys)
		require.NoError(t, err)

		mid, err := TraverseChainLink(third.PrivateKey, third.ChainLink)
		require.NoError(t, err)
		assert.True(t, mid.Equals(second.PrivateKey))

		oldest, err := TraverseChainLink(mid, second.ChainLink)
		require.NoError(t, err)
		assert.True(t, oldest.Equals(first.PrivateKey))
	})
}

func TestRotateRejectsDuplicateMembers(t *testing.T) {
	_, pubKeys := newTestMembers(t, 2)
	first, err := CreateFirst(pubKeys)
	require.NoError(t, err)

	_, err = Rotate(first.PrivateKey, []*crypto.PubKey{pubKeys[0], pubKeys[0]})
	assert.ErrorIs(t, err, ErrDuplicateMembers)
}

func TestUnwrapWrongMember(t *testing.T) {
	members, pubKeys := newTestMembers(t, 2)
	keys, err := CreateFirst(pubKeys)
	require.NoError(t, err)

	// wrap addressed to member 1, opened with member 0's key
	_, err = UnwrapKey(members[0].priv, keys.MemberWraps[1].Wrap)
	assert.ErrorIs(t, err, crypto.ErrDecryption)
}
