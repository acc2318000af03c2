// Package epoch implements the pure key material side of conversation
// epochs: creating the first epoch, rotating to the next one and walking
// the resulting key chain backwards.
//
// Every epoch carries a fresh x25519 keypair. The private key is never
// derived from the previous one, so a removed member holding old keys
// learns nothing about later epochs. The only road back is the chain
// link: the previous private key sealed to the new public key. Whoever
// can decrypt the new epoch can therefore recurse arbitrarily far into
// history - restricting how far a member may actually look back is the
// server's query-side job, not a property of the cryptography.
package epoch

import (
	"errors"

	"github.com/murmur-chat/epochs/util/crypto"
)

var ErrDuplicateMembers = errors.New("duplicate member public keys")

// MemberWrap is the epoch private key sealed to one member's long-term key
type MemberWrap struct {
	MemberKey *crypto.PubKey
	Wrap      []byte
}

// Keys is the full key material of one epoch
type Keys struct {
	PublicKey        *crypto.PubKey
	PrivateKey       *crypto.PrivKey
	ConfirmationHash []byte
	// ChainLink is the previous epoch's private key sealed to PublicKey.
	// Empty for the first epoch.
	ChainLink   []byte
	MemberWraps []MemberWrap
}

// CreateFirst generates epoch 1 key material with a wrap for every member
func CreateFirst(memberKeys []*crypto.PubKey) (Keys, error) {
	return generate(nil, memberKeys)
}

// Rotate generates the next epoch's key material. The new keypair is
// independent of the old one; oldKey survives only inside the chain link.
func Rotate(oldKey *crypto.PrivKey, memberKeys []*crypto.PubKey) (Keys, error) {
	if oldKey == nil {
		return Keys{}, errors.New("missing previous epoch key")
	}
	return generate(oldKey, memberKeys)
}

func generate(oldKey *crypto.PrivKey, memberKeys []*crypto.PubKey) (k Keys, err error) {
	if err = checkDuplicates(memberKeys); err != nil {
		return
	}
	privKey, pubKey, err := crypto.GenerateKeyPair()
	if err != nil {
		return
	}
	confirmation := crypto.Hash(privKey.Raw())
	k = Keys{
		PublicKey:        pubKey,
		PrivateKey:       privKey,
		ConfirmationHash: confirmation[:],
	}
	if oldKey != nil {
		k.ChainLink, err = pubKey.Encrypt(oldKey.Raw())
		if err != nil {
			return Keys{}, err
		}
	}
	k.MemberWraps = make([]MemberWrap, 0, len(memberKeys))
	for _, memberKey := range memberKeys {
		wrap, err := memberKey.Encrypt(privKey.Raw())
		if err != nil {
			return Keys{}, err
		}
		k.MemberWraps = append(k.MemberWraps, MemberWrap{MemberKey: memberKey, Wrap: wrap})
	}
	return k, nil
}

func checkDuplicates(memberKeys []*crypto.PubKey) error {
	seen := make(map[string]struct{}, len(memberKeys))
	for _, key := range memberKeys {
		s := key.String()
		if _, exists := seen[s]; exists {
			return ErrDuplicateMembers
		}
		seen[s] = struct{}{}
	}
	return nil
}

// UnwrapKey recovers an epoch private key from a member wrap
func UnwrapKey(memberKey *crypto.PrivKey, wrap []byte) (*crypto.PrivKey, error) {
	raw, err := memberKey.Decrypt(wrap)
	if err != nil {
		return nil, err
	}
	return crypto.UnmarshalPrivKey(raw)
}

// TraverseChainLink recovers the immediately preceding epoch's private key.
// Repeated application walks arbitrarily far back, bounded only by which
// chain links the caller was served.
func TraverseChainLink(newerKey *crypto.PrivKey, chainLink []byte) (*crypto.PrivKey, error) {
	raw, err := newerKey.Decrypt(chainLink)
	if err != nil {
		return nil, err
	}
	return crypto.UnmarshalPrivKey(raw)
}

// VerifyConfirmation checks an unwrapped epoch key against the epoch's
// published confirmation hash, detecting a corrupted or tampered wrap
// before the key is trusted
func VerifyConfirmation(key *crypto.PrivKey, expected []byte) bool {
	digest := crypto.Hash(key.Raw())
	return crypto.ConstantTimeEqual(digest[:], expected)
}
