package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

const (
	// KeyBytes is the length of an x25519 key.
	KeyBytes = 32

	// SealOverhead is the number of bytes a sealed box adds to the plaintext.
	SealOverhead = KeyBytes + box.Overhead
)

var (
	ErrDecryption = errors.New("sealed box decryption failed")
	ErrKeySize    = errors.New("invalid x25519 key size")
)

// PubKey is an x25519 public key, the encryption half of a keypair.
type PubKey struct {
	raw [KeyBytes]byte
}

// PrivKey is an x25519 private key. It keeps its public counterpart
// around because sealed box nonces are derived from it.
type PrivKey struct {
	raw [KeyBytes]byte
	pub PubKey
}

// GenerateKeyPair returns a fresh random x25519 keypair
func GenerateKeyPair() (*PrivKey, *PubKey, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	privKey := &PrivKey{raw: *priv, pub: PubKey{raw: *pub}}
	return privKey, &PubKey{raw: *pub}, nil
}

// UnmarshalPubKey returns a public key by decoding raw bytes
func UnmarshalPubKey(raw []byte) (*PubKey, error) {
	if len(raw) != KeyBytes {
		return nil, ErrKeySize
	}
	k := &PubKey{}
	copy(k.raw[:], raw)
	return k, nil
}

// UnmarshalPrivKey returns a private key by decoding raw bytes,
// deriving the public counterpart on the way
func UnmarshalPrivKey(raw []byte) (*PrivKey, error) {
	if len(raw) != KeyBytes {
		return nil, ErrKeySize
	}
	k := &PrivKey{}
	copy(k.raw[:], raw)
	pub, err := curve25519.X25519(k.raw[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(k.pub.raw[:], pub)
	return k, nil
}

// DecodePubKeyString decodes the base58 string form produced by PubKey.String
func DecodePubKeyString(s string) (*PubKey, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return nil, err
	}
	return UnmarshalPubKey(raw)
}

// Raw returns a copy of raw key bytes
func (k *PubKey) Raw() []byte {
	buf := make([]byte, KeyBytes)
	copy(buf, k.raw[:])
	return buf
}

// String returns the base58 form, usable as a map key and in logs
func (k *PubKey) String() string {
	return base58.Encode(k.raw[:])
}

// Equals returns if the keys are equal
func (k *PubKey) Equals(other *PubKey) bool {
	if other == nil {
		return false
	}
	return subtle.ConstantTimeCompare(k.raw[:], other.raw[:]) == 1
}

// Encrypt seals the message to the key holder: an ephemeral keypair is
// generated per call, the nonce is derived from both public keys the way
// libsodium derives sealed box nonces, and the ephemeral public key is
// prepended to the box
func (k *PubKey) Encrypt(msg []byte) ([]byte, error) {
	epk, esk, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	nonce, err := sealNonce(epk[:], k.raw[:])
	if err != nil {
		return nil, err
	}
	return box.Seal(epk[:], msg, &nonce, &k.raw, esk), nil
}

// Raw returns a copy of raw key bytes
func (k *PrivKey) Raw() []byte {
	buf := make([]byte, KeyBytes)
	copy(buf, k.raw[:])
	return buf
}

// GetPublic returns the associated public key
func (k *PrivKey) GetPublic() *PubKey {
	pub := k.pub
	return &pub
}

// Equals returns if the keys are equal
func (k *PrivKey) Equals(other *PrivKey) bool {
	if other == nil {
		return false
	}
	return subtle.ConstantTimeCompare(k.raw[:], other.raw[:]) == 1
}

// IsZero reports whether the key is the all-zero placeholder
func (k *PrivKey) IsZero() bool {
	var zero [KeyBytes]byte
	return subtle.ConstantTimeCompare(k.raw[:], zero[:]) == 1
}

// Decrypt opens a sealed box produced by PubKey.Encrypt.
// Returns ErrDecryption on malformed input or authentication failure.
func (k *PrivKey) Decrypt(encrypted []byte) ([]byte, error) {
	if len(encrypted) < SealOverhead {
		return nil, ErrDecryption
	}
	var epk [KeyBytes]byte
	copy(epk[:], encrypted[:KeyBytes])

	nonce, err := sealNonce(epk[:], k.pub.raw[:])
	if err != nil {
		return nil, err
	}
	decrypted, ok := box.Open(nil, encrypted[KeyBytes:], &nonce, &epk, &k.raw)
	if !ok {
		return nil, ErrDecryption
	}
	return decrypted, nil
}

// nonce logic follows libsodium crypto_box_seal: blake2b-24 over epk || rpk
func sealNonce(epk, rpk []byte) (nonce [24]byte, err error) {
	h, err := blake2b.New(24, nil)
	if err != nil {
		return
	}
	h.Write(epk)
	h.Write(rpk)
	copy(nonce[:], h.Sum(nil))
	return
}
