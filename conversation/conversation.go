// Package conversation holds the shared data model of the epoch rotation
// protocol: conversations, their members and the per-epoch key records.
package conversation

import (
	"time"

	"github.com/murmur-chat/epochs/util/crypto"
)

// Conversation is the per-conversation anchor row. CurrentEpoch is the
// compare-and-swap target every rotation proposal races on; it always
// equals the newest committed epoch's number.
type Conversation struct {
	Id           string
	CurrentEpoch uint64
	CreatedAt    time.Time
}

// Epoch is one committed generation of the conversation keypair.
// Immutable once committed. The private key is never stored server-side,
// it exists only wrapped per member.
type Epoch struct {
	ConversationId   string
	Number           uint64
	PublicKey        *crypto.PubKey
	ConfirmationHash []byte
	// ChainLink holds the previous epoch's private key sealed to this
	// epoch's public key; empty for epoch 1
	ChainLink      []byte
	EncryptedTitle []byte
}

// Wrap is one epoch private key sealed to one member's long-term key
type Wrap struct {
	ConversationId string
	EpochNumber    uint64
	MemberId       string
	MemberKey      *crypto.PubKey
	Wrap           []byte
	// VisibleFromEpoch mirrors the owning member's history floor at the
	// time the wrap was written
	VisibleFromEpoch uint64
}

// Member is a conversation participant. LeftAt is the soft-delete marker:
// a member is active while it is zero.
type Member struct {
	ConversationId   string
	Id               string
	PublicKey        *crypto.PubKey
	Privilege        Privilege
	VisibleFromEpoch uint64
	JoinedAt         time.Time
	AcceptedAt       time.Time
	LeftAt           time.Time
}

// Active reports whether the member has not left the conversation
func (m Member) Active() bool {
	return m.LeftAt.IsZero()
}

// Accepted reports whether the member has acknowledged the invitation
func (m Member) Accepted() bool {
	return !m.AcceptedAt.IsZero()
}
