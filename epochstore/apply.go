package epochstore

import (
	"bytes"
	"context"
	"fmt"

	"github.com/anyproto/any-store/anyenc"
	"github.com/anyproto/any-store/query"
	"golang.org/x/exp/slices"

	"github.com/murmur-chat/epochs/conversation"
	"github.com/murmur-chat/epochs/rotation"
	"github.com/murmur-chat/epochs/util/crypto"
)

// wrapSetAdjust shifts the intended wrap set away from the current active
// set for membership operations committed in the same transaction
type wrapSetAdjust struct {
	// excludeMemberId drops a member being removed in this transaction
	excludeMemberId string
	// include holds members newly added in this transaction; their
	// visibility floor becomes the post-rotation epoch number
	include []includedMember
}

type includedMember struct {
	memberId string
	key      *crypto.PubKey
}

// wrapTarget is one intended wrap recipient with its visibility floor
type wrapTarget struct {
	memberId    string
	visibleFrom uint64
}

// applyTx validates a rotation proposal against the conversation inside
// the caller's transaction and writes the new epoch, its wraps and the
// bumped currentEpoch. Checks run in order: CAS on expectedEpoch,
// then exact wrap-set equality with the intended post-operation
// member set.
func (s *storeService) applyTx(txCtx context.Context, conversationId string, proposal rotation.Params, adjust wrapSetAdjust) (newEpoch uint64, err error) {
	conv, err := s.conversationTx(txCtx, conversationId)
	if err != nil {
		return 0, err
	}
	if proposal.ExpectedEpoch != conv.CurrentEpoch {
		if s.rotationConflicts != nil {
			s.rotationConflicts.Inc()
		}
		return 0, conversation.ErrStaleEpoch
	}
	// every epoch past the first carries a chain link; correctness of the
	// link is the clients' business, presence is checked here
	if len(proposal.ChainLink) == 0 {
		return 0, fmt.Errorf("rotation proposal missing chain link")
	}
	newEpoch = conv.CurrentEpoch + 1

	active, err := s.activeMembersTx(txCtx, conversationId)
	if err != nil {
		return 0, err
	}
	intended := make(map[string]wrapTarget, len(active)+len(adjust.include))
	intendedKeys := make([]*crypto.PubKey, 0, len(active)+len(adjust.include))
	for _, member := range active {
		if member.Id == adjust.excludeMemberId {
			continue
		}
		intended[member.PublicKey.String()] = wrapTarget{memberId: member.Id, visibleFrom: member.VisibleFromEpoch}
		intendedKeys = append(intendedKeys, member.PublicKey)
	}
	for _, added := range adjust.include {
		intended[added.key.String()] = wrapTarget{memberId: added.memberId, visibleFrom: newEpoch}
		intendedKeys = append(intendedKeys, added.key)
	}

	proposalKeys, err := proposal.MemberKeys()
	if err != nil {
		return 0, err
	}
	if !equalKeySets(proposalKeys, intendedKeys) {
		return 0, conversation.ErrWrapSetMismatch
	}

	epochPubKey, err := crypto.UnmarshalPubKey(proposal.EpochPublicKey)
	if err != nil {
		return 0, err
	}

	arena := arenaPool.Get()
	defer arenaPool.Put(arena)

	epochDoc := newEpochValue(conversation.Epoch{
		ConversationId:   conversationId,
		Number:           newEpoch,
		PublicKey:        epochPubKey,
		ConfirmationHash: proposal.ConfirmationHash,
		ChainLink:        proposal.ChainLink,
		EncryptedTitle:   proposal.EncryptedTitle,
	}, arena)
	if err = s.epochs.Insert(txCtx, epochDoc); err != nil {
		return 0, err
	}

	for _, mw := range proposal.MemberWraps {
		memberKey, err := crypto.UnmarshalPubKey(mw.MemberPublicKey)
		if err != nil {
			return 0, err
		}
		target := intended[memberKey.String()]
		wrapDoc := newWrapValue(conversation.Wrap{
			ConversationId:   conversationId,
			EpochNumber:      newEpoch,
			MemberId:         target.memberId,
			MemberKey:        memberKey,
			Wrap:             mw.Wrap,
			VisibleFromEpoch: target.visibleFrom,
		}, arena)
		if err = s.wraps.Insert(txCtx, wrapDoc); err != nil {
			return 0, err
		}
	}

	if err = s.setCurrentEpochTx(txCtx, conversationId, newEpoch); err != nil {
		return 0, err
	}
	if s.rotationsCommitted != nil {
		s.rotationsCommitted.Inc()
	}
	return newEpoch, nil
}

func (s *storeService) setCurrentEpochTx(txCtx context.Context, conversationId string, newEpoch uint64) error {
	mod := query.ModifyFunc(func(a *anyenc.Arena, v *anyenc.Value) (result *anyenc.Value, modified bool, err error) {
		v.Set(currentEpochKey, a.NewNumberInt(int(newEpoch)))
		return v, true, nil
	})
	_, err := s.conversations.UpsertId(txCtx, conversationId, mod)
	return err
}

// equalKeySets compares two public key sets over canonical sorted byte
// sequences, independent of any map iteration order
func equalKeySets(a, b []*crypto.PubKey) bool {
	if len(a) != len(b) {
		return false
	}
	rawA := make([][]byte, 0, len(a))
	rawB := make([][]byte, 0, len(b))
	for i := range a {
		rawA = append(rawA, a[i].Raw())
		rawB = append(rawB, b[i].Raw())
	}
	slices.SortFunc(rawA, bytes.Compare)
	slices.SortFunc(rawB, bytes.Compare)
	return slices.EqualFunc(rawA, rawB, bytes.Equal)
}
