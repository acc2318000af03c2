package epochstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anyproto/any-store/anyenc"
	"github.com/anyproto/any-store/query"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/murmur-chat/epochs/conversation"
	"github.com/murmur-chat/epochs/rotation"
	"github.com/murmur-chat/epochs/util/crypto"
)

// ErrWrapRequired is returned on a full-history add without the current
// epoch key sealed to the joining member
var ErrWrapRequired = conversation.ErrProposalRequired

func (s *storeService) Create(ctx context.Context, owner OwnerParams, first rotation.Params) (conv conversation.Conversation, err error) {
	if first.ExpectedEpoch != 0 {
		return conversation.Conversation{}, conversation.ErrStaleEpoch
	}
	if len(first.ChainLink) != 0 {
		return conversation.Conversation{}, fmt.Errorf("first epoch cannot carry a chain link")
	}
	if len(first.MemberWraps) != 1 {
		return conversation.Conversation{}, conversation.ErrWrapSetMismatch
	}
	ownerWrapKey, err := crypto.UnmarshalPubKey(first.MemberWraps[0].MemberPublicKey)
	if err != nil {
		return conversation.Conversation{}, err
	}
	if !ownerWrapKey.Equals(owner.PublicKey) {
		return conversation.Conversation{}, conversation.ErrWrapSetMismatch
	}
	epochPubKey, err := crypto.UnmarshalPubKey(first.EpochPublicKey)
	if err != nil {
		return conversation.Conversation{}, err
	}

	now := time.Now()
	conv = conversation.Conversation{
		Id:           uuid.NewString(),
		CurrentEpoch: 1,
		CreatedAt:    now,
	}
	err = s.writeTx(ctx, func(txCtx context.Context) error {
		arena := arenaPool.Get()
		defer arenaPool.Put(arena)

		if err := s.conversations.Insert(txCtx, newConversationValue(conv, arena)); err != nil {
			return err
		}
		member := conversation.Member{
			ConversationId:   conv.Id,
			Id:               owner.Id,
			PublicKey:        owner.PublicKey,
			Privilege:        conversation.PrivilegeOwner,
			VisibleFromEpoch: 1,
			JoinedAt:         now,
			AcceptedAt:       now,
		}
		if err := s.members.Insert(txCtx, newMemberValue(member, arena)); err != nil {
			return err
		}
		firstEpoch := conversation.Epoch{
			ConversationId:   conv.Id,
			Number:           1,
			PublicKey:        epochPubKey,
			ConfirmationHash: first.ConfirmationHash,
			EncryptedTitle:   first.EncryptedTitle,
		}
		if err := s.epochs.Insert(txCtx, newEpochValue(firstEpoch, arena)); err != nil {
			return err
		}
		wrap := conversation.Wrap{
			ConversationId:   conv.Id,
			EpochNumber:      1,
			MemberId:         owner.Id,
			MemberKey:        owner.PublicKey,
			Wrap:             first.MemberWraps[0].Wrap,
			VisibleFromEpoch: 1,
		}
		return s.wraps.Insert(txCtx, newWrapValue(wrap, arena))
	})
	if err != nil {
		return conversation.Conversation{}, err
	}
	log.InfoCtx(ctx, "conversation created", zap.String("conversationId", conv.Id))
	return conv, nil
}

func (s *storeService) AddMember(ctx context.Context, conversationId, actorId string, params AddMemberParams) error {
	return s.writeTx(ctx, func(txCtx context.Context) error {
		conv, err := s.conversationTx(txCtx, conversationId)
		if err != nil {
			return err
		}
		actor, err := s.activeMemberTx(txCtx, conversationId, actorId)
		if err != nil {
			return err
		}
		if !actor.Privilege.CanManageMembers() {
			return conversation.ErrInsufficientPrivilege
		}
		// ownership is assigned at creation only, never by an add
		if params.Privilege >= conversation.PrivilegeOwner || params.Privilege <= conversation.PrivilegeNone {
			return conversation.ErrInsufficientPrivilege
		}
		if existing, err := s.memberTx(txCtx, conversationId, params.MemberId); err == nil && existing.Active() {
			return conversation.ErrMemberExists
		} else if err != nil && !errors.Is(err, conversation.ErrMemberNotFound) {
			return err
		}
		active, err := s.activeMembersTx(txCtx, conversationId)
		if err != nil {
			return err
		}
		// the ceiling applies to both paths
		if len(active)+1 > s.conf.memberLimit() {
			return conversation.ErrMemberLimit
		}

		now := time.Now()
		member := conversation.Member{
			ConversationId: conversationId,
			Id:             params.MemberId,
			PublicKey:      params.PublicKey,
			Privilege:      params.Privilege,
			JoinedAt:       now,
		}
		if params.FullHistory {
			// no rotation: the member receives the current epoch key and
			// walks all earlier epochs through the chain links
			if len(params.Wrap) == 0 {
				return ErrWrapRequired
			}
			member.VisibleFromEpoch = 1
			if err = s.upsertMemberTx(txCtx, member); err != nil {
				return err
			}
			wrap := conversation.Wrap{
				ConversationId:   conversationId,
				EpochNumber:      conv.CurrentEpoch,
				MemberId:         params.MemberId,
				MemberKey:        params.PublicKey,
				Wrap:             params.Wrap,
				VisibleFromEpoch: 1,
			}
			return s.upsertWrapTx(txCtx, wrap)
		}

		if params.Proposal == nil {
			return conversation.ErrProposalRequired
		}
		newEpoch, err := s.applyTx(txCtx, conversationId, *params.Proposal, wrapSetAdjust{
			include: []includedMember{{memberId: params.MemberId, key: params.PublicKey}},
		})
		if err != nil {
			return err
		}
		member.VisibleFromEpoch = newEpoch
		return s.upsertMemberTx(txCtx, member)
	})
}

func (s *storeService) RemoveMember(ctx context.Context, conversationId, actorId, targetId string, proposal rotation.Params) error {
	return s.writeTx(ctx, func(txCtx context.Context) error {
		if actorId == targetId {
			return conversation.ErrSelfOperation
		}
		actor, err := s.activeMemberTx(txCtx, conversationId, actorId)
		if err != nil {
			return err
		}
		target, err := s.activeMemberTx(txCtx, conversationId, targetId)
		if err != nil {
			return err
		}
		if target.Privilege == conversation.PrivilegeOwner {
			return conversation.ErrOwnerImmutable
		}
		if !actor.Privilege.Outranks(target.Privilege) {
			return conversation.ErrInsufficientPrivilege
		}
		return s.removeWithRotationTx(txCtx, conversationId, target, proposal)
	})
}

func (s *storeService) Leave(ctx context.Context, conversationId, memberId string, proposal *rotation.Params) error {
	return s.writeTx(ctx, func(txCtx context.Context) error {
		member, err := s.activeMemberTx(txCtx, conversationId, memberId)
		if err != nil {
			return err
		}
		if member.Privilege == conversation.PrivilegeOwner {
			// the conversation dies with its owner
			log.InfoCtx(ctx, "owner left, deleting conversation", zap.String("conversationId", conversationId))
			return s.deleteConversationTx(txCtx, conversationId)
		}
		if proposal == nil {
			return conversation.ErrProposalRequired
		}
		return s.removeWithRotationTx(txCtx, conversationId, member, *proposal)
	})
}

// removeWithRotationTx commits the mandatory rotation excluding the
// leaving member and soft-deletes the member row, all in the caller's
// transaction
func (s *storeService) removeWithRotationTx(txCtx context.Context, conversationId string, target conversation.Member, proposal rotation.Params) error {
	if _, err := s.applyTx(txCtx, conversationId, proposal, wrapSetAdjust{excludeMemberId: target.Id}); err != nil {
		return err
	}
	leftAt := time.Now()
	mod := query.ModifyFunc(func(a *anyenc.Arena, v *anyenc.Value) (result *anyenc.Value, modified bool, err error) {
		v.Set(leftAtKey, a.NewNumberInt(timeToDoc(leftAt)))
		return v, true, nil
	})
	_, err := s.members.UpsertId(txCtx, memberDocId(conversationId, target.Id), mod)
	return err
}

func (s *storeService) ChangePrivilege(ctx context.Context, conversationId, actorId, targetId string, privilege conversation.Privilege) error {
	return s.writeTx(ctx, func(txCtx context.Context) error {
		if actorId == targetId {
			return conversation.ErrSelfOperation
		}
		if privilege >= conversation.PrivilegeOwner || privilege <= conversation.PrivilegeNone {
			return conversation.ErrInsufficientPrivilege
		}
		actor, err := s.activeMemberTx(txCtx, conversationId, actorId)
		if err != nil {
			return err
		}
		target, err := s.activeMemberTx(txCtx, conversationId, targetId)
		if err != nil {
			return err
		}
		if target.Privilege == conversation.PrivilegeOwner {
			return conversation.ErrOwnerImmutable
		}
		if !actor.Privilege.CanManageMembers() || !actor.Privilege.Outranks(target.Privilege) || privilege > actor.Privilege {
			return conversation.ErrInsufficientPrivilege
		}
		mod := query.ModifyFunc(func(a *anyenc.Arena, v *anyenc.Value) (result *anyenc.Value, modified bool, err error) {
			v.Set(privilegeKey, a.NewNumberInt(int(privilege)))
			return v, true, nil
		})
		_, err = s.members.UpsertId(txCtx, memberDocId(conversationId, targetId), mod)
		return err
	})
}

func (s *storeService) Accept(ctx context.Context, conversationId, memberId string) error {
	return s.writeTx(ctx, func(txCtx context.Context) error {
		if _, err := s.activeMemberTx(txCtx, conversationId, memberId); err != nil {
			return err
		}
		acceptedAt := time.Now()
		mod := query.ModifyFunc(func(a *anyenc.Arena, v *anyenc.Value) (result *anyenc.Value, modified bool, err error) {
			if v.GetInt(acceptedAtKey) != 0 {
				// already accepted, idempotent
				return v, false, nil
			}
			v.Set(acceptedAtKey, a.NewNumberInt(timeToDoc(acceptedAt)))
			return v, true, nil
		})
		_, err := s.members.UpsertId(txCtx, memberDocId(conversationId, memberId), mod)
		return err
	})
}

func (s *storeService) upsertMemberTx(txCtx context.Context, member conversation.Member) error {
	mod := query.ModifyFunc(func(a *anyenc.Arena, v *anyenc.Value) (result *anyenc.Value, modified bool, err error) {
		return newMemberValue(member, a), true, nil
	})
	_, err := s.members.UpsertId(txCtx, memberDocId(member.ConversationId, member.Id), mod)
	return err
}

func (s *storeService) upsertWrapTx(txCtx context.Context, wrap conversation.Wrap) error {
	mod := query.ModifyFunc(func(a *anyenc.Arena, v *anyenc.Value) (result *anyenc.Value, modified bool, err error) {
		return newWrapValue(wrap, a), true, nil
	})
	_, err := s.wraps.UpsertId(txCtx, wrapDocId(wrap.ConversationId, wrap.EpochNumber, wrap.MemberId), mod)
	return err
}
