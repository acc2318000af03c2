package epochstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	anystore "github.com/anyproto/any-store"
	"github.com/anyproto/any-store/anyenc"
	"github.com/anyproto/any-store/query"

	"github.com/murmur-chat/epochs/conversation"
	"github.com/murmur-chat/epochs/util/crypto"
)

const (
	conversationsCollName = "conversations"
	epochsCollName        = "epochs"
	membersCollName       = "members"
	wrapsCollName         = "wraps"

	idKey             = "id"
	conversationIdKey = "cid"
	epochNumberKey    = "n"
	currentEpochKey   = "e"
	publicKeyKey      = "pk"
	confirmationKey   = "ch"
	chainLinkKey      = "cl"
	titleKey          = "tt"
	memberIdKey       = "mid"
	privilegeKey      = "pr"
	visibleFromKey    = "vf"
	wrapKey           = "w"
	createdAtKey      = "ct"
	joinedAtKey       = "jt"
	acceptedAtKey     = "at"
	leftAtKey         = "lt"
)

func epochDocId(conversationId string, n uint64) string {
	return fmt.Sprintf("%s/%d", conversationId, n)
}

func memberDocId(conversationId, memberId string) string {
	return conversationId + "/" + memberId
}

func wrapDocId(conversationId string, n uint64, memberId string) string {
	return fmt.Sprintf("%s/%d/%s", conversationId, n, memberId)
}

func timeToDoc(t time.Time) int {
	if t.IsZero() {
		return 0
	}
	return int(t.UnixMilli())
}

func timeFromDoc(ms int) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms))
}

func newConversationValue(c conversation.Conversation, arena *anyenc.Arena) *anyenc.Value {
	val := arena.NewObject()
	val.Set(idKey, arena.NewString(c.Id))
	val.Set(currentEpochKey, arena.NewNumberInt(int(c.CurrentEpoch)))
	val.Set(createdAtKey, arena.NewNumberInt(timeToDoc(c.CreatedAt)))
	return val
}

func conversationFromDoc(doc anystore.Doc) conversation.Conversation {
	return conversation.Conversation{
		Id:           doc.Value().GetString(idKey),
		CurrentEpoch: uint64(doc.Value().GetInt(currentEpochKey)),
		CreatedAt:    timeFromDoc(doc.Value().GetInt(createdAtKey)),
	}
}

func newEpochValue(e conversation.Epoch, arena *anyenc.Arena) *anyenc.Value {
	val := arena.NewObject()
	val.Set(idKey, arena.NewString(epochDocId(e.ConversationId, e.Number)))
	val.Set(conversationIdKey, arena.NewString(e.ConversationId))
	val.Set(epochNumberKey, arena.NewNumberInt(int(e.Number)))
	val.Set(publicKeyKey, arena.NewBinary(e.PublicKey.Raw()))
	val.Set(confirmationKey, arena.NewBinary(e.ConfirmationHash))
	val.Set(chainLinkKey, arena.NewBinary(e.ChainLink))
	val.Set(titleKey, arena.NewBinary(e.EncryptedTitle))
	return val
}

func epochFromDoc(doc anystore.Doc) (conversation.Epoch, error) {
	pubKey, err := crypto.UnmarshalPubKey(doc.Value().GetBytes(publicKeyKey))
	if err != nil {
		return conversation.Epoch{}, err
	}
	return conversation.Epoch{
		ConversationId:   doc.Value().GetString(conversationIdKey),
		Number:           uint64(doc.Value().GetInt(epochNumberKey)),
		PublicKey:        pubKey,
		ConfirmationHash: doc.Value().GetBytes(confirmationKey),
		ChainLink:        doc.Value().GetBytes(chainLinkKey),
		EncryptedTitle:   doc.Value().GetBytes(titleKey),
	}, nil
}

func newMemberValue(m conversation.Member, arena *anyenc.Arena) *anyenc.Value {
	val := arena.NewObject()
	val.Set(idKey, arena.NewString(memberDocId(m.ConversationId, m.Id)))
	val.Set(conversationIdKey, arena.NewString(m.ConversationId))
	val.Set(memberIdKey, arena.NewString(m.Id))
	val.Set(publicKeyKey, arena.NewBinary(m.PublicKey.Raw()))
	val.Set(privilegeKey, arena.NewNumberInt(int(m.Privilege)))
	val.Set(visibleFromKey, arena.NewNumberInt(int(m.VisibleFromEpoch)))
	val.Set(joinedAtKey, arena.NewNumberInt(timeToDoc(m.JoinedAt)))
	val.Set(acceptedAtKey, arena.NewNumberInt(timeToDoc(m.AcceptedAt)))
	val.Set(leftAtKey, arena.NewNumberInt(timeToDoc(m.LeftAt)))
	return val
}

func memberFromDoc(doc anystore.Doc) (conversation.Member, error) {
	pubKey, err := crypto.UnmarshalPubKey(doc.Value().GetBytes(publicKeyKey))
	if err != nil {
		return conversation.Member{}, err
	}
	return conversation.Member{
		ConversationId:   doc.Value().GetString(conversationIdKey),
		Id:               doc.Value().GetString(memberIdKey),
		PublicKey:        pubKey,
		Privilege:        conversation.Privilege(doc.Value().GetInt(privilegeKey)),
		VisibleFromEpoch: uint64(doc.Value().GetInt(visibleFromKey)),
		JoinedAt:         timeFromDoc(doc.Value().GetInt(joinedAtKey)),
		AcceptedAt:       timeFromDoc(doc.Value().GetInt(acceptedAtKey)),
		LeftAt:           timeFromDoc(doc.Value().GetInt(leftAtKey)),
	}, nil
}

func newWrapValue(w conversation.Wrap, arena *anyenc.Arena) *anyenc.Value {
	val := arena.NewObject()
	val.Set(idKey, arena.NewString(wrapDocId(w.ConversationId, w.EpochNumber, w.MemberId)))
	val.Set(conversationIdKey, arena.NewString(w.ConversationId))
	val.Set(epochNumberKey, arena.NewNumberInt(int(w.EpochNumber)))
	val.Set(memberIdKey, arena.NewString(w.MemberId))
	val.Set(publicKeyKey, arena.NewBinary(w.MemberKey.Raw()))
	val.Set(wrapKey, arena.NewBinary(w.Wrap))
	val.Set(visibleFromKey, arena.NewNumberInt(int(w.VisibleFromEpoch)))
	return val
}

func wrapFromDoc(doc anystore.Doc) (conversation.Wrap, error) {
	memberKey, err := crypto.UnmarshalPubKey(doc.Value().GetBytes(publicKeyKey))
	if err != nil {
		return conversation.Wrap{}, err
	}
	return conversation.Wrap{
		ConversationId:   doc.Value().GetString(conversationIdKey),
		EpochNumber:      uint64(doc.Value().GetInt(epochNumberKey)),
		MemberId:         doc.Value().GetString(memberIdKey),
		MemberKey:        memberKey,
		Wrap:             doc.Value().GetBytes(wrapKey),
		VisibleFromEpoch: uint64(doc.Value().GetInt(visibleFromKey)),
	}, nil
}

// byConversation filters a collection down to one conversation's docs
func byConversation(conversationId string) query.Key {
	return query.Key{Path: []string{conversationIdKey}, Filter: query.NewComp(query.CompOpEq, conversationId)}
}

func (s *storeService) conversationTx(ctx context.Context, conversationId string) (conversation.Conversation, error) {
	doc, err := s.conversations.FindId(ctx, conversationId)
	if err != nil {
		if errors.Is(err, anystore.ErrDocNotFound) {
			return conversation.Conversation{}, conversation.ErrConversationNotFound
		}
		return conversation.Conversation{}, err
	}
	return conversationFromDoc(doc), nil
}

func (s *storeService) memberTx(ctx context.Context, conversationId, memberId string) (conversation.Member, error) {
	doc, err := s.members.FindId(ctx, memberDocId(conversationId, memberId))
	if err != nil {
		if errors.Is(err, anystore.ErrDocNotFound) {
			return conversation.Member{}, conversation.ErrMemberNotFound
		}
		return conversation.Member{}, err
	}
	return memberFromDoc(doc)
}

func (s *storeService) activeMemberTx(ctx context.Context, conversationId, memberId string) (conversation.Member, error) {
	member, err := s.memberTx(ctx, conversationId, memberId)
	if err != nil {
		return conversation.Member{}, err
	}
	if !member.Active() {
		return conversation.Member{}, conversation.ErrMemberNotFound
	}
	return member, nil
}

func (s *storeService) membersTx(ctx context.Context, conversationId string) (members []conversation.Member, err error) {
	iter, err := s.members.Find(byConversation(conversationId)).Sort(memberIdKey).Iter(ctx)
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	for iter.Next() {
		doc, err := iter.Doc()
		if err != nil {
			return nil, err
		}
		member, err := memberFromDoc(doc)
		if err != nil {
			return nil, err
		}
		members = append(members, member)
	}
	return members, nil
}

func (s *storeService) activeMembersTx(ctx context.Context, conversationId string) (active []conversation.Member, err error) {
	members, err := s.membersTx(ctx, conversationId)
	if err != nil {
		return nil, err
	}
	for _, member := range members {
		if member.Active() {
			active = append(active, member)
		}
	}
	return active, nil
}

// deleteConversationTx removes the conversation and everything hanging off
// it: epochs, members, wraps. Used when the owner leaves.
func (s *storeService) deleteConversationTx(ctx context.Context, conversationId string) error {
	for _, coll := range []anystore.Collection{s.epochs, s.members, s.wraps} {
		iter, err := coll.Find(byConversation(conversationId)).Iter(ctx)
		if err != nil {
			return err
		}
		var ids []string
		for iter.Next() {
			doc, err := iter.Doc()
			if err != nil {
				iter.Close()
				return err
			}
			ids = append(ids, doc.Value().GetString(idKey))
		}
		if err = iter.Close(); err != nil {
			return err
		}
		for _, id := range ids {
			if err = coll.DeleteId(ctx, id); err != nil {
				return err
			}
		}
	}
	return s.conversations.DeleteId(ctx, conversationId)
}
