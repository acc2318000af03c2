// Package epochstore is the server-side transactional authority of the
// epoch protocol. Every mutation runs inside a single write transaction
// against the conversation's docs; the conversation row's currentEpoch is
// the compare-and-swap anchor, so at most one rotation commits per
// conversation at a time and the loser sees a STALE_EPOCH conflict.
//
// The store never sees a plaintext epoch private key: proposals carry
// only public keys, hashes and sealed wraps. Backward history access is
// unbounded cryptographically (chain links recurse); the restriction to
// a member's visibleFromEpoch floor is enforced here, on the read side,
// by what the store chooses to serve.
package epochstore

import (
	"context"
	"errors"

	anystore "github.com/anyproto/any-store"
	"github.com/anyproto/any-store/anyenc"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/murmur-chat/epochs/app"
	"github.com/murmur-chat/epochs/app/logger"
	"github.com/murmur-chat/epochs/conversation"
	"github.com/murmur-chat/epochs/metric"
	"github.com/murmur-chat/epochs/rotation"
	"github.com/murmur-chat/epochs/util/crypto"
)

const CName = "epochs.epochstore"

var log = logger.NewNamed(CName)

var arenaPool = &anyenc.ArenaPool{}

func New() Service {
	return &storeService{}
}

// OwnerParams identifies the creating member of a new conversation
type OwnerParams struct {
	Id        string
	PublicKey *crypto.PubKey
}

// AddMemberParams describes a member joining a conversation.
// FullHistory admits the member to all history: no rotation happens, the
// caller supplies the current epoch key sealed to the new member and the
// visibility floor is epoch 1. Otherwise Proposal must rotate the
// conversation and the floor becomes the post-rotation epoch.
type AddMemberParams struct {
	MemberId    string
	PublicKey   *crypto.PubKey
	Privilege   conversation.Privilege
	FullHistory bool
	Wrap        []byte
	Proposal    *rotation.Params
}

type Service interface {
	// Create bootstraps a conversation from a first-epoch proposal
	// (expectedEpoch 0, exactly one wrap addressed to the owner)
	Create(ctx context.Context, owner OwnerParams, first rotation.Params) (conversation.Conversation, error)
	// Apply validates and commits an explicit rotation proposal
	Apply(ctx context.Context, conversationId string, proposal rotation.Params) (newEpoch uint64, err error)

	AddMember(ctx context.Context, conversationId, actorId string, params AddMemberParams) error
	RemoveMember(ctx context.Context, conversationId, actorId, targetId string, proposal rotation.Params) error
	Leave(ctx context.Context, conversationId, memberId string, proposal *rotation.Params) error
	ChangePrivilege(ctx context.Context, conversationId, actorId, targetId string, privilege conversation.Privilege) error
	Accept(ctx context.Context, conversationId, memberId string) error

	Conversation(ctx context.Context, conversationId string) (conversation.Conversation, error)
	ActiveMembers(ctx context.Context, conversationId string) ([]conversation.Member, error)
	// ActiveMemberKeys satisfies rotation.RosterSource
	ActiveMemberKeys(ctx context.Context, conversationId string) ([]*crypto.PubKey, error)
	// MemberWraps returns the member's wraps from its visibility floor up
	MemberWraps(ctx context.Context, conversationId, memberId string) ([]conversation.Wrap, error)
	// Epochs returns epoch rows within [from, to] clamped to the member's
	// visibility floor; the floor epoch is served without its chain link
	// so the member cannot recurse below the floor
	Epochs(ctx context.Context, conversationId, memberId string, from, to uint64) ([]conversation.Epoch, error)

	app.ComponentRunnable
}

type storeService struct {
	conf Config
	db   anystore.DB

	conversations anystore.Collection
	epochs        anystore.Collection
	members       anystore.Collection
	wraps         anystore.Collection

	rotationsCommitted prometheus.Counter
	rotationConflicts  prometheus.Counter
}

func (s *storeService) Init(a *app.App) (err error) {
	s.conf = a.MustComponent("config").(configSource).GetEpochStore()
	if m, ok := a.Component(metric.CName).(metric.Metric); ok {
		s.rotationsCommitted = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "epochs", Subsystem: "store", Name: "rotations_committed_total",
		})
		s.rotationConflicts = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "epochs", Subsystem: "store", Name: "rotation_conflicts_total",
		})
		if err = m.Registry().Register(s.rotationsCommitted); err != nil {
			return
		}
		if err = m.Registry().Register(s.rotationConflicts); err != nil {
			return
		}
	}
	return nil
}

func (s *storeService) Name() (name string) {
	return CName
}

func (s *storeService) Run(ctx context.Context) (err error) {
	if s.db, err = anystore.Open(ctx, s.conf.path(), nil); err != nil {
		return
	}
	if s.conversations, err = s.db.Collection(ctx, conversationsCollName); err != nil {
		return
	}
	if s.epochs, err = s.db.Collection(ctx, epochsCollName); err != nil {
		return
	}
	if s.members, err = s.db.Collection(ctx, membersCollName); err != nil {
		return
	}
	if s.wraps, err = s.db.Collection(ctx, wrapsCollName); err != nil {
		return
	}
	idx := anystore.IndexInfo{Name: conversationIdKey, Fields: []string{conversationIdKey}}
	for _, coll := range []anystore.Collection{s.epochs, s.members, s.wraps} {
		if err = coll.EnsureIndex(ctx, idx); err != nil && !errors.Is(err, anystore.ErrIndexExists) {
			return
		}
		err = nil
	}
	return nil
}

func (s *storeService) Close(ctx context.Context) (err error) {
	if s.db != nil {
		err = s.db.Close()
		s.db = nil
	}
	return
}

// writeTx wraps fn in a single write transaction; any error rolls the
// whole thing back so partial epochs never hit the disk
func (s *storeService) writeTx(ctx context.Context, fn func(txCtx context.Context) error) (err error) {
	tx, err := s.db.WriteTx(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()
	return fn(tx.Context())
}

func (s *storeService) Apply(ctx context.Context, conversationId string, proposal rotation.Params) (newEpoch uint64, err error) {
	err = s.writeTx(ctx, func(txCtx context.Context) error {
		newEpoch, err = s.applyTx(txCtx, conversationId, proposal, wrapSetAdjust{})
		return err
	})
	if err != nil {
		return 0, err
	}
	log.InfoCtx(ctx, "rotation applied",
		zap.String("conversationId", conversationId), zap.Uint64("epoch", newEpoch))
	return newEpoch, nil
}

func (s *storeService) Conversation(ctx context.Context, conversationId string) (conversation.Conversation, error) {
	return s.conversationTx(ctx, conversationId)
}

func (s *storeService) ActiveMembers(ctx context.Context, conversationId string) ([]conversation.Member, error) {
	if _, err := s.conversationTx(ctx, conversationId); err != nil {
		return nil, err
	}
	return s.activeMembersTx(ctx, conversationId)
}

func (s *storeService) ActiveMemberKeys(ctx context.Context, conversationId string) (keys []*crypto.PubKey, err error) {
	members, err := s.ActiveMembers(ctx, conversationId)
	if err != nil {
		return nil, err
	}
	for _, member := range members {
		keys = append(keys, member.PublicKey)
	}
	return keys, nil
}

func (s *storeService) MemberWraps(ctx context.Context, conversationId, memberId string) (wraps []conversation.Wrap, err error) {
	member, err := s.activeMemberTx(ctx, conversationId, memberId)
	if err != nil {
		return nil, err
	}
	iter, err := s.wraps.Find(byConversation(conversationId)).Sort(epochNumberKey).Iter(ctx)
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	for iter.Next() {
		doc, err := iter.Doc()
		if err != nil {
			return nil, err
		}
		wrap, err := wrapFromDoc(doc)
		if err != nil {
			return nil, err
		}
		if wrap.MemberId != memberId || wrap.EpochNumber < member.VisibleFromEpoch {
			continue
		}
		wraps = append(wraps, wrap)
	}
	return wraps, nil
}

func (s *storeService) Epochs(ctx context.Context, conversationId, memberId string, from, to uint64) (result []conversation.Epoch, err error) {
	member, err := s.activeMemberTx(ctx, conversationId, memberId)
	if err != nil {
		return nil, err
	}
	floor := member.VisibleFromEpoch
	if from < floor {
		from = floor
	}
	iter, err := s.epochs.Find(byConversation(conversationId)).Sort(epochNumberKey).Iter(ctx)
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	for iter.Next() {
		doc, err := iter.Doc()
		if err != nil {
			return nil, err
		}
		e, err := epochFromDoc(doc)
		if err != nil {
			return nil, err
		}
		if e.Number < from || e.Number > to {
			continue
		}
		if e.Number == floor {
			// the floor epoch's chain link would hand out history below
			// the floor, so it is withheld
			e.ChainLink = nil
		}
		result = append(result, e)
	}
	return result, nil
}
