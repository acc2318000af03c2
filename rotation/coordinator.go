// Package rotation is the client side of the epoch protocol: it builds
// rotation proposals from the live member roster and drives them to the
// server, retrying once when it loses the optimistic epoch race.
package rotation

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/murmur-chat/epochs/app/logger"
	"github.com/murmur-chat/epochs/conversation"
	"github.com/murmur-chat/epochs/epoch"
	"github.com/murmur-chat/epochs/util/crypto"
)

var log = logger.NewNamed("epochs.rotation")

// maxAttempts bounds the stale-epoch retry loop: one retry, two attempts total
const maxAttempts = 2

// RosterSource returns the active members' long-term public keys
// for a conversation. Implemented by the surrounding application's
// member-roster endpoint.
type RosterSource interface {
	ActiveMemberKeys(ctx context.Context, conversationId string) ([]*crypto.PubKey, error)
}

// KeyCache stores unwrapped epoch private keys by (conversation, epoch).
// It is injected rather than ambient so callers can scope or replace it;
// eviction is the owner's business, not this package's.
type KeyCache interface {
	Get(conversationId string, epochNumber uint64) (*crypto.PrivKey, bool)
	Set(conversationId string, epochNumber uint64, key *crypto.PrivKey)
	SetCurrentEpoch(conversationId string, epochNumber uint64)
	CurrentEpoch(conversationId string) (uint64, bool)
}

// Result is a built rotation: the wire proposal plus the new key material
// the client keeps locally
type Result struct {
	Params         Params
	NewEpochKey    *crypto.PrivKey
	NewEpochNumber uint64
}

// Request describes one rotation-guarded operation.
//
// Execute performs the actual server round trip and must surface the
// server's STALE_EPOCH code as an error recognized by
// conversation.IsCode; the transport mechanism itself is the caller's
// choice. Refresh, when set, re-resolves the conversation's current
// epoch view after a lost race; without it the coordinator falls back
// to its key cache.
type Request struct {
	ConversationId  string
	CurrentEpochKey *crypto.PrivKey
	CurrentEpoch    uint64
	Title           []byte
	FilterMembers   func(memberKeys []*crypto.PubKey) ([]*crypto.PubKey, error)
	Execute         func(ctx context.Context, params Params) error
	Refresh         func(ctx context.Context) (epochNumber uint64, key *crypto.PrivKey, err error)
}

type Coordinator struct {
	roster RosterSource
	cache  KeyCache
}

func NewCoordinator(roster RosterSource, cache KeyCache) *Coordinator {
	return &Coordinator{roster: roster, cache: cache}
}

// BuildRotation produces a transport-ready proposal advancing the
// conversation past currentEpoch. The title is sealed under the new
// epoch's public key. A zeroed current key fails fast with
// conversation.ErrKeyUnavailable before any I/O happens.
func BuildRotation(currentKey *crypto.PrivKey, currentEpoch uint64, memberKeys []*crypto.PubKey, title []byte) (Result, error) {
	if currentKey == nil || currentKey.IsZero() {
		return Result{}, conversation.ErrKeyUnavailable
	}
	keys, err := epoch.Rotate(currentKey, memberKeys)
	if err != nil {
		return Result{}, err
	}
	var encryptedTitle []byte
	if len(title) > 0 {
		if encryptedTitle, err = keys.PublicKey.Encrypt(title); err != nil {
			return Result{}, err
		}
	}
	return Result{
		Params:         paramsFromKeys(currentEpoch, keys, encryptedTitle),
		NewEpochKey:    keys.PrivateKey,
		NewEpochNumber: currentEpoch + 1,
	}, nil
}

// BuildFirstEpoch produces the bootstrap proposal for a brand new
// conversation: epoch 1, no chain link, ExpectedEpoch 0
func BuildFirstEpoch(memberKeys []*crypto.PubKey, title []byte) (Result, error) {
	keys, err := epoch.CreateFirst(memberKeys)
	if err != nil {
		return Result{}, err
	}
	var encryptedTitle []byte
	if len(title) > 0 {
		if encryptedTitle, err = keys.PublicKey.Encrypt(title); err != nil {
			return Result{}, err
		}
	}
	return Result{
		Params:         paramsFromKeys(0, keys, encryptedTitle),
		NewEpochKey:    keys.PrivateKey,
		NewEpochNumber: 1,
	}, nil
}

// ExecuteWithRotation runs the full cycle: fetch roster, filter, build,
// execute. On a stale-epoch conflict it re-fetches the roster, rebuilds
// against the refreshed epoch view and retries exactly once; every other
// failure propagates untouched. The new epoch key is cached only after
// the server confirmed the commit.
func (c *Coordinator) ExecuteWithRotation(ctx context.Context, req Request) (res Result, err error) {
	if req.Execute == nil {
		return Result{}, errors.New("rotation request without execute")
	}
	// checked before the roster fetch so a zeroed key causes no I/O at all
	if req.CurrentEpochKey == nil || req.CurrentEpochKey.IsZero() {
		return Result{}, conversation.ErrKeyUnavailable
	}
	currentEpoch, currentKey := req.CurrentEpoch, req.CurrentEpochKey
	for attempt := 1; ; attempt++ {
		memberKeys, err := c.roster.ActiveMemberKeys(ctx, req.ConversationId)
		if err != nil {
			return Result{}, err
		}
		if req.FilterMembers != nil {
			if memberKeys, err = req.FilterMembers(memberKeys); err != nil {
				return Result{}, err
			}
		}
		if res, err = BuildRotation(currentKey, currentEpoch, memberKeys, req.Title); err != nil {
			return Result{}, err
		}
		err = req.Execute(ctx, res.Params)
		if err == nil {
			c.cache.Set(req.ConversationId, res.NewEpochNumber, res.NewEpochKey)
			c.cache.SetCurrentEpoch(req.ConversationId, res.NewEpochNumber)
			return res, nil
		}
		if !conversation.IsCode(err, conversation.CodeStaleEpoch) || attempt >= maxAttempts {
			return Result{}, err
		}
		log.InfoCtx(ctx, "lost epoch race, retrying",
			zap.String("conversationId", req.ConversationId),
			zap.Uint64("expectedEpoch", currentEpoch))
		if currentEpoch, currentKey, err = c.refreshView(ctx, req, currentEpoch, currentKey); err != nil {
			return Result{}, err
		}
	}
}

// refreshView re-resolves the current epoch after a lost race: the
// caller's hook wins, then the cache; with neither the original view is
// kept and the retry resolves only roster drift
func (c *Coordinator) refreshView(ctx context.Context, req Request, epochNumber uint64, key *crypto.PrivKey) (uint64, *crypto.PrivKey, error) {
	if req.Refresh != nil {
		return req.Refresh(ctx)
	}
	if cached, ok := c.cache.CurrentEpoch(req.ConversationId); ok && cached > epochNumber {
		if cachedKey, ok := c.cache.Get(req.ConversationId, cached); ok {
			return cached, cachedKey, nil
		}
	}
	return epochNumber, key, nil
}
