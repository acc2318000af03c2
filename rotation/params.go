package rotation

import (
	"github.com/murmur-chat/epochs/epoch"
	"github.com/murmur-chat/epochs/util/crypto"
)

// MemberWrap is the wire form of one member's wrapped epoch key
type MemberWrap struct {
	MemberPublicKey []byte `json:"memberPublicKey"`
	Wrap            []byte `json:"wrap"`
}

// Params is the transport-ready rotation proposal. Binary fields are
// []byte so the JSON encoding carries them base64-encoded. Deliberately
// minimal: no member metadata beyond key and wrap, so the server-side
// wrap-set check stays unambiguous.
type Params struct {
	ExpectedEpoch    uint64       `json:"expectedEpoch"`
	EpochPublicKey   []byte       `json:"epochPublicKey"`
	ConfirmationHash []byte       `json:"confirmationHash"`
	ChainLink        []byte       `json:"chainLink,omitempty"`
	EncryptedTitle   []byte       `json:"encryptedTitle,omitempty"`
	MemberWraps      []MemberWrap `json:"memberWraps"`
}

// MemberKeys decodes the proposal's wrap-set public keys
func (p Params) MemberKeys() ([]*crypto.PubKey, error) {
	keys := make([]*crypto.PubKey, 0, len(p.MemberWraps))
	for _, mw := range p.MemberWraps {
		key, err := crypto.UnmarshalPubKey(mw.MemberPublicKey)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func paramsFromKeys(expectedEpoch uint64, keys epoch.Keys, encryptedTitle []byte) Params {
	params := Params{
		ExpectedEpoch:    expectedEpoch,
		EpochPublicKey:   keys.PublicKey.Raw(),
		ConfirmationHash: keys.ConfirmationHash,
		ChainLink:        keys.ChainLink,
		EncryptedTitle:   encryptedTitle,
		MemberWraps:      make([]MemberWrap, 0, len(keys.MemberWraps)),
	}
	for _, mw := range keys.MemberWraps {
		params.MemberWraps = append(params.MemberWraps, MemberWrap{
			MemberPublicKey: mw.MemberKey.Raw(),
			Wrap:            mw.Wrap,
		})
	}
	return params
}
