// Package wallet - Transaction proposal and signing.
package wallet

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/klingon-exchange/ltcwallet/internal/backend"
)

// ErrEmptySkeleton is returned when a proposal carries no digests to sign.
var ErrEmptySkeleton = errors.New("transaction skeleton has nothing to sign")

// NewTxRequest builds the proposal request for a single-input, single-output
// payment. Amount and fee are in litoshis.
func NewTxRequest(from, to string, amount, fee int64) *backend.TxRequest {
	return &backend.TxRequest{
		Inputs:  []backend.TxEndpoint{{Addresses: []string{from}}},
		Outputs: []backend.TxEndpoint{{Addresses: []string{to}, Value: amount}},
		Fees:    fee,
	}
}

// SignSkeleton signs every digest of a proposed transaction with key.
// Signatures and public keys are returned in the same order as ToSign.
func SignSkeleton(skel *backend.TxSkeleton, key *SecretKey) (*backend.SignedTx, error) {
	if skel == nil || len(skel.ToSign) == 0 {
		return nil, ErrEmptySkeleton
	}

	signed := &backend.SignedTx{
		Tx:         skel.Tx,
		ToSign:     skel.ToSign,
		Signatures: make([]string, len(skel.ToSign)),
		PubKeys:    make([]string, len(skel.ToSign)),
	}

	for i, digestHex := range skel.ToSign {
		raw, err := hex.DecodeString(digestHex)
		if err != nil {
			return nil, fmt.Errorf("digest %d is not hex: %w", i, err)
		}
		// Digests are signed exactly as given, never byte-reversed
		digest, err := chainhash.NewHash(raw)
		if err != nil {
			return nil, fmt.Errorf("digest %d: %w", i, err)
		}

		sig, pub, err := key.Sign(digest[:])
		if err != nil {
			return nil, fmt.Errorf("failed to sign digest %d: %w", i, err)
		}
		signed.Signatures[i] = hex.EncodeToString(sig)
		signed.PubKeys[i] = hex.EncodeToString(pub)
	}

	return signed, nil
}
