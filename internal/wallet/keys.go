package wallet

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/klingon-exchange/ltcwallet/internal/chain"
)

// SecretKey is a single Litecoin private key together with the network it
// belongs to. Its String method never prints the key.
type SecretKey struct {
	priv       *btcec.PrivateKey
	compressed bool
	params     *chain.Params
}

// GenerateKey creates a new compressed key from a uniformly random 256-bit
// scalar read from entropy. A nil entropy source means crypto/rand.
func GenerateKey(entropy io.Reader, params *chain.Params) (*SecretKey, error) {
	if entropy == nil {
		entropy = rand.Reader
	}

	var buf [32]byte
	defer SecureClear(buf[:])

	for {
		if _, err := io.ReadFull(entropy, buf[:]); err != nil {
			return nil, fmt.Errorf("failed to read entropy: %w", err)
		}

		var scalar secp256k1.ModNScalar
		overflow := scalar.SetBytes(&buf)
		if overflow != 0 || scalar.IsZero() {
			// Out of range for the curve order; draw again
			continue
		}

		priv := secp256k1.NewPrivateKey(&scalar)
		scalar.Zero()
		return &SecretKey{priv: priv, compressed: true, params: params}, nil
	}
}

// ParseSecretKey decodes a WIF string for the given network.
func ParseSecretKey(wif string, params *chain.Params) (*SecretKey, error) {
	decoded, err := btcutil.DecodeWIF(strings.TrimSpace(wif))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}

	if !decoded.IsForNet(toChainCfgParams(params)) {
		return nil, fmt.Errorf("%w: key is for a different network", ErrInvalidKeyFormat)
	}

	return &SecretKey{
		priv:       decoded.PrivKey,
		compressed: decoded.CompressPubKey,
		params:     params,
	}, nil
}

// WIF returns the key in Wallet Import Format.
func (k *SecretKey) WIF() string {
	w, err := btcutil.NewWIF(k.priv, toChainCfgParams(k.params), k.compressed)
	if err != nil {
		// Only fails for a nil network, which toChainCfgParams never returns
		panic(fmt.Sprintf("wif encode: %v", err))
	}
	return w.String()
}

// PublicKeyBytes returns the serialized public key. Keys are compressed
// unless an uncompressed WIF was imported.
func (k *SecretKey) PublicKeyBytes() []byte {
	if k.compressed {
		return k.priv.PubKey().SerializeCompressed()
	}
	return k.priv.PubKey().SerializeUncompressed()
}

// Address derives the wallet address of the given type.
func (k *SecretKey) Address(addrType chain.AddressType) (string, error) {
	return EncodeAddress(k.PublicKeyBytes(), addrType, k.params)
}

// Sign produces a DER-encoded ECDSA signature (RFC6979 nonces) over digest
// and returns it with the serialized public key that verifies it.
func (k *SecretKey) Sign(digest []byte) (sig, pubKey []byte, err error) {
	if len(digest) == 0 {
		return nil, nil, fmt.Errorf("empty digest")
	}
	return ecdsa.Sign(k.priv, digest).Serialize(), k.PublicKeyBytes(), nil
}

// String hides the key material from logs and fmt verbs.
func (k *SecretKey) String() string {
	return "SecretKey(****)"
}

// SecureClear zeros a byte slice.
func SecureClear(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
