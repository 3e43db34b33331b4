// Package wallet implements the custodial Litecoin wallet core: key material,
// ledger reconciliation, transaction signing and the wallet service.
package wallet

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/klingon-exchange/ltcwallet/internal/chain"
)

// Litecoin network magic values. chaincfg.Register keys on these, so they
// must differ from the Bitcoin networks btcd registers itself.
const (
	ltcMainnetMagic wire.BitcoinNet = 0xdbb6c0fb
	ltcTestnetMagic wire.BitcoinNet = 0xf1c8d2fd
)

var (
	cfgMu    sync.Mutex
	cfgCache = make(map[*chain.Params]*chaincfg.Params)
)

// toChainCfgParams converts our chain.Params to btcd's chaincfg.Params.
//
// The result is registered with chaincfg once per chain so that
// btcutil.DecodeAddress recognises the bech32 prefix (ltc1 / tltc1).
func toChainCfgParams(params *chain.Params) *chaincfg.Params {
	cfgMu.Lock()
	defer cfgMu.Unlock()

	if p, ok := cfgCache[params]; ok {
		return p
	}

	// Start from Bitcoin mainnet and override the encoding fields
	p := chaincfg.MainNetParams
	p.Name = params.Name
	p.PubKeyHashAddrID = params.PubKeyHashAddrID
	p.ScriptHashAddrID = params.ScriptHashAddrID
	p.PrivateKeyID = params.WIF
	p.Bech32HRPSegwit = params.Bech32HRP
	p.HDPrivateKeyID = params.HDPrivateKeyID
	p.HDPublicKeyID = params.HDPublicKeyID

	switch params.Network {
	case chain.Testnet:
		p.Net = ltcTestnetMagic
	default:
		p.Net = ltcMainnetMagic
	}

	// ErrDuplicateNet means this network was registered earlier, which is
	// all DecodeAddress needs.
	_ = chaincfg.Register(&p)

	cfgCache[params] = &p
	return &p
}

// deriveP2PKH derives a legacy P2PKH address (L... on Litecoin mainnet).
func deriveP2PKH(pubKey []byte, params *chaincfg.Params) (string, error) {
	pubKeyHash := btcutil.Hash160(pubKey)
	addr, err := btcutil.NewAddressPubKeyHash(pubKeyHash, params)
	if err != nil {
		return "", fmt.Errorf("failed to create P2PKH address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// deriveP2WPKH derives a native SegWit address (ltc1q...).
// Witness programs commit to compressed keys only.
func deriveP2WPKH(pubKey []byte, params *chaincfg.Params) (string, error) {
	if len(pubKey) != 33 {
		return "", fmt.Errorf("P2WPKH requires a compressed public key")
	}
	pubKeyHash := btcutil.Hash160(pubKey)
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, params)
	if err != nil {
		return "", fmt.Errorf("failed to create P2WPKH address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// EncodeAddress derives the address of the given type for a serialized public key.
func EncodeAddress(pubKey []byte, addrType chain.AddressType, params *chain.Params) (string, error) {
	chainParams := toChainCfgParams(params)

	switch addrType {
	case chain.AddressP2PKH, "":
		return deriveP2PKH(pubKey, chainParams)
	case chain.AddressP2WPKH:
		if !params.SupportsSegWit {
			return "", fmt.Errorf("chain %s does not support SegWit", params.Symbol)
		}
		return deriveP2WPKH(pubKey, chainParams)
	default:
		return "", fmt.Errorf("unsupported address type: %s", addrType)
	}
}

// ValidateAddress checks if an address is valid for a chain/network.
func ValidateAddress(address string, params *chain.Params) bool {
	_, _, err := ParseAddress(address, params)
	return err == nil
}

// ParseAddress decodes a Litecoin address and reports its type.
// Script-hash addresses decode but are reported as p2sh.
func ParseAddress(address string, params *chain.Params) (btcutil.Address, chain.AddressType, error) {
	chainParams := toChainCfgParams(params)

	decoded, err := btcutil.DecodeAddress(address, chainParams)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if !decoded.IsForNet(chainParams) {
		return nil, "", fmt.Errorf("%w: %s is not a %s address", ErrInvalidAddress, address, params.Name)
	}

	var addrType chain.AddressType
	switch decoded.(type) {
	case *btcutil.AddressPubKeyHash:
		addrType = chain.AddressP2PKH
	case *btcutil.AddressScriptHash:
		addrType = chain.AddressP2SH
	case *btcutil.AddressWitnessPubKeyHash:
		addrType = chain.AddressP2WPKH
	case *btcutil.AddressWitnessScriptHash:
		addrType = chain.AddressP2WSH
	default:
		return nil, "", fmt.Errorf("%w: unsupported address kind", ErrInvalidAddress)
	}

	return decoded, addrType, nil
}
