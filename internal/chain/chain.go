// Package chain defines chain parameters for the supported Bitcoin-family networks.
// All chain-specific values are hardcoded here - no external configuration needed.
package chain

import (
	"fmt"
	"strings"
)

// Network represents mainnet or testnet.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// ParseNetwork parses a network name. The empty string means mainnet.
func ParseNetwork(s string) (Network, error) {
	switch Network(strings.ToLower(strings.TrimSpace(s))) {
	case Mainnet, "":
		return Mainnet, nil
	case Testnet:
		return Testnet, nil
	default:
		return "", fmt.Errorf("unknown network: %s", s)
	}
}

// AddressType represents the address encoding format.
type AddressType string

const (
	AddressP2PKH  AddressType = "p2pkh"  // Legacy (L... on Litecoin)
	AddressP2WPKH AddressType = "p2wpkh" // Native SegWit (ltc1q...)

	// Recognised as destinations only, never generated.
	AddressP2SH  AddressType = "p2sh"
	AddressP2WSH AddressType = "p2wsh"
)

// ParseAddressType parses an address type name. The empty string means P2PKH.
func ParseAddressType(s string) (AddressType, error) {
	switch AddressType(strings.ToLower(strings.TrimSpace(s))) {
	case AddressP2PKH, "":
		return AddressP2PKH, nil
	case AddressP2WPKH:
		return AddressP2WPKH, nil
	default:
		return "", fmt.Errorf("unknown address type: %s", s)
	}
}

// Params contains the encoding parameters for a blockchain.
type Params struct {
	Symbol   string  // LTC
	Name     string  // Litecoin
	Network  Network // set by Register
	Decimals uint8   // 8 for LTC

	PubKeyHashAddrID byte   // Address prefix for P2PKH
	ScriptHashAddrID byte   // Address prefix for P2SH
	Bech32HRP        string // Bech32 human-readable prefix
	WIF              byte   // Private key prefix

	// BIP32 HD key magic bytes. Only needed to register the network with btcd.
	HDPrivateKeyID [4]byte
	HDPublicKeyID  [4]byte

	SupportsSegWit bool

	// Address type used for newly created custodial wallets.
	DefaultAddressType AddressType
}

var registry = make(map[string]map[Network]*Params)

// Register adds chain params to the registry.
func Register(symbol string, network Network, params *Params) {
	if registry[symbol] == nil {
		registry[symbol] = make(map[Network]*Params)
	}
	params.Network = network
	registry[symbol][network] = params
}

// Get returns chain params for a symbol and network.
func Get(symbol string, network Network) (*Params, bool) {
	nets, ok := registry[symbol]
	if !ok {
		return nil, false
	}
	params, ok := nets[network]
	return params, ok
}

// MustGet is like Get but panics when the chain is not registered.
// Only used with compile-time constant symbols.
func MustGet(symbol string, network Network) *Params {
	params, ok := Get(symbol, network)
	if !ok {
		panic(fmt.Sprintf("chain %s/%s not registered", symbol, network))
	}
	return params
}

// IsSupported returns true if the chain is registered.
func IsSupported(symbol string) bool {
	_, ok := registry[symbol]
	return ok
}
