package chain

// LTC is the registry symbol for Litecoin.
const LTC = "LTC"

func init() {
	Register(LTC, Mainnet, &Params{
		Symbol:   LTC,
		Name:     "Litecoin",
		Decimals: 8,

		PubKeyHashAddrID: 0x30, // L...
		ScriptHashAddrID: 0x32, // M...
		Bech32HRP:        "ltc",
		WIF:              0xB0,

		HDPrivateKeyID: [4]byte{0x01, 0x9d, 0x9c, 0xfe}, // Ltpv
		HDPublicKeyID:  [4]byte{0x01, 0x9d, 0xa4, 0x62}, // Ltub

		SupportsSegWit: true,

		DefaultAddressType: AddressP2PKH,
	})

	Register(LTC, Testnet, &Params{
		Symbol:   LTC,
		Name:     "Litecoin Testnet",
		Decimals: 8,

		PubKeyHashAddrID: 0x6F, // m or n
		ScriptHashAddrID: 0x3A, // Q...
		Bech32HRP:        "tltc",
		WIF:              0xEF,

		HDPrivateKeyID: [4]byte{0x04, 0x36, 0xef, 0x7d}, // ttpv
		HDPublicKeyID:  [4]byte{0x04, 0x36, 0xf6, 0xe1}, // ttub

		SupportsSegWit: true,

		DefaultAddressType: AddressP2PKH,
	})
}
