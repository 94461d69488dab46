// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package chain

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// Shelley address header types for key-hash payment credentials. The high
// nibble is the address type, the low nibble the network id.
const (
	addrTypeKeyKey     = 0x00 // payment key hash + stake key hash
	addrTypeEnterprise = 0x60 // payment key hash only
	networkMainnet     = 0x01
	networkTestnet     = 0x00

	hrpMainnet = "addr"
	hrpTestnet = "addr_test"
)

// AddressFromKeyHashes encodes a bech32 payment address from a hex payment
// key hash and an optional hex stake key hash. An empty stake key hash
// yields an enterprise address.
func AddressFromKeyHashes(paymentKeyHash, stakeKeyHash string, testnet bool) (string, error) {
	pkh, err := hex.DecodeString(paymentKeyHash)
	if err != nil {
		return "", fmt.Errorf("bad payment key hash: %w", err)
	}
	if len(pkh) != 28 {
		return "", fmt.Errorf("payment key hash has %d bytes, want 28", len(pkh))
	}
	header := byte(addrTypeEnterprise | networkMainnet)
	hrp := hrpMainnet
	if testnet {
		header = addrTypeEnterprise | networkTestnet
		hrp = hrpTestnet
	}
	payload := append([]byte{header}, pkh...)
	if stakeKeyHash != "" {
		sc, err := hex.DecodeString(stakeKeyHash)
		if err != nil {
			return "", fmt.Errorf("bad stake key hash: %w", err)
		}
		if len(sc) != 28 {
			return "", fmt.Errorf("stake key hash has %d bytes, want 28", len(sc))
		}
		payload[0] &= 0x0f // clear the type nibble down to key-key
		payload[0] |= addrTypeKeyKey
		payload = append(payload, sc...)
	}
	conv, err := bech32.ConvertBits(payload, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(hrp, conv)
}

// Address encodes the wallet credential pair as a bech32 address.
func (w Wallet) Address(testnet bool) (string, error) {
	return AddressFromKeyHashes(w.PaymentKeyHash, w.StakeKeyHash, testnet)
}

// AddressBytes decodes a bech32 address into its raw ledger bytes, header
// byte included.
func AddressBytes(address string) ([]byte, error) {
	// Shelley addresses are longer than the 90 character bech32 limit.
	_, data, err := bech32.DecodeNoLimit(address)
	if err != nil {
		return nil, fmt.Errorf("bad address %q: %w", address, err)
	}
	return bech32.ConvertBits(data, 5, 8, false)
}

// PaymentKeyHash returns the hex payment key hash of a bech32 address.
func PaymentKeyHash(address string) (string, error) {
	raw, err := AddressBytes(address)
	if err != nil {
		return "", err
	}
	if len(raw) < 29 {
		return "", fmt.Errorf("address %q is %d bytes, too short for a key hash", address, len(raw))
	}
	return hex.EncodeToString(raw[1:29]), nil
}

// IsTestnet reports whether a bech32 address belongs to a test network.
func IsTestnet(address string) bool {
	hrp, _, err := bech32.DecodeNoLimit(address)
	if err != nil {
		return false
	}
	return hrp == hrpTestnet
}
