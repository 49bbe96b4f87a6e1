package models

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/sha3"
)

// Address shape per chain. BTC is decoded with btcutil instead so checksums
// are verified too.
var addressPatterns = map[CryptoType]*regexp.Regexp{
	CryptoETH:  regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`),
	CryptoXRP:  regexp.MustCompile(`^r[1-9A-HJ-NP-Za-km-z]{24,34}$`),
	CryptoLTC:  regexp.MustCompile(`^([LM3][a-km-zA-HJ-NP-Z1-9]{26,33}|ltc1[a-z0-9]{39,59})$`),
	CryptoBCH:  regexp.MustCompile(`^((bitcoincash:)?[qp][a-z0-9]{41}|[13][a-km-zA-HJ-NP-Z1-9]{25,34})$`),
	CryptoDOGE: regexp.MustCompile(`^D[5-9A-HJ-NP-U][1-9A-HJ-NP-Za-km-z]{32}$`),
	CryptoXMR:  regexp.MustCompile(`^[48][0-9AB][1-9A-HJ-NP-Za-km-z]{93}$`),
}

var rippleAlphabet = base58.NewAlphabet("rpshnaf39wBUDNEGHJKLM4PQRST7VWXYZ2bcdeCg65jkm8oFqi1tuvAxyz")

// ValidateIdentity checks an (address, crypto_type) pair and returns the
// normalized chain. Errors wrap ErrInput.
func ValidateIdentity(address, cryptoType string) (CryptoType, error) {
	ct, ok := ParseCryptoType(cryptoType)
	if !ok {
		return "", fmt.Errorf("%w: unknown crypto_type %q", ErrInput, cryptoType)
	}
	addr := strings.TrimSpace(address)
	if addr == "" {
		return "", fmt.Errorf("%w: empty address", ErrInput)
	}

	if ct == CryptoBTC {
		if _, err := btcutil.DecodeAddress(addr, &chaincfg.MainNetParams); err != nil {
			return "", fmt.Errorf("%w: malformed BTC address %q: %v", ErrInput, addr, err)
		}
		return ct, nil
	}

	if re, ok := addressPatterns[ct]; ok && !re.MatchString(addr) {
		return "", fmt.Errorf("%w: malformed %s address %q", ErrInput, ct, addr)
	}
	if err := verifyChecksum(ct, addr); err != nil {
		return "", fmt.Errorf("%w: %s address %q: %v", ErrInput, ct, addr, err)
	}
	return ct, nil
}

// verifyChecksum covers the encodings that carry one: EIP-55 mixed-case hex
// and legacy base58check. Bech32 and cashaddr forms are shape-checked only.
func verifyChecksum(ct CryptoType, addr string) error {
	switch ct {
	case CryptoETH:
		return checkEIP55(addr)
	case CryptoXRP:
		return checkBase58(addr, rippleAlphabet)
	case CryptoDOGE:
		return checkBase58(addr, base58.BTCAlphabet)
	case CryptoLTC:
		if !strings.HasPrefix(addr, "ltc1") {
			return checkBase58(addr, base58.BTCAlphabet)
		}
	case CryptoBCH:
		if addr[0] == '1' || addr[0] == '3' {
			return checkBase58(addr, base58.BTCAlphabet)
		}
	}
	return nil
}

// checkBase58 verifies a 25-byte version+payload+checksum encoding.
func checkBase58(addr string, alphabet *base58.Alphabet) error {
	raw, err := base58.DecodeAlphabet(addr, alphabet)
	if err != nil {
		return err
	}
	if len(raw) != 25 {
		return fmt.Errorf("decoded length %d, want 25", len(raw))
	}
	sum := chainhash.DoubleHashB(raw[:21])
	if !bytes.Equal(sum[:4], raw[21:]) {
		return fmt.Errorf("checksum mismatch")
	}
	return nil
}

// checkEIP55 accepts all-lower or all-upper hex as unchecksummed and verifies
// mixed case against the keccak-256 of the lowercase address.
func checkEIP55(addr string) error {
	body := addr[2:]
	if body == strings.ToLower(body) || body == strings.ToUpper(body) {
		return nil
	}
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(strings.ToLower(body)))
	digest := hex.EncodeToString(h.Sum(nil))

	for i, c := range body {
		if c >= '0' && c <= '9' {
			continue
		}
		upper := digest[i] >= '8'
		if upper != (c >= 'A' && c <= 'F') {
			return fmt.Errorf("EIP-55 checksum mismatch")
		}
	}
	return nil
}
