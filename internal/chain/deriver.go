package chain

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/ripemd160"
)

const (
	FormatBech32 = "bech32"
	FormatEVM    = "evm"
)

// AddressDeriver turns the custodial account xpub into one custody address per
// escrow record. Index i is the record's derivation index.
type AddressDeriver struct {
	XPub   string
	Prefix string
	Format string
}

func (d AddressDeriver) Configured() bool {
	return d.XPub != ""
}

func (d AddressDeriver) Derive(index uint32) (string, error) {
	if d.XPub == "" {
		return "", errors.New("xpub is not configured")
	}

	key, err := hdkeychain.NewKeyFromString(d.XPub)
	if err != nil {
		return "", err
	}
	if key.IsPrivate() {
		key, err = key.Neuter()
		if err != nil {
			return "", err
		}
	}
	child, err := key.Derive(index)
	if err != nil {
		return "", err
	}
	pubKey, err := child.ECPubKey()
	if err != nil {
		return "", err
	}

	switch d.Format {
	case FormatEVM:
		return ethcrypto.PubkeyToAddress(*pubKey.ToECDSA()).Hex(), nil
	case FormatBech32, "":
		if d.Prefix == "" {
			return "", errors.New("bech32 prefix is not configured")
		}
		compressed := pubKey.SerializeCompressed()
		hash := sha256.Sum256(compressed)
		rip := ripemd160.New()
		_, _ = rip.Write(hash[:])
		addr := rip.Sum(nil)

		converted, err := bech32.ConvertBits(addr, 8, 5, true)
		if err != nil {
			return "", err
		}
		return bech32.Encode(d.Prefix, converted)
	default:
		return "", fmt.Errorf("unknown address format %q", d.Format)
	}
}
