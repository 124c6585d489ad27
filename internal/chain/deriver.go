package chain

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"golang.org/x/crypto/ripemd160"
)

type AddressDeriver struct {
	XPub   string
	Prefix string
}

// Derive expects XPub at path m/44'/x'/0'/0 and derives child index i.

func (d AddressDeriver) Derive(index uint32) (string, error) {
	if d.XPub == "" {
		return "", errors.New("xpub is not configured")
	}
	if d.Prefix == "" {
		return "", errors.New("bech32 prefix is not configured")
	}

	key, err := hdkeychain.NewKeyFromString(d.XPub)
	if err != nil {
		return "", err
	}
	child, err := key.Derive(index)
	if err != nil {
		return "", err
	}

	pubKey, err := child.ECPubKey()
	if err != nil {
		return "", err
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
}

// IndexSource hands out monotonically increasing derivation indexes.
type IndexSource interface {
	NextAddressIndex(ctx context.Context) (int64, error)
}

// Pool allocates deposit addresses per currency from the configured xpubs.
// It implements the tracking registry's allocator.
type Pool struct {
	Derivers map[string]AddressDeriver
	Indexes  IndexSource
}

func (p *Pool) Allocate(ctx context.Context, userID, currency string) (string, error) {
	d, ok := p.Derivers[currency]
	if !ok {
		return "", fmt.Errorf("no wallet configured for currency %s", currency)
	}
	idx, err := p.Indexes.NextAddressIndex(ctx)
	if err != nil {
		return "", err
	}
	return d.Derive(uint32(idx))
}
