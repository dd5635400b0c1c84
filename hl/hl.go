// Package hl is the Hyperliquid implementation of the exchange capability
// set. It wraps the go-hyperliquid SDK for signing and order submission and
// talks to the /info endpoint directly for the account state the SDK does not
// surface.
package hl

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sonirico/go-hyperliquid"
)

// ClientConfig is all the caller needs to supply.
type ClientConfig struct {
	BaseURL string
	Key     string
	Wallet  string
}

// WalletAddress derives the account address from the configured private key,
// or returns the explicitly configured wallet when set.
func (c ClientConfig) WalletAddress() (string, error) {
	if c.Wallet != "" {
		return c.Wallet, nil
	}
	key, err := parseKey(c.Key)
	if err != nil {
		return "", err
	}
	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return "", fmt.Errorf("error casting public key to ECDSA")
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

func parseKey(raw string) (*ecdsa.PrivateKey, error) {
	key := strings.TrimSpace(raw)
	key = strings.TrimPrefix(key, "0x")
	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("could not load private key: %s", err)
	}
	return privateKey, nil
}

func NewExchange(ctx context.Context, config ClientConfig) (*hyperliquid.Exchange, error) {
	// we want to make sure the config defines main explicitly
	url := hyperliquid.TestnetAPIURL
	if config.BaseURL != "" {
		url = config.BaseURL
	}

	privateKey, err := parseKey(config.Key)
	if err != nil {
		return nil, err
	}

	accountAddr, err := config.WalletAddress()
	if err != nil {
		return nil, err
	}

	exchange := hyperliquid.NewExchange(
		ctx,
		privateKey,
		url,
		nil, // Meta will be fetched automatically
		"",
		accountAddr,
		nil, // SpotMeta will be fetched automatically
	)

	return exchange, nil
}

func NewInfo(ctx context.Context, config ClientConfig) *hyperliquid.Info {
	url := hyperliquid.TestnetAPIURL
	if config.BaseURL != "" {
		url = config.BaseURL
	}
	return hyperliquid.NewInfo(ctx, url, false, nil, nil)
}
