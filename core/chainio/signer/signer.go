package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/Layr-Labs/eigensdk-go/signerv2"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// BalanceReader is satisfied by chainio.EthReader and ethclient.Client-like types.
type BalanceReader interface {
	BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error)
}

// Signer signs bundle transactions with one ECDSA key.
type Signer struct {
	address  common.Address
	signFn   bind.SignerFn
	balances BalanceReader
}

// ParsePrivateKey accepts a hex key with or without 0x.
func ParsePrivateKey(privateKeyHex string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid ecdsa private key: %w", err)
	}
	return key, nil
}

func New(key *ecdsa.PrivateKey, chainID *big.Int, balances BalanceReader) (*Signer, error) {
	signerFn, addr, err := signerv2.SignerFromConfig(signerv2.Config{PrivateKey: key}, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to build signer: %w", err)
	}
	txSigner, err := signerFn(context.Background(), addr)
	if err != nil {
		return nil, fmt.Errorf("failed to build tx signer for %s: %w", addr.Hex(), err)
	}

	return &Signer{address: addr, signFn: txSigner, balances: balances}, nil
}

func FromPrivateKeyHex(privateKeyHex string, chainID *big.Int, balances BalanceReader) (*Signer, error) {
	key, err := ParsePrivateKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	return New(key, chainID, balances)
}

func (s *Signer) Address() common.Address {
	return s.address
}

func (s *Signer) Balance(ctx context.Context) (*big.Int, error) {
	return s.balances.BalanceAt(ctx, s.address)
}

func (s *Signer) SignTx(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	return s.signFn(s.address, tx)
}
