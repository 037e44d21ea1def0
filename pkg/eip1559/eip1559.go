package eip1559

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
)

// FeeBackend is the part of ethclient.Client needed to price a transaction.
type FeeBackend interface {
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

var (
	// minTip keeps bundle transactions attractive on chains reporting tiny tips.
	minTip = big.NewInt(2_000_000_000)
	// minMaxFee is the floor for maxFeePerGas on EIP-1559 chains.
	minMaxFee = big.NewInt(20_000_000_000)
)

// SuggestFee returns (maxFeePerGas, maxPriorityFeePerGas) for the next block.
func SuggestFee(ctx context.Context, client FeeBackend) (*big.Int, *big.Int, error) {
	tipCap, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, err
	}

	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, err
	}

	// 13% on top of the node's suggestion
	buffer := new(big.Int).Div(tipCap, big.NewInt(100))
	buffer.Mul(buffer, big.NewInt(13))
	maxPriorityFeePerGas := new(big.Int).Add(tipCap, buffer)
	if maxPriorityFeePerGas.Cmp(minTip) < 0 {
		maxPriorityFeePerGas = new(big.Int).Set(minTip)
	}

	if header.BaseFee == nil {
		// pre-London chain
		return new(big.Int).Set(maxPriorityFeePerGas), maxPriorityFeePerGas, nil
	}

	// 2x base fee absorbs a full block of base fee growth
	maxFeePerGas := new(big.Int).Add(new(big.Int).Mul(header.BaseFee, big.NewInt(2)), maxPriorityFeePerGas)
	if maxFeePerGas.Cmp(minMaxFee) < 0 {
		maxFeePerGas = new(big.Int).Set(minMaxFee)
	}

	return maxFeePerGas, maxPriorityFeePerGas, nil
}
