package eip1559

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	tip     *big.Int
	baseFee *big.Int
	err     error
}

func (f *fakeBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return f.tip, f.err
}

func (f *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: f.baseFee}, nil
}

func TestSuggestFee(t *testing.T) {
	testCases := []struct {
		name    string
		tip     int64
		baseFee *big.Int
		maxFee  int64
		maxTip  int64
	}{
		{"tip below floor", 1_000_000_000, big.NewInt(100_000_000_000), 202_000_000_000, 2_000_000_000},
		{"tip buffered", 10_000_000_000, big.NewInt(100_000_000_000), 211_300_000_000, 11_300_000_000},
		{"max fee floor", 1, big.NewInt(1), 20_000_000_000, 2_000_000_000},
		{"legacy chain", 5_000_000_000, nil, 5_650_000_000, 5_650_000_000},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			maxFee, maxTip, err := SuggestFee(context.Background(), &fakeBackend{tip: big.NewInt(tc.tip), baseFee: tc.baseFee})
			require.NoError(t, err)
			assert.Equal(t, tc.maxFee, maxFee.Int64())
			assert.Equal(t, tc.maxTip, maxTip.Int64())
		})
	}
}

func TestSuggestFeeError(t *testing.T) {
	_, _, err := SuggestFee(context.Background(), &fakeBackend{err: errors.New("down")})
	assert.EqualError(t, err, "down")
}
