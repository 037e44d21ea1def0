package reputation

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Params decides when an entity moves from OK to THROTTLED to BANNED, by
// comparing opsSeen/MinInclusionDenominator against opsIncluded plus a slack.
type Params struct {
	MinInclusionDenominator uint64 `yaml:"min_inclusion_denominator"`
	ThrottlingSlack         uint64 `yaml:"throttling_slack"`
	BanSlack                uint64 `yaml:"ban_slack"`
}

var (
	// BundlerParams is used when scoring entities seen by a bundler.
	BundlerParams = Params{MinInclusionDenominator: 10, ThrottlingSlack: 10, BanSlack: 50}

	// NonBundlerParams is the stricter set defined for non-bundler nodes. It is
	// selectable through configuration but no code path picks it by default.
	NonBundlerParams = Params{MinInclusionDenominator: 100, ThrottlingSlack: 10, BanSlack: 10}
)

type Role string

const (
	RoleBundler    Role = "bundler"
	RoleNonBundler Role = "non-bundler"
)

// ParamsForRole maps a configured role to its parameter set.
func ParamsForRole(role Role) (Params, error) {
	switch role {
	case "", RoleBundler:
		return BundlerParams, nil
	case RoleNonBundler:
		return NonBundlerParams, nil
	default:
		return Params{}, fmt.Errorf("unknown reputation role %q", role)
	}
}

const (
	// crashPenalty is added to opsSeen of an entity blamed for a handleOps revert.
	crashPenalty = 10_000

	sameUnstakedEntityMempoolCount = 10
	inclusionRateFactor            = 10
	maxIncludedBonus               = 10_000

	decayNumerator   = 23
	decayDenominator = 24
)

// StakeInfo is the stake an entity holds in the EntryPoint, as reported by validation.
type StakeInfo struct {
	Addr            common.Address `json:"addr"`
	Stake           *big.Int       `json:"stake"`
	UnstakeDelaySec uint64         `json:"unstakeDelaySec"`
}

// Config holds the tracker's tunables.
type Config struct {
	Params Params

	// Staked entities must hold at least MinStake wei locked for MinUnstakeDelay seconds.
	MinStake        *big.Int
	MinUnstakeDelay uint64

	Whitelist []common.Address
	Blacklist []common.Address
}
