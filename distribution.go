package x402

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var oneHundred = big.NewInt(100)

// Split partitions a settled amount into the developer net, validator share
// and treasury share under the given policy. Pure integer arithmetic: shares
// are floored and the developer net absorbs every division remainder, so the
// three parts always sum to the amount exactly and the developer is never
// shorted by rounding.
func Split(amount *big.Int, policy DistributionPolicy) (developerNet, validatorShare, treasuryShare *big.Int) {
	validatorShare = new(big.Int).Mul(amount, new(big.Int).SetUint64(policy.ValidatorSharePercent))
	validatorShare.Div(validatorShare, oneHundred)

	treasuryShare = new(big.Int)
	if policy.TreasuryEnabled() {
		treasuryShare.Mul(amount, new(big.Int).SetUint64(policy.TreasurySharePercent))
		treasuryShare.Div(treasuryShare, oneHundred)
	}

	developerNet = new(big.Int).Sub(amount, validatorShare)
	developerNet.Sub(developerNet, treasuryShare)
	return developerNet, validatorShare, treasuryShare
}

// Attribution is one validator's portion of a settlement's validator share.
type Attribution struct {
	Address common.Address
	Amount  *big.Int
	Score   uint64
}

// Attribute partitions a validator share across the active validator set
// according to the distribution mode. The result is deterministic for a
// given set order: floored per-validator portions, remainder to the first
// validator in canonical order. A mode whose weights sum to zero (no stake,
// no scores) degrades to equal distribution so the share is never dropped.
func Attribute(share *big.Int, mode DistributionMode, validators []ValidatorInfo) []Attribution {
	if share.Sign() <= 0 || len(validators) == 0 {
		return nil
	}

	weights := make([]*big.Int, len(validators))
	total := new(big.Int)
	for i, v := range validators {
		switch mode {
		case DistributionProportional:
			if v.Stake != nil {
				weights[i] = new(big.Int).Set(v.Stake)
			} else {
				weights[i] = new(big.Int)
			}
		case DistributionPerformance:
			weights[i] = new(big.Int).SetUint64(v.PerformanceScore)
		default:
			weights[i] = big.NewInt(1)
		}
		total.Add(total, weights[i])
	}
	if total.Sign() == 0 {
		for i := range weights {
			weights[i] = big.NewInt(1)
		}
		total.SetInt64(int64(len(validators)))
	}

	attributions := make([]Attribution, 0, len(validators))
	distributed := new(big.Int)
	for i, v := range validators {
		portion := new(big.Int).Mul(share, weights[i])
		portion.Div(portion, total)
		distributed.Add(distributed, portion)
		attributions = append(attributions, Attribution{
			Address: v.Address,
			Amount:  portion,
			Score:   v.PerformanceScore,
		})
	}

	remainder := new(big.Int).Sub(share, distributed)
	if remainder.Sign() > 0 {
		attributions[0].Amount.Add(attributions[0].Amount, remainder)
	}
	return attributions
}
