package x402

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// SupportedVersion is the x402 protocol version this engine accepts.
const SupportedVersion = 1

// SchemeExact is the only payment scheme of the native settlement engine:
// the payload authorizes exactly the signed amount, once.
const SchemeExact = "exact"

// NativeAsset is the asset identifier of the chain's native token.
// Payments in the native asset use the all-zero address.
var NativeAsset = common.Address{}

// NonceLength is the required length of a payment nonce in bytes.
const NonceLength = 32

// SignatureLength is the required length of a payment signature in bytes (r || s || v).
const SignatureLength = 65

// PaymentRequirements describes what a resource server will accept for one
// request. It is produced per request by the resource server and never
// persisted by the engine.
type PaymentRequirements struct {
	Scheme            string         `json:"scheme" validate:"required"`
	Network           string         `json:"network" validate:"required"`
	MaxAmountRequired *hexutil.Big   `json:"maxAmountRequired" validate:"required"`
	Resource          string         `json:"resource" validate:"required"`
	PayTo             common.Address `json:"payTo"`
	Asset             common.Address `json:"asset"`
	MaxTimeoutSeconds uint64         `json:"maxTimeoutSeconds"`
}

// PaymentPayload is the signed payment authorization presented by a client.
// It is single use: once a settlement consumes the nonce, the same payload
// can never validate again for that sender and network.
type PaymentPayload struct {
	X402Version int            `json:"x402Version" validate:"required"`
	Scheme      string         `json:"scheme" validate:"required"`
	Network     string         `json:"network" validate:"required"`
	From        common.Address `json:"from"`
	To          common.Address `json:"to"`
	Value       *hexutil.Big   `json:"value" validate:"required"`
	ValidAfter  uint64         `json:"validAfter"`
	ValidBefore uint64         `json:"validBefore" validate:"required"`
	Nonce       hexutil.Bytes  `json:"nonce" validate:"required"`
	Signature   hexutil.Bytes  `json:"signature" validate:"required"`
}

// Amount returns the payload value as a big integer, never nil.
func (p *PaymentPayload) Amount() *big.Int {
	if p.Value == nil {
		return new(big.Int)
	}
	return (*big.Int)(p.Value)
}

// VerifyRequest pairs a payment with the requirements it claims to satisfy.
type VerifyRequest struct {
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
}

// VerifyResponse is the result of x402_verify. Field names are part of the
// wire contract with the facilitator facade.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	PayerAddress  string `json:"payerAddress,omitempty"`
}

// SettleResponse is the result of x402_settle. TxHash is deterministic for a
// given payload, so a retried settle of an already consumed payload reports
// the identifier of the settlement that consumed it.
type SettleResponse struct {
	Success bool   `json:"success"`
	TxHash  string `json:"txHash,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SettlementRecord is the immutable, permanently persisted outcome of one
// successful settlement. DeveloperNet + ValidatorShare + TreasuryShare always
// equals Amount exactly.
type SettlementRecord struct {
	TxHash         common.Hash    `json:"txHash"`
	From           common.Address `json:"from"`
	To             common.Address `json:"to"`
	Amount         *hexutil.Big   `json:"amount"`
	DeveloperNet   *hexutil.Big   `json:"developerNet"`
	ValidatorShare *hexutil.Big   `json:"validatorShare"`
	TreasuryShare  *hexutil.Big   `json:"treasuryShare"`
	Network        string         `json:"network"`
	PolicyVersion  uint64         `json:"policyVersion"`
	Timestamp      uint64         `json:"timestamp"`
}

// DistributionMode selects how the validator share of a settlement is
// attributed across the active validator set.
type DistributionMode string

const (
	// DistributionEqual divides the share evenly, remainder to the first
	// validator in canonical order.
	DistributionEqual DistributionMode = "equal"
	// DistributionProportional weights by staked amount at settlement time.
	DistributionProportional DistributionMode = "proportional"
	// DistributionPerformance weights by an externally supplied performance
	// score per validator.
	DistributionPerformance DistributionMode = "performance"
)

// Valid reports whether the mode is one of the closed set.
func (m DistributionMode) Valid() bool {
	switch m {
	case DistributionEqual, DistributionProportional, DistributionPerformance:
		return true
	}
	return false
}

// DistributionPolicy is consensus-relevant engine state: every node
// processing the same settlement must apply the identical policy version.
// It is mutated only through the engine's setter operations.
type DistributionPolicy struct {
	ValidatorSharePercent uint64           `json:"validatorSharePercent"`
	TreasuryAddress       *common.Address  `json:"treasuryAddress,omitempty"`
	TreasurySharePercent  uint64           `json:"treasurySharePercent"`
	Mode                  DistributionMode `json:"mode"`
	Version               uint64           `json:"version"`
}

// TreasuryEnabled reports whether a treasury address is configured. Without
// one the treasury share of every settlement stays zero.
func (p DistributionPolicy) TreasuryEnabled() bool {
	return p.TreasuryAddress != nil
}

// DefaultPolicy is the policy applied before any setter has run: the full
// settlement amount routes to the destination address.
func DefaultPolicy() DistributionPolicy {
	return DistributionPolicy{
		ValidatorSharePercent: 0,
		TreasurySharePercent:  0,
		Mode:                  DistributionEqual,
		Version:               0,
	}
}

// PolicyChange is one accepted policy mutation, kept for audit.
type PolicyChange struct {
	ID        string    `json:"id"`
	Version   uint64    `json:"version"`
	Actor     string    `json:"actor"`
	Change    string    `json:"change"`
	Timestamp time.Time `json:"timestamp"`
}

// ValidatorInfo describes one member of the active validator set at
// settlement time. Stake and PerformanceScore are supplied by the consensus
// collaborator; the engine only consumes them.
type ValidatorInfo struct {
	Address          common.Address
	Stake            *big.Int
	PerformanceScore uint64
}

// ValidatorSet exposes the active validator set in canonical order. The
// order is part of consensus state: remainder attribution depends on it.
type ValidatorSet interface {
	ActiveValidators() []ValidatorInfo
}

// AccountLedger is the boundary to the chain's balance engine. The
// settlement executor checks the sender balance and moves value through it;
// all calls happen under the engine's writer lock, so a Debit that follows a
// sufficient BalanceOf must not fail for lack of funds. The sender is
// debited the full settled amount; the destination receives the developer
// net and the treasury its share, while the validator share stays held
// against the revenue ledger.
type AccountLedger interface {
	BalanceOf(addr common.Address) *big.Int
	Debit(addr common.Address, amount *big.Int) error
	Credit(addr common.Address, amount *big.Int)
}

// PolicyAuthority decides who may mutate the distribution policy. A nil
// authority leaves the setters open; operators wire their own guard.
type PolicyAuthority interface {
	Authorize(actor string) error
}

// ValidatorRevenue is the queryable revenue position of one validator.
type ValidatorRevenue struct {
	Address    common.Address `json:"address"`
	Cumulative *hexutil.Big   `json:"cumulative"`
	Daily      []DailyRevenue `json:"daily"`
	LastScore  uint64         `json:"lastScore,omitempty"`
}

// DailyRevenue is one UTC-day bucket of attributed revenue.
type DailyRevenue struct {
	Day    string       `json:"day"`
	Amount *hexutil.Big `json:"amount"`
}

// RevenueStats is the aggregate view over all settlements the engine has
// committed. Display fields render the 18-decimal smallest-unit totals in
// whole asset units.
type RevenueStats struct {
	TotalSettled        *hexutil.Big       `json:"totalSettled"`
	TotalValidatorShare *hexutil.Big       `json:"totalValidatorShare"`
	TotalTreasuryShare  *hexutil.Big       `json:"totalTreasuryShare"`
	TotalSettledDisplay string             `json:"totalSettledDisplay"`
	DailyVolume         *hexutil.Big       `json:"dailyVolume"`
	TopValidators       []ValidatorRanking `json:"topValidators"`
	SettlementCount     uint64             `json:"settlementCount"`
	PolicyVersion       uint64             `json:"policyVersion"`
}

// ValidatorRanking is one entry of a ranked validator list. Score is set
// only by the performance ranking; revenue rankings omit it.
type ValidatorRanking struct {
	Address common.Address `json:"address"`
	Revenue *hexutil.Big   `json:"revenue"`
	Score   uint64         `json:"score,omitempty"`
}

// SupportedKind is one scheme/network pair the engine settles.
type SupportedKind struct {
	Scheme  string `json:"scheme"`
	Network string `json:"network"`
}

// SupportedResponse is the static capability list returned by x402_supported.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}
