package x402

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/therealdev101/splendor-blockchain/x402/logger"
	"github.com/therealdev101/splendor-blockchain/x402/metrics"
)

// assetDecimals is the fixed-point precision of the native asset.
const assetDecimals = 18

// outcomeHookRejected labels settlement attempts a before-settle hook turned
// away, so they show up in the settlement counters like every other rejection.
const outcomeHookRejected = "HookRejected"

// Config is the static configuration of a settlement engine. The
// distribution policy is deliberately not part of it: policy is versioned
// consensus state and lives in the store.
type Config struct {
	// Scheme is the payment scheme the engine settles. Defaults to "exact".
	Scheme string
	// Networks maps accepted network identifiers to their chain ids.
	Networks map[string]*big.Int
	// Domain is the EIP-712 signing domain. Defaults to DefaultSigningDomain.
	Domain SigningDomain
	// TreasuryAddress seeds the initial policy's treasury. Ignored once a
	// policy has been persisted.
	TreasuryAddress *common.Address
	// TreasurySharePercent seeds the initial policy's treasury share.
	TreasurySharePercent uint64
}

// Validate checks the configuration before the engine starts.
func (c *Config) Validate() error {
	if c.Scheme == "" {
		c.Scheme = SchemeExact
	}
	if c.Domain == (SigningDomain{}) {
		c.Domain = DefaultSigningDomain
	}
	if len(c.Networks) == 0 {
		return errors.New("at least one network is required")
	}
	if c.TreasurySharePercent > 0 && c.TreasuryAddress == nil {
		return errors.New("treasury share requires a treasury address")
	}
	if c.TreasurySharePercent > 100 {
		return errors.New("treasury share percent must be in [0,100]")
	}
	return nil
}

// Engine is the payment verification and settlement core. Settlements and
// policy changes are strictly serialized into one stream under a single
// writer lock, matching the deterministic ordering a consensus-replicated
// ledger requires; verification is read-only and runs with unlimited
// concurrency.
type Engine struct {
	cfg        Config
	store      *Store
	accounts   AccountLedger
	validators ValidatorSet
	authority  PolicyAuthority
	verifier   *Verifier
	clock      clockwork.Clock
	log        logger.Logger
	metrics    metrics.Recorder

	mu     sync.Mutex
	policy DistributionPolicy

	beforeSettleHooks []BeforeSettleHook
	afterSettleHooks  []AfterSettleHook
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(log logger.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(rec metrics.Recorder) Option {
	return func(e *Engine) { e.metrics = rec }
}

// WithClock injects the clock used for validity windows and day bucketing.
func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithPolicyAuthority injects the capability that guards the policy setters.
func WithPolicyAuthority(authority PolicyAuthority) Option {
	return func(e *Engine) { e.authority = authority }
}

// NewEngine builds an engine over the given durable store, account ledger
// and validator set. The persisted distribution policy is loaded on start;
// a fresh store begins at the default policy, seeded with the configured
// treasury.
func NewEngine(cfg Config, store *Store, accounts AccountLedger, validators ValidatorSet, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if accounts == nil {
		return nil, errors.New("account ledger is required")
	}
	if validators == nil {
		return nil, errors.New("validator set is required")
	}

	e := &Engine{
		cfg:        cfg,
		store:      store,
		accounts:   accounts,
		validators: validators,
		clock:      clockwork.NewRealClock(),
		log:        logger.NewNoopLogger(),
		metrics:    metrics.NewNoopRecorder(),
	}
	for _, opt := range opts {
		opt(e)
	}

	policy, err := store.LoadPolicy()
	if err != nil {
		return nil, err
	}
	if policy.Version == 0 && cfg.TreasuryAddress != nil {
		policy.TreasuryAddress = cfg.TreasuryAddress
		policy.TreasurySharePercent = cfg.TreasurySharePercent
	}
	e.policy = policy
	e.verifier = NewVerifier(cfg.Scheme, cfg.Networks, cfg.Domain, store, e.clock)

	e.log.Info("x402 engine started", map[string]any{
		"scheme":        cfg.Scheme,
		"networks":      len(cfg.Networks),
		"policyVersion": policy.Version,
	})
	return e, nil
}

// Supported returns the static capability list for x402_supported, ordered
// by network identifier.
func (e *Engine) Supported() SupportedResponse {
	kinds := make([]SupportedKind, 0, len(e.cfg.Networks))
	for network := range e.cfg.Networks {
		kinds = append(kinds, SupportedKind{Scheme: e.cfg.Scheme, Network: network})
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i].Network < kinds[j].Network })
	return SupportedResponse{Kinds: kinds}
}

// Verify decodes and verifies a payment without mutating any state. Decode
// failures surface as MalformedEnvelope; a non-nil error means the engine
// itself could not run the check.
func (e *Engine) Verify(ctx context.Context, requirementsBytes, payloadBytes []byte) (VerifyResponse, error) {
	started := e.clock.Now()

	requirements, payload, resp := e.decodePair(requirementsBytes, payloadBytes)
	if resp != nil {
		e.metrics.IncVerification("", ReasonMalformedEnvelope)
		return *resp, nil
	}

	result, err := e.verifier.Verify(requirements, payload)
	if err != nil {
		return VerifyResponse{}, err
	}

	reason := result.InvalidReason
	if result.IsValid {
		reason = "valid"
	}
	e.metrics.IncVerification(payload.Network, reason)
	e.metrics.ObserveLatency("verify", payload.Network, e.clock.Now().Sub(started))
	return result, nil
}

// Settle decodes a payment and runs the full settlement chain. Exactly-once:
// the nonce marker, balance movement, revenue attribution and settlement
// record commit as one unit or not at all.
func (e *Engine) Settle(ctx context.Context, requirementsBytes, payloadBytes []byte) (SettleResponse, error) {
	requirements, payload, verifyResp := e.decodePair(requirementsBytes, payloadBytes)
	if verifyResp != nil {
		e.metrics.IncSettlement("", ReasonMalformedEnvelope)
		return SettleResponse{Success: false, Error: verifyResp.InvalidReason}, nil
	}
	return e.SettlePayment(ctx, requirements, payload)
}

// SettlePayment is the typed settlement entry point for embedders that have
// already decoded the envelopes.
func (e *Engine) SettlePayment(ctx context.Context, requirements *PaymentRequirements, payload *PaymentPayload) (SettleResponse, error) {
	started := e.clock.Now()

	e.mu.Lock()
	beforeHooks := e.beforeSettleHooks
	afterHooks := e.afterSettleHooks
	e.mu.Unlock()

	hookCtx := SettleContext{
		Ctx:          ctx,
		Payload:      *payload,
		Requirements: *requirements,
		Timestamp:    started,
	}
	// Hooks run outside the writer lock: they mutate nothing and may call
	// back into the engine's query and policy methods.
	for _, hook := range beforeHooks {
		result, err := hook(hookCtx)
		if err != nil {
			e.metrics.IncSettlement(payload.Network, outcomeHookRejected)
			return SettleResponse{Success: false, Error: err.Error()}, nil
		}
		if result != nil && result.Abort {
			e.metrics.IncSettlement(payload.Network, outcomeHookRejected)
			return SettleResponse{Success: false, Error: result.Reason}, nil
		}
	}

	e.mu.Lock()
	resp, err := e.settleLocked(requirements, payload)
	e.mu.Unlock()
	if err != nil {
		return SettleResponse{}, err
	}

	outcome := resp.Error
	if resp.Success {
		outcome = "success"
	}
	e.metrics.IncSettlement(payload.Network, outcome)
	e.metrics.ObserveLatency("settle", payload.Network, e.clock.Now().Sub(started))

	resultCtx := SettleResultContext{
		SettleContext: hookCtx,
		Result:        resp,
		Duration:      e.clock.Now().Sub(started),
	}
	for _, hook := range afterHooks {
		if hookErr := hook(resultCtx); hookErr != nil {
			e.log.Warn("after-settle hook failed", map[string]any{"error": hookErr.Error()})
		}
	}
	return resp, nil
}

// settleLocked runs the settlement chain under the writer lock. The full
// authorization check is re-run here: a prior verify call proves nothing at
// settlement time, since the clock has advanced and the nonce may have been
// consumed meanwhile.
func (e *Engine) settleLocked(requirements *PaymentRequirements, payload *PaymentPayload) (SettleResponse, error) {
	verifyResult, err := e.verifier.Verify(requirements, payload)
	if err != nil {
		return SettleResponse{}, err
	}
	if !verifyResult.IsValid {
		if verifyResult.InvalidReason == ReasonNonceReplayed {
			return e.alreadySettled(requirements, payload)
		}
		return SettleResponse{Success: false, Error: verifyResult.InvalidReason}, nil
	}

	digest, err := SigningHash(payload, e.cfg.Domain, e.cfg.Networks[payload.Network], requirements.Asset)
	if err != nil {
		return SettleResponse{}, err
	}
	txHash := SettlementID(digest)
	amount := payload.Amount()

	// InsufficientBalance leaves the nonce unconsumed: the client may top up
	// and retry with a fresh payload.
	if e.accounts.BalanceOf(payload.From).Cmp(amount) < 0 {
		return SettleResponse{Success: false, Error: ReasonInsufficientBalance}, nil
	}

	policy := e.policy
	developerNet, validatorShare, treasuryShare := Split(amount, policy)

	var attributions []Attribution
	if validatorShare.Sign() > 0 {
		attributions = Attribute(validatorShare, policy.Mode, e.validators.ActiveValidators())
		if len(attributions) == 0 {
			// No active validators to attribute to: the share stays with the
			// developer rather than vanishing.
			developerNet.Add(developerNet, validatorShare)
			validatorShare = new(big.Int)
		}
	}

	now := e.clock.Now().UTC()
	record := &SettlementRecord{
		TxHash:         txHash,
		From:           payload.From,
		To:             requirements.PayTo,
		Amount:         (*hexutil.Big)(amount),
		DeveloperNet:   (*hexutil.Big)(developerNet),
		ValidatorShare: (*hexutil.Big)(validatorShare),
		TreasuryShare:  (*hexutil.Big)(treasuryShare),
		Network:        payload.Network,
		PolicyVersion:  policy.Version,
		Timestamp:      uint64(now.Unix()),
	}

	if err := e.store.CommitSettlement(record, payload.Nonce, attributions, now.Format("2006-01-02")); err != nil {
		return SettleResponse{}, err
	}

	// Balance movement happens after the durable commit; both run under the
	// writer lock and the debit cannot fail after the balance check above.
	if err := e.accounts.Debit(payload.From, amount); err != nil {
		return SettleResponse{}, fmt.Errorf("debit after balance check: %w", err)
	}
	e.accounts.Credit(requirements.PayTo, developerNet)
	if policy.TreasuryEnabled() && treasuryShare.Sign() > 0 {
		e.accounts.Credit(*policy.TreasuryAddress, treasuryShare)
	}

	e.log.Info("settlement committed", map[string]any{
		"txHash":        txHash.Hex(),
		"from":          payload.From.Hex(),
		"to":            requirements.PayTo.Hex(),
		"amount":        amount.String(),
		"network":       payload.Network,
		"policyVersion": policy.Version,
	})

	return SettleResponse{Success: true, TxHash: txHash.Hex()}, nil
}

// alreadySettled maps a replayed nonce at settle time onto the identifier of
// the settlement that consumed it, so retries observe a stable outcome.
func (e *Engine) alreadySettled(requirements *PaymentRequirements, payload *PaymentPayload) (SettleResponse, error) {
	digest, err := SigningHash(payload, e.cfg.Domain, e.cfg.Networks[payload.Network], requirements.Asset)
	if err != nil {
		return SettleResponse{}, err
	}
	txHash := SettlementID(digest)
	record, err := e.store.Record(txHash)
	if err != nil {
		return SettleResponse{}, err
	}
	resp := SettleResponse{Success: false, Error: ReasonAlreadySettled}
	if record != nil {
		resp.TxHash = record.TxHash.Hex()
	}
	return resp, nil
}

func (e *Engine) decodePair(requirementsBytes, payloadBytes []byte) (*PaymentRequirements, *PaymentPayload, *VerifyResponse) {
	requirements, err := DecodePaymentRequirements(requirementsBytes)
	if err != nil {
		e.log.Debug("requirements rejected", map[string]any{"error": err.Error()})
		return nil, nil, &VerifyResponse{IsValid: false, InvalidReason: ReasonMalformedEnvelope}
	}
	payload, err := DecodePaymentPayload(payloadBytes)
	if err != nil {
		e.log.Debug("payload rejected", map[string]any{"error": err.Error()})
		return nil, nil, &VerifyResponse{IsValid: false, InvalidReason: ReasonMalformedEnvelope}
	}
	return requirements, payload, nil
}

// ============================================================================
// Revenue queries
// ============================================================================

// ValidatorRevenue returns the cumulative and per-day revenue of one
// validator. A validator that never received an attribution reports zero.
func (e *Engine) ValidatorRevenue(addr common.Address) (*ValidatorRevenue, error) {
	entry, err := e.store.RevenueEntry(addr)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return &ValidatorRevenue{
			Address:    addr,
			Cumulative: (*hexutil.Big)(new(big.Int)),
			Daily:      []DailyRevenue{},
		}, nil
	}
	daily := make([]DailyRevenue, 0, len(entry.Daily))
	for day, amount := range entry.Daily {
		daily = append(daily, DailyRevenue{Day: day, Amount: amount})
	}
	sort.Slice(daily, func(i, j int) bool { return daily[i].Day < daily[j].Day })
	return &ValidatorRevenue{
		Address:    entry.Address,
		Cumulative: entry.Cumulative,
		Daily:      daily,
		LastScore:  entry.LastScore,
	}, nil
}

// RevenueStats returns the aggregate view over all committed settlements.
// Aggregates, daily volume and the validator ranking are read in one store
// transaction: the stats object never mixes two commit points.
func (e *Engine) RevenueStats() (*RevenueStats, error) {
	today := e.clock.Now().UTC().Format("2006-01-02")
	agg, dailyVolume, entries, err := e.store.StatsSnapshot(today)
	if err != nil {
		return nil, err
	}

	rankings := make([]ValidatorRanking, 0, len(entries))
	for _, entry := range entries {
		rankings = append(rankings, ValidatorRanking{
			Address: entry.Address,
			Revenue: entry.Cumulative,
			Score:   entry.LastScore,
		})
	}
	sortByRevenue(rankings)

	e.mu.Lock()
	policyVersion := e.policy.Version
	e.mu.Unlock()

	totalSettled := agg.TotalSettled.ToInt()
	return &RevenueStats{
		TotalSettled:        (*hexutil.Big)(totalSettled),
		TotalValidatorShare: agg.TotalValidatorShare,
		TotalTreasuryShare:  agg.TotalTreasuryShare,
		TotalSettledDisplay: decimal.NewFromBigInt(totalSettled, -assetDecimals).String(),
		DailyVolume:         (*hexutil.Big)(dailyVolume),
		TopValidators:       clip(rankings, 5),
		SettlementCount:     agg.SettlementCount,
		PolicyVersion:       policyVersion,
	}, nil
}

// TopValidatorsByRevenue ranks validators by cumulative attributed revenue.
func (e *Engine) TopValidatorsByRevenue(limit int) ([]ValidatorRanking, error) {
	rankings, err := e.collectRankings()
	if err != nil {
		return nil, err
	}
	sortByRevenue(rankings)
	return clip(rankings, limit), nil
}

// TopPerformingValidators ranks validators by their last externally supplied
// performance score, revenue as tie-break.
func (e *Engine) TopPerformingValidators(limit int) ([]ValidatorRanking, error) {
	rankings, err := e.collectRankings()
	if err != nil {
		return nil, err
	}
	sort.Slice(rankings, func(i, j int) bool {
		if rankings[i].Score != rankings[j].Score {
			return rankings[i].Score > rankings[j].Score
		}
		cmp := rankings[i].Revenue.ToInt().Cmp(rankings[j].Revenue.ToInt())
		if cmp != 0 {
			return cmp > 0
		}
		return bytesLess(rankings[i].Address, rankings[j].Address)
	})
	return clip(rankings, limit), nil
}

func (e *Engine) collectRankings() ([]ValidatorRanking, error) {
	var rankings []ValidatorRanking
	err := e.store.EachRevenueEntry(func(entry *revenueEntry) error {
		rankings = append(rankings, ValidatorRanking{
			Address: entry.Address,
			Revenue: entry.Cumulative,
			Score:   entry.LastScore,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rankings, nil
}

func sortByRevenue(rankings []ValidatorRanking) {
	sort.Slice(rankings, func(i, j int) bool {
		cmp := rankings[i].Revenue.ToInt().Cmp(rankings[j].Revenue.ToInt())
		if cmp != 0 {
			return cmp > 0
		}
		return bytesLess(rankings[i].Address, rankings[j].Address)
	})
}

func bytesLess(a, b common.Address) bool {
	return a.Hex() < b.Hex()
}

func clip(rankings []ValidatorRanking, limit int) []ValidatorRanking {
	if limit > 0 && len(rankings) > limit {
		return rankings[:limit]
	}
	return rankings
}

// ============================================================================
// Policy operations
// ============================================================================

// Policy returns a snapshot of the current distribution policy.
func (e *Engine) Policy() DistributionPolicy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.policy
}

// PolicyChanges returns the persisted audit trail of policy mutations.
func (e *Engine) PolicyChanges() ([]PolicyChange, error) {
	return e.store.PolicyChanges()
}

// SetValidatorFeeShare updates the validator share percentage. The change is
// ordered into the same serialized stream as settlements: it takes effect
// for every settlement committed after it and for none before. Out-of-range
// values are rejected, never clamped.
func (e *Engine) SetValidatorFeeShare(actor string, percent uint64) error {
	if err := e.authorize(actor); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if percent > 100 {
		return NewPaymentError(ReasonPercentageOutOfRange, "validator share %d%% outside [0,100]", percent)
	}
	if percent+e.policy.TreasurySharePercent > 100 {
		return NewPaymentError(ReasonPercentageOutOfRange,
			"validator share %d%% plus treasury share %d%% exceeds 100%%", percent, e.policy.TreasurySharePercent)
	}

	updated := e.policy
	updated.ValidatorSharePercent = percent
	updated.Version++
	change := e.policyChange(updated.Version, actor,
		fmt.Sprintf("validatorSharePercent: %d -> %d", e.policy.ValidatorSharePercent, percent))
	if err := e.store.SavePolicy(updated, change); err != nil {
		return err
	}
	e.policy = updated

	e.log.Info("validator fee share updated", map[string]any{
		"percent": percent,
		"version": updated.Version,
		"actor":   actor,
	})
	return nil
}

// SetDistributionMode updates how the validator share is attributed.
func (e *Engine) SetDistributionMode(actor string, mode DistributionMode) error {
	if err := e.authorize(actor); err != nil {
		return err
	}
	if !mode.Valid() {
		return NewPaymentError(ReasonMalformedEnvelope, "unknown distribution mode %q", mode)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	updated := e.policy
	updated.Mode = mode
	updated.Version++
	change := e.policyChange(updated.Version, actor,
		fmt.Sprintf("mode: %s -> %s", e.policy.Mode, mode))
	if err := e.store.SavePolicy(updated, change); err != nil {
		return err
	}
	e.policy = updated

	e.log.Info("distribution mode updated", map[string]any{
		"mode":    string(mode),
		"version": updated.Version,
		"actor":   actor,
	})
	return nil
}

func (e *Engine) policyChange(version uint64, actor, change string) PolicyChange {
	return PolicyChange{
		ID:        uuid.NewString(),
		Version:   version,
		Actor:     actor,
		Change:    change,
		Timestamp: e.clock.Now().UTC(),
	}
}

func (e *Engine) authorize(actor string) error {
	if e.authority == nil {
		return nil
	}
	if err := e.authority.Authorize(actor); err != nil {
		return fmt.Errorf("policy change by %q denied: %w", actor, err)
	}
	return nil
}
