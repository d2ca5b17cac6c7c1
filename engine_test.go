package x402

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fund(env *testEnv, addr common.Address, amount int64) {
	env.ledger.Credit(addr, big.NewInt(amount))
}

func TestSettleDefaultPolicyRoutesFullAmount(t *testing.T) {
	env := newTestEnv(t)
	amount, _ := new(big.Int).SetString("5af3107a4000", 16) // 100000000000000
	payment := newSignedPayment(t, env.clock, amount)
	env.ledger.Credit(payment.sender, amount)

	resp, err := env.engine.SettlePayment(context.Background(), payment.requirements, payment.payload)
	require.NoError(t, err)
	require.True(t, resp.Success, "settle failed: %s", resp.Error)
	assert.NotEmpty(t, resp.TxHash)

	assert.Equal(t, int64(0), env.ledger.BalanceOf(payment.sender).Int64())
	assert.Equal(t, amount, env.ledger.BalanceOf(payment.payTo))

	record, err := env.store.Record(common.HexToHash(resp.TxHash))
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, amount, record.Amount.ToInt())
	assert.Equal(t, amount, record.DeveloperNet.ToInt())
	assert.Zero(t, record.ValidatorShare.ToInt().Sign())
	assert.Zero(t, record.TreasuryShare.ToInt().Sign())
	assert.Equal(t, uint64(0), record.PolicyVersion)
}

func TestSettleConsumesNonce(t *testing.T) {
	env := newTestEnv(t)
	payment := newSignedPayment(t, env.clock, big.NewInt(1000))
	fund(env, payment.sender, 1000)

	resp, err := env.engine.SettlePayment(context.Background(), payment.requirements, payment.payload)
	require.NoError(t, err)
	require.True(t, resp.Success)

	result, err := env.engine.verifier.Verify(payment.requirements, payment.payload)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, ReasonNonceReplayed, result.InvalidReason)
}

func TestSettleTwiceReturnsAlreadySettled(t *testing.T) {
	env := newTestEnv(t)
	payment := newSignedPayment(t, env.clock, big.NewInt(1000))
	fund(env, payment.sender, 2000)

	first, err := env.engine.SettlePayment(context.Background(), payment.requirements, payment.payload)
	require.NoError(t, err)
	require.True(t, first.Success)

	second, err := env.engine.SettlePayment(context.Background(), payment.requirements, payment.payload)
	require.NoError(t, err)
	assert.False(t, second.Success)
	assert.Equal(t, ReasonAlreadySettled, second.Error)
	assert.Equal(t, first.TxHash, second.TxHash)

	// The replay moved no funds.
	assert.Equal(t, int64(1000), env.ledger.BalanceOf(payment.sender).Int64())
	assert.Equal(t, int64(1000), env.ledger.BalanceOf(payment.payTo).Int64())
}

func TestSettleInsufficientBalanceLeavesNonceUnconsumed(t *testing.T) {
	env := newTestEnv(t)
	payment := newSignedPayment(t, env.clock, big.NewInt(1000))
	fund(env, payment.sender, 999)

	resp, err := env.engine.SettlePayment(context.Background(), payment.requirements, payment.payload)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, ReasonInsufficientBalance, resp.Error)
	assert.Empty(t, resp.TxHash)

	// The same payload succeeds once the payer tops up.
	fund(env, payment.sender, 1)
	resp, err = env.engine.SettlePayment(context.Background(), payment.requirements, payment.payload)
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestSettleValidatorShareSplit(t *testing.T) {
	env := newTestEnv(t)
	env.validators.setValidators(validatorSet())
	require.NoError(t, env.engine.SetValidatorFeeShare("governor", 10))

	payment := newSignedPayment(t, env.clock, big.NewInt(1000000))
	fund(env, payment.sender, 1000000)

	resp, err := env.engine.SettlePayment(context.Background(), payment.requirements, payment.payload)
	require.NoError(t, err)
	require.True(t, resp.Success, "settle failed: %s", resp.Error)

	// 10% of 1000000 goes to the validators, the developer nets the rest.
	assert.Equal(t, int64(900000), env.ledger.BalanceOf(payment.payTo).Int64())

	record, err := env.store.Record(common.HexToHash(resp.TxHash))
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, int64(900000), record.DeveloperNet.ToInt().Int64())
	assert.Equal(t, int64(100000), record.ValidatorShare.ToInt().Int64())
	assert.Equal(t, uint64(1), record.PolicyVersion)

	// Equal mode over three validators: 33334 + 33333 + 33333.
	revA, err := env.engine.ValidatorRevenue(valA)
	require.NoError(t, err)
	assert.Equal(t, int64(33334), revA.Cumulative.ToInt().Int64())
	revB, err := env.engine.ValidatorRevenue(valB)
	require.NoError(t, err)
	assert.Equal(t, int64(33333), revB.Cumulative.ToInt().Int64())
	revC, err := env.engine.ValidatorRevenue(valC)
	require.NoError(t, err)
	assert.Equal(t, int64(33333), revC.Cumulative.ToInt().Int64())
}

func TestSettleWithTreasury(t *testing.T) {
	treasury := common.HexToAddress("0x00000000000000000000000000000000000000ee")

	store, err := OpenInMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ledger := newTestLedger()
	validators := &testValidators{}
	validators.setValidators(validatorSet())
	clock := clockwork.NewFakeClockAt(testStart)

	engine, err := NewEngine(
		Config{
			Networks:             map[string]*big.Int{testNetwork: testChainID},
			TreasuryAddress:      &treasury,
			TreasurySharePercent: 5,
		},
		store, ledger, validators, WithClock(clock),
	)
	require.NoError(t, err)
	require.NoError(t, engine.SetValidatorFeeShare("governor", 10))

	payment := newSignedPayment(t, clock, big.NewInt(1000))
	ledger.Credit(payment.sender, big.NewInt(1000))

	resp, err := engine.SettlePayment(context.Background(), payment.requirements, payment.payload)
	require.NoError(t, err)
	require.True(t, resp.Success, "settle failed: %s", resp.Error)

	assert.Equal(t, int64(850), ledger.BalanceOf(payment.payTo).Int64())
	assert.Equal(t, int64(50), ledger.BalanceOf(treasury).Int64())

	record, err := store.Record(common.HexToHash(resp.TxHash))
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, int64(100), record.ValidatorShare.ToInt().Int64())
	assert.Equal(t, int64(50), record.TreasuryShare.ToInt().Int64())
}

func TestSettleNoActiveValidatorsReturnsShareToDeveloper(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.engine.SetValidatorFeeShare("governor", 10))

	payment := newSignedPayment(t, env.clock, big.NewInt(1000))
	fund(env, payment.sender, 1000)

	resp, err := env.engine.SettlePayment(context.Background(), payment.requirements, payment.payload)
	require.NoError(t, err)
	require.True(t, resp.Success)

	assert.Equal(t, int64(1000), env.ledger.BalanceOf(payment.payTo).Int64())

	record, err := env.store.Record(common.HexToHash(resp.TxHash))
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Zero(t, record.ValidatorShare.ToInt().Sign())
}

func TestSettleRecordsPolicyVersionAtCommitTime(t *testing.T) {
	env := newTestEnv(t)
	env.validators.setValidators(validatorSet())

	settle := func() *SettlementRecord {
		payment := newSignedPayment(t, env.clock, big.NewInt(1000))
		fund(env, payment.sender, 1000)
		resp, err := env.engine.SettlePayment(context.Background(), payment.requirements, payment.payload)
		require.NoError(t, err)
		require.True(t, resp.Success)
		record, err := env.store.Record(common.HexToHash(resp.TxHash))
		require.NoError(t, err)
		require.NotNil(t, record)
		return record
	}

	before := settle()
	assert.Equal(t, uint64(0), before.PolicyVersion)

	require.NoError(t, env.engine.SetValidatorFeeShare("governor", 25))

	after := settle()
	assert.Equal(t, uint64(1), after.PolicyVersion)
}

func TestSettleConcurrentIdenticalPayloads(t *testing.T) {
	env := newTestEnv(t)
	payment := newSignedPayment(t, env.clock, big.NewInt(1000))
	fund(env, payment.sender, 1000)

	const attempts = 8
	responses := make([]SettleResponse, attempts)
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i], errs[i] = env.engine.SettlePayment(context.Background(), payment.requirements, payment.payload)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	successes := 0
	var txHash string
	for _, resp := range responses {
		if resp.Success {
			successes++
			txHash = resp.TxHash
		} else {
			assert.Equal(t, ReasonAlreadySettled, resp.Error)
		}
	}
	assert.Equal(t, 1, successes)
	for _, resp := range responses {
		assert.Equal(t, txHash, resp.TxHash)
	}
	assert.Equal(t, int64(0), env.ledger.BalanceOf(payment.sender).Int64())
	assert.Equal(t, int64(1000), env.ledger.BalanceOf(payment.payTo).Int64())
}

func TestSettleRejectsInvalidPayment(t *testing.T) {
	env := newTestEnv(t)
	payment := newSignedPayment(t, env.clock, big.NewInt(1000))
	fund(env, payment.sender, 1000)
	env.clock.Advance(time.Hour)

	resp, err := env.engine.SettlePayment(context.Background(), payment.requirements, payment.payload)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, ReasonExpired, resp.Error)
	assert.Empty(t, resp.TxHash)
}

func TestSettleMalformedBytes(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.engine.Settle(context.Background(), []byte(`{"scheme":"exact"}`), []byte(`not json`))
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, ReasonMalformedEnvelope, resp.Error)
}

func TestVerifyEndToEndBytes(t *testing.T) {
	env := newTestEnv(t)
	payment := newSignedPayment(t, env.clock, big.NewInt(1000))

	reqBytes, err := EncodePaymentRequirements(payment.requirements)
	require.NoError(t, err)
	payloadBytes, err := EncodePaymentPayload(payment.payload)
	require.NoError(t, err)

	result, err := env.engine.Verify(context.Background(), reqBytes, payloadBytes)
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.Equal(t, payment.sender.Hex(), result.PayerAddress)

	result, err = env.engine.Verify(context.Background(), reqBytes, []byte(`[]`))
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, ReasonMalformedEnvelope, result.InvalidReason)
}

func TestBeforeSettleHookAborts(t *testing.T) {
	env := newTestEnv(t)
	env.engine.OnBeforeSettle(func(ctx SettleContext) (*BeforeHookResult, error) {
		if ctx.Payload.Amount().Cmp(big.NewInt(500)) > 0 {
			return &BeforeHookResult{Abort: true, Reason: "amount over risk limit"}, nil
		}
		return nil, nil
	})

	payment := newSignedPayment(t, env.clock, big.NewInt(1000))
	fund(env, payment.sender, 1000)

	resp, err := env.engine.SettlePayment(context.Background(), payment.requirements, payment.payload)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "amount over risk limit", resp.Error)

	// Aborted before any state change: the payload still settles later.
	small := newSignedPayment(t, env.clock, big.NewInt(400))
	fund(env, small.sender, 400)
	resp, err = env.engine.SettlePayment(context.Background(), small.requirements, small.payload)
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestBeforeSettleHookError(t *testing.T) {
	env := newTestEnv(t)
	env.engine.OnBeforeSettle(func(ctx SettleContext) (*BeforeHookResult, error) {
		return nil, errors.New("risk backend unavailable")
	})

	payment := newSignedPayment(t, env.clock, big.NewInt(1000))
	fund(env, payment.sender, 1000)

	resp, err := env.engine.SettlePayment(context.Background(), payment.requirements, payment.payload)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "risk backend unavailable", resp.Error)
}

func TestSettleHooksMayCallEngine(t *testing.T) {
	env := newTestEnv(t)

	// Hooks calling back into locking engine methods must not deadlock.
	var beforeVersion, afterVersion uint64
	env.engine.OnBeforeSettle(func(SettleContext) (*BeforeHookResult, error) {
		beforeVersion = env.engine.Policy().Version
		return nil, nil
	})
	env.engine.OnAfterSettle(func(SettleResultContext) error {
		afterVersion = env.engine.Policy().Version
		_, err := env.engine.RevenueStats()
		return err
	})

	require.NoError(t, env.engine.SetValidatorFeeShare("governor", 10))
	payment := newSignedPayment(t, env.clock, big.NewInt(1000))
	fund(env, payment.sender, 1000)

	resp, err := env.engine.SettlePayment(context.Background(), payment.requirements, payment.payload)
	require.NoError(t, err)
	require.True(t, resp.Success)
	assert.Equal(t, uint64(1), beforeVersion)
	assert.Equal(t, uint64(1), afterVersion)
}

type captureRecorder struct {
	mu          sync.Mutex
	settlements map[string]int
}

func (r *captureRecorder) IncVerification(network, reason string) {}

func (r *captureRecorder) IncSettlement(network, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settlements == nil {
		r.settlements = make(map[string]int)
	}
	r.settlements[outcome]++
}

func (r *captureRecorder) ObserveLatency(operation, network string, d time.Duration) {}

func (r *captureRecorder) outcome(label string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settlements[label]
}

func TestHookRejectedSettlementsAreCounted(t *testing.T) {
	rec := &captureRecorder{}
	env := newTestEnv(t, WithMetrics(rec))
	env.engine.OnBeforeSettle(func(SettleContext) (*BeforeHookResult, error) {
		return &BeforeHookResult{Abort: true, Reason: "blocked"}, nil
	})

	payment := newSignedPayment(t, env.clock, big.NewInt(1000))
	fund(env, payment.sender, 1000)

	resp, err := env.engine.SettlePayment(context.Background(), payment.requirements, payment.payload)
	require.NoError(t, err)
	require.False(t, resp.Success)
	assert.Equal(t, 1, rec.outcome("HookRejected"))
	assert.Zero(t, rec.outcome("success"))
}

func TestAfterSettleHookObservesResult(t *testing.T) {
	env := newTestEnv(t)
	var observed []SettleResultContext
	env.engine.OnAfterSettle(func(ctx SettleResultContext) error {
		observed = append(observed, ctx)
		return nil
	})

	payment := newSignedPayment(t, env.clock, big.NewInt(1000))
	fund(env, payment.sender, 1000)

	resp, err := env.engine.SettlePayment(context.Background(), payment.requirements, payment.payload)
	require.NoError(t, err)
	require.True(t, resp.Success)

	require.Len(t, observed, 1)
	assert.True(t, observed[0].Result.Success)
	assert.Equal(t, resp.TxHash, observed[0].Result.TxHash)
}

func TestSupported(t *testing.T) {
	env := newTestEnv(t)
	supported := env.engine.Supported()
	require.Len(t, supported.Kinds, 1)
	assert.Equal(t, SchemeExact, supported.Kinds[0].Scheme)
	assert.Equal(t, testNetwork, supported.Kinds[0].Network)
}
