package x402

import (
	"crypto/ecdsa"
	"crypto/rand"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

const testNetwork = "splendor"

var (
	testChainID = big.NewInt(6546)
	testStart   = time.Date(2025, 11, 20, 12, 0, 0, 0, time.UTC)
)

// testLedger is an in-memory AccountLedger.
type testLedger struct {
	mu       sync.Mutex
	balances map[common.Address]*big.Int
}

func newTestLedger() *testLedger {
	return &testLedger{balances: make(map[common.Address]*big.Int)}
}

func (l *testLedger) BalanceOf(addr common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.balances[addr]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (l *testLedger) Debit(addr common.Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	balance := l.balances[addr]
	if balance == nil || balance.Cmp(amount) < 0 {
		return NewPaymentError(ReasonInsufficientBalance, "balance of %s below %s", addr.Hex(), amount)
	}
	balance.Sub(balance, amount)
	return nil
}

func (l *testLedger) Credit(addr common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[addr] == nil {
		l.balances[addr] = new(big.Int)
	}
	l.balances[addr].Add(l.balances[addr], amount)
}

// testValidators serves a mutable validator set in canonical order.
type testValidators struct {
	mu  sync.Mutex
	set []ValidatorInfo
}

func (v *testValidators) ActiveValidators() []ValidatorInfo {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]ValidatorInfo, len(v.set))
	copy(out, v.set)
	return out
}

func (v *testValidators) setValidators(set []ValidatorInfo) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.set = set
}

type testEnv struct {
	engine     *Engine
	store      *Store
	ledger     *testLedger
	validators *testValidators
	clock      *clockwork.FakeClock
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	store, err := OpenInMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ledger := newTestLedger()
	validators := &testValidators{}
	clock := clockwork.NewFakeClockAt(testStart)

	opts = append([]Option{WithClock(clock)}, opts...)
	engine, err := NewEngine(
		Config{Networks: map[string]*big.Int{testNetwork: testChainID}},
		store, ledger, validators, opts...,
	)
	require.NoError(t, err)

	return &testEnv{
		engine:     engine,
		store:      store,
		ledger:     ledger,
		validators: validators,
		clock:      clock,
	}
}

// testPayment bundles a freshly signed payload with matching requirements.
type testPayment struct {
	key          *ecdsa.PrivateKey
	sender       common.Address
	payTo        common.Address
	requirements *PaymentRequirements
	payload      *PaymentPayload
}

func newSignedPayment(t *testing.T, clock clockwork.Clock, amount *big.Int) *testPayment {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return signedPaymentWithKey(t, clock, key, amount)
}

func signedPaymentWithKey(t *testing.T, clock clockwork.Clock, key *ecdsa.PrivateKey, amount *big.Int) *testPayment {
	t.Helper()

	sender := crypto.PubkeyToAddress(key.PublicKey)
	payTo := common.HexToAddress("0x00000000000000000000000000000000000000d1")

	now := uint64(clock.Now().Unix())
	nonce := make([]byte, NonceLength)
	_, err := rand.Read(nonce)
	require.NoError(t, err)

	payload := &PaymentPayload{
		X402Version: SupportedVersion,
		Scheme:      SchemeExact,
		Network:     testNetwork,
		From:        sender,
		To:          payTo,
		Value:       (*hexutil.Big)(new(big.Int).Set(amount)),
		ValidAfter:  now - 10,
		ValidBefore: now + 300,
		Nonce:       nonce,
	}

	requirements := &PaymentRequirements{
		Scheme:            SchemeExact,
		Network:           testNetwork,
		MaxAmountRequired: (*hexutil.Big)(new(big.Int).Set(amount)),
		Resource:          "/api/premium-data",
		PayTo:             payTo,
		Asset:             NativeAsset,
		MaxTimeoutSeconds: 600,
	}

	signPayload(t, payload, requirements, key)

	return &testPayment{
		key:          key,
		sender:       sender,
		payTo:        payTo,
		requirements: requirements,
		payload:      payload,
	}
}

func signPayload(t *testing.T, payload *PaymentPayload, requirements *PaymentRequirements, key *ecdsa.PrivateKey) {
	t.Helper()
	digest, err := SigningHash(payload, DefaultSigningDomain, testChainID, requirements.Asset)
	require.NoError(t, err)
	sig, err := crypto.Sign(digest.Bytes(), key)
	require.NoError(t, err)
	payload.Signature = sig
}
