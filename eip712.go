package x402

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// SigningDomain identifies the EIP-712 domain payments are signed under.
// Every node of a network must use the identical domain or no signature
// verifies.
type SigningDomain struct {
	Name    string
	Version string
}

// DefaultSigningDomain is the domain used by the chain's native x402 scheme.
var DefaultSigningDomain = SigningDomain{Name: "Splendor x402", Version: "1"}

// transferTypes is the typed-data layout of the signed authorization. The
// shape follows EIP-3009 transferWithAuthorization so existing wallet
// tooling can produce payloads.
var transferTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"TransferWithAuthorization": {
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "validBefore", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
	},
}

// SigningHash computes the EIP-712 digest a client must sign for the given
// payload. The digest is fully determined by (from, to, value, validAfter,
// validBefore, nonce) plus the chain id of the payload's network, so both
// sides derive it independently.
func SigningHash(payload *PaymentPayload, domain SigningDomain, chainID *big.Int, asset common.Address) (common.Hash, error) {
	typedData := apitypes.TypedData{
		Types:       transferTypes,
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: asset.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        payload.From.Hex(),
			"to":          payload.To.Hex(),
			"value":       (*math.HexOrDecimal256)(payload.Amount()),
			"validAfter":  (*math.HexOrDecimal256)(new(big.Int).SetUint64(payload.ValidAfter)),
			"validBefore": (*math.HexOrDecimal256)(new(big.Int).SetUint64(payload.ValidBefore)),
			"nonce":       hexutil.Bytes(payload.Nonce),
		},
	}

	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash message: %w", err)
	}
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash domain: %w", err)
	}

	raw := make([]byte, 0, 2+len(domainSeparator)+len(messageHash))
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator...)
	raw = append(raw, messageHash...)
	return crypto.Keccak256Hash(raw), nil
}

// RecoverSigner recovers the address that signed the given digest. The
// signature is 65 bytes r || s || v, with v accepted as 0/1 or 27/28.
func RecoverSigner(digest common.Hash, signature []byte) (common.Address, error) {
	if len(signature) != SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", SignatureLength, len(signature))
	}
	sig := make([]byte, SignatureLength)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SettlementID derives the deterministic settlement identifier of a payload.
// It hashes the same digest that was signed, so retrying an already settled
// payload maps to the identifier of the settlement that consumed it.
func SettlementID(signingHash common.Hash) common.Hash {
	return crypto.Keccak256Hash([]byte("x402:settlement:"), signingHash.Bytes())
}
