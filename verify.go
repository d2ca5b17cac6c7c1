package x402

import (
	"math/big"

	"github.com/jonboulle/clockwork"
)

// Verifier runs the ordered authorization check chain. Every check is pure
// except the replay-set lookup, which reads shared state without mutating
// it: a client may verify the same payload any number of times without
// consuming the authorization. Reservation of the nonce happens only at
// settlement time.
type Verifier struct {
	scheme   string
	networks map[string]*big.Int
	domain   SigningDomain
	store    *Store
	clock    clockwork.Clock
}

// NewVerifier builds a verifier for the given scheme and network → chain-id
// table.
func NewVerifier(scheme string, networks map[string]*big.Int, domain SigningDomain, store *Store, clock clockwork.Clock) *Verifier {
	return &Verifier{
		scheme:   scheme,
		networks: networks,
		domain:   domain,
		store:    store,
		clock:    clock,
	}
}

func invalid(reason string) VerifyResponse {
	return VerifyResponse{IsValid: false, InvalidReason: reason}
}

// Verify checks a payload against the requirements it claims to satisfy.
// First failure wins; the check order is part of the engine's contract
// because callers branch on the reason. A non-nil error means the check
// could not run (store failure), not that the payment is invalid.
func (v *Verifier) Verify(requirements *PaymentRequirements, payload *PaymentPayload) (VerifyResponse, error) {
	if payload.Scheme != v.scheme || payload.Scheme != requirements.Scheme {
		return invalid(ReasonUnsupportedScheme), nil
	}
	chainID, supported := v.networks[payload.Network]
	if !supported || payload.Network != requirements.Network {
		return invalid(ReasonUnsupportedNetwork), nil
	}

	now := uint64(v.clock.Now().Unix())
	if now < payload.ValidAfter {
		return invalid(ReasonNotYetValid), nil
	}
	// Boundary is inclusive: a payload is still valid at the exact second
	// validBefore names.
	if now > payload.ValidBefore {
		return invalid(ReasonExpired), nil
	}
	if requirements.MaxTimeoutSeconds > 0 {
		if payload.ValidBefore < payload.ValidAfter ||
			payload.ValidBefore-payload.ValidAfter > requirements.MaxTimeoutSeconds {
			return invalid(ReasonInvalidTimeWindow), nil
		}
	}

	if payload.To != requirements.PayTo {
		return invalid(ReasonDestinationMismatch), nil
	}

	if payload.Amount().Cmp(requirements.MaxAmountRequired.ToInt()) > 0 {
		return invalid(ReasonAmountExceedsMax), nil
	}

	consumed, err := v.store.NonceConsumed(payload.Network, payload.From, payload.Nonce)
	if err != nil {
		return VerifyResponse{}, err
	}
	if consumed {
		return invalid(ReasonNonceReplayed), nil
	}

	digest, err := SigningHash(payload, v.domain, chainID, requirements.Asset)
	if err != nil {
		return VerifyResponse{}, err
	}
	signer, err := RecoverSigner(digest, payload.Signature)
	if err != nil {
		// An unrecoverable signature is a bad signature, not an engine fault.
		return invalid(ReasonSignatureMismatch), nil
	}
	if signer != payload.From {
		return invalid(ReasonSignatureMismatch), nil
	}

	return VerifyResponse{IsValid: true, PayerAddress: payload.From.Hex()}, nil
}
