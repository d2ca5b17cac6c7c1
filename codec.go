package x402

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"
)

// The codec validates incoming envelopes twice: first structurally against a
// JSON schema (field presence, hex shapes), then as typed structs. The
// schema pass produces precise complaints for missing or mistyped fields
// before any address parsing runs.

const paymentPayloadSchema = `{
	"type": "object",
	"required": ["x402Version", "scheme", "network", "from", "to", "value", "validBefore", "nonce", "signature"],
	"properties": {
		"x402Version": {"type": "integer", "minimum": 1},
		"scheme":      {"type": "string", "minLength": 1},
		"network":     {"type": "string", "minLength": 1},
		"from":        {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
		"to":          {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
		"value":       {"type": "string", "pattern": "^0x[0-9a-fA-F]+$"},
		"validAfter":  {"type": "integer", "minimum": 0},
		"validBefore": {"type": "integer", "minimum": 0},
		"nonce":       {"type": "string", "pattern": "^0x[0-9a-fA-F]{64}$"},
		"signature":   {"type": "string", "pattern": "^0x[0-9a-fA-F]{130}$"}
	}
}`

const paymentRequirementsSchema = `{
	"type": "object",
	"required": ["scheme", "network", "maxAmountRequired", "resource", "payTo"],
	"properties": {
		"scheme":            {"type": "string", "minLength": 1},
		"network":           {"type": "string", "minLength": 1},
		"maxAmountRequired": {"type": "string", "pattern": "^0x[0-9a-fA-F]+$"},
		"resource":          {"type": "string", "minLength": 1},
		"payTo":             {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
		"asset":             {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
		"maxTimeoutSeconds": {"type": "integer", "minimum": 0}
	}
}`

var (
	payloadSchema      = gojsonschema.NewStringLoader(paymentPayloadSchema)
	requirementsSchema = gojsonschema.NewStringLoader(paymentRequirementsSchema)
	validate           = validator.New()
)

// DecodePaymentPayload deserializes and structurally validates a payment
// payload. It has no side effects; every failure, including an unsupported
// protocol version, maps to MalformedEnvelope.
func DecodePaymentPayload(data []byte) (*PaymentPayload, error) {
	if err := checkSchema(payloadSchema, data); err != nil {
		return nil, err
	}

	var payload PaymentPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, NewPaymentError(ReasonMalformedEnvelope, "payload decode: %v", err)
	}
	if err := validate.Struct(&payload); err != nil {
		return nil, NewPaymentError(ReasonMalformedEnvelope, "payload fields: %v", err)
	}
	if payload.X402Version != SupportedVersion {
		return nil, NewPaymentError(ReasonMalformedEnvelope, "unsupported x402 version %d", payload.X402Version)
	}
	if len(payload.Nonce) != NonceLength {
		return nil, NewPaymentError(ReasonMalformedEnvelope, "nonce must be %d bytes, got %d", NonceLength, len(payload.Nonce))
	}
	if len(payload.Signature) != SignatureLength {
		return nil, NewPaymentError(ReasonMalformedEnvelope, "signature must be %d bytes, got %d", SignatureLength, len(payload.Signature))
	}
	if payload.Amount().Sign() < 0 {
		return nil, NewPaymentError(ReasonMalformedEnvelope, "negative amount")
	}
	return &payload, nil
}

// DecodePaymentRequirements deserializes and structurally validates payment
// requirements produced by a resource server.
func DecodePaymentRequirements(data []byte) (*PaymentRequirements, error) {
	if err := checkSchema(requirementsSchema, data); err != nil {
		return nil, err
	}

	var requirements PaymentRequirements
	if err := json.Unmarshal(data, &requirements); err != nil {
		return nil, NewPaymentError(ReasonMalformedEnvelope, "requirements decode: %v", err)
	}
	if err := validate.Struct(&requirements); err != nil {
		return nil, NewPaymentError(ReasonMalformedEnvelope, "requirements fields: %v", err)
	}
	if requirements.MaxAmountRequired.ToInt().Sign() < 0 {
		return nil, NewPaymentError(ReasonMalformedEnvelope, "negative maxAmountRequired")
	}
	return &requirements, nil
}

// EncodePaymentPayload serializes a payload back to its wire form.
func EncodePaymentPayload(payload *PaymentPayload) ([]byte, error) {
	return json.Marshal(payload)
}

// EncodePaymentRequirements serializes requirements back to their wire form.
func EncodePaymentRequirements(requirements *PaymentRequirements) ([]byte, error) {
	return json.Marshal(requirements)
}

func checkSchema(schema gojsonschema.JSONLoader, data []byte) error {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return NewPaymentError(ReasonMalformedEnvelope, "not a JSON object: %v", err)
	}
	if !result.Valid() {
		errs := result.Errors()
		if len(errs) > 0 {
			return NewPaymentError(ReasonMalformedEnvelope, "%s", errs[0].String())
		}
		return NewPaymentError(ReasonMalformedEnvelope, "schema validation failed")
	}
	return nil
}
