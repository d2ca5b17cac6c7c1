// Package rpc is the facilitator facade: it translates the x402_* wire
// method names into typed engine commands. All string-based dispatch lives
// here; the engine itself only ever sees typed calls.
package rpc

import (
	"encoding/json"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	x402 "github.com/therealdev101/splendor-blockchain/x402"
	"github.com/therealdev101/splendor-blockchain/x402/logger"
)

// ActorHeader carries the caller identity the policy setters are authorized
// against.
const ActorHeader = "X-X402-Actor"

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
)

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      json.RawMessage   `json:"id"`
}

// Response is a JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Ack is the result of the policy setter methods.
type Ack struct {
	OK bool `json:"ok"`
}

// Handler serves the x402 facilitator methods over HTTP.
type Handler struct {
	engine *x402.Engine
	log    logger.Logger
}

// NewHandler builds a facade over the given engine.
func NewHandler(engine *x402.Engine, log logger.Logger) *Handler {
	if log == nil {
		log = logger.NewNoopLogger()
	}
	return &Handler{engine: engine, log: log}
}

// Register mounts the facade on a gin router.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/", h.Handle)
}

// Handle processes one JSON-RPC request.
func (h *Handler) Handle(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, errorResponse(nil, codeParseError, "invalid request: "+err.Error()))
		return
	}

	result, rpcErr := h.dispatch(c, &req)
	if rpcErr != nil {
		h.log.Debug("rpc call failed", map[string]any{"method": req.Method, "error": rpcErr.Message})
		c.JSON(http.StatusOK, errorResponse(req.ID, rpcErr.Code, rpcErr.Message))
		return
	}
	c.JSON(http.StatusOK, Response{JSONRPC: "2.0", Result: result, ID: req.ID})
}

// dispatch maps a wire method name onto the engine's typed command set.
func (h *Handler) dispatch(c *gin.Context, req *Request) (interface{}, *Error) {
	switch req.Method {
	case "x402_supported":
		return h.engine.Supported(), nil

	case "x402_verify":
		requirements, payload, errResp := paymentParams(req)
		if errResp != nil {
			return nil, errResp
		}
		result, err := h.engine.Verify(c.Request.Context(), requirements, payload)
		if err != nil {
			return nil, &Error{Code: codeServerError, Message: err.Error()}
		}
		return result, nil

	case "x402_settle":
		requirements, payload, errResp := paymentParams(req)
		if errResp != nil {
			return nil, errResp
		}
		result, err := h.engine.Settle(c.Request.Context(), requirements, payload)
		if err != nil {
			return nil, &Error{Code: codeServerError, Message: err.Error()}
		}
		return result, nil

	case "x402_getValidatorX402Revenue":
		addr, errResp := addressParam(req, 0)
		if errResp != nil {
			return nil, errResp
		}
		revenue, err := h.engine.ValidatorRevenue(addr)
		if err != nil {
			return nil, &Error{Code: codeServerError, Message: err.Error()}
		}
		return revenue, nil

	case "x402_getX402RevenueStats":
		stats, err := h.engine.RevenueStats()
		if err != nil {
			return nil, &Error{Code: codeServerError, Message: err.Error()}
		}
		return stats, nil

	case "x402_getTopPerformingValidators":
		limit := 10
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params[0], &limit); err != nil {
				return nil, &Error{Code: codeInvalidParams, Message: "limit must be a number"}
			}
		}
		ranking, err := h.engine.TopPerformingValidators(limit)
		if err != nil {
			return nil, &Error{Code: codeServerError, Message: err.Error()}
		}
		return ranking, nil

	case "x402_setValidatorFeeShare":
		var percent uint64
		if len(req.Params) < 1 || json.Unmarshal(req.Params[0], &percent) != nil {
			return nil, &Error{Code: codeInvalidParams, Message: "percentage must be a number in [0,100]"}
		}
		if err := h.engine.SetValidatorFeeShare(c.GetHeader(ActorHeader), percent); err != nil {
			return nil, &Error{Code: codeServerError, Message: err.Error()}
		}
		return Ack{OK: true}, nil

	case "x402_setDistributionMode":
		var mode string
		if len(req.Params) < 1 || json.Unmarshal(req.Params[0], &mode) != nil {
			return nil, &Error{Code: codeInvalidParams, Message: "mode must be a string"}
		}
		if err := h.engine.SetDistributionMode(c.GetHeader(ActorHeader), x402.DistributionMode(mode)); err != nil {
			return nil, &Error{Code: codeServerError, Message: err.Error()}
		}
		return Ack{OK: true}, nil

	default:
		return nil, &Error{Code: codeMethodNotFound, Message: "unknown method " + req.Method}
	}
}

func paymentParams(req *Request) (requirements, payload []byte, rpcErr *Error) {
	if len(req.Params) < 2 {
		return nil, nil, &Error{Code: codeInvalidParams, Message: "expected [paymentRequirements, paymentPayload]"}
	}
	return req.Params[0], req.Params[1], nil
}

func addressParam(req *Request, index int) (common.Address, *Error) {
	var raw string
	if len(req.Params) <= index || json.Unmarshal(req.Params[index], &raw) != nil {
		return common.Address{}, &Error{Code: codeInvalidParams, Message: "expected an address parameter"}
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, &Error{Code: codeInvalidParams, Message: "malformed address " + raw}
	}
	return common.HexToAddress(raw), nil
}

func errorResponse(id json.RawMessage, code int, message string) Response {
	return Response{JSONRPC: "2.0", Error: &Error{Code: code, Message: message}, ID: id}
}
