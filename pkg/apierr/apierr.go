// Package apierr provides structured API error responses for the suggest
// endpoints. Upstream URLs and internal identifiers never appear in the
// message — the request id is the correlation handle for operators.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeInvalidRequest = "invalid_request_error"
	TypeServerError    = "server_error"
)

// Code constants.
const (
	CodeMissingQuery   = "missing_query"
	CodeInvalidRequest = "invalid_request"
	CodeInternalError  = "internal_error"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      string `json:"code"`
		RequestID string `json:"request_id,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given
// HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	requestID, _ := ctx.UserValue("request_id").(string)

	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message:   message,
		Type:      errType,
		Code:      code,
		RequestID: requestID,
	}})
	ctx.SetBody(body)
}

// WriteBadRequest writes a 400 for malformed client input.
func WriteBadRequest(ctx *fasthttp.RequestCtx, message, code string) {
	Write(ctx, fasthttp.StatusBadRequest, message, TypeInvalidRequest, code)
}

// WriteInternal writes a 500 without leaking any internal detail.
func WriteInternal(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusInternalServerError, "internal server error", TypeServerError, CodeInternalError)
}
