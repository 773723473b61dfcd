package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/solatis/ruleskeeper/internal/types"
)

// Error mapping shared by both surfaces:
//   ErrRuleNotFound                          -> 404 / NOT_FOUND
//   ErrInvalidRule, ErrInvalidConditions,
//   ErrEmptyRuleName                         -> 400 / INVALID_ARGUMENT
//   ErrPayloadTooLarge                       -> 413 / RESOURCE_EXHAUSTED
//   ErrDuplicateRule                         -> 409 / ALREADY_EXISTS
//   ErrStoreUnavailable                      -> 503 / UNAVAILABLE
//   anything else                            -> 500 / INTERNAL

// errorResponse is the body of every failed HTTP request.
type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, types.ErrRuleNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrInvalidRule),
		errors.Is(err, types.ErrInvalidConditions),
		errors.Is(err, types.ErrEmptyRuleName):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, types.ErrDuplicateRule):
		return http.StatusConflict
	case errors.Is(err, types.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func grpcError(err error) error {
	var code codes.Code
	switch httpStatus(err) {
	case http.StatusNotFound:
		code = codes.NotFound
	case http.StatusBadRequest:
		code = codes.InvalidArgument
	case http.StatusRequestEntityTooLarge:
		code = codes.ResourceExhausted
	case http.StatusConflict:
		code = codes.AlreadyExists
	case http.StatusServiceUnavailable:
		code = codes.Unavailable
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

func respondJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

// respondError writes message as the error and err, when set, as details.
func respondError(w http.ResponseWriter, code int, message string, err error) {
	resp := errorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	respondJSON(w, code, resp)
}

// respondFailure maps a domain error to its status code.
func respondFailure(w http.ResponseWriter, err error) {
	code := httpStatus(err)
	message := http.StatusText(code)
	switch {
	case errors.Is(err, types.ErrRuleNotFound):
		message = "Rule not found"
	case errors.Is(err, types.ErrStoreUnavailable):
		message = "Rule store unavailable"
	}
	respondError(w, code, message, err)
}
