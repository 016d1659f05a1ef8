package server

import (
	"encoding/json"
	"net/http"

	"interbank/pkg/fault"
)

// statusFor is the only place a fault code becomes an HTTP status.
func statusFor(code fault.Code) int {
	switch code {
	case fault.InvalidTransaction:
		return http.StatusBadRequest
	case fault.TokenExpired, fault.IssuerMismatch, fault.SignatureInvalid,
		fault.UnknownSourceBank, fault.KeyLookupFailed:
		return http.StatusUnauthorized
	case fault.UnknownDestinationBank, fault.DestinationAccountNotFound,
		fault.SourceAccountNotFound, fault.TransactionNotFound:
		return http.StatusNotFound
	case fault.DuplicateReference:
		return http.StatusConflict
	case fault.InsufficientFunds:
		return http.StatusUnprocessableEntity
	case fault.RateLimited:
		return http.StatusTooManyRequests
	case fault.DeliveryFailed, fault.RegistrationFailed:
		return http.StatusBadGateway
	case fault.QueueClosed:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

type errorResponse struct {
	Error   fault.Code `json:"error"`
	Message string     `json:"message,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	code := fault.CodeOf(err)
	resp := errorResponse{Error: code, Message: fault.Message(err)}
	if code.Kind() == fault.KindInternal || code.Kind() == fault.KindCompensation {
		resp.Message = "internal error"
	}
	writeJSON(w, statusFor(code), resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}
