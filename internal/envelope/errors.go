package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/k1networth/signdesk-lite/internal/shared/requestid"
)

var ErrNotFound = errors.New("envelope not found")

// ErrNotOwner guards the sender-only operations (void, remind, manual seal).
var ErrNotOwner = errors.New("actor is not the envelope owner")

// Error is a typed domain error. Validation codes are returned before any
// state mutation; transition codes mean the caller's view is stale.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// Validation error codes.
const (
	CodeDuplicateSigner = "duplicate_signer"
	CodeInvalidEmail    = "invalid_email"
	CodeUnknownSigner   = "unknown_signer"
	CodeNoSigners       = "no_signers"
	CodeMissingFields   = "missing_fields"
	CodeValidation      = "validation_error"
)

// Transition error codes.
const (
	CodeInvalidTransition = "invalid_transition"
	CodeNotCurrentSigner  = "not_current_signer"
	CodeSignerNotPending  = "signer_not_pending"
	CodeEnvelopeNotActive = "envelope_not_active"
)

// Infrastructure error codes surfaced by the sealing pipeline.
const (
	CodeRenderFailure  = "render_failure"
	CodeStorageFailure = "storage_failure"
)

func errDuplicateSigner(email string) *Error {
	return &Error{Code: CodeDuplicateSigner, Message: fmt.Sprintf("signer %s already exists", email)}
}

func errInvalidEmail(email string) *Error {
	return &Error{Code: CodeInvalidEmail, Message: fmt.Sprintf("invalid email address %q", email)}
}

func errUnknownSigner(email string) *Error {
	return &Error{Code: CodeUnknownSigner, Message: fmt.Sprintf("no signer with email %s", email)}
}

func errNoSigners() *Error {
	return &Error{Code: CodeNoSigners, Message: "envelope has no signers"}
}

// MissingFieldsError names every required signer without a single assigned
// field. It is the gate that keeps an unsatisfiable envelope in DRAFT.
type MissingFieldsError struct {
	SignerNames []string
}

func (e *MissingFieldsError) Error() string {
	return "signers without fields: " + strings.Join(e.SignerNames, ", ")
}

func (e *MissingFieldsError) Code() string { return CodeMissingFields }

func errInvalidTransition(from, op string) *Error {
	return &Error{Code: CodeInvalidTransition, Message: fmt.Sprintf("cannot %s envelope in status %s", op, from)}
}

func errNotCurrentSigner(email string) *Error {
	return &Error{Code: CodeNotCurrentSigner, Message: fmt.Sprintf("%s is not the current signer", email)}
}

func errSignerNotPending(email string) *Error {
	return &Error{Code: CodeSignerNotPending, Message: fmt.Sprintf("signer %s is not pending", email)}
}

func errEnvelopeNotActive(status string) *Error {
	return &Error{Code: CodeEnvelopeNotActive, Message: fmt.Sprintf("envelope is not active (status %s)", status)}
}

// Sealing pipeline failures. Sealer implementations wrap one of these so the
// service can classify the failure in the audit record.
var (
	ErrRenderFailure  = errors.New("render failure")
	ErrStorageFailure = errors.New("storage failure")
)

// httpStatus maps a domain error to its HTTP status.
func httpStatus(err error) int {
	var de *Error
	if errors.As(err, &de) {
		switch de.Code {
		case CodeInvalidTransition, CodeNotCurrentSigner, CodeSignerNotPending, CodeEnvelopeNotActive:
			return http.StatusConflict
		default:
			return http.StatusBadRequest
		}
	}
	var mf *MissingFieldsError
	if errors.As(err, &mf) {
		return http.StatusBadRequest
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, ErrRenderFailure), errors.Is(err, ErrStorageFailure):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code               string   `json:"code"`
	Message            string   `json:"message"`
	MissingSignerNames []string `json:"missing_signer_names,omitempty"`
	RequestID          string   `json:"request_id,omitempty"`
}

func WriteError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiErrorResponse{
		Error: apiError{Code: code, Message: message},
	})
}

// WriteDomainError renders a domain error with its mapped status and the
// request id from the context.
func WriteDomainError(w http.ResponseWriter, r *http.Request, err error) {
	rid := requestid.Get(r.Context())
	status := httpStatus(err)

	resp := apiErrorResponse{Error: apiError{RequestID: rid}}

	var de *Error
	var mf *MissingFieldsError
	switch {
	case errors.As(err, &mf):
		resp.Error.Code = CodeMissingFields
		resp.Error.Message = mf.Error()
		resp.Error.MissingSignerNames = mf.SignerNames
	case errors.As(err, &de):
		resp.Error.Code = de.Code
		resp.Error.Message = de.Message
	case errors.Is(err, ErrNotFound):
		resp.Error.Code = "not_found"
		resp.Error.Message = "envelope not found"
	case errors.Is(err, ErrNotOwner):
		resp.Error.Code = "forbidden"
		resp.Error.Message = "only the envelope owner may do this"
	case errors.Is(err, ErrRenderFailure):
		resp.Error.Code = CodeRenderFailure
		resp.Error.Message = "sealing failed to render the document"
	case errors.Is(err, ErrStorageFailure):
		resp.Error.Code = CodeStorageFailure
		resp.Error.Message = "sealing failed to store the document"
	default:
		resp.Error.Code = "internal_error"
		resp.Error.Message = "internal error"
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
