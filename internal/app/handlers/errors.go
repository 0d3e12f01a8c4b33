package handlers

import (
	"errors"
	"net/http"

	jsoniter "github.com/json-iterator/go"

	"github.com/pasoproxy/paso/internal/core/constants"
	"github.com/pasoproxy/paso/internal/core/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client-facing error dialects. The messages endpoint speaks Anthropic's
// envelope; everything else speaks OpenAI's.
type errorDialect int

const (
	dialectOpenAI errorDialect = iota
	dialectAnthropic
)

// StatusClientClosedRequest is nginx's non-standard code for a client that
// went away before the response was written.
const StatusClientClosedRequest = 499

type openAIErrorBody struct {
	Error openAIErrorDetail `json:"error"`
}

type openAIErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

type anthropicErrorBody struct {
	Type  string               `json:"type"`
	Error anthropicErrorDetail `json:"error"`
}

type anthropicErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func writeErrorEnvelope(w http.ResponseWriter, dialect errorDialect, status int, errType, code, message string) {
	// headers already sent means the stream owns the response
	w.Header().Set(constants.HeaderContentType, constants.ContentTypeJSON)
	w.WriteHeader(status)

	var body any
	if dialect == dialectAnthropic {
		body = anthropicErrorBody{
			Type:  "error",
			Error: anthropicErrorDetail{Type: errType, Message: message},
		}
	} else {
		body = openAIErrorBody{
			Error: openAIErrorDetail{Message: message, Type: errType, Code: code},
		}
	}
	_ = json.NewEncoder(w).Encode(body)
}

// writeDomainError maps domain errors onto the HTTP surface. The not-found
// case deliberately surfaces as a 400 with code model_not_found, matching
// the OpenAI dialect clients already handle.
func writeDomainError(w http.ResponseWriter, dialect errorDialect, err error) int {
	var (
		validationErr *domain.ValidationError
		authErr       *domain.AuthenticationError
		notFoundErr   *domain.ModelNotFoundError
		queueErr      *domain.QueueTimeoutError
		disconnectErr *domain.ClientDisconnectedError
		exhaustedErr  *domain.ChainExhaustedError
	)

	switch {
	case errors.As(err, &validationErr):
		writeErrorEnvelope(w, dialect, http.StatusBadRequest, "invalid_request_error", "", validationErr.Message)
		return http.StatusBadRequest

	case errors.As(err, &authErr):
		writeErrorEnvelope(w, dialect, http.StatusUnauthorized, "authentication_error", "invalid_api_key", authErr.Message)
		return http.StatusUnauthorized

	case errors.As(err, &notFoundErr):
		writeErrorEnvelope(w, dialect, http.StatusBadRequest, "invalid_request_error", "model_not_found", notFoundErr.Error())
		return http.StatusBadRequest

	case errors.As(err, &queueErr):
		w.Header().Set("Retry-After", "1")
		writeErrorEnvelope(w, dialect, http.StatusTooManyRequests, "rate_limit_error", "concurrency_limit", queueErr.Error())
		return http.StatusTooManyRequests

	case errors.As(err, &disconnectErr):
		// nobody is listening; the status is for the access log only
		w.WriteHeader(StatusClientClosedRequest)
		return StatusClientClosedRequest

	case errors.As(err, &exhaustedErr):
		writeErrorEnvelope(w, dialect, http.StatusBadGateway, "api_error", "all_backends_failed", exhaustedErr.Error())
		return http.StatusBadGateway

	default:
		writeErrorEnvelope(w, dialect, http.StatusBadGateway, "api_error", "", "upstream request failed")
		return http.StatusBadGateway
	}
}

func writeMethodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	writeErrorEnvelope(w, dialectOpenAI, http.StatusMethodNotAllowed, "invalid_request_error", "", "method not allowed")
}

func writeForbidden(w http.ResponseWriter, dialect errorDialect, message string) {
	writeErrorEnvelope(w, dialect, http.StatusForbidden, "permission_error", "model_not_allowed", message)
}
