// Package failure classifies the errors a generation or a store call can end with.
package failure

import (
	"errors"
	"fmt"
)

// Kind identifies the failure class for handling decisions.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConnectivity means the serving API is unreachable or lists no models.
	KindConnectivity
	// KindNoModel means the selector had nothing to choose from.
	KindNoModel
	// KindAPI is a non-success HTTP status from the serving API.
	KindAPI
	// KindAPIReported is an error field in an otherwise successful response.
	KindAPIReported
	// KindPersistence covers message store failures; callers log and continue.
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindConnectivity:
		return "connectivity"
	case KindNoModel:
		return "no_model"
	case KindAPI:
		return "api"
	case KindAPIReported:
		return "api_reported"
	case KindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// Error carries a Kind plus the user-facing message written into assistant replies.
type Error struct {
	Kind    Kind
	Message string
	// Status and Body are set for KindAPI.
	Status int
	Body   string
	Inner  error
}

func (e *Error) Error() string {
	if e.Inner != nil && e.Kind == KindPersistence {
		return e.Message + ": " + e.Inner.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Inner
}

// Connectivity reports that the serving API at baseURL cannot be used.
func Connectivity(baseURL string, inner error) *Error {
	return &Error{
		Kind:    KindConnectivity,
		Message: fmt.Sprintf("Ollama is not running. Please start Ollama and ensure it's accessible at %s", baseURL),
		Inner:   inner,
	}
}

func NoModel() *Error {
	return &Error{Kind: KindNoModel, Message: "No suitable model found"}
}

func API(status int, body string) *Error {
	return &Error{
		Kind:    KindAPI,
		Message: fmt.Sprintf("Ollama API error: %d - %s", status, body),
		Status:  status,
		Body:    body,
	}
}

// APIReported keeps the serving API's message verbatim.
func APIReported(message string) *Error {
	return &Error{Kind: KindAPIReported, Message: message}
}

func Persistence(op string, inner error) *Error {
	return &Error{Kind: KindPersistence, Message: op, Inner: inner}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether err carries kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
