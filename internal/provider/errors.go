package provider

import (
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	KindMissingCredential     Kind = "missing_credential"
	KindRateLimited           Kind = "rate_limited"
	KindParameterIncompatible Kind = "parameter_incompatible"
	KindFirstTokenTimeout     Kind = "first_token_timeout"
	KindStreamStalled         Kind = "stream_stalled"
	KindUpstream              Kind = "upstream"
	KindMalformedEvent        Kind = "malformed_event"
	KindConfiguration         Kind = "configuration"
)

// Error is the single failure type returned by adapters. Fields that do not
// apply to a kind are left zero.
type Error struct {
	Kind     Kind
	Provider string
	Model    string
	Shape    string

	// Status is the HTTP status for upstream failures, 0 for transport errors.
	Status  int
	Message string

	// Param is the credential variable for MissingCredential and the
	// suggested parameter for ParameterIncompatible.
	Param string

	// PartialChars and Partial describe text received before a stream abort.
	PartialChars int
	Partial      string
	Timeout      time.Duration

	Err error
}

func (e *Error) Error() string {
	var msg string
	switch e.Kind {
	case KindMissingCredential:
		msg = fmt.Sprintf("missing credential: %s is not set", e.Param)
	case KindFirstTokenTimeout:
		msg = fmt.Sprintf("first token timeout after %s (received 0 chars)", e.Timeout)
	case KindStreamStalled:
		msg = fmt.Sprintf("stream stalled after %s with %d chars received", e.Timeout, e.PartialChars)
	case KindParameterIncompatible:
		msg = fmt.Sprintf("unsupported parameter (use %s): %s", e.Param, e.Message)
	case KindUpstream:
		if e.Status > 0 {
			msg = fmt.Sprintf("upstream error (status %d): %s", e.Status, e.Message)
		} else {
			msg = fmt.Sprintf("upstream error: %s", e.Message)
		}
	default:
		msg = fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}

	prefix := e.Provider
	if e.Model != "" {
		prefix += " " + e.Model
	}
	if e.Shape != "" {
		prefix += " [" + e.Shape + "]"
	}
	if prefix != "" {
		msg = prefix + ": " + msg
	}
	if e.Err != nil && e.Message == "" && e.Timeout == 0 {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func MissingCredential(providerName, envVar string) *Error {
	return &Error{Kind: KindMissingCredential, Provider: providerName, Param: envVar}
}
