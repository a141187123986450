package auth

import (
	"errors"
	"fmt"

	"clawgate/pkg/channel"
)

// Code is a stable category for credential resolution failures.
type Code string

const (
	CodeNoCredential      Code = "no_credential"
	CodeCredentialExpired Code = "credential_expired"
	CodeCredentialInvalid Code = "credential_invalid"
	CodeStoreUnavailable  Code = "store_unavailable"
	CodeInvalidRecord     Code = "invalid_record"
)

var (
	ErrNoCredential      = errors.New(string(CodeNoCredential))
	ErrCredentialExpired = errors.New(string(CodeCredentialExpired))
	ErrCredentialInvalid = errors.New(string(CodeCredentialInvalid))
	ErrStoreUnavailable  = errors.New(string(CodeStoreUnavailable))
	ErrInvalidRecord     = errors.New(string(CodeInvalidRecord))

	// ErrUnauthorized is wrapped by gateways when the platform rejects a credential.
	ErrUnauthorized = errors.New("unauthorized")
)

var codeSentinels = map[Code]error{
	CodeNoCredential:      ErrNoCredential,
	CodeCredentialExpired: ErrCredentialExpired,
	CodeCredentialInvalid: ErrCredentialInvalid,
	CodeStoreUnavailable:  ErrStoreUnavailable,
	CodeInvalidRecord:     ErrInvalidRecord,
}

// Error is a categorized resolution failure. It never carries secret material.
type Error struct {
	Code      Code
	Channel   channel.ID
	Account   string
	ProfileID string
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	msg := string(e.Code)
	switch {
	case e.ProfileID != "":
		msg += fmt.Sprintf(": profile %q", e.ProfileID)
	case e.Channel != "":
		msg += fmt.Sprintf(": %s/%s", e.Channel, e.Account)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's code.
func (e *Error) Is(target error) bool {
	sentinel, ok := codeSentinels[e.Code]
	return ok && target == sentinel
}

// CodeOf returns the stable code for an error when available.
func CodeOf(err error) Code {
	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized.Code
	}

	return ""
}

// Reason classifies a caller-reported credential failure.
type Reason string

const (
	ReasonUnauthorized Reason = "unauthorized"
	ReasonRateLimited  Reason = "rate_limited"
	ReasonNetwork      Reason = "network"
	ReasonUnknown      Reason = "unknown"
)

// ReasonFor classifies a gateway error; anything wrapping ErrUnauthorized is Unauthorized.
func ReasonFor(err error) Reason {
	if errors.Is(err, ErrUnauthorized) {
		return ReasonUnauthorized
	}

	return ReasonUnknown
}
