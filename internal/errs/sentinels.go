// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"errors"
	"fmt"
)

// User-facing taxonomy. Every failure surfaced to the user maps onto exactly one of these.
var (
	// ErrInvalidCredentials indicates an unknown account or a wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidEmail indicates a syntactically invalid e-mail address.
	ErrInvalidEmail = errors.New("invalid email")

	// ErrAccountDisabled indicates the account exists but was disabled.
	ErrAccountDisabled = errors.New("account disabled")

	// ErrProfileNotFound indicates an explicit login for an identity without a profile record.
	ErrProfileNotFound = errors.New("profile not found")

	// ErrValidation indicates missing or malformed input, detected before any mutation.
	ErrValidation = errors.New("validation error")

	// ErrUploadFailure indicates a blob upload failed.
	ErrUploadFailure = errors.New("upload failure")

	// ErrWriteFailure indicates a remote database write failed.
	ErrWriteFailure = errors.New("write failure")

	// ErrUnknown is the catch-all for provider/database errors not otherwise categorized.
	ErrUnknown = errors.New("unknown failure")
)

// Internal sentinels, mapped onto the taxonomy by Kind.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., e-mail taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrRateLimited indicates temporary sign-in lock due to rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrNotDriver indicates a driver-only operation on a rider session.
	ErrNotDriver = errors.New("not a driver session")

	// ErrNotSignedIn indicates an operation that needs a session was called without one.
	ErrNotSignedIn = errors.New("not signed in")

	// ErrLoginInProgress indicates a second explicit login while one is running.
	ErrLoginInProgress = errors.New("login in progress")
)

// ValidationError names the input that failed validation.
// Err narrows the kind (for example ErrInvalidEmail); nil means ErrValidation.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Unwrap lets errors.Is match Err, or ErrValidation when Err is nil.
func (e *ValidationError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrValidation
}

// Invalid builds a ValidationError for field.
func Invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

var taxonomy = []error{
	ErrInvalidCredentials,
	ErrInvalidEmail,
	ErrAccountDisabled,
	ErrProfileNotFound,
	ErrValidation,
	ErrUploadFailure,
	ErrWriteFailure,
}

// Kind maps err onto exactly one taxonomy sentinel. Nil stays nil.
func Kind(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range taxonomy {
		if errors.Is(err, k) {
			return k
		}
	}
	switch {
	case errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrNotDriver),
		errors.Is(err, ErrNotSignedIn), errors.Is(err, ErrLoginInProgress):
		return ErrValidation
	}
	return ErrUnknown
}

// Message returns the single user-facing message for err's kind.
func Message(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRateLimited):
		return "Too many sign-in attempts, try again later"
	case errors.Is(err, ErrAlreadyExists):
		return "An account with this e-mail already exists"
	case errors.Is(err, ErrNotDriver):
		return "Only drivers can change availability"
	case errors.Is(err, ErrNotSignedIn):
		return "Sign in first"
	case errors.Is(err, ErrLoginInProgress):
		return "Sign-in is already in progress"
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Error()
	}
	switch Kind(err) {
	case ErrInvalidCredentials:
		return "E-mail or password is incorrect"
	case ErrInvalidEmail:
		return "E-mail address is not valid"
	case ErrAccountDisabled:
		return "This account has been disabled"
	case ErrProfileNotFound:
		return "No profile found for this account"
	case ErrValidation:
		return "Some required fields are missing"
	case ErrUploadFailure:
		return "File upload failed"
	case ErrWriteFailure:
		return "Saving your data failed"
	}
	return "Something went wrong"
}
