package xpost

import (
	"errors"
	"fmt"
	"strings"
)

// MissingEnvError is returned when required configuration is missing.
type MissingEnvError struct {
	Provider  string
	Variables []string
}

func (e MissingEnvError) Error() string {
	if len(e.Variables) == 0 {
		return fmt.Sprintf("%s credentials not configured", e.Provider)
	}
	return fmt.Sprintf("%s credentials not configured (missing %s)", e.Provider, strings.Join(e.Variables, ", "))
}

// ValidationError captures provider-specific validation issues.
type ValidationError struct {
	Provider string
	Reason   string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s validation failed: %s", e.Provider, e.Reason)
}

// FetchError reports a failure to download or validate the source media.
type FetchError struct {
	URL    string
	Reason string
	Err    error
}

func (e FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Reason, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Reason)
}

func (e FetchError) Unwrap() error { return e.Err }

// AuthError reports missing or rejected platform credentials.
type AuthError struct {
	Provider string
	Err      error
}

func (e AuthError) Error() string {
	return fmt.Sprintf("%s auth: %v", e.Provider, e.Err)
}

func (e AuthError) Unwrap() error { return e.Err }

// UploadError reports a non-2xx platform response (or any unclassified
// failure) during one step of an upload.
type UploadError struct {
	Provider string
	Step     string
	Err      error
}

func (e UploadError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("%s upload: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Step, e.Err)
}

func (e UploadError) Unwrap() error { return e.Err }

// TimeoutError reports that a polling loop ran out of attempts.
type TimeoutError struct {
	Provider string
	Step     string
	Attempts int
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf("%s %s timed out after %d attempts", e.Provider, e.Step, e.Attempts)
}

// ProcessingError carries a platform-reported job failure. Message is the
// platform's own diagnostic, untouched.
type ProcessingError struct {
	Provider string
	Message  string
}

func (e ProcessingError) Error() string {
	return fmt.Sprintf("%s media processing failed: %s", e.Provider, e.Message)
}

// Classify returns err unchanged when it already belongs to the publish error
// taxonomy and wraps it in an UploadError otherwise. The raw message is kept.
func Classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	var (
		fetchErr   FetchError
		authErr    AuthError
		uploadErr  UploadError
		timeoutErr TimeoutError
		procErr    ProcessingError
		missingErr MissingEnvError
	)
	switch {
	case errors.As(err, &fetchErr), errors.As(err, &authErr), errors.As(err, &uploadErr),
		errors.As(err, &timeoutErr), errors.As(err, &procErr):
		return err
	case errors.As(err, &missingErr):
		return AuthError{Provider: provider, Err: err}
	}
	return UploadError{Provider: provider, Err: err}
}
