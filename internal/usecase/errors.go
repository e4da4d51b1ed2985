package usecase

import (
	"errors"
	"fmt"

	"github.com/Rimos-Dev/biometric-prototype/internal/engine"
	"github.com/Rimos-Dev/biometric-prototype/internal/repository"
)

var (
	// ErrUserNotFound is returned when authenticating an unknown username.
	ErrUserNotFound = errors.New("user not found")
	// ErrNoTemplate is returned when the user exists but never enrolled a face.
	ErrNoTemplate = errors.New("no biometric template enrolled")
	// ErrDuplicateUser is returned when enrolling a username that is taken.
	ErrDuplicateUser = repository.ErrDuplicateUser
)

// ValidationError reports a missing or malformed request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// EngineFailureError carries an engine result whose status is not success.
type EngineFailureError struct {
	Result *engine.Result
}

func (e *EngineFailureError) Error() string {
	if e.Result == nil {
		return "recognition engine reported failure"
	}
	return fmt.Sprintf("recognition engine reported %s: %s", e.Result.Status, e.Result.Message)
}
