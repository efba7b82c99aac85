package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound reports an absent manifest, backup or version. Callers decide the fallback.
	ErrNotFound = errors.New("not found")
	// ErrCorrupt reports a manifest or archive that exists but cannot be parsed.
	ErrCorrupt = errors.New("corrupt")
	// ErrInvalidBackup reports a backup archive whose metadata is missing or unparsable.
	ErrInvalidBackup = errors.New("invalid backup")
	// ErrMissingVersion reports backup metadata without a version field.
	ErrMissingVersion = errors.New("backup metadata missing version")
	// ErrProvisionFailed reports a runtime environment creation or package install failure.
	ErrProvisionFailed = errors.New("provisioning failed")
	// ErrActivationFailed reports a pointer or manifest update that could not complete.
	ErrActivationFailed = errors.New("activation failed")
	// ErrNotProvisioned reports a version directory without a provisioned runtime.
	ErrNotProvisioned = errors.New("version is not provisioned")
	// ErrVersionActive is returned when removing the active version.
	ErrVersionActive = errors.New("version is active")
	// ErrNoActiveVersion is returned when an operation needs an active version and there is none.
	ErrNoActiveVersion = errors.New("no active version")
	// ErrStaleManifest is returned when a manifest write observes a revision it did not read.
	ErrStaleManifest = errors.New("manifest changed since it was read")
	// ErrUnexpectedMember is returned when a backup archive contains a member outside the restore allow-list.
	ErrUnexpectedMember = errors.New("unexpected archive member")
	// ErrInsufficientSpace is returned when the backup volume does not have enough free space.
	ErrInsufficientSpace = errors.New("insufficient free space")
)

// Stage names a step of the update sequence so an operator can resume from it.
type Stage string

const (
	StageFetch    Stage = "fetch"
	StageBackup   Stage = "backup"
	StageDownload Stage = "download"
	StageInstall  Stage = "install"
	StageActivate Stage = "activate"
	StageRestore  Stage = "restore"
)

// StageError wraps the error that stopped an update sequence.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// NewStageError returns nil when err is nil.
func NewStageError(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}

// FailedStage returns the stage recorded in err's chain, if any.
func FailedStage(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}

// ProvisionError carries the captured exit status of an external provisioning command.
type ProvisionError struct {
	Step     string // e.g. "create-environment", "install-package"
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProvisionError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Step, e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	if e.Err != nil {
		msg += fmt.Sprintf(" (%v)", e.Err)
	}
	return msg
}

// Is lets errors.Is(err, ErrProvisionFailed) match any ProvisionError.
func (e *ProvisionError) Is(target error) bool {
	return target == ErrProvisionFailed
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// ValidationError is returned for malformed user input such as version strings.
type ValidationError struct {
	Message string
	Field   string
	Value   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s '%s': %s", e.Field, e.Value, e.Message)
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var validationError *ValidationError
	return errors.As(err, &validationError)
}
