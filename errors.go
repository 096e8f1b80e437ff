package offlinecache

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("cache entry not found")

	ErrInstall           = errors.New("install failed")
	ErrNetwork           = errors.New("network failure")
	ErrStorage           = errors.New("storage failure")
	ErrReplay            = errors.New("replay failed")
	ErrUnknownVersion    = errors.New("unknown version")
	ErrNoCurrentVersion  = errors.New("no current version")
	ErrVersionExists     = errors.New("version already installed")
	ErrInstalling        = errors.New("version install in progress")
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
)

// InstallError reports why a version could not be materialized. The version is left absent.
type InstallError struct {
	Tag string
	Err error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install of version %q failed: %v", e.Tag, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }

func (e *InstallError) Is(target error) bool { return target == ErrInstall }

// ReplayError reports the deferred task a drain halted on.
type ReplayError struct {
	TaskID   string
	Attempts int
	Err      error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replay of task %s failed after %d attempt(s): %v", e.TaskID, e.Attempts, e.Err)
}

func (e *ReplayError) Unwrap() error { return e.Err }

func (e *ReplayError) Is(target error) bool { return target == ErrReplay }
