package verifyedge

import (
	"errors"
	"fmt"
)

var (
	// ErrNoFile indicates a verification submission without a certificate file.
	ErrNoFile = errors.New("no file provided")

	// ErrNotFound indicates a queue entry or cache key does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnknownGeneration indicates an activation for a tag that was never installed.
	ErrUnknownGeneration = errors.New("unknown cache generation")

	// ErrInstallFailed is wrapped by every InstallError.
	ErrInstallFailed = errors.New("cache install failed")
)

// InstallError reports the resource that aborted a generation install.
type InstallError struct {
	Tag      string
	Resource string
	Status   int
	Err      error
}

func (e *InstallError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("install %q: fetch %s: %v", e.Tag, e.Resource, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("install %q: fetch %s: unexpected status %d", e.Tag, e.Resource, e.Status)
	default:
		return fmt.Sprintf("install %q: %s: unknown error", e.Tag, e.Resource)
	}
}

func (e *InstallError) Unwrap() []error {
	errs := []error{ErrInstallFailed}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}
