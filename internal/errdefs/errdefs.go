// Package errdefs holds the sentinel errors shared across lighthouse.
//
// Errors are combined with fmt.Errorf("%w: %w", outer, inner) so callers can
// match both the outcome flavor (ErrCannotSubstantiate, ErrFailedToSubstantiate)
// and the underlying kind (ErrImageNotFound, ErrConnectionFailed, ...) with
// errors.Is.
package errdefs

import (
	"errors"
)

// Outcomes reported to the scheduler.
var (
	// ErrCannotSubstantiate marks an environment problem. Retrying on the
	// same worker is pointless.
	ErrCannotSubstantiate = errors.New("worker cannot substantiate")
	// ErrFailedToSubstantiate marks a transient problem. The scheduler may
	// retry on another slot.
	ErrFailedToSubstantiate = errors.New("worker failed to substantiate")
	ErrInstanceActive       = errors.New("instance already active")
)

// Kinds.
var (
	ErrConnectionFailed  = errors.New("cannot connect to the docker daemon")
	ErrNotFound          = errors.New("not found")
	ErrImageNotFound     = errors.New("image not found")
	ErrBuildFailed       = errors.New("image build failed")
	ErrPullFailed        = errors.New("image pull failed")
	ErrCreateFailed      = errors.New("failed to create container")
	ErrStartFailed       = errors.New("failed to start container")
	ErrAttachFailed      = errors.New("failed to attach container logs")
	ErrContainerExited   = errors.New("container exited before the worker connected")
	ErrTimeoutExceeded   = errors.New("missing timeout exceeded")
	ErrCancelled         = errors.New("substantiation cancelled")
	ErrListContainers    = errors.New("failed to list containers")
	ErrRemoveContainer   = errors.New("failed to remove container")
	ErrStopContainer     = errors.New("failed to stop container")
	ErrRemoveImage       = errors.New("failed to remove image")
	ErrInspectImage      = errors.New("failed to inspect image")
	ErrBuildContext      = errors.New("failed to prepare build context")
	ErrInvalidHostConfig = errors.New("invalid host config")
	ErrInvalidVolume     = errors.New("invalid volume spec")
	ErrInvalidWorker     = errors.New("invalid worker spec")
	ErrUnknownWorker     = errors.New("unknown worker")
	ErrUnauthorizedAgent = errors.New("unauthorized agent")
	ErrConfig            = errors.New("config error")
)

// IsPermanent reports whether err is an outcome the scheduler should not
// retry on this worker.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrCannotSubstantiate)
}

// IsTransient reports whether err is an outcome worth retrying elsewhere.
func IsTransient(err error) bool {
	return errors.Is(err, ErrFailedToSubstantiate)
}

// IsConnectionFailure reports whether the daemon could not be reached.
func IsConnectionFailure(err error) bool {
	return errors.Is(err, ErrConnectionFailed)
}
