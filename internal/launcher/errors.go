package launcher

import (
	"errors"
	"fmt"
)

// ErrLaunch matches any *LaunchError via errors.Is.
var ErrLaunch = errors.New("launch failed")

// LaunchError reports that the external command could not be started.
// No job exists for a failed launch.
type LaunchError struct {
	Kind Kind
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Kind, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

func (e *LaunchError) Is(target error) bool { return target == ErrLaunch }
