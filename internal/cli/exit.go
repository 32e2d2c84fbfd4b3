package cli

import (
	"errors"
	"fmt"

	"github.com/phoenixguard/sentinel/internal/bridge"
	"github.com/phoenixguard/sentinel/pkg/types"
)

// Process exit codes beyond the generic 1.
const (
	exitCheckFailed = 2 // simulation mismatch or broken audit chain
	exitUnavailable = 3 // daemon unreachable or sentinel not initialized
	exitDenied      = 4
)

// ExitError is returned by commands that want to control the process exit code
// without necessarily printing an additional error message.
type ExitError struct {
	code    int
	message string
}

func (e *ExitError) Error() string {
	if e == nil {
		return ""
	}
	if e.message != "" {
		return e.message
	}
	return fmt.Sprintf("exit %d", e.code)
}

func (e *ExitError) Code() int {
	if e == nil {
		return 1
	}
	return e.code
}

func (e *ExitError) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// bridgeExit maps a failed bridge call onto an exit code.
func bridgeExit(err error) error {
	if err == nil {
		return nil
	}
	var se *bridge.StatusError
	if !errors.As(err, &se) {
		return err
	}
	switch {
	case errors.Is(err, types.ErrNotReady):
		return &ExitError{code: exitUnavailable, message: err.Error()}
	case errors.Is(err, types.ErrAccessDenied):
		return &ExitError{code: exitDenied, message: err.Error()}
	}
	return err
}
