package consistencycheck

import (
	"errors"
	"fmt"

	"pipecheck/pkg/execute"
)

// CheckError is returned by the check body when the checker itself failed.
// Canceling is the checker's IsCanceling at the moment Check returned.
type CheckError struct {
	JobID     string
	Canceling bool
	Err       error
}

func (e *CheckError) Error() string {
	if e.Canceling {
		return fmt.Sprintf("check job %s canceled: %v", e.JobID, e.Err)
	}
	return fmt.Sprintf("check job %s failed: %v", e.JobID, e.Err)
}

func (e *CheckError) Unwrap() error {
	return e.Err
}

// IsCanceled reports whether err ends a check job on purpose rather than by a crash.
func IsCanceled(err error) bool {
	if errors.Is(err, execute.ErrStopped) {
		return true
	}
	var ce *CheckError
	return errors.As(err, &ce) && ce.Canceling
}
