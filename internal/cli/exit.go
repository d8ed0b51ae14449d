package cli

import "fmt"

// ExitCodeError carries the status a scenario requested through a debug
// exit. main passes Code to os.Exit.
type ExitCodeError struct {
	Code int
}

func (e *ExitCodeError) Error() string {
	return fmt.Sprintf("scenario exited with status %d", e.Code)
}
