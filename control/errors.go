package control

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bitrise-io/go-segupload/errorlist"
)

var (
	// ErrDisabled is returned by every operation of a control whose negotiation failed.
	ErrDisabled = errors.New("control is disabled")
	// ErrNotActivated is returned when a file is selected before Activate succeeded.
	ErrNotActivated = errors.New("control is not activated")
	// ErrStarted is returned when a file is selected after the upload of the current one started.
	ErrStarted = errors.New("upload already started")
	// ErrNotStarted is returned by Wait when no upload was started.
	ErrNotStarted = errors.New("upload not started")
)

const (
	requiredMessage       = "This field is required! Please select a file to continue."
	finalizeFailedMessage = "file upload failed to process"
)

func fileTooLargeMessage(maxSize, size int64) string {
	return fmt.Sprintf("File is too large. File size must be less than %d bytes. This one is %d bytes.", maxSize, size)
}

// ConfigError is returned by New for an invalid configuration or a missing collaborator.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid control config: %s %s", e.Field, e.Reason)
}

// ValidationError holds the error records that keep a selection from being uploaded,
// such as an oversized file or a missing required file.
type ValidationError struct {
	Records []errorlist.Record
}

func (e *ValidationError) Error() string {
	messages := make([]string, 0, len(e.Records))
	for _, r := range e.Records {
		messages = append(messages, r.Message)
	}
	return "validation failed: " + strings.Join(messages, "; ")
}
