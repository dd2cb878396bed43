package scenario

import "fmt"

// Kind tags a pipeline failure with its cause so the runner can map each to
// one fixed terminal message.
type Kind string

// Failure causes.
const (
	KindValidation Kind = "validation"
	KindService    Kind = "service"
	KindParsing    Kind = "parsing"
	KindExport     Kind = "export"
	KindUnexpected Kind = "unexpected"
)

// Error wraps a collaborator failure. Message is the user-facing text carried
// on the terminal event; Err holds the underlying diagnostic, which is logged
// but never shown to subscribers.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E constructs an Error.
func E(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}
