package protector

import (
	"context"
	"errors"
)

// Common errors. These are the classified failure kinds every public
// operation reports; callers match them with errors.Is.
var (
	// ErrStreamInvalid reports an unusable input or output stream.
	ErrStreamInvalid = errors.New("stream invalid")
	// ErrAlreadyProtected reports a protect attempt on a file that is
	// already rights-protected.
	ErrAlreadyProtected = errors.New("file is already protected")
	// ErrNotValidFile reports an unprotect attempt on a file that is not
	// a valid rights-protected file.
	ErrNotValidFile = errors.New("not a valid rights-protected file")
	// ErrCorruptFile reports a cryptographic or structural failure while
	// transforming the document.
	ErrCorruptFile = errors.New("the file may be corrupted")
	// ErrCannotAcquirePolicy reports a policy service result other than
	// success.
	ErrCannotAcquirePolicy = errors.New("cannot acquire user policy")
	// ErrRights reports a policy that lacks the owner right required to
	// unprotect.
	ErrRights = errors.New("only the owner can unprotect the document")
	// ErrInvalidArgument reports invalid protector state or arguments.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrOperationCancelled reports a cooperative cancellation.
	ErrOperationCancelled = errors.New("operation cancelled")
	// ErrHandlerState reports a crypto handler call out of order.
	ErrHandlerState = errors.New("crypto handler called out of order")
)

// cancelled reports whether err stems from context cancellation.
func cancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// passthrough reports whether err already carries one of the classified
// kinds and must not be reclassified.
func passthrough(err error) bool {
	return errors.Is(err, ErrCannotAcquirePolicy) ||
		errors.Is(err, ErrRights) ||
		errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrOperationCancelled)
}
