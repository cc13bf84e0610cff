package eventsync

import "github.com/burugo/eventsync/common"

// Errors re-exported from common so callers only need the root package.
var (
	ErrNotFound          = common.ErrNotFound
	ErrTransient         = common.ErrTransient
	ErrAuthExpired       = common.ErrAuthExpired
	ErrValidation        = common.ErrValidation
	ErrPersistence       = common.ErrPersistence
	ErrTerminalUpload    = common.ErrTerminalUpload
	ErrTaskNotFound      = common.ErrTaskNotFound
	ErrInvalidTransition = common.ErrInvalidTransition
	ErrSessionNotFound   = common.ErrSessionNotFound
	ErrOffsetMismatch    = common.ErrOffsetMismatch
	ErrClosed            = common.ErrClosed
	ErrNilContext        = common.ErrNilContext
)

// Typed errors, aliased from common.
type (
	TransientNetworkError = common.TransientNetworkError
	AuthExpiredError      = common.AuthExpiredError
	ValidationError       = common.ValidationError
	PersistenceError      = common.PersistenceError
	TerminalUploadError   = common.TerminalUploadError
)

// IsRetryable reports whether another attempt could succeed after err.
func IsRetryable(err error) bool { return common.IsRetryable(err) }
