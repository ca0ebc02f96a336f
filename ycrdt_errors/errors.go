// Provides common ycrdt errors definitions.
package ycrdt_errors

import "errors"

var (
	ErrUnexpectedCase    = errors.New("ycrdt: unexpected case")
	ErrUnknownContent    = errors.New("ycrdt: unknown content type")
	ErrUnknownTypeRef    = errors.New("ycrdt: unknown type reference")
	ErrMalformedUpdate   = errors.New("ycrdt: malformed update")
	ErrIndexOutOfBounds  = errors.New("ycrdt: index out of bounds")
	ErrLengthExceeded    = errors.New("ycrdt: length exceeded")
	ErrTypeNotIntegrated = errors.New("ycrdt: type is not integrated into a document")
	ErrNotSameDoc        = errors.New("ycrdt: transaction belongs to another document")
	ErrSnapshotGC        = errors.New("ycrdt: garbage collection must be disabled to restore a snapshot")
	ErrTypeMismatch      = errors.New("ycrdt: root type was defined with a different constructor")
	ErrUnsupportedValue  = errors.New("ycrdt: unsupported value")
	ErrDocDestroyed      = errors.New("ycrdt: document destroyed")
)
