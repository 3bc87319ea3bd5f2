package zedio

import "github.com/behrlich/zedio-go/internal/rterr"

// Error is the runtime's structured error: an operation, a high-level
// category, the kernel errno if any, and the wrapped cause. A thin public
// alias over internal/rterr.Error so callers outside the module never need
// to import an internal package to use errors.As on it.
type Error = rterr.Error

// ErrCode is a high-level error category, independent of errno.
type ErrCode = rterr.Code

const (
	ErrCodeSystemError       = rterr.CodeSystemError
	ErrCodeCancelled         = rterr.CodeCancelled
	ErrCodeClosed            = rterr.CodeClosed
	ErrCodeResourceExhausted = rterr.CodeResourceExhausted
	ErrCodeTimeout           = rterr.CodeTimeout
	ErrCodeInvalid           = rterr.CodeInvalid
)

// IsCode reports whether err is, or wraps, an *Error with the given code.
func IsCode(err error, code ErrCode) bool {
	return rterr.IsCode(err, code)
}
