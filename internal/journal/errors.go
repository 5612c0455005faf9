package journal

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes journal errors.
type ErrorCode string

const (
	// ErrCodeLock indicates the canonical path is already open.
	ErrCodeLock ErrorCode = "LOCK"

	// ErrCodeNotOwned indicates the project has no owner id.
	ErrCodeNotOwned ErrorCode = "NOT_OWNED"

	// ErrCodeIO indicates a read or write failure on the backing file.
	ErrCodeIO ErrorCode = "IO"

	// ErrCodeParse indicates the backing file is not valid JSON.
	ErrCodeParse ErrorCode = "PARSE"

	// Format errors, in the order Open checks them.
	ErrCodeIDFormat               ErrorCode = "ID_FORMAT"
	ErrCodeOwnerFormat            ErrorCode = "OWNER_FORMAT"
	ErrCodeRecordsFormat          ErrorCode = "RECORDS_FORMAT"
	ErrCodeOfflineLayersFormat    ErrorCode = "OFFLINE_LAYERS_FORMAT"
	ErrCodeOfflineLayerItemFormat ErrorCode = "OFFLINE_LAYER_ITEM_FORMAT"
	ErrCodeVersionFormat          ErrorCode = "VERSION_FORMAT"
	ErrCodeIncompatibleVersion    ErrorCode = "INCOMPATIBLE_VERSION"
	ErrCodeRecordFormat           ErrorCode = "RECORD_FORMAT"

	// ErrCodeClosed indicates the journal was closed.
	ErrCodeClosed ErrorCode = "CLOSED"
)

// Error is a journal failure with the path it concerns.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Path is the canonical journal path.
	Path string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Path != "" {
		msg = fmt.Sprintf("%s (path=%s)", msg, e.Path)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code ErrorCode, path, message string, cause error) *Error {
	return &Error{Code: code, Path: path, Message: message, Err: cause}
}

// CodeOf returns the code of the first *Error in err's chain, or "" when
// there is none.
func CodeOf(err error) ErrorCode {
	var je *Error
	if errors.As(err, &je) {
		return je.Code
	}
	return ""
}

// IsLockError returns true if the path was already open.
// Uses errors.As to handle wrapped errors.
func IsLockError(err error) bool {
	return CodeOf(err) == ErrCodeLock
}

// IsFormatError returns true for schema violations of a journal file,
// including an incompatible version.
func IsFormatError(err error) bool {
	switch CodeOf(err) {
	case ErrCodeIDFormat, ErrCodeOwnerFormat, ErrCodeRecordsFormat,
		ErrCodeOfflineLayersFormat, ErrCodeOfflineLayerItemFormat,
		ErrCodeVersionFormat, ErrCodeIncompatibleVersion, ErrCodeRecordFormat:
		return true
	}
	return false
}
