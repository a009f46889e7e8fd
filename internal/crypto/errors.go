package crypto

import (
	"errors"
	"fmt"
)

// ErrRemoteDelete signals that the uploaded file is unrecoverable garbage
// the device should delete: empty after line split, or all-null bytes.
var ErrRemoteDelete = errors.New("file content warrants remote delete")

// LineErrorType is the closed set of per-line decryption failures. Bad
// lines are dropped and counted, never fatal for the file.
type LineErrorType string

const (
	AESKeyBadLength LineErrorType = "AES_KEY_BAD_LENGTH"
	EmptyKey        LineErrorType = "EMPTY_KEY"
	InvalidLength   LineErrorType = "INVALID_LENGTH"
	IVBadLength     LineErrorType = "IV_BAD_LENGTH"
	IVMissing       LineErrorType = "IV_MISSING"
	LineEmpty       LineErrorType = "LINE_EMPTY"
	LineIsNone      LineErrorType = "LINE_IS_NONE"
	MalformedConfig LineErrorType = "MALFORMED_CONFIG"
	MP4Padding      LineErrorType = "MP4_PADDING"
	PaddingError    LineErrorType = "PADDING_ERROR"
)

// LineIssue records one dropped line for the problem-file diagnostics.
type LineIssue struct {
	Line int
	Type LineErrorType
}

// KeyError reports an unusable first-line key. Ingest maps it onto the
// iOS key-cache workaround before giving up.
type KeyError struct {
	Type  LineErrorType
	Cause error
}

func (e *KeyError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("decryption key invalid (%s): %v", e.Type, e.Cause)
	}
	return fmt.Sprintf("decryption key invalid (%s)", e.Type)
}

func (e *KeyError) Unwrap() error { return e.Cause }
