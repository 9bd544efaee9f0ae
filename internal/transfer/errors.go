package transfer

import (
	"errors"
	"fmt"
)

// ErrSizeMismatch is returned when the decrypted or encrypted byte count
// differs from the declared size.
var ErrSizeMismatch = errors.New("transfer: size does not match declared size")

// ConfigurationError reports missing or conflicting auth or key material.
// It is always returned before any network call.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// DownloadAbortedError is returned once a download observed its stop signal.
type DownloadAbortedError struct {
	BucketID string
	FileID   string
	Read     int64
}

func (e *DownloadAbortedError) Error() string {
	return fmt.Sprintf("download of %s/%s aborted after %d bytes", e.BucketID, e.FileID, e.Read)
}

// UploadAbortedError is returned once an upload observed its stop signal.
// Stage names the step that was about to run or was in flight.
type UploadAbortedError struct {
	BucketID string
	Stage    string
}

func (e *UploadAbortedError) Error() string {
	return fmt.Sprintf("upload to %s aborted at %s", e.BucketID, e.Stage)
}

// IsAborted reports whether err is a download or upload abort.
func IsAborted(err error) bool {
	var de *DownloadAbortedError
	var ue *UploadAbortedError
	return errors.As(err, &de) || errors.As(err, &ue)
}
