package syncengine

import (
	"errors"
	"fmt"
)

var (
	// ErrTransientNetwork wraps failures that are retried with backoff.
	ErrTransientNetwork = errors.New("transient network error")
	// ErrWatermarkRegression is logged when a pull reports a timestamp before the stored watermark.
	ErrWatermarkRegression = errors.New("watermark regression")
	ErrEngineRunning       = errors.New("sync engine already running")
)

// RemoteValidationError is a permanent rejection by the remote API.
type RemoteValidationError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RemoteValidationError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("remote rejected request (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("remote rejected entry (%s): %s", e.Code, e.Message)
}

// LocalStorageError wraps failures of the local database.
type LocalStorageError struct {
	Op  string
	Err error
}

func (e *LocalStorageError) Error() string {
	return fmt.Sprintf("local storage: %s: %v", e.Op, e.Err)
}

func (e *LocalStorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &LocalStorageError{Op: op, Err: err}
}

func transientErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransientNetwork, fmt.Sprintf(format, args...))
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientNetwork)
}

func IsRemoteValidation(err error) bool {
	var rv *RemoteValidationError
	return errors.As(err, &rv)
}
