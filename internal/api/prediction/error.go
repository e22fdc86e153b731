package prediction

import (
	"fmt"
	"net/http"
	"yolodetect/pkg/response"
)

var (
	ErrPredictionNotFound = response.NewError(http.StatusNotFound, "prediction not found")
	ErrImageNotFound      = response.NewError(http.StatusNotFound, "image not found")
	ErrInvalidScore       = response.NewError(http.StatusBadRequest, "min score must be between 0 and 1")
	ErrInvalidImageType   = response.NewError(http.StatusBadRequest, "invalid image type")
	ErrEmptyImage         = response.NewError(http.StatusBadRequest, "image is empty")
	ErrInvalidBox         = response.NewError(http.StatusBadRequest, "box corners are out of order")
	ErrNotAcceptable      = response.NewError(http.StatusNotAcceptable, "client does not accept an image format")
	ErrStorageFailed      = response.NewError(http.StatusInternalServerError, "storage failed")
	ErrInferenceFailed    = response.NewError(http.StatusInternalServerError, "inference failed")
	ErrBlobTransferFailed = response.NewError(http.StatusBadGateway, "blob transfer failed")
)

// StorageError is returned by every record store backend for transport or
// write failures. It matches ErrStorageFailed and its cause.
type StorageError struct {
	Op  string
	Err error
}

func NewStorageError(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorageFailed, e.Err}
}

// ProcessingError tags a request processor failure with the stage that
// failed: ErrInferenceFailed, ErrStorageFailed or ErrBlobTransferFailed.
type ProcessingError struct {
	Stage error
	Err   error
}

func NewProcessingError(stage error, err error) error {
	return &ProcessingError{Stage: stage, Err: err}
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("%v: %v", e.Stage, e.Err)
}

func (e *ProcessingError) Unwrap() []error {
	return []error{e.Stage, e.Err}
}
