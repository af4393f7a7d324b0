package ingestion

import "errors"

var (
	// ErrSourceRequired is returned when a source is not provided.
	ErrSourceRequired = errors.New("source required")

	// ErrDestinationRequired is returned when a destination is not provided.
	ErrDestinationRequired = errors.New("destination required")

	// ErrInvokerRequired is returned when a stage invoker is not provided.
	ErrInvokerRequired = errors.New("stage invoker required")

	// ErrWriteRejected is returned when the destination did not persist a file.
	ErrWriteRejected = errors.New("destination rejected write")

	// ErrPanic wraps a panic recovered while processing a file.
	ErrPanic = errors.New("panic while processing file")
)
