package stage

import "errors"

var (
	// ErrInvocationFailed is returned when every attempt for a file failed.
	ErrInvocationFailed = errors.New("pipeline invocation failed")

	// ErrMalformedResponse is returned when the service answered without a
	// code 200 envelope carrying data.elements and data.stats.
	ErrMalformedResponse = errors.New("malformed pipeline response")

	errUndecodable = errors.New("body is not json")

	// ErrBaseURLRequired is returned when the invoker has no service address.
	ErrBaseURLRequired = errors.New("api base url required")
)
