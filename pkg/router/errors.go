package router

import (
	"fmt"
	"net/http"
)

// FetchError is returned by `Client.Fetch` once every attempt at retrieving
// the device list failed (or the retry policy gave up earlier).
//
type FetchError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch '%s' failed after %d attempt(s): %v",
		e.URL, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// StatusError is the error of a single attempt that got a non-2xx answer.
//
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s",
		e.StatusCode, http.StatusText(e.StatusCode))
}

// DecodeError is returned by `Decode` when the document is not a well-formed
// device list or one of its fields can't be interpreted.
//
type DecodeError struct {
	// Index is the position of the offending device in the list, or -1
	// when the document as a whole is at fault.
	//
	Index int

	MAC   string
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("decode device list: %v", e.Err)
	}

	return fmt.Sprintf("decode device #%d (mac '%s') field '%s': %v",
		e.Index, e.MAC, e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
