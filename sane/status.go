package sane

import (
	"errors"
	"fmt"
)

// Status is the closed set of result codes reported by a scanner backend.
// Every non-Good Status also satisfies the error interface, so backends and the
// session can return it directly and callers can match it with errors.Is.
type Status int32

const (
	StatusGood Status = iota
	StatusUnsupported
	StatusCancelled
	StatusDeviceBusy
	StatusInval
	StatusEOF
	StatusJammed
	StatusNoDocs
	StatusCoverOpen
	StatusIOError
	StatusNoMem
	StatusAccessDenied
)

var statusNames = [...]string{
	StatusGood:         "GOOD",
	StatusUnsupported:  "UNSUPPORTED",
	StatusCancelled:    "CANCELLED",
	StatusDeviceBusy:   "DEVICE_BUSY",
	StatusInval:        "INVAL",
	StatusEOF:          "EOF",
	StatusJammed:       "JAMMED",
	StatusNoDocs:       "NO_DOCS",
	StatusCoverOpen:    "COVER_OPEN",
	StatusIOError:      "IO_ERROR",
	StatusNoMem:        "NO_MEM",
	StatusAccessDenied: "ACCESS_DENIED",
}

var statusMessages = [...]string{
	StatusGood:         "Success",
	StatusUnsupported:  "Operation not supported",
	StatusCancelled:    "Operation was cancelled",
	StatusDeviceBusy:   "Device busy",
	StatusInval:        "Invalid argument",
	StatusEOF:          "End of file reached",
	StatusJammed:       "Document feeder jammed",
	StatusNoDocs:       "Document feeder out of documents",
	StatusCoverOpen:    "Scanner cover is open",
	StatusIOError:      "Error during device I/O",
	StatusNoMem:        "Out of memory",
	StatusAccessDenied: "Access to resource has been denied",
}

// String returns the symbolic name of the status, e.g. "DEVICE_BUSY".
func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("STATUS(%d)", int32(s))
}

// Message returns the human readable description of the status.
func (s Status) Message() string {
	if s >= 0 && int(s) < len(statusMessages) {
		return statusMessages[s]
	}
	return fmt.Sprintf("Unknown SANE status code %d", int32(s))
}

func (s Status) Error() string {
	return s.Message()
}

// Err returns nil for StatusGood and the status itself otherwise.
func (s Status) Err() error {
	if s == StatusGood {
		return nil
	}
	return s
}

// Valid reports whether s is one of the defined status codes.
func (s Status) Valid() bool {
	return s >= 0 && int(s) < len(statusNames)
}

// StatusOf extracts the Status carried by err. A nil error is Good; an error
// that does not wrap a Status is reported as an I/O error.
func StatusOf(err error) Status {
	if err == nil {
		return StatusGood
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	return StatusIOError
}

// StatusString mirrors the backend strstatus call for hosts that only carry
// the numeric code.
func StatusString(code int32) string {
	return Status(code).Message()
}
