package backend

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"scanlink/sane"
)

// IsLikelyConnectionError checks if an error indicates a broken connection to
// a remote backend, after which the session must be reopened.
func IsLikelyConnectionError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	errMsg := strings.ToLower(err.Error())
	connectionKeywords := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"use of closed network connection",
		"i/o timeout",
		"no route to host",
		"network is unreachable",
		"not connected",
	}
	for _, keyword := range connectionKeywords {
		if strings.Contains(errMsg, keyword) {
			return true
		}
	}
	return false
}

// asStatus makes sure err carries a sane.Status. Errors that already do are
// returned unchanged; anything else becomes an I/O error wrapping the cause.
func asStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	var s sane.Status
	if errors.As(err, &s) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, sane.StatusIOError, err)
}
