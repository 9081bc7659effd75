// Package protocol implements the plaintext request/response exchange spoken on
// the relay socket: one request line, header lines, an optional form body, and
// one HTTP/1.1-style response per connection.
package protocol

import (
	"errors"
	"fmt"
)

const (
	// ActionSequencePath is the only routed resource.
	ActionSequencePath = "/actionsequence"

	// MaxLineBytes bounds a request or header line.
	MaxLineBytes = 8 << 10
	// MaxHeaderLines bounds the header block.
	MaxHeaderLines = 100
	// MaxBodyBytes bounds a declared Content-Length.
	MaxBodyBytes = 1 << 20

	// ServerName is sent in the Server response header.
	ServerName = "keyrelay"
)

var (
	// ErrMalformedRequest covers every request the reader cannot make sense of.
	ErrMalformedRequest = errors.New("protocol: malformed request")

	// ErrNoRequest is returned when the peer closed before sending a request
	// line. It is an ErrMalformedRequest; handlers usually close without answering.
	ErrNoRequest = fmt.Errorf("%w: no request line", ErrMalformedRequest)
)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedRequest, fmt.Sprintf(format, args...))
}
