// Package transport provides the reliable, ordered, bidirectional streams
// that anti-entropy sessions run over. A stream carries discrete frames;
// the session layer decides what a frame means.
//
// Two transports are available: plain TCP with varint length-prefixed
// frames, and WebSocket with one binary message per frame.
package transport

import (
	"context"
	"errors"
	"time"
)

// Stream is one session's bidirectional frame stream. A Stream is used by a
// single session goroutine; WriteFrame and ReadFrame are not called
// concurrently with themselves.
type Stream interface {
	// WriteFrame sends one frame.
	WriteFrame(p []byte) error
	// ReadFrame blocks for the next frame.
	ReadFrame() ([]byte, error)
	// SetDeadline bounds all future reads and writes.
	SetDeadline(t time.Time) error
	// RemoteAddr describes the other end, for logging.
	RemoteAddr() string
	// Close releases the stream. Safe to call more than once.
	Close() error
}

// Dialer opens a fresh stream to a peer address.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Stream, error)
}

// Listener accepts streams opened by peers.
type Listener interface {
	// Accept blocks for the next inbound stream. After Close it returns
	// ErrClosed.
	Accept() (Stream, error)
	Addr() string
	Close() error
}

type transportError string

func (e transportError) Error() string { return string(e) }

const (
	// ErrClosed is returned by Accept after the listener is closed.
	ErrClosed transportError = "transport: listener closed"
	// ErrMalformedFrame marks a frame that cannot be delimited or decoded.
	// The stream position is unknown afterwards, so the stream is useless.
	ErrMalformedFrame transportError = "transport: malformed frame"
	// ErrFrameTooLarge is returned when a local write exceeds MaxFrameSize.
	// Nothing is written and the stream stays usable.
	ErrFrameTooLarge transportError = "transport: outgoing frame too large"
)

// MaxFrameSize bounds a single frame. A peer announcing a larger frame is
// treated as sending a malformed frame.
const MaxFrameSize = 16 << 20

// IsMalformed reports whether err is a framing failure rather than a plain
// I/O failure.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedFrame)
}

// Kind names a transport implementation.
type Kind string

const (
	KindTCP       Kind = "tcp"
	KindWebSocket Kind = "ws"
)

// ParseKind validates a transport name from configuration.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindTCP, KindWebSocket:
		return Kind(s), nil
	case "":
		return KindTCP, nil
	}
	return "", errors.New("transport: unknown kind " + s + " (want tcp or ws)")
}
