package session

import (
	"errors"
	"fmt"

	"github.com/daviddao/tsae/pkg/transport"
)

// ErrMalformedMessage marks a frame that does not decode into a valid
// message. Protocol state is ambiguous afterwards; callers treat it as
// fatal.
var ErrMalformedMessage = errors.New("session: malformed message")

// ErrUnexpectedMessage marks a well-formed message arriving where the
// protocol does not allow it. It is a kind of malformed message.
var ErrUnexpectedMessage = fmt.Errorf("%w: unexpected message", ErrMalformedMessage)

// IsFatal reports whether err must stop the process rather than just the
// session: malformed messages and malformed frames. Every other session
// error is a transport failure and the next round retries.
func IsFatal(err error) bool {
	return errors.Is(err, ErrMalformedMessage) || transport.IsMalformed(err)
}
