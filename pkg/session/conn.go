package session

import (
	"fmt"

	"github.com/daviddao/tsae/pkg/transport"
)

// conn encodes session messages onto a transport stream.
type conn struct {
	stream    transport.Stream
	sessionID string
	from      string
}

func (c *conn) send(msgType MsgType, payload interface{}) error {
	data, err := MarshalMessage(msgType, c.sessionID, c.from, payload)
	if err != nil {
		return err
	}
	if err := c.stream.WriteFrame(data); err != nil {
		return fmt.Errorf("send %s: %w", msgType, err)
	}
	return nil
}

func (c *conn) recv() (*Message, error) {
	data, err := c.stream.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("recv: %w", err)
	}
	return UnmarshalMessage(data)
}
