package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// frameStream delimits frames on a byte stream with a protobuf varint
// length prefix.
type frameStream struct {
	conn      net.Conn
	r         *bufio.Reader
	closeOnce sync.Once
	closeErr  error
}

// NewFrameStream wraps a connected byte stream. Tests use it over net.Pipe.
func NewFrameStream(conn net.Conn) Stream {
	return &frameStream{conn: conn, r: bufio.NewReader(conn)}
}

func (s *frameStream) WriteFrame(p []byte) error {
	if len(p) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(p))
	}
	buf := protowire.AppendVarint(make([]byte, 0, binary.MaxVarintLen64+len(p)), uint64(len(p)))
	buf = append(buf, p...)
	_, err := s.conn.Write(buf)
	return err
}

func (s *frameStream) ReadFrame() ([]byte, error) {
	var prefix [binary.MaxVarintLen64]byte
	n := 0
	for {
		b, err := s.r.ReadByte()
		if err != nil {
			if n > 0 && errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		prefix[n] = b
		n++
		if b < 0x80 {
			break
		}
		if n == len(prefix) {
			return nil, fmt.Errorf("%w: length prefix overflow", ErrMalformedFrame)
		}
	}
	size, m := protowire.ConsumeVarint(prefix[:n])
	if m < 0 {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(m))
	}
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrMalformedFrame, size)
	}
	p := make([]byte, size)
	if _, err := io.ReadFull(s.r, p); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return p, nil
}

func (s *frameStream) SetDeadline(t time.Time) error { return s.conn.SetDeadline(t) }

func (s *frameStream) RemoteAddr() string {
	if a := s.conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

func (s *frameStream) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.conn.Close() })
	return s.closeErr
}

// TCPDialer opens framed TCP streams.
type TCPDialer struct {
	// Timeout bounds connection establishment. Zero means only ctx bounds it.
	Timeout time.Duration
}

// Dial implements Dialer.
func (d TCPDialer) Dial(ctx context.Context, addr string) (Stream, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewFrameStream(conn), nil
}

// TCPListener accepts framed TCP streams.
type TCPListener struct {
	ln net.Listener
}

// ListenTCP binds addr. Use ":0" for an ephemeral port.
func ListenTCP(addr string) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &TCPListener{ln: ln}, nil
}

// Accept implements Listener.
func (l *TCPListener) Accept() (Stream, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	return NewFrameStream(conn), nil
}

// Addr implements Listener.
func (l *TCPListener) Addr() string { return l.ln.Addr().String() }

// Close implements Listener.
func (l *TCPListener) Close() error { return l.ln.Close() }
