package transport

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// SessionPath is the HTTP route that upgrades to a session stream.
const SessionPath = "/tsae"

// wsStream carries one frame per binary WebSocket message.
type wsStream struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func newWSStream(conn *websocket.Conn) *wsStream {
	conn.SetReadLimit(MaxFrameSize)
	return &wsStream{conn: conn}
}

func (s *wsStream) WriteFrame(p []byte) error {
	if len(p) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(p))
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, p)
}

func (s *wsStream) ReadFrame() ([]byte, error) {
	mt, data, err := s.conn.ReadMessage()
	if err != nil {
		if err == websocket.ErrReadLimit {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return nil, err
	}
	if mt != websocket.BinaryMessage {
		return nil, fmt.Errorf("%w: websocket message type %d", ErrMalformedFrame, mt)
	}
	return data, nil
}

func (s *wsStream) SetDeadline(t time.Time) error {
	if err := s.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return s.conn.SetWriteDeadline(t)
}

func (s *wsStream) RemoteAddr() string { return s.conn.RemoteAddr().String() }

func (s *wsStream) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.conn.Close() })
	return s.closeErr
}

// WSDialer opens WebSocket session streams at ws://addr/tsae.
type WSDialer struct {
	// HandshakeTimeout bounds the upgrade handshake. Zero means only ctx
	// bounds it.
	HandshakeTimeout time.Duration
}

// Dial implements Dialer.
func (d WSDialer) Dial(ctx context.Context, addr string) (Stream, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, "ws://"+addr+SessionPath, nil)
	if err != nil {
		return nil, err
	}
	return newWSStream(conn), nil
}

// WSListener turns upgraded HTTP requests into session streams. It does not
// own an HTTP server: mount it on a router with Mount and serve that router.
type WSListener struct {
	addr     string
	upgrader websocket.Upgrader
	streams  chan Stream
	done     chan struct{}
	once     sync.Once
}

// NewWSListener returns a listener for streams arriving on the HTTP server
// bound to addr. addr is only reported by Addr.
func NewWSListener(addr string) *WSListener {
	return &WSListener{
		addr:    addr,
		streams: make(chan Stream),
		done:    make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Mount registers the session route on r.
func (l *WSListener) Mount(r chi.Router) {
	r.Get(SessionPath, l.handleUpgrade)
}

func (l *WSListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	select {
	case <-l.done:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("transport: websocket upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	s := newWSStream(conn)
	select {
	case l.streams <- s:
	case <-l.done:
		s.Close()
	case <-r.Context().Done():
		s.Close()
	}
}

// Accept implements Listener.
func (l *WSListener) Accept() (Stream, error) {
	select {
	case s := <-l.streams:
		return s, nil
	case <-l.done:
		return nil, ErrClosed
	}
}

// Addr implements Listener.
func (l *WSListener) Addr() string { return l.addr }

// Close implements Listener.
func (l *WSListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}
