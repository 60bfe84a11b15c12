package node

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/daviddao/tsae/pkg/session"
	"github.com/daviddao/tsae/pkg/transport"
)

// Server answers sessions initiated by peers.
type Server struct {
	state   *State
	timeout time.Duration
	logger  *log.Logger
}

// NewServer returns a server committing into st. Each responding session
// is bounded by timeout (DefaultSessionTimeout if zero).
func NewServer(st *State, timeout time.Duration, logger *log.Logger) *Server {
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Server{state: st, timeout: timeout, logger: logger}
}

// Serve accepts streams from ln and runs a responding session on each in its
// own goroutine. It returns nil once ctx is done and every session has
// finished, or the first fatal session error. ln is closed on return.
func (sv *Server) Serve(ctx context.Context, ln transport.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	fatal := make(chan error, 1)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		stream, err := ln.Accept()
		if err != nil {
			select {
			case ferr := <-fatal:
				return ferr
			default:
			}
			if errors.Is(err, transport.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := sv.Respond(ctx, stream); err != nil && session.IsFatal(err) {
				select {
				case fatal <- err:
				default:
				}
				cancel()
			}
		}()
	}
}

// Respond runs one responding session over stream.
func (sv *Server) Respond(ctx context.Context, stream transport.Stream) (session.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, sv.timeout)
	defer cancel()
	return session.Respond(ctx, sv.state, stream, sv.logger)
}
