package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/daviddao/tsae/pkg/node"
	"github.com/daviddao/tsae/pkg/session"
	"github.com/daviddao/tsae/pkg/transport"
)

// exitFatal is returned when a peer broke the protocol.
const exitFatal = 3

func (a *app) cmdServe(args []string) int {
	flags := flag.NewFlagSet("serve", flag.ContinueOnError)
	id := flags.String("id", "", "local participant ID (default $TSAE_ID)")
	peers := flags.String("peers", "", "peers as id=host:port,... (default $TSAE_PEERS)")
	listen := flags.String("listen", ":7400", "address to accept sessions on")
	kind := flags.String("transport", "", "session transport: tcp or ws (default $TSAE_TRANSPORT)")
	interval := flags.Duration("interval", node.DefaultInterval, "time between gossip rounds")
	sessions := flags.Int("sessions", node.DefaultSessions, "partners contacted per round")
	timeout := flags.Duration("timeout", node.DefaultSessionTimeout, "per-session deadline")
	httpAddr := flags.String("http", "", "serve the HTTP API on this address (tcp transport only)")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	cfg, err := a.resolveConfig(*id, *peers, *kind)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tsae: serve: %v\n", err)
		return 1
	}
	cfg.Interval = *interval
	cfg.Sessions = *sessions
	cfg.SessionTimeout = *timeout
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "tsae: serve: %v\n", err)
		return 1
	}
	cfg = cfg.WithDefaults()

	logger := log.New(os.Stderr, "tsae["+cfg.ID+"] ", log.LstdFlags)
	st, err := a.loadState(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tsae: serve: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := node.NewAPI(st)
	var (
		ln      transport.Listener
		dialer  transport.Dialer
		servers []*http.Server
	)
	switch cfg.Transport {
	case transport.KindWebSocket:
		wsl := transport.NewWSListener(*listen)
		router := api.Router()
		wsl.Mount(router)
		ln = wsl
		dialer = transport.WSDialer{HandshakeTimeout: cfg.SessionTimeout}
		servers = append(servers, &http.Server{Addr: *listen, Handler: router})
		if *httpAddr != "" {
			logger.Printf("--http ignored: the API shares %s with the ws transport", *listen)
		}
	default:
		tl, err := transport.ListenTCP(*listen)
		if err != nil {
			fmt.Fprintf(os.Stderr, "tsae: serve: %v\n", err)
			return 1
		}
		ln = tl
		dialer = transport.TCPDialer{Timeout: cfg.SessionTimeout}
		if *httpAddr != "" {
			servers = append(servers, &http.Server{Addr: *httpAddr, Handler: api.Router()})
		}
	}

	for _, hs := range servers {
		hs := hs
		go func() {
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Printf("http %s: %v", hs.Addr, err)
				stop()
			}
		}()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	server := node.NewServer(st, cfg.SessionTimeout, logger)
	sched := node.NewScheduler(cfg, st, dialer, a.store, logger)

	serveErr := make(chan error, 1)
	go func() {
		err := server.Serve(ctx, ln)
		cancel()
		serveErr <- err
	}()

	logger.Printf("serving %s on %s, %d peer(s), every %s",
		cfg.Transport, *listen, len(cfg.Peers), cfg.Interval)
	runErr := sched.Run(ctx)
	cancel()
	ln.Close()
	srvErr := <-serveErr

	shutdown, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	for _, hs := range servers {
		_ = hs.Shutdown(shutdown)
	}

	for _, err := range []error{runErr, srvErr} {
		if err == nil {
			continue
		}
		if session.IsFatal(err) {
			fmt.Fprintf(os.Stderr, "tsae: fatal protocol error: %v\n", err)
			return exitFatal
		}
		fmt.Fprintf(os.Stderr, "tsae: serve: %v\n", err)
		return 1
	}
	logger.Printf("stopped")
	return 0
}

// loadState restores the last checkpoint, or starts an empty node when the
// database holds none.
func (a *app) loadState(cfg node.Config) (*node.State, error) {
	cp, ok, err := a.store.LoadSnapshot()
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if !ok {
		return node.NewState(cfg.ID, cfg.Participants())
	}
	if cp.ID != cfg.ID {
		return nil, fmt.Errorf("database belongs to node %q, not %q", cp.ID, cfg.ID)
	}
	return node.Restore(cp, cfg.Participants())
}
