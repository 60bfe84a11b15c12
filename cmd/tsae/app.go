package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/daviddao/tsae/pkg/node"
	"github.com/daviddao/tsae/pkg/store"
	"github.com/daviddao/tsae/pkg/transport"
)

const (
	defaultDir = ".tsae"
	defaultDB  = ".tsae/tsae.db"
)

// app holds shared state for all CLI subcommands.
type app struct {
	store     *store.Store
	nodeID    string // default from TSAE_ID
	peers     string // default from TSAE_PEERS
	transport string // default from TSAE_TRANSPORT
}

// newApp opens the database and reads the environment defaults. Creates
// the .tsae/ directory if using the default DB path.
func newApp() (*app, error) {
	dbPath := envOr("TSAE_DB", defaultDB)
	if dbPath == defaultDB {
		if err := os.MkdirAll(defaultDir, 0755); err != nil {
			return nil, fmt.Errorf("cannot create %s: %w", defaultDir, err)
		}
	} else if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("cannot create %s: %w", dir, err)
		}
	}
	s, err := store.New(dbPath)
	if err != nil {
		return nil, fmt.Errorf("cannot open database %q: %w", dbPath, err)
	}
	return &app{
		store:     s,
		nodeID:    envOr("TSAE_ID", ""),
		peers:     envOr("TSAE_PEERS", ""),
		transport: envOr("TSAE_TRANSPORT", string(transport.KindTCP)),
	}, nil
}

// Close releases the database connection.
func (a *app) Close() { a.store.Close() }

// resolveID returns the node ID from the flag (if non-empty), falling back
// to the TSAE_ID environment variable.
func (a *app) resolveID(flagVal string) (string, error) {
	if flagVal != "" {
		return flagVal, nil
	}
	if a.nodeID != "" {
		return a.nodeID, nil
	}
	return "", fmt.Errorf("no node ID: pass --id or set TSAE_ID")
}

// resolveConfig builds and validates the node configuration from flags,
// falling back to the environment for each unset value.
func (a *app) resolveConfig(id, peers, kind string) (node.Config, error) {
	nodeID, err := a.resolveID(id)
	if err != nil {
		return node.Config{}, err
	}
	if peers == "" {
		peers = a.peers
	}
	peerMap, err := node.ParsePeers(peers)
	if err != nil {
		return node.Config{}, err
	}
	if kind == "" {
		kind = a.transport
	}
	k, err := transport.ParseKind(kind)
	if err != nil {
		return node.Config{}, err
	}
	cfg := node.Config{ID: nodeID, Peers: peerMap, Transport: k}
	if err := cfg.Validate(); err != nil {
		return node.Config{}, err
	}
	return cfg, nil
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
