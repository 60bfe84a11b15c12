package node

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/daviddao/tsae/pkg/transport"
)

// Defaults for a serving node.
const (
	DefaultInterval       = time.Second
	DefaultSessions       = 2
	DefaultSessionTimeout = 5 * time.Second
)

// Config describes one node of a fixed cluster.
type Config struct {
	// ID is the local participant.
	ID string
	// Peers maps every other participant to its session address.
	Peers map[string]string
	// Transport selects how sessions are carried.
	Transport transport.Kind
	// Interval is the time between scheduling ticks.
	Interval time.Duration
	// Sessions is the number of partners contacted per tick.
	Sessions int
	// SessionTimeout bounds one session end to end, dial included.
	SessionTimeout time.Duration
}

// ParsePeers parses "b=host:port,c=host:port". Whitespace around entries is
// ignored; an empty string yields no peers.
func ParsePeers(s string) (map[string]string, error) {
	peers := make(map[string]string)
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, addr, ok := strings.Cut(entry, "=")
		id, addr = strings.TrimSpace(id), strings.TrimSpace(addr)
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("peer %q: want id=addr", entry)
		}
		if _, dup := peers[id]; dup {
			return nil, fmt.Errorf("peer %q listed twice", id)
		}
		peers[id] = addr
	}
	return peers, nil
}

// Participants returns the local ID and every peer ID, sorted. Every node of
// a cluster derives the same list from its own config.
func (c Config) Participants() []string {
	ps := make([]string, 0, len(c.Peers)+1)
	ps = append(ps, c.ID)
	for id := range c.Peers {
		if id != c.ID {
			ps = append(ps, id)
		}
	}
	sort.Strings(ps)
	return ps
}

// PeerIDs returns the peer IDs, sorted.
func (c Config) PeerIDs() []string {
	ids := make([]string, 0, len(c.Peers))
	for id := range c.Peers {
		if id != c.ID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// WithDefaults fills zero durations and counts.
func (c Config) WithDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Sessions <= 0 {
		c.Sessions = DefaultSessions
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = DefaultSessionTimeout
	}
	if c.Transport == "" {
		c.Transport = transport.KindTCP
	}
	return c
}

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	if c.ID == "" {
		return errors.New("config: node id is required")
	}
	if strings.ContainsAny(c.ID, ",= \t") {
		return fmt.Errorf("config: node id %q contains a separator", c.ID)
	}
	if _, ok := c.Peers[c.ID]; ok {
		return fmt.Errorf("config: node %q lists itself as a peer", c.ID)
	}
	for id, addr := range c.Peers {
		if id == "" || addr == "" {
			return fmt.Errorf("config: peer %q has no address", id)
		}
	}
	if _, err := transport.ParseKind(string(c.Transport)); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Interval < 0 || c.SessionTimeout < 0 || c.Sessions < 0 {
		return errors.New("config: negative interval, timeout or session count")
	}
	return nil
}
