package node

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/daviddao/tsae/pkg/model"
	"github.com/daviddao/tsae/pkg/session"
	"github.com/daviddao/tsae/pkg/transport"
)

// Persister is the slice of the store a running node needs. *store.Store
// satisfies it. SaveSnapshot must delete the consumed outbox rows in the
// same transaction that stores cp.
type Persister interface {
	SaveSnapshot(cp *model.Checkpoint, consumed ...int64) error
	PendingOps() ([]model.PendingOp, error)
}

// Scheduler initiates anti-entropy sessions against random peers on every
// tick. Sessions of one tick run concurrently; the node lock is only held
// inside snapshot and commit.
type Scheduler struct {
	cfg    Config
	state  *State
	dialer transport.Dialer
	store  Persister
	logger *log.Logger

	mu    sync.Mutex
	rng   *rand.Rand
	saved uint64
	// issued holds outbox IDs already applied to state whose rows wait for
	// the next successful save.
	issued map[int64]bool
}

// NewScheduler wires a scheduler. store may be nil for an in-memory node;
// a nil logger logs to the standard logger.
func NewScheduler(cfg Config, st *State, d transport.Dialer, store Persister, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{
		cfg:    cfg.WithDefaults(),
		state:  st,
		dialer: d,
		store:  store,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		issued: make(map[int64]bool),
	}
}

// Run ticks until ctx is done or a session reports a fatal protocol error,
// which is returned. The state is persisted one last time on the way out.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	defer func() {
		if err := s.Persist(); err != nil {
			s.logger.Printf("final persist: %v", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := s.Tick(ctx); err != nil {
			return err
		}
	}
}

// Tick runs one scheduling round: issue queued operations, sync with up to
// Sessions random peers, persist. Only fatal session errors are returned;
// transport failures are logged and retried next round.
func (s *Scheduler) Tick(ctx context.Context) error {
	s.issueOutbox()

	partners := s.pickPartners()
	errs := make(chan error, len(partners))
	var wg sync.WaitGroup
	for _, p := range partners {
		wg.Add(1)
		go func(partner string) {
			defer wg.Done()
			_, err := s.SyncWith(ctx, partner)
			errs <- err
		}(p)
	}
	wg.Wait()
	close(errs)

	var fatal error
	for err := range errs {
		if err != nil && session.IsFatal(err) && fatal == nil {
			fatal = err
		}
	}
	if err := s.Persist(); err != nil {
		s.logger.Printf("persist: %v", err)
	}
	return fatal
}

// SyncWith dials partner and runs one initiating session, bounded by the
// configured session timeout.
func (s *Scheduler) SyncWith(ctx context.Context, partner string) (session.Result, error) {
	addr, ok := s.cfg.Peers[partner]
	if !ok {
		return session.Result{}, fmt.Errorf("sync: unknown peer %q", partner)
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SessionTimeout)
	defer cancel()

	stream, err := s.dialer.Dial(ctx, addr)
	if err != nil {
		s.logger.Printf("dial %s at %s: %v", partner, addr, err)
		return session.Result{}, fmt.Errorf("dial %s: %w", partner, err)
	}
	return session.Initiate(ctx, s.state, partner, stream, s.logger)
}

// pickPartners returns up to Sessions distinct peers in random order.
func (s *Scheduler) pickPartners() []string {
	peers := s.cfg.PeerIDs()
	s.mu.Lock()
	s.rng.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
	s.mu.Unlock()
	if len(peers) > s.cfg.Sessions {
		peers = peers[:s.cfg.Sessions]
	}
	return peers
}

// issueOutbox applies queued operations to the state. Rows stay in the
// outbox until Persist saves a checkpoint containing them, so a crash in
// between re-issues them on restart instead of losing them.
func (s *Scheduler) issueOutbox() {
	if s.store == nil {
		return
	}
	pending, err := s.store.PendingOps()
	if err != nil {
		s.logger.Printf("read outbox: %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range pending {
		if s.issued[p.ID] {
			continue
		}
		// Rejected entries are consumed too, or they would be retried forever.
		s.issued[p.ID] = true
		op, err := s.state.Issue(p.Kind, p.Title, p.Body)
		if err != nil {
			s.logger.Printf("issue outbox entry %d: %v", p.ID, err)
			continue
		}
		s.logger.Printf("issued %s %q as %v", op.Kind, op.Title, op.Timestamp)
	}
}

// Persist saves a checkpoint if the state changed or outbox entries were
// consumed since the last save.
func (s *Scheduler) Persist() error {
	if s.store == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.state.Version()
	if v == s.saved && len(s.issued) == 0 {
		return nil
	}
	consumed := make([]int64, 0, len(s.issued))
	for id := range s.issued {
		consumed = append(consumed, id)
	}
	sort.Slice(consumed, func(i, j int) bool { return consumed[i] < consumed[j] })
	if err := s.store.SaveSnapshot(s.state.Checkpoint(), consumed...); err != nil {
		return err
	}
	s.saved = v
	clear(s.issued)
	return nil
}
