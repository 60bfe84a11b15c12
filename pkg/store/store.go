// Package store manages all SQLite persistence for a tsae node.
//
// Two things live in the database: the node's last checkpoint (summary,
// ack matrix, log, recipe book, local sequence) and the outbox of
// operations queued by the CLI. The running node is the only writer of the
// checkpoint tables; the CLI only appends to the outbox and reads. The
// outbox is the channel between the two processes.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/daviddao/tsae/pkg/clock"
	"github.com/daviddao/tsae/pkg/model"

	_ "modernc.org/sqlite"
)

const (
	metaID           = "id"
	metaParticipants = "participants"
	metaSeq          = "seq"
	metaSavedAt      = "saved_at"
)

// Store manages all SQLite operations with WAL mode for concurrent access.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database and initializes the schema.
func New(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// retryOnContention wraps retryOp from retry.go with the default config.
// All store write operations should use this to handle transient SQLite
// errors (BUSY, LOCKED, IOERR_SHORT_READ) under concurrent access.
func retryOnContention(fn func() error) error {
	return retryOp(defaultRetryConfig, fn)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS operations (
		participant TEXT NOT NULL,
		seq         INTEGER NOT NULL,
		kind        TEXT NOT NULL,
		title       TEXT NOT NULL,
		body        TEXT,
		created_at  TEXT NOT NULL,
		PRIMARY KEY (participant, seq)
	);

	CREATE TABLE IF NOT EXISTS summary (
		participant TEXT PRIMARY KEY,
		seq         INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ack (
		row_participant TEXT NOT NULL,
		participant     TEXT NOT NULL,
		seq             INTEGER NOT NULL,
		PRIMARY KEY (row_participant, participant)
	);

	CREATE TABLE IF NOT EXISTS recipes (
		title  TEXT PRIMARY KEY,
		body   TEXT,
		author TEXT NOT NULL,
		seq    INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS outbox (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		kind       TEXT NOT NULL,
		title      TEXT NOT NULL,
		body       TEXT,
		created_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ---------------------------------------------------------------------------
// Checkpoints
// ---------------------------------------------------------------------------

// SaveSnapshot replaces the stored checkpoint with cp in one transaction.
// The outbox rows listed in consumed are deleted in the same transaction:
// pass the IDs of queued operations whose effects cp already contains.
func (s *Store) SaveSnapshot(cp *model.Checkpoint, consumed ...int64) error {
	if cp == nil || cp.Summary == nil || cp.Ack == nil {
		return errors.New("save snapshot: incomplete checkpoint")
	}
	participants, err := json.Marshal(cp.Participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	savedAt := cp.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now().UTC()
	}

	return retryOnContention(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

		for _, table := range []string{"operations", "summary", "ack", "recipes"} {
			if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}

		meta := map[string]string{
			metaID:           cp.ID,
			metaParticipants: string(participants),
			metaSeq:          strconv.FormatInt(cp.Seq, 10),
			metaSavedAt:      savedAt.UTC().Format(time.RFC3339Nano),
		}
		for k, v := range meta {
			if _, err := tx.Exec(
				`INSERT INTO meta (key, value) VALUES (?, ?)
				 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, k, v,
			); err != nil {
				return fmt.Errorf("write meta %s: %w", k, err)
			}
		}

		for _, op := range cp.Ops {
			if _, err := tx.Exec(
				`INSERT INTO operations (participant, seq, kind, title, body, created_at)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				op.Timestamp.Participant, op.Timestamp.Seq, string(op.Kind), op.Title, op.Body,
				op.CreatedAt.UTC().Format(time.RFC3339Nano),
			); err != nil {
				return fmt.Errorf("write operation %v: %w", op.Timestamp, err)
			}
		}

		for _, p := range cp.Summary.Participants() {
			ts, _ := cp.Summary.Last(p)
			if _, err := tx.Exec(`INSERT INTO summary (participant, seq) VALUES (?, ?)`, p, ts.Seq); err != nil {
				return fmt.Errorf("write summary %s: %w", p, err)
			}
		}

		for _, rp := range cp.Ack.Participants() {
			row, _ := cp.Ack.Row(rp)
			for _, p := range row.Participants() {
				ts, _ := row.Last(p)
				if _, err := tx.Exec(
					`INSERT INTO ack (row_participant, participant, seq) VALUES (?, ?, ?)`,
					rp, p, ts.Seq,
				); err != nil {
					return fmt.Errorf("write ack %s/%s: %w", rp, p, err)
				}
			}
		}

		for _, r := range cp.Recipes {
			if _, err := tx.Exec(
				`INSERT INTO recipes (title, body, author, seq) VALUES (?, ?, ?, ?)`,
				r.Title, r.Body, r.Timestamp.Participant, r.Timestamp.Seq,
			); err != nil {
				return fmt.Errorf("write recipe %q: %w", r.Title, err)
			}
		}

		for _, id := range consumed {
			if _, err := tx.Exec(`DELETE FROM outbox WHERE id = ?`, id); err != nil {
				return fmt.Errorf("delete outbox %d: %w", id, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit snapshot: %w", err)
		}
		return nil
	})
}

// LoadSnapshot reads the stored checkpoint. ok is false when nothing has
// been saved yet.
func (s *Store) LoadSnapshot() (cp *model.Checkpoint, ok bool, err error) {
	meta, err := s.readMeta()
	if err != nil {
		return nil, false, err
	}
	id, found := meta[metaID]
	if !found {
		return nil, false, nil
	}

	cp = &model.Checkpoint{ID: id}
	if err := json.Unmarshal([]byte(meta[metaParticipants]), &cp.Participants); err != nil {
		return nil, false, fmt.Errorf("decode participants: %w", err)
	}
	if cp.Seq, err = strconv.ParseInt(meta[metaSeq], 10, 64); err != nil {
		return nil, false, fmt.Errorf("parse seq: %w", err)
	}
	if cp.SavedAt, err = time.Parse(time.RFC3339Nano, meta[metaSavedAt]); err != nil {
		return nil, false, fmt.Errorf("parse saved_at: %w", err)
	}

	if cp.Summary, err = s.loadSummary(cp.Participants); err != nil {
		return nil, false, err
	}
	if cp.Ack, err = s.loadAck(cp.Participants); err != nil {
		return nil, false, err
	}
	if cp.Ops, err = s.ListOperations(); err != nil {
		return nil, false, err
	}
	if cp.Recipes, err = s.ListRecipes(); err != nil {
		return nil, false, err
	}
	return cp, true, nil
}

// SavedAt returns when the checkpoint was last written.
func (s *Store) SavedAt() (time.Time, bool) {
	var v string
	if err := s.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, metaSavedAt).Scan(&v); err != nil {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (s *Store) readMeta() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM meta`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	meta := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		meta[k] = v
	}
	return meta, rows.Err()
}

func (s *Store) loadSummary(participants []string) (*clock.Vector, error) {
	rows, err := s.db.Query(`SELECT participant, seq FROM summary`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	v := clock.NewVector(participants)
	for rows.Next() {
		var ts clock.Timestamp
		if err := rows.Scan(&ts.Participant, &ts.Seq); err != nil {
			return nil, err
		}
		v.UpdateTimestamp(ts)
	}
	return v, rows.Err()
}

func (s *Store) loadAck(participants []string) (*clock.Matrix, error) {
	rows, err := s.db.Query(`SELECT row_participant, participant, seq FROM ack`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	byRow := make(map[string]*clock.Vector)
	for rows.Next() {
		var rp string
		var ts clock.Timestamp
		if err := rows.Scan(&rp, &ts.Participant, &ts.Seq); err != nil {
			return nil, err
		}
		row, ok := byRow[rp]
		if !ok {
			row = clock.NewVector(participants)
			byRow[rp] = row
		}
		row.UpdateTimestamp(ts)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	m := clock.NewMatrix(participants)
	for rp, row := range byRow {
		m.Update(rp, row)
	}
	return m, nil
}

// ListOperations returns the persisted log ordered by participant then
// sequence number.
func (s *Store) ListOperations() ([]model.Operation, error) {
	rows, err := s.db.Query(
		`SELECT participant, seq, kind, title, COALESCE(body,''), created_at
		 FROM operations ORDER BY participant ASC, seq ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []model.Operation
	for rows.Next() {
		var op model.Operation
		var kindStr, createdStr string
		if err := rows.Scan(&op.Timestamp.Participant, &op.Timestamp.Seq, &kindStr,
			&op.Title, &op.Body, &createdStr); err != nil {
			return nil, err
		}
		op.Kind = model.OpKind(kindStr)
		var parseErr error
		op.CreatedAt, parseErr = time.Parse(time.RFC3339Nano, createdStr)
		if parseErr != nil {
			return nil, fmt.Errorf("parse created_at time for operation %v: %w", op.Timestamp, parseErr)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// ListRecipes returns the persisted recipe book ordered by title.
func (s *Store) ListRecipes() ([]model.Recipe, error) {
	rows, err := s.db.Query(
		`SELECT title, COALESCE(body,''), author, seq FROM recipes ORDER BY title ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recipes []model.Recipe
	for rows.Next() {
		var r model.Recipe
		if err := rows.Scan(&r.Title, &r.Body, &r.Timestamp.Participant, &r.Timestamp.Seq); err != nil {
			return nil, err
		}
		recipes = append(recipes, r)
	}
	return recipes, rows.Err()
}

// ---------------------------------------------------------------------------
// Outbox
// ---------------------------------------------------------------------------

// Enqueue appends an operation for the running node to issue. Returns the
// queued row.
func (s *Store) Enqueue(kind model.OpKind, title, body string) (*model.PendingOp, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("enqueue: unknown kind %q", kind)
	}
	if title == "" {
		return nil, errors.New("enqueue: empty title")
	}
	p := &model.PendingOp{Kind: kind, Title: title, Body: body, CreatedAt: time.Now().UTC()}
	err := retryOnContention(func() error {
		res, err := s.db.Exec(
			`INSERT INTO outbox (kind, title, body, created_at) VALUES (?, ?, ?, ?)`,
			string(kind), title, body, p.CreatedAt.Format(time.RFC3339Nano),
		)
		if err != nil {
			return err
		}
		p.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// PendingOps returns the queued operations in FIFO order without removing
// them. Rows leave the outbox only through SaveSnapshot.
func (s *Store) PendingOps() ([]model.PendingOp, error) {
	rows, err := s.db.Query(
		`SELECT id, kind, title, COALESCE(body,''), created_at FROM outbox ORDER BY id ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPending(rows)
}

// CountOutbox returns the number of queued operations.
func (s *Store) CountOutbox() int64 {
	var count int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM outbox`).Scan(&count); err != nil {
		return 0
	}
	return count
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func scanPending(rows *sql.Rows) ([]model.PendingOp, error) {
	var ops []model.PendingOp
	for rows.Next() {
		var p model.PendingOp
		var kindStr, createdStr string
		if err := rows.Scan(&p.ID, &kindStr, &p.Title, &p.Body, &createdStr); err != nil {
			return nil, err
		}
		p.Kind = model.OpKind(kindStr)
		var parseErr error
		p.CreatedAt, parseErr = time.Parse(time.RFC3339Nano, createdStr)
		if parseErr != nil {
			return nil, fmt.Errorf("parse created_at time for outbox %d: %w", p.ID, parseErr)
		}
		ops = append(ops, p)
	}
	return ops, rows.Err()
}
