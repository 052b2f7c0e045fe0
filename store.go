package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "modernc.org/sqlite"
)

// ───────── Durable state model ─────────

// Cursor is the durable high-water-mark of already-seen activity ids plus the
// rotating client identity and the signed-ticket validity window. Exactly one
// live record per tracked author. Unknown fields in persisted JSON are
// ignored and missing fields zero-defaulted, so the layout stays
// forward-compatible.
type Cursor struct {
	AuthorID       uint64    `json:"author_id"`
	LastActivityID uint64    `json:"last_activity_id"`
	LastUpdated    time.Time `json:"last_updated"`
	ClientIdentity string    `json:"client_identity,omitempty"`
	TicketExpiry   time.Time `json:"ticket_expiry,omitempty"`
}

// CursorStore persists the cursor across process restarts. Load returns a
// zero-valued cursor (not an error) when no record exists yet.
type CursorStore interface {
	LoadCursor(ctx context.Context, authorID uint64) (Cursor, error)
	SaveCursor(ctx context.Context, c Cursor) error
}

// DedupIndex is the durable "has this canonical item id been processed"
// membership test, checked on the hot path before any detail fetch.
type DedupIndex interface {
	Seen(ctx context.Context, itemID string) (bool, error)
	Mark(ctx context.Context, itemID string) error
}

// EdgeStore records recommendation edges (target appeared in source's related
// list). Upserts only; the core never deletes edges.
type EdgeStore interface {
	UpsertEdge(ctx context.Context, targetID, sourceID string, rank int) error
}

// Store is one durable backend providing all three roles. The backend is a
// small closed set selected once at startup: postgres, sqlite, file, memory.
type Store interface {
	CursorStore
	DedupIndex
	EdgeStore
	Close() error
}

func buildStore(ctx context.Context, cfg config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.storeKind)) {
	case "postgres", "pg":
		if cfg.pgDSN == "" {
			return nil, errors.New("store=postgres requires -pg-dsn / PG_DSN")
		}
		return newPGStore(ctx, cfg.pgDSN, cfg.pgSchema, cfg.pgMaxConns, cfg.pgViaBouncer)
	case "sqlite":
		if cfg.sqlitePath == "" {
			return nil, errors.New("store=sqlite requires -sqlite-path / SQLITE_PATH")
		}
		return newLiteStore(ctx, cfg.sqlitePath)
	case "file":
		if cfg.stateDir == "" {
			return nil, errors.New("store=file requires -state-dir / STATE_DIR")
		}
		return newFileStore(cfg.stateDir)
	case "memory", "none", "":
		return newMemStore(), nil
	default:
		return nil, fmt.Errorf("unknown store kind %q", cfg.storeKind)
	}
}

// ───────── Postgres backend (pgx) ─────────

type pgStore struct {
	pool   *pgxpool.Pool
	schema string
}

func newPGStore(ctx context.Context, dsn, schema string, maxConns int, viaBouncer bool) (*pgStore, error) {
	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("PG_DSN parse: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 2
	}
	pc.MaxConns = int32(maxConns)
	if viaBouncer {
		pc.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("PG connect: %w", err)
	}
	s := &pgStore{pool: pool, schema: schema}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *pgStore) initSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q.tracker_cursor (
			author_id        BIGINT PRIMARY KEY,
			last_activity_id BIGINT NOT NULL DEFAULT 0,
			last_updated     TIMESTAMPTZ NOT NULL DEFAULT now(),
			client_identity  TEXT NOT NULL DEFAULT '',
			ticket_expiry    TIMESTAMPTZ
		)`, s.schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q.seen_items (
			item_id    TEXT PRIMARY KEY,
			first_seen TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q.rec_edges (
			target_item_id   TEXT NOT NULL,
			source_item_id   TEXT NOT NULL,
			occurrence_count BIGINT NOT NULL DEFAULT 1,
			first_seen       TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_seen        TIMESTAMPTZ NOT NULL DEFAULT now(),
			rank             INT NOT NULL DEFAULT 0,
			PRIMARY KEY (target_item_id, source_item_id)
		)`, s.schema),
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *pgStore) LoadCursor(ctx context.Context, authorID uint64) (Cursor, error) {
	c := Cursor{AuthorID: authorID}
	var expiry *time.Time
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT last_activity_id, last_updated, client_identity, ticket_expiry
		 FROM %q.tracker_cursor WHERE author_id = $1`, s.schema), int64(authorID),
	).Scan(&c.LastActivityID, &c.LastUpdated, &c.ClientIdentity, &expiry)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("load cursor: %w", err)
	}
	if expiry != nil {
		c.TicketExpiry = *expiry
	}
	return c, nil
}

func (s *pgStore) SaveCursor(ctx context.Context, c Cursor) error {
	var expiry *time.Time
	if !c.TicketExpiry.IsZero() {
		expiry = &c.TicketExpiry
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %q.tracker_cursor (author_id, last_activity_id, last_updated, client_identity, ticket_expiry)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (author_id) DO UPDATE SET
		   last_activity_id = GREATEST(tracker_cursor.last_activity_id, EXCLUDED.last_activity_id),
		   last_updated = EXCLUDED.last_updated,
		   client_identity = EXCLUDED.client_identity,
		   ticket_expiry = EXCLUDED.ticket_expiry`, s.schema),
		int64(c.AuthorID), int64(c.LastActivityID), c.LastUpdated, c.ClientIdentity, expiry)
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

func (s *pgStore) Seen(ctx context.Context, itemID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT EXISTS (SELECT 1 FROM %q.seen_items WHERE item_id = $1)`, s.schema), itemID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("dedup lookup: %w", err)
	}
	return exists, nil
}

func (s *pgStore) Mark(ctx context.Context, itemID string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %q.seen_items (item_id) VALUES ($1) ON CONFLICT (item_id) DO NOTHING`, s.schema), itemID)
	if err != nil {
		return fmt.Errorf("dedup mark: %w", err)
	}
	return nil
}

func (s *pgStore) UpsertEdge(ctx context.Context, targetID, sourceID string, rank int) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %q.rec_edges (target_item_id, source_item_id, rank)
		 VALUES ($1,$2,$3)
		 ON CONFLICT (target_item_id, source_item_id) DO UPDATE SET
		   occurrence_count = rec_edges.occurrence_count + 1,
		   last_seen = now(),
		   rank = EXCLUDED.rank`, s.schema),
		targetID, sourceID, rank)
	if err != nil {
		return fmt.Errorf("edge upsert: %w", err)
	}
	return nil
}

func (s *pgStore) Close() error {
	s.pool.Close()
	return nil
}

// ───────── Embedded sqlite backend (modernc, database/sql) ─────────

type liteStore struct {
	db *sql.DB
}

func newLiteStore(ctx context.Context, path string) (*liteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		_ = os.MkdirAll(dir, 0o755)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite handles are not safe for concurrent writers.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &liteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *liteStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tracker_cursor (
			author_id        INTEGER PRIMARY KEY,
			last_activity_id INTEGER NOT NULL DEFAULT 0,
			last_updated     INTEGER NOT NULL DEFAULT 0,
			client_identity  TEXT NOT NULL DEFAULT '',
			ticket_expiry    INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS seen_items (
			item_id    TEXT PRIMARY KEY,
			first_seen INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS rec_edges (
			target_item_id   TEXT NOT NULL,
			source_item_id   TEXT NOT NULL,
			occurrence_count INTEGER NOT NULL DEFAULT 1,
			first_seen       INTEGER NOT NULL DEFAULT 0,
			last_seen        INTEGER NOT NULL DEFAULT 0,
			rank             INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (target_item_id, source_item_id)
		)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	return nil
}

func (s *liteStore) LoadCursor(ctx context.Context, authorID uint64) (Cursor, error) {
	c := Cursor{AuthorID: authorID}
	var updated, expiry int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_activity_id, last_updated, client_identity, ticket_expiry
		 FROM tracker_cursor WHERE author_id = ?`, int64(authorID),
	).Scan(&c.LastActivityID, &updated, &c.ClientIdentity, &expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("load cursor: %w", err)
	}
	if updated > 0 {
		c.LastUpdated = time.Unix(updated, 0)
	}
	if expiry > 0 {
		c.TicketExpiry = time.Unix(expiry, 0)
	}
	return c, nil
}

func (s *liteStore) SaveCursor(ctx context.Context, c Cursor) error {
	var expiry int64
	if !c.TicketExpiry.IsZero() {
		expiry = c.TicketExpiry.Unix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tracker_cursor (author_id, last_activity_id, last_updated, client_identity, ticket_expiry)
		 VALUES (?,?,?,?,?)
		 ON CONFLICT (author_id) DO UPDATE SET
		   last_activity_id = MAX(tracker_cursor.last_activity_id, excluded.last_activity_id),
		   last_updated = excluded.last_updated,
		   client_identity = excluded.client_identity,
		   ticket_expiry = excluded.ticket_expiry`,
		int64(c.AuthorID), int64(c.LastActivityID), c.LastUpdated.Unix(), c.ClientIdentity, expiry)
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

func (s *liteStore) Seen(ctx context.Context, itemID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM seen_items WHERE item_id = ?`, itemID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup lookup: %w", err)
	}
	return true, nil
}

func (s *liteStore) Mark(ctx context.Context, itemID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO seen_items (item_id, first_seen) VALUES (?, ?) ON CONFLICT (item_id) DO NOTHING`,
		itemID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("dedup mark: %w", err)
	}
	return nil
}

func (s *liteStore) UpsertEdge(ctx context.Context, targetID, sourceID string, rank int) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rec_edges (target_item_id, source_item_id, first_seen, last_seen, rank)
		 VALUES (?,?,?,?,?)
		 ON CONFLICT (target_item_id, source_item_id) DO UPDATE SET
		   occurrence_count = occurrence_count + 1,
		   last_seen = excluded.last_seen,
		   rank = excluded.rank`,
		targetID, sourceID, now, now, rank)
	if err != nil {
		return fmt.Errorf("edge upsert: %w", err)
	}
	return nil
}

func (s *liteStore) Close() error { return s.db.Close() }

// ───────── File backend (cursor JSON + .ids sidecar) ─────────

// fileStore keeps the cursor as a small JSON document and the dedup index as
// an append-only .ids sidecar, one id per line. Edges are dropped (no
// relational target in file mode).
type fileStore struct {
	dir string

	mu   sync.Mutex
	seen map[string]struct{}
}

func newFileStore(dir string) (*fileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("state dir: %w", err)
	}
	s := &fileStore{dir: dir, seen: make(map[string]struct{}, 4096)}
	s.loadIDs()
	return s, nil
}

func (s *fileStore) cursorPath(authorID uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("cursor-%d.json", authorID))
}

func (s *fileStore) idsPath() string { return filepath.Join(s.dir, "seen.ids") }

func (s *fileStore) loadIDs() {
	f, err := os.Open(s.idsPath())
	if err != nil {
		return
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if id := strings.TrimSpace(sc.Text()); id != "" {
			s.seen[id] = struct{}{}
		}
	}
}

func (s *fileStore) LoadCursor(_ context.Context, authorID uint64) (Cursor, error) {
	c := Cursor{AuthorID: authorID}
	b, err := os.ReadFile(s.cursorPath(authorID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return c, nil
		}
		return c, fmt.Errorf("read cursor: %w", err)
	}
	// Unknown fields are ignored; missing fields keep their defaults.
	if err := json.Unmarshal(b, &c); err != nil {
		return Cursor{AuthorID: authorID}, fmt.Errorf("parse cursor: %w", err)
	}
	c.AuthorID = authorID
	return c, nil
}

func (s *fileStore) SaveCursor(_ context.Context, c Cursor) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.cursorPath(c.AuthorID) + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("write cursor: %w", err)
	}
	return os.Rename(tmp, s.cursorPath(c.AuthorID))
}

func (s *fileStore) Seen(_ context.Context, itemID string) (bool, error) {
	s.mu.Lock()
	_, ok := s.seen[itemID]
	s.mu.Unlock()
	return ok, nil
}

func (s *fileStore) Mark(_ context.Context, itemID string) error {
	s.mu.Lock()
	if _, ok := s.seen[itemID]; ok {
		s.mu.Unlock()
		return nil
	}
	s.seen[itemID] = struct{}{}
	s.mu.Unlock()

	f, err := os.OpenFile(s.idsPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("append ids: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(itemID + "\n"); err != nil {
		return err
	}
	return f.Sync()
}

func (s *fileStore) UpsertEdge(context.Context, string, string, int) error { return nil }

func (s *fileStore) Close() error { return nil }

// ───────── Memory backend (tests, mock runs) ─────────

type memStore struct {
	mu      sync.Mutex
	cursors map[uint64]Cursor
	seen    map[string]struct{}
	edges   map[string]int // "target|source" -> occurrence count
}

func newMemStore() *memStore {
	return &memStore{
		cursors: make(map[uint64]Cursor),
		seen:    make(map[string]struct{}),
		edges:   make(map[string]int),
	}
}

func (s *memStore) LoadCursor(_ context.Context, authorID uint64) (Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.cursors[authorID]; ok {
		return c, nil
	}
	return Cursor{AuthorID: authorID}, nil
}

func (s *memStore) SaveCursor(_ context.Context, c Cursor) error {
	s.mu.Lock()
	s.cursors[c.AuthorID] = c
	s.mu.Unlock()
	return nil
}

func (s *memStore) Seen(_ context.Context, itemID string) (bool, error) {
	s.mu.Lock()
	_, ok := s.seen[itemID]
	s.mu.Unlock()
	return ok, nil
}

func (s *memStore) Mark(_ context.Context, itemID string) error {
	s.mu.Lock()
	s.seen[itemID] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *memStore) UpsertEdge(_ context.Context, targetID, sourceID string, _ int) error {
	s.mu.Lock()
	s.edges[targetID+"|"+sourceID]++
	s.mu.Unlock()
	return nil
}

func (s *memStore) Close() error { return nil }
