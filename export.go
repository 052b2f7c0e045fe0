package main

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────── export sinks ───────────────────────────
//
// Fire-and-forget from the tracker's perspective: a sink logs its own
// failures, the cycle carries on.

type Exporter interface {
	Name() string
	Write(ctx context.Context, items []*CanonicalItem) error
	Close() error
}

var csvCols = []string{
	"item_id", "numeric_id", "published_at", "title", "description",
	"tags", "cover_url", "category_id", "owner_id", "first_seen",
}

// ───────── CSV + .ids (append-only; fsync) ─────────

// csvSink appends newly accepted items to a CSV file and keeps a .ids
// sidecar so restarts never write the same row twice even when the dedup
// backend is volatile.
type csvSink struct {
	path    string
	idsPath string

	mu    sync.Mutex
	known map[string]struct{}
}

func newCSVSink(path string) (*csvSink, error) {
	if err := ensureCSVHeader(path); err != nil {
		return nil, err
	}
	s := &csvSink{path: path, idsPath: path + ".ids"}
	s.known = ensureIDsIndex(path, s.idsPath)
	return s, nil
}

func (s *csvSink) Name() string { return "csv" }

func (s *csvSink) Write(ctx context.Context, items []*CanonicalItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	var recs [][]string
	var newIDs []string
	for _, it := range items {
		if _, dup := s.known[it.ItemID]; dup {
			continue
		}
		published := ""
		if it.PublishedAt > 0 {
			published = time.Unix(it.PublishedAt, 0).UTC().Format(time.RFC3339)
		}
		recs = append(recs, []string{
			it.ItemID,
			strconv.FormatUint(it.NumericID, 10),
			published,
			it.Title,
			it.Description,
			it.TagString,
			it.CoverURL,
			strconv.Itoa(it.CategoryID),
			strconv.FormatUint(it.OwnerID, 10),
			now,
		})
		newIDs = append(newIDs, it.ItemID)
	}
	if len(recs) == 0 {
		return nil
	}
	if err := appendRecordsCSV(s.path, recs); err != nil {
		return err
	}
	if err := appendIDs(s.idsPath, newIDs); err != nil {
		return err
	}
	for _, id := range newIDs {
		s.known[id] = struct{}{}
	}
	return nil
}

func (s *csvSink) Close() error { return nil }

func ensureCSVHeader(path string) error {
	fi, err := os.Stat(path)
	if err == nil && fi.Size() > 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(absPath(path)), 0755); err != nil && !errors.Is(err, os.ErrExist) {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	// UTF-8 BOM for Excel friendliness
	if _, err := f.Write([]byte{0xEF, 0xBB, 0xBF}); err != nil {
		f.Close()
		return err
	}
	w := csv.NewWriter(f)
	if err := w.Write(csvCols); err != nil {
		f.Close()
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func absPath(p string) string {
	ap, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return ap
}

func appendRecordsCSV(path string, recs [][]string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	bufw := bufio.NewWriterSize(f, 1<<20)
	w := csv.NewWriter(bufw)
	for _, rec := range recs {
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	if err := bufw.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

func appendIDs(idsPath string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	f, err := os.OpenFile(idsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	for _, id := range ids {
		bw.WriteString(id)
		bw.WriteByte('\n')
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

func readIDsSidecar(idsPath string) map[string]struct{} {
	out := make(map[string]struct{}, 4096)
	b, err := os.ReadFile(idsPath)
	if err != nil {
		return out
	}
	for _, line := range strings.Split(string(b), "\n") {
		s := strings.TrimSpace(line)
		if s != "" {
			out[s] = struct{}{}
		}
	}
	return out
}

func scanCSVForIDs(csvPath string) map[string]struct{} {
	out := make(map[string]struct{}, 4096)
	f, err := os.Open(csvPath)
	if err != nil {
		return out
	}
	defer f.Close()

	br := bufio.NewReader(f)
	first3, _ := br.Peek(3)
	if len(first3) == 3 && first3[0] == 0xEF && first3[1] == 0xBB && first3[2] == 0xBF {
		br.Discard(3)
	}
	r := csv.NewReader(br)

	header, err := r.Read()
	if err != nil {
		return out
	}
	idx := -1
	for i, h := range header {
		if h == "item_id" {
			idx = i
			break
		}
	}
	if idx < 0 {
		return out
	}
	for {
		row, err := r.Read()
		if err != nil {
			break
		}
		if len(row) <= idx {
			continue
		}
		if id := strings.TrimSpace(row[idx]); id != "" {
			out[id] = struct{}{}
		}
	}
	return out
}

// ensureIDsIndex rebuilds the sidecar from the CSV when the CSV is newer,
// which happens after a crash between the two appends.
func ensureIDsIndex(csvPath, idsPath string) map[string]struct{} {
	csvInfo, csvErr := os.Stat(csvPath)
	idsInfo, idsErr := os.Stat(idsPath)

	if idsErr == nil && csvErr == nil && csvInfo.ModTime().After(idsInfo.ModTime()) {
		ids := scanCSVForIDs(csvPath)
		writeIDsFile(idsPath, ids)
		return ids
	}
	if idsErr == nil {
		return readIDsSidecar(idsPath)
	}
	var ids map[string]struct{}
	if csvErr == nil {
		ids = scanCSVForIDs(csvPath)
	} else {
		ids = make(map[string]struct{})
	}
	writeIDsFile(idsPath, ids)
	return ids
}

func writeIDsFile(idsPath string, ids map[string]struct{}) {
	_ = os.MkdirAll(filepath.Dir(absPath(idsPath)), 0755)
	sl := make([]string, 0, len(ids))
	for id := range ids {
		sl = append(sl, id)
	}
	sort.Strings(sl)
	_ = os.WriteFile(idsPath, []byte(strings.Join(sl, "\n")+"\n"), 0644)
}

// ───────── Postgres sink (single table; ON CONFLICT DO NOTHING) ─────────

type pgSink struct {
	pool   *pgxpool.Pool
	schema string
	batch  int
}

func newPGSink(ctx context.Context, dsn, schema string, maxConns int, viaBouncer bool) (*pgSink, error) {
	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("export dsn parse: %w", err)
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
		return nil, fmt.Errorf("export connect: %w", err)
	}
	s := &pgSink{pool: pool, schema: schema, batch: 200}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *pgSink) Name() string { return "postgres" }

func (s *pgSink) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s".tracked_items (
			item_id      text PRIMARY KEY,
			numeric_id   bigint,
			published_at timestamptz,
			title        text,
			description  text,
			tags         text,
			cover_url    text,
			category_id  int,
			owner_id     bigint,
			first_seen   timestamptz NOT NULL DEFAULT now()
		)`, s.schema))
	return err
}

func (s *pgSink) Write(ctx context.Context, items []*CanonicalItem) error {
	if len(items) == 0 {
		return nil
	}
	table := fmt.Sprintf(`"%s".tracked_items`, s.schema)
	for i := 0; i < len(items); i += s.batch {
		j := i + s.batch
		if j > len(items) {
			j = len(items)
		}
		b := &pgx.Batch{}
		count := 0
		for _, it := range items[i:j] {
			if strings.TrimSpace(it.ItemID) == "" {
				continue
			}
			var published *time.Time
			if it.PublishedAt > 0 {
				t := time.Unix(it.PublishedAt, 0).UTC()
				published = &t
			}
			b.Queue(
				`INSERT INTO `+table+`
				(item_id, numeric_id, published_at, title, description,
				 tags, cover_url, category_id, owner_id)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
				ON CONFLICT (item_id) DO NOTHING`,
				it.ItemID, it.NumericID, published, it.Title, it.Description,
				it.TagString, it.CoverURL, it.CategoryID, it.OwnerID,
			)
			count++
		}
		br := s.pool.SendBatch(ctx, b)
		for k := 0; k < count; k++ {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return err
			}
		}
		if err := br.Close(); err != nil {
			return err
		}
	}
	return nil
}

func (s *pgSink) Close() error {
	s.pool.Close()
	return nil
}
