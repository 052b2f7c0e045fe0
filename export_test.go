package main

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readCSVRows(t *testing.T, path string) [][]string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	s := strings.TrimPrefix(string(b), "\xEF\xBB\xBF")
	rows, err := csv.NewReader(strings.NewReader(s)).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	return rows
}

func TestCSVSinkWritesHeaderAndRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "items.csv")
	s, err := newCSVSink(path)
	if err != nil {
		t.Fatal(err)
	}
	items := []*CanonicalItem{
		{ItemID: "ITEM1", NumericID: 11, Title: "one", PublishedAt: 1_700_000_000, OwnerID: 5},
		{ItemID: "ITEM2", NumericID: 22, Title: "two"},
	}
	if err := s.Write(context.Background(), items); err != nil {
		t.Fatal(err)
	}

	rows := readCSVRows(t, path)
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want header + 2", len(rows))
	}
	if rows[0][0] != "item_id" {
		t.Fatalf("header = %v", rows[0])
	}
	if rows[1][0] != "ITEM1" || rows[1][3] != "one" {
		t.Fatalf("row1 = %v", rows[1])
	}
	if rows[1][2] == "" {
		t.Fatal("published_at missing for dated item")
	}
	if rows[2][2] != "" {
		t.Fatal("published_at must stay empty for undated item")
	}

	// BOM present for spreadsheet tooling.
	raw, _ := os.ReadFile(path)
	if len(raw) < 3 || raw[0] != 0xEF {
		t.Fatal("missing UTF-8 BOM")
	}
}

func TestCSVSinkSkipsKnownIDsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "items.csv")
	ctx := context.Background()

	s, err := newCSVSink(path)
	if err != nil {
		t.Fatal(err)
	}
	one := []*CanonicalItem{{ItemID: "ITEM1", Title: "one"}}
	if err := s.Write(ctx, one); err != nil {
		t.Fatal(err)
	}
	if err := s.Write(ctx, one); err != nil {
		t.Fatal(err) // same process duplicate
	}

	// New process, same files.
	s2, err := newCSVSink(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s2.Write(ctx, one); err != nil {
		t.Fatal(err)
	}
	if err := s2.Write(ctx, []*CanonicalItem{{ItemID: "ITEM2", Title: "two"}}); err != nil {
		t.Fatal(err)
	}

	rows := readCSVRows(t, path)
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want header + 2 unique items", len(rows))
	}
}

func TestEnsureIDsIndexRebuildsFromCSV(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "items.csv")
	s, err := newCSVSink(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Write(context.Background(), []*CanonicalItem{{ItemID: "ITEMR", Title: "r"}}); err != nil {
		t.Fatal(err)
	}
	// Crash between the CSV append and the sidecar append: sidecar lost.
	if err := os.Remove(path + ".ids"); err != nil {
		t.Fatal(err)
	}

	ids := ensureIDsIndex(path, path+".ids")
	if _, ok := ids["ITEMR"]; !ok {
		t.Fatalf("rebuilt index = %v, want ITEMR present", ids)
	}
	if _, err := os.Stat(path + ".ids"); err != nil {
		t.Fatal("sidecar not rewritten")
	}
}
