package main

import (
	"context"
	"testing"
	"time"

	"creator-tracker-template/adapters"
)

func TestGateDecision(t *testing.T) {
	cases := []struct {
		name      string
		rejected  int
		decided   int
		threshold float64
		want      bool
	}{
		{"zero candidates never decide", 0, 0, 0.0, false},
		{"zero candidates never decide at high threshold", 0, 0, 0.9, false},
		{"boundary rate equals threshold excludes", 1, 2, 0.5, true},
		{"below threshold passes", 1, 3, 0.5, false},
		{"threshold zero rejects on any failure", 1, 10, 0.0, true},
		{"threshold zero with no failures still trips", 0, 10, 0.0, true},
		{"threshold one only on total rejection", 9, 10, 1.0, false},
		{"threshold one total rejection", 10, 10, 1.0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := gateDecision(tc.rejected, tc.decided, tc.threshold); got != tc.want {
				t.Fatalf("gateDecision(%d, %d, %v) = %v, want %v",
					tc.rejected, tc.decided, tc.threshold, got, tc.want)
			}
		})
	}
}

func newTestEngine(fa *fakeAdapter, filter *ContentFilter, maxDepth int, threshold float64) (*ExpansionEngine, *memStore) {
	store := newMemStore()
	r := newItemResolver(fa, store, filter, store, noDelayRetry(), 10, nil)
	e := newExpansionEngine(r, filter, nil, maxDepth, 10, 5, 5, threshold, 24*time.Hour, 0)
	return e, store
}

func rel(id, title string) adapters.RelatedItem {
	return adapters.RelatedItem{ItemID: id, Title: title}
}

func srcItem(id string, publishedAt int64) *CanonicalItem {
	return &CanonicalItem{ItemID: id, Title: "source " + id, PublishedAt: publishedAt}
}

// oldTS is far enough in the past that no source is exempt from the gate.
const oldTS = int64(1_600_000_000)

func TestExpandExcludesLowQualitySource(t *testing.T) {
	fa := newFakeAdapter()
	// 4 of 5 related candidates are spam: filterRate 0.8 >= threshold 0.5.
	related := []adapters.RelatedItem{
		rel("REL1", "x"), rel("REL2", "x"), rel("REL3", "x"), rel("REL4", "x"), rel("REL5", "x"),
	}
	fa.addDetail("REL1", "spam one")
	fa.addDetail("REL2", "spam two")
	fa.addDetail("REL3", "spam three")
	fa.addDetail("REL4", "spam four")
	fa.addDetail("REL5", "a genuinely fine clip")

	filter := NewContentFilter(nil, []string{"spam"}, nil)
	e, _ := newTestEngine(fa, filter, 1, 0.5)

	out := e.Expand(context.Background(),
		[]expandSource{{Item: srcItem("SRC", oldTS), Related: related}}, 0)
	if len(out) != 0 {
		t.Fatalf("output = %d items, want 0 (source excluded with its candidates)", len(out))
	}
}

func TestExpandNewItemExemption(t *testing.T) {
	fa := newFakeAdapter()
	related := []adapters.RelatedItem{rel("REL1", "x"), rel("REL2", "x")}
	fa.addDetail("REL1", "spam")
	fa.addDetail("REL2", "spam")

	filter := NewContentFilter(nil, []string{"spam"}, nil)
	e, _ := newTestEngine(fa, filter, 1, 0.5)

	fresh := srcItem("SRCNEW", time.Now().Unix())
	out := e.Expand(context.Background(), []expandSource{{Item: fresh, Related: related}}, 0)
	if len(out) != 1 || out[0].ItemID != "SRCNEW" {
		t.Fatalf("fresh source must survive the first-level gate, got %d items", len(out))
	}
}

func TestExpandNoDecisionWithoutDecidedCandidates(t *testing.T) {
	fa := newFakeAdapter()
	related := []adapters.RelatedItem{rel("RELDUP", "x")}
	fa.addDetail("RELDUP", "whatever")

	filter := NewContentFilter(nil, []string{"whatever"}, nil)
	e, store := newTestEngine(fa, filter, 1, 0.0)
	// The only candidate is already known, so it resolves as a duplicate and
	// carries no filter decision. Even threshold 0 must not exclude.
	if err := store.Mark(context.Background(), "RELDUP"); err != nil {
		t.Fatal(err)
	}

	out := e.Expand(context.Background(),
		[]expandSource{{Item: srcItem("SRC", oldTS), Related: related}}, 0)
	if len(out) != 1 {
		t.Fatalf("output = %d items, want the source kept", len(out))
	}
}

func TestExpandDepthBound(t *testing.T) {
	fa := newFakeAdapter()
	fa.addDetail("RELA", "clean", rel("RELB", "clean"))
	fa.addDetail("RELB", "clean")

	filter := NewContentFilter(nil, nil, nil)
	e, _ := newTestEngine(fa, filter, 1, 0.9)

	out := e.Expand(context.Background(),
		[]expandSource{{Item: srcItem("SRC", oldTS), Related: []adapters.RelatedItem{rel("RELA", "clean")}}}, 0)
	if len(out) != 2 {
		t.Fatalf("output = %d items, want source + depth-1 candidate", len(out))
	}
	if n := fa.detailCallCount("RELB"); n != 0 {
		t.Fatalf("depth-2 candidate fetched %d times, want 0", n)
	}
}

func TestExpandStageBDropsCandidateWithBadNeighborhood(t *testing.T) {
	fa := newFakeAdapter()
	// Candidate passes the filter itself but its own related sample is all
	// spam, so the second-level gate drops it.
	fa.addDetail("RELGOOD", "clean clip",
		rel("N1", "spam"), rel("N2", "spam"), rel("N3", "spam"))

	filter := NewContentFilter(nil, []string{"spam"}, nil)
	e, _ := newTestEngine(fa, filter, 1, 0.5)

	out := e.Expand(context.Background(),
		[]expandSource{{Item: srcItem("SRC", oldTS), Related: []adapters.RelatedItem{rel("RELGOOD", "clean clip")}}}, 0)

	// The lone accepted candidate got dropped, so the aggregate rule trips
	// (1/1 >= 0.5) and the source goes too.
	if len(out) != 0 {
		t.Fatalf("output = %d items, want 0", len(out))
	}
	for _, it := range out {
		if it.ItemID == "RELGOOD" {
			t.Fatal("stage-B-dropped candidate leaked into the output")
		}
	}
}

func TestExpandAggregateExclusionKeepsSurvivors(t *testing.T) {
	fa := newFakeAdapter()
	fa.addDetail("RELBAD", "clean enough",
		rel("N1", "spam"), rel("N2", "spam"))
	fa.addDetail("RELOK", "also clean",
		rel("N3", "fine"), rel("N4", "fine"))

	filter := NewContentFilter(nil, []string{"spam"}, nil)
	e, _ := newTestEngine(fa, filter, 1, 0.5)

	out := e.Expand(context.Background(), []expandSource{{
		Item:    srcItem("SRC", oldTS),
		Related: []adapters.RelatedItem{rel("RELBAD", "clean enough"), rel("RELOK", "also clean")},
	}}, 0)

	// 1 of 2 stage-A survivors dropped by stage B: aggregate rate 0.5 >= 0.5
	// excludes the source, but the surviving descendant stays.
	if len(out) != 1 || out[0].ItemID != "RELOK" {
		ids := make([]string, 0, len(out))
		for _, it := range out {
			ids = append(ids, it.ItemID)
		}
		t.Fatalf("output = %v, want [RELOK] only", ids)
	}
}

func TestExpandSharedCandidateResolvedOnce(t *testing.T) {
	fa := newFakeAdapter()
	fa.addDetail("RELSHARED", "clean")

	filter := NewContentFilter(nil, nil, nil)
	e, _ := newTestEngine(fa, filter, 1, 0.9)

	out := e.Expand(context.Background(), []expandSource{
		{Item: srcItem("SRC1", oldTS), Related: []adapters.RelatedItem{rel("RELSHARED", "clean")}},
		{Item: srcItem("SRC2", oldTS), Related: []adapters.RelatedItem{rel("RELSHARED", "clean")}},
	}, 0)

	if n := fa.detailCallCount("RELSHARED"); n != 1 {
		t.Fatalf("shared candidate fetched %d times, want 1", n)
	}
	count := 0
	for _, it := range out {
		if it.ItemID == "RELSHARED" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("shared candidate appears %d times in output, want 1", count)
	}
}

func TestExpandZeroDepthPassesThrough(t *testing.T) {
	fa := newFakeAdapter()
	e, _ := newTestEngine(fa, NewContentFilter(nil, nil, nil), 0, 0.5)

	out := e.Expand(context.Background(),
		[]expandSource{{Item: srcItem("SRC", oldTS), Related: []adapters.RelatedItem{rel("REL1", "x")}}}, 0)
	if len(out) != 1 || out[0].ItemID != "SRC" {
		t.Fatalf("output = %d items, want pass-through source", len(out))
	}
	if fa.historyCalls != 0 || fa.detailCallCount("REL1") != 0 {
		t.Fatal("no fetches expected at depth cap")
	}
}
