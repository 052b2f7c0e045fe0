package main

import (
	"context"
	"errors"
	"testing"

	"creator-tracker-template/adapters"
)

func newTestResolver(fa *fakeAdapter, filter *ContentFilter) (*ItemResolver, *memStore) {
	store := newMemStore()
	return newItemResolver(fa, store, filter, store, noDelayRetry(), 10, nil), store
}

func TestResolveAcceptedThenDuplicate(t *testing.T) {
	fa := newFakeAdapter()
	fa.addDetail("ITEMX", "a fine clip")
	r, _ := newTestResolver(fa, NewContentFilter(nil, nil, nil))

	a := adapters.Activity{ActivityID: 1, Type: adapters.TypeVideo, ItemID: "ITEMX"}
	res := r.Resolve(context.Background(), a)
	if res.Status != resolveAccepted {
		t.Fatalf("first resolve = %v (%s), want accepted", res.Status, res.Reason)
	}
	if res.Item == nil || res.Item.ItemID != "ITEMX" {
		t.Fatalf("item = %+v", res.Item)
	}

	// Crash-and-retry shape: the same activity arrives again.
	res = r.Resolve(context.Background(), a)
	if res.Status != resolveDuplicate {
		t.Fatalf("second resolve = %v, want duplicate", res.Status)
	}
	if n := fa.detailCallCount("ITEMX"); n != 1 {
		t.Fatalf("detail fetched %d times, want 1 (dedup before fetch)", n)
	}
}

func TestResolveMarksRejectedItems(t *testing.T) {
	fa := newFakeAdapter()
	fa.addDetail("ITEMBAD", "spam spam spam")
	r, store := newTestResolver(fa, NewContentFilter(nil, []string{"spam"}, nil))

	a := adapters.Activity{ActivityID: 2, Type: adapters.TypeVideo, ItemID: "ITEMBAD"}
	if res := r.Resolve(context.Background(), a); res.Status != resolveFiltered {
		t.Fatalf("resolve = %v, want filtered", res.Status)
	}
	seen, err := store.Seen(context.Background(), "ITEMBAD")
	if err != nil || !seen {
		t.Fatalf("rejected item not marked seen (seen=%v err=%v)", seen, err)
	}
	// Rejection is sticky: the next sighting is a duplicate, not a refetch.
	if res := r.Resolve(context.Background(), a); res.Status != resolveDuplicate {
		t.Fatalf("re-resolve = %v, want duplicate", res.Status)
	}
	if n := fa.detailCallCount("ITEMBAD"); n != 1 {
		t.Fatalf("detail fetched %d times, want 1", n)
	}
}

func TestResolveRepostForwardResolution(t *testing.T) {
	fa := newFakeAdapter()
	fa.activities[500] = adapters.Activity{ActivityID: 500, Type: adapters.TypeVideo, ItemID: "ITEMORIG"}
	fa.addDetail("ITEMORIG", "the original")
	r, _ := newTestResolver(fa, NewContentFilter(nil, nil, nil))

	repost := adapters.Activity{ActivityID: 900, Type: adapters.TypeRepost, RepostOf: 500}
	res := r.Resolve(context.Background(), repost)
	if res.Status != resolveAccepted || res.Item.ItemID != "ITEMORIG" {
		t.Fatalf("repost resolve = %v item=%+v", res.Status, res.Item)
	}

	// A second repost of the same origin hits the cache and dedup.
	repost2 := adapters.Activity{ActivityID: 901, Type: adapters.TypeRepost, RepostOf: 500}
	if res := r.Resolve(context.Background(), repost2); res.Status != resolveDuplicate {
		t.Fatalf("second repost = %v, want duplicate", res.Status)
	}
	if n := fa.activityCalls[500]; n != 1 {
		t.Fatalf("origin activity fetched %d times, want 1 (forward cache)", n)
	}
}

func TestResolveRepostOfIneligibleOrigin(t *testing.T) {
	fa := newFakeAdapter()
	fa.activities[600] = adapters.Activity{ActivityID: 600, Type: adapters.TypeRepost}
	r, _ := newTestResolver(fa, NewContentFilter(nil, nil, nil))

	repost := adapters.Activity{ActivityID: 902, Type: adapters.TypeRepost, RepostOf: 600}
	if res := r.Resolve(context.Background(), repost); res.Status != resolveIneligible {
		t.Fatalf("resolve = %v, want ineligible", res.Status)
	}
	// Negative cache: no refetch on the next sighting.
	if res := r.Resolve(context.Background(), repost); res.Status != resolveIneligible {
		t.Fatalf("re-resolve = %v, want ineligible", res.Status)
	}
	if n := fa.activityCalls[600]; n != 1 {
		t.Fatalf("origin fetched %d times, want 1", n)
	}
	// Not-applicable is not a failure.
	_, _, _, ineligible, errored := r.Counts()
	if ineligible != 2 || errored != 0 {
		t.Fatalf("ineligible/errored = %d/%d, want 2/0", ineligible, errored)
	}
}

func TestResolveDetailErrorSkipsItemOnly(t *testing.T) {
	fa := newFakeAdapter()
	r, store := newTestResolver(fa, NewContentFilter(nil, nil, nil))

	a := adapters.Activity{ActivityID: 3, Type: adapters.TypeVideo, ItemID: "ITEMGONE"}
	if res := r.Resolve(context.Background(), a); res.Status != resolveError {
		t.Fatalf("resolve = %v, want error status", res.Status)
	}
	// Not marked seen: a later cycle may succeed.
	seen, _ := store.Seen(context.Background(), "ITEMGONE")
	if seen {
		t.Fatal("failed item must not be marked seen")
	}
	if err := r.Err(); err != nil {
		t.Fatalf("ordinary fetch failure must not be terminal: %v", err)
	}
}

func TestResolveAuthExpiredIsTerminal(t *testing.T) {
	fa := newFakeAdapter()
	fa.addDetail("ITEMOK", "fine")
	fa.detailErr["ITEMDEAD"] = adapters.ErrAuthExpired
	r, _ := newTestResolver(fa, NewContentFilter(nil, nil, nil))

	ctx := context.Background()
	if res := r.Resolve(ctx, adapters.Activity{ActivityID: 1, Type: adapters.TypeVideo, ItemID: "ITEMDEAD"}); res.Status != resolveError {
		t.Fatalf("resolve = %v, want error status", res.Status)
	}
	if err := r.Err(); !errors.Is(err, adapters.ErrAuthExpired) {
		t.Fatalf("Err() = %v, want ErrAuthExpired recorded", err)
	}
	// The terminal error sticks across later, individually successful calls.
	if res := r.Resolve(ctx, adapters.Activity{ActivityID: 2, Type: adapters.TypeVideo, ItemID: "ITEMOK"}); res.Status != resolveAccepted {
		t.Fatalf("resolve = %v, want accepted", res.Status)
	}
	if err := r.Err(); !errors.Is(err, adapters.ErrAuthExpired) {
		t.Fatalf("Err() = %v after later success, want ErrAuthExpired kept", err)
	}
}

func TestResolveCapsRelatedExtraction(t *testing.T) {
	fa := newFakeAdapter()
	var related []adapters.RelatedItem
	for i := 0; i < 8; i++ {
		related = append(related, adapters.RelatedItem{ItemID: "REL" + string(rune('0'+i)), Title: "rel"})
	}
	fa.addDetail("ITEMHUB", "hub item", related...)

	store := newMemStore()
	r := newItemResolver(fa, store, NewContentFilter(nil, nil, nil), store, noDelayRetry(), 3, nil)
	res := r.Resolve(context.Background(), adapters.Activity{ActivityID: 4, Type: adapters.TypeVideo, ItemID: "ITEMHUB"})
	if res.Status != resolveAccepted {
		t.Fatalf("resolve = %v", res.Status)
	}
	if len(res.Related) != 3 {
		t.Fatalf("related = %d, want cap 3", len(res.Related))
	}
}

func TestResolveCountsOutcomes(t *testing.T) {
	fa := newFakeAdapter()
	fa.addDetail("ITEMOK", "fine")
	fa.addDetail("ITEMSPAM", "spam")
	r, _ := newTestResolver(fa, NewContentFilter(nil, []string{"spam"}, nil))

	ctx := context.Background()
	r.Resolve(ctx, adapters.Activity{ActivityID: 1, Type: adapters.TypeVideo, ItemID: "ITEMOK"})
	r.Resolve(ctx, adapters.Activity{ActivityID: 1, Type: adapters.TypeVideo, ItemID: "ITEMOK"})
	r.Resolve(ctx, adapters.Activity{ActivityID: 2, Type: adapters.TypeVideo, ItemID: "ITEMSPAM"})
	r.Resolve(ctx, adapters.Activity{ActivityID: 3, Type: adapters.TypeVideo, ItemID: "ITEMMISSING"})
	r.Resolve(ctx, adapters.Activity{ActivityID: 4, Type: adapters.TypeRepost, RepostOf: 777})

	accepted, dup, filtered, ineligible, errored := r.Counts()
	if accepted != 1 || dup != 1 || filtered != 1 || ineligible != 0 || errored != 2 {
		t.Fatalf("counts = %d/%d/%d/%d/%d, want 1/1/1/0/2", accepted, dup, filtered, ineligible, errored)
	}
}
