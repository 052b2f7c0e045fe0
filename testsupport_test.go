package main

import (
	"context"
	"fmt"
	"sync"

	"creator-tracker-template/adapters"
)

// fakeAdapter is a scripted PlatformAdapter: tests load exact pages, details
// and activities, then assert on call counts.
type fakeAdapter struct {
	mu sync.Mutex

	latest     map[adapters.ContentType][]adapters.ActivityPage // consumed per call
	history    map[string]adapters.ActivityPage                 // key: type + "|" + offset
	activities map[uint64]adapters.Activity
	details    map[string]adapters.ItemDetail

	latestErr  map[adapters.ContentType]error
	detailErr  map[string]error
	historyErr map[string]error

	latestCalls   map[adapters.ContentType]int
	historyCalls  int
	activityCalls map[uint64]int
	detailCalls   map[string]int

	identity string
	ticket   adapters.Ticket
	tickErr  error
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		latest:        make(map[adapters.ContentType][]adapters.ActivityPage),
		history:       make(map[string]adapters.ActivityPage),
		activities:    make(map[uint64]adapters.Activity),
		details:       make(map[string]adapters.ItemDetail),
		latestErr:     make(map[adapters.ContentType]error),
		detailErr:     make(map[string]error),
		historyErr:    make(map[string]error),
		latestCalls:   make(map[adapters.ContentType]int),
		activityCalls: make(map[uint64]int),
		detailCalls:   make(map[string]int),
	}
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) LatestActivities(_ context.Context, _ uint64, t adapters.ContentType) (adapters.ActivityPage, adapters.FetchMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latestCalls[t]++
	meta := adapters.FetchMeta{StatusCode: 200}
	if err := f.latestErr[t]; err != nil {
		return adapters.ActivityPage{}, adapters.FetchMeta{}, err
	}
	pages := f.latest[t]
	if len(pages) == 0 {
		return adapters.ActivityPage{}, meta, nil
	}
	return pages[0], meta, nil
}

func (f *fakeAdapter) ActivityHistory(_ context.Context, _ uint64, t adapters.ContentType, offset string) (adapters.ActivityPage, adapters.FetchMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyCalls++
	key := string(t) + "|" + offset
	meta := adapters.FetchMeta{StatusCode: 200}
	if err := f.historyErr[key]; err != nil {
		return adapters.ActivityPage{}, adapters.FetchMeta{}, err
	}
	return f.history[key], meta, nil
}

func (f *fakeAdapter) FetchActivity(_ context.Context, activityID uint64) (adapters.Activity, adapters.FetchMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activityCalls[activityID]++
	act, ok := f.activities[activityID]
	if !ok {
		return adapters.Activity{}, adapters.FetchMeta{StatusCode: 404}, fmt.Errorf("no activity %d", activityID)
	}
	return act, adapters.FetchMeta{StatusCode: 200}, nil
}

func (f *fakeAdapter) ItemDetail(_ context.Context, itemID string) (adapters.ItemDetail, adapters.FetchMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detailCalls[itemID]++
	if err := f.detailErr[itemID]; err != nil {
		return adapters.ItemDetail{}, adapters.FetchMeta{StatusCode: 500}, err
	}
	d, ok := f.details[itemID]
	if !ok {
		return adapters.ItemDetail{}, adapters.FetchMeta{StatusCode: 404}, fmt.Errorf("no item %s", itemID)
	}
	return d, adapters.FetchMeta{StatusCode: 200}, nil
}

func (f *fakeAdapter) RefreshTicket(context.Context) (adapters.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ticket, f.tickErr
}

func (f *fakeAdapter) SetClientIdentity(id string) {
	f.mu.Lock()
	f.identity = id
	f.mu.Unlock()
}

func (f *fakeAdapter) clientIdentity() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.identity
}

func (f *fakeAdapter) detailCallCount(itemID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detailCalls[itemID]
}

// addDetail registers a fetchable item with a passing title and owner.
func (f *fakeAdapter) addDetail(itemID, title string, related ...adapters.RelatedItem) {
	f.details[itemID] = adapters.ItemDetail{
		ItemID:      itemID,
		Title:       title,
		PublishedAt: 1_700_000_000,
		OwnerID:     7,
		Related:     related,
	}
}

func noDelayRetry() retryPolicy {
	return retryPolicy{maxAttempts: 1}
}
