package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"creator-tracker-template/adapters"
)

// ActivityBatch is one page worth of accepted activity records, sorted by
// ascending timestamp.
type ActivityBatch struct {
	Type    adapters.ContentType
	Records []adapters.Activity
}

// FeedStream walks the two paginated feed endpoints per content type and
// produces a lazy, finite sequence of batches. A stream is single-use: a
// fresh Stream call must be issued per discovery cycle.
//
// Content types are walked sequentially, not interleaved, because the
// "latest" endpoint's ordering assumption only holds within one type's walk.
type FeedStream struct {
	adapter   adapters.PlatformAdapter
	pageDelay time.Duration
	maxPages  int
	metrics   *Metrics

	mu  sync.Mutex
	err error
}

func newFeedStream(adapter adapters.PlatformAdapter, pageDelay time.Duration, maxPages int, m *Metrics) *FeedStream {
	if maxPages <= 0 {
		maxPages = 200
	}
	return &FeedStream{adapter: adapter, pageDelay: pageDelay, maxPages: maxPages, metrics: m}
}

// Stream yields one batch per successful page fetch. Records are filtered to
// timestamp > minTS and activityId > minActivityID before being yielded.
// Page-fetch failures stop that content type's pagination only; partial
// progress is preserved via the batches already yielded. The terminal error,
// if any, is available from Err after the channel closes.
func (s *FeedStream) Stream(ctx context.Context, authorID, minActivityID uint64, minTS int64, types []adapters.ContentType) <-chan ActivityBatch {
	out := make(chan ActivityBatch)
	go func() {
		defer close(out)
		for _, t := range types {
			if !s.walkType(ctx, out, authorID, minActivityID, minTS, t) {
				return
			}
		}
	}()
	return out
}

// Err returns the error that terminated the walk early, if any. Only
// adapters.ErrAuthExpired is worth propagating past the Tracker.
func (s *FeedStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *FeedStream) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// walkType paginates one content type to exhaustion. Returns false when the
// whole stream must stop (context cancelled or fatal platform error).
func (s *FeedStream) walkType(ctx context.Context, out chan<- ActivityBatch, authorID, minActivityID uint64, minTS int64, t adapters.ContentType) bool {
	offset := ""
	for page := 0; page < s.maxPages; page++ {
		var (
			pg   adapters.ActivityPage
			meta adapters.FetchMeta
			err  error
		)
		if page == 0 {
			pg, meta, err = s.adapter.LatestActivities(ctx, authorID, t)
		} else {
			pg, meta, err = s.adapter.ActivityHistory(ctx, authorID, t, offset)
		}
		s.metrics.ObserveFetch(meta, err)
		if err != nil {
			if errors.Is(err, adapters.ErrAuthExpired) || errors.Is(err, context.Canceled) {
				s.setErr(err)
				return false
			}
			fmt.Printf("[feed] type=%s page=%d fetch error: %v\n", t, page, err)
			return true
		}
		if len(pg.Records) == 0 {
			fmt.Printf("[feed] type=%s page=%d empty page, stopping\n", t, page)
			return true
		}

		accepted := make([]adapters.Activity, 0, len(pg.Records))
		for _, rec := range pg.Records {
			if rec.Timestamp > minTS && rec.ActivityID > minActivityID {
				accepted = append(accepted, rec)
			}
		}
		if len(accepted) == 0 {
			return true
		}
		sort.Slice(accepted, func(i, j int) bool {
			return accepted[i].Timestamp < accepted[j].Timestamp
		})
		// The channel is unbuffered, so the producer runs at most one page
		// ahead of the consumer: this send blocks until the batch is taken,
		// but the fetch of the next page then overlaps the consumer's
		// processing of this one.
		select {
		case out <- ActivityBatch{Type: t, Records: accepted}:
		case <-ctx.Done():
			s.setErr(ctx.Err())
			return false
		}

		// The page straddles the already-seen boundary: everything older is
		// known, so the walk for this type is done.
		if len(accepted) < len(pg.Records) {
			return true
		}
		if !pg.HasMore || pg.Offset == "" {
			return true
		}
		offset = pg.Offset

		// Polite inter-page delay; independent of the detail-fetch limiter.
		if !sleepCtx(ctx, s.pageDelay) {
			s.setErr(ctx.Err())
			return false
		}
	}
	fmt.Printf("[feed] type=%s hit page cap (%d), stopping\n", t, s.maxPages)
	return true
}
