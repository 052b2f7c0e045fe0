package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"creator-tracker-template/adapters"
)

// resolveStatus classifies what happened to one activity on its way through
// the resolution pipeline. The distinction matters to the expansion gate:
// only accepted/filtered outcomes are filter decisions; duplicates and
// errors are discards and carry no quality signal.
type resolveStatus int

const (
	resolveAccepted resolveStatus = iota
	resolveDuplicate
	resolveFiltered
	resolveIneligible
	resolveError
)

// ResolveResult is the outcome of resolving one activity.
type ResolveResult struct {
	Status  resolveStatus
	Item    *CanonicalItem // set only when Status == resolveAccepted
	Related []adapters.RelatedItem
	Reason  string
}

// ItemResolver converts one activity record into canonical item metadata:
// repost forward resolution, dedup check, rate-limited detail fetch, content
// filter, related-item extraction.
type ItemResolver struct {
	adapter    adapters.PlatformAdapter
	dedup      DedupIndex
	filter     *ContentFilter
	edges      EdgeStore
	metrics    *Metrics
	retry      retryPolicy
	maxRelated int

	// forward-resolution cache: origin activity id -> canonical item id.
	// Shared across concurrent resolver invocations; append-only.
	fwd sync.Map

	fatalMu  sync.Mutex
	fatalErr error

	nAccepted   atomic.Int64
	nDuplicate  atomic.Int64
	nFiltered   atomic.Int64
	nIneligible atomic.Int64
	nErrored    atomic.Int64
}

// Counts reports how many resolutions ended in each outcome since the
// resolver was created. One resolver lives for one cycle.
func (r *ItemResolver) Counts() (accepted, duplicate, filtered, ineligible, errored int) {
	return int(r.nAccepted.Load()), int(r.nDuplicate.Load()),
		int(r.nFiltered.Load()), int(r.nIneligible.Load()), int(r.nErrored.Load())
}

// Err returns the error that makes further resolution pointless, if any.
// Mirrors FeedStream.Err: the caller checks it between pages.
func (r *ItemResolver) Err() error {
	r.fatalMu.Lock()
	defer r.fatalMu.Unlock()
	return r.fatalErr
}

func (r *ItemResolver) recordFatal(err error) {
	r.fatalMu.Lock()
	if r.fatalErr == nil {
		r.fatalErr = err
	}
	r.fatalMu.Unlock()
}

func newItemResolver(adapter adapters.PlatformAdapter, dedup DedupIndex, filter *ContentFilter, edges EdgeStore, retry retryPolicy, maxRelated int, m *Metrics) *ItemResolver {
	if maxRelated <= 0 {
		maxRelated = 10
	}
	return &ItemResolver{
		adapter:    adapter,
		dedup:      dedup,
		filter:     filter,
		edges:      edges,
		metrics:    m,
		retry:      retry,
		maxRelated: maxRelated,
	}
}

func eligibleType(t adapters.ContentType) bool {
	return t == adapters.TypePost || t == adapters.TypeVideo
}

// Resolve runs the full per-activity pipeline. Every item that reaches the
// detail fetch is marked in the dedup index regardless of the filter outcome,
// so the next cycle skips it before spending a request.
func (r *ItemResolver) Resolve(ctx context.Context, act adapters.Activity) ResolveResult {
	itemID := act.ItemID

	if act.Type == adapters.TypeRepost {
		id, status, reason := r.forwardResolve(ctx, act)
		if status == resolveIneligible {
			r.nIneligible.Add(1)
			r.metrics.CountItem("ineligible")
			return ResolveResult{Status: status, Reason: reason}
		}
		if status != resolveAccepted {
			r.nErrored.Add(1)
			r.metrics.CountItem("error")
			return ResolveResult{Status: status, Reason: reason}
		}
		itemID = id
	}
	if itemID == "" {
		r.nErrored.Add(1)
		r.metrics.CountItem("error")
		return ResolveResult{Status: resolveError, Reason: "missing item id"}
	}

	// Dedup before any detail fetch; this is the primary cost-avoidance path.
	seen, err := r.dedup.Seen(ctx, itemID)
	if err != nil {
		fmt.Printf("[resolver] dedup lookup item=%s: %v\n", itemID, err)
	} else if seen {
		r.nDuplicate.Add(1)
		r.metrics.CountItem("duplicate")
		return ResolveResult{Status: resolveDuplicate}
	}

	var detail adapters.ItemDetail
	err = r.retry.do(ctx, func() (int, error) {
		var meta adapters.FetchMeta
		var ferr error
		detail, meta, ferr = r.adapter.ItemDetail(ctx, itemID)
		r.metrics.ObserveFetch(meta, ferr)
		return meta.StatusCode, ferr
	})
	if err != nil {
		if errors.Is(err, adapters.ErrAuthExpired) {
			r.recordFatal(err)
		} else {
			fmt.Printf("[resolver] detail fetch item=%s: %v\n", itemID, err)
		}
		r.nErrored.Add(1)
		r.metrics.CountItem("error")
		return ResolveResult{Status: resolveError, Reason: err.Error()}
	}

	// Processed from here on, accepted or not.
	if err := r.dedup.Mark(ctx, detail.ItemID); err != nil {
		fmt.Printf("[resolver] dedup mark item=%s: %v\n", detail.ItemID, err)
	}

	item := itemFromDetail(detail)
	if ok, reason := r.filter.AcceptItem(item); !ok {
		fmt.Printf("[resolver] rejected item=%s owner=%d reason=%s\n", item.ItemID, item.OwnerID, reason)
		r.nFiltered.Add(1)
		r.metrics.CountItem("filtered")
		return ResolveResult{Status: resolveFiltered, Reason: reason}
	}

	related := detail.Related
	if len(related) > r.maxRelated {
		related = related[:r.maxRelated]
	}
	for rank, rel := range related {
		if err := r.edges.UpsertEdge(ctx, rel.ItemID, item.ItemID, rank); err != nil {
			fmt.Printf("[resolver] edge upsert %s<-%s: %v\n", rel.ItemID, item.ItemID, err)
		}
	}
	if detail.OwnerName != "" {
		// Opportunistic owner sighting for discovery tracking.
		fmt.Printf("[resolver] owner id=%d name=%s via item=%s\n", detail.OwnerID, detail.OwnerName, item.ItemID)
	}

	r.nAccepted.Add(1)
	r.metrics.CountItem("accepted")
	return ResolveResult{Status: resolveAccepted, Item: item, Related: related}
}

// forwardResolve maps a repost to the canonical item id of its origin
// activity, caching the mapping so repeated reposts of the same origin cost
// one fetch.
func (r *ItemResolver) forwardResolve(ctx context.Context, act adapters.Activity) (string, resolveStatus, string) {
	if act.RepostOf == 0 {
		return "", resolveError, "repost without origin id"
	}
	if v, ok := r.fwd.Load(act.RepostOf); ok {
		id := v.(string)
		if id == "" {
			return "", resolveIneligible, "repost origin not eligible"
		}
		return id, resolveAccepted, ""
	}

	var origin adapters.Activity
	err := r.retry.do(ctx, func() (int, error) {
		var meta adapters.FetchMeta
		var ferr error
		origin, meta, ferr = r.adapter.FetchActivity(ctx, act.RepostOf)
		r.metrics.ObserveFetch(meta, ferr)
		return meta.StatusCode, ferr
	})
	if err != nil {
		if errors.Is(err, adapters.ErrAuthExpired) {
			r.recordFatal(err)
		} else {
			fmt.Printf("[resolver] forward resolve activity=%d: %v\n", act.RepostOf, err)
		}
		return "", resolveError, err.Error()
	}
	if !eligibleType(origin.Type) || origin.ItemID == "" {
		// Negative entries are cached too; the origin will not change.
		r.fwd.Store(act.RepostOf, "")
		return "", resolveIneligible, "repost origin not eligible"
	}
	r.fwd.Store(act.RepostOf, origin.ItemID)
	return origin.ItemID, resolveAccepted, ""
}

// pseudoActivity converts a related-list entry into an activity record the
// resolver understands, so expansion reuses the exact same pipeline.
func pseudoActivity(rel adapters.RelatedItem) adapters.Activity {
	return adapters.Activity{
		Type:      adapters.TypeVideo,
		ItemID:    rel.ItemID,
		Timestamp: rel.PublishedAt,
		AuthorID:  rel.OwnerID,
	}
}
