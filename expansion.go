package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"creator-tracker-template/adapters"
)

// ─────────────────────────── expansion engine ───────────────────────────
//
// Depth-bounded breadth-first expansion over the platform's related-item
// recommendations, with a two-stage statistical quality gate. A source whose
// related neighborhood filters badly is itself discarded, descendants that
// already passed stay in the result.

type expandSource struct {
	Item    *CanonicalItem
	Related []adapters.RelatedItem
}

type ExpansionEngine struct {
	resolver *ItemResolver
	filter   *ContentFilter
	metrics  *Metrics

	maxDepth      int
	maxPerSource  int
	sampleSize    int
	threshold     float64
	newItemBypass time.Duration
	batchSize     int
	requestDelay  time.Duration

	now func() time.Time

	mu     sync.Mutex
	queued map[string]bool // item ids already seen this cycle, breaks graph cycles
}

func newExpansionEngine(resolver *ItemResolver, filter *ContentFilter, m *Metrics, maxDepth, maxPerSource, sampleSize, batchSize int, threshold float64, newItemBypass, requestDelay time.Duration) *ExpansionEngine {
	if batchSize <= 0 {
		batchSize = 5
	}
	if sampleSize <= 0 {
		sampleSize = 5
	}
	return &ExpansionEngine{
		resolver:      resolver,
		filter:        filter,
		metrics:       m,
		maxDepth:      maxDepth,
		maxPerSource:  maxPerSource,
		sampleSize:    sampleSize,
		threshold:     threshold,
		newItemBypass: newItemBypass,
		batchSize:     batchSize,
		requestDelay:  requestDelay,
		now:           time.Now,
		queued:        make(map[string]bool),
	}
}

// gateDecision is the single comparison both stages share. Zero decided
// candidates means no decision, never an exclusion.
func gateDecision(rejected, decided int, threshold float64) bool {
	if decided == 0 {
		return false
	}
	return float64(rejected)/float64(decided) >= threshold
}

func (e *ExpansionEngine) exempt(src *CanonicalItem) bool {
	if src.PublishedAt == 0 {
		return false
	}
	return e.now().Sub(time.Unix(src.PublishedAt, 0)) < e.newItemBypass
}

func (e *ExpansionEngine) markQueued(itemID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.queued[itemID] {
		return false
	}
	e.queued[itemID] = true
	return true
}

// Expand runs one expansion round over the given sources and returns the
// final item list: every non-excluded source plus every surviving descendant
// down to maxDepth hops.
func (e *ExpansionEngine) Expand(ctx context.Context, sources []expandSource, depth int) []*CanonicalItem {
	out := make([]*CanonicalItem, 0, len(sources))
	if len(sources) == 0 {
		return out
	}
	for _, s := range sources {
		e.markQueued(s.Item.ItemID)
	}
	if depth >= e.maxDepth {
		for _, s := range sources {
			out = append(out, s.Item)
		}
		return out
	}

	type verdict struct {
		excluded  bool
		survivors []expandSource
	}
	verdicts := make([]verdict, len(sources))

	// Sources within one depth level run batchSize at a time; candidate
	// fetches inside a source are sequential with a fixed delay.
	for lo := 0; lo < len(sources); lo += e.batchSize {
		hi := lo + e.batchSize
		if hi > len(sources) {
			hi = len(sources)
		}
		var wg sync.WaitGroup
		for i := lo; i < hi; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				excl, surv := e.expandSource(ctx, sources[i], depth)
				verdicts[i] = verdict{excluded: excl, survivors: surv}
			}(i)
		}
		wg.Wait()
		if hi < len(sources) {
			sleepCtx(ctx, 2*e.requestDelay)
		}
		if ctx.Err() != nil {
			break
		}
	}

	// An excluded source drops out of the result, but survivors it already
	// vetted still feed the next level. Stage A exclusions carry none.
	next := []expandSource{}
	for i, s := range sources {
		if !verdicts[i].excluded {
			out = append(out, s.Item)
		}
		next = append(next, verdicts[i].survivors...)
	}
	out = append(out, e.Expand(ctx, next, depth+1)...)
	return out
}

// expandSource applies the gate to one source. Returns whether the source is
// excluded and the Stage-B survivors that feed the next depth level.
func (e *ExpansionEngine) expandSource(ctx context.Context, src expandSource, depth int) (bool, []expandSource) {
	cands := src.Related
	if len(cands) > e.maxPerSource {
		cands = cands[:e.maxPerSource]
	}
	if len(cands) == 0 {
		return false, nil
	}

	// Stage A: resolve every candidate, count filter decisions. Duplicates
	// and fetch errors are discards, not decisions, so they never push a
	// source over the threshold.
	var decided, rejected int
	var accepted []ResolveResult
	for ci, rel := range cands {
		if rel.ItemID == "" || !e.markQueued(rel.ItemID) {
			continue
		}
		if ci > 0 {
			if !sleepCtx(ctx, e.requestDelay) {
				break
			}
		}
		res := e.resolver.Resolve(ctx, pseudoActivity(rel))
		switch res.Status {
		case resolveAccepted:
			decided++
			accepted = append(accepted, res)
		case resolveFiltered:
			decided++
			rejected++
		}
	}

	if gateDecision(rejected, decided, e.threshold) {
		if e.exempt(src.Item) {
			fmt.Printf("[expand] depth=%d source=%s gate=stage_a rate=%d/%d exempt=new_item\n",
				depth, src.Item.ItemID, rejected, decided)
		} else {
			fmt.Printf("[expand] depth=%d source=%s excluded=stage_a rate=%d/%d\n",
				depth, src.Item.ItemID, rejected, decided)
			e.metrics.CountExclusion("stage_a")
			return true, nil
		}
	}

	// Stage B: judge each accepted candidate by its own second-level
	// neighborhood, on inline metadata only. No decidable sample keeps the
	// candidate (fail-open).
	var survivors []expandSource
	var dropped int
	for _, res := range accepted {
		sample := res.Related
		if len(sample) > e.sampleSize {
			sample = sample[:e.sampleSize]
		}
		var sampleRejected int
		for _, rel := range sample {
			if ok, _ := e.filter.AcceptRelated(rel); !ok {
				sampleRejected++
			}
		}
		if gateDecision(sampleRejected, len(sample), e.threshold) {
			fmt.Printf("[expand] depth=%d candidate=%s dropped=stage_b rate=%d/%d\n",
				depth, res.Item.ItemID, sampleRejected, len(sample))
			e.metrics.CountExclusion("stage_b")
			dropped++
			continue
		}
		survivors = append(survivors, expandSource{Item: res.Item, Related: res.Related})
	}

	// Aggregate rule: a source most of whose vetted candidates fail the
	// second-level check is excluded too. The new-item exemption does not
	// apply here.
	if gateDecision(dropped, len(accepted), e.threshold) {
		fmt.Printf("[expand] depth=%d source=%s excluded=aggregate dropped=%d/%d\n",
			depth, src.Item.ItemID, dropped, len(accepted))
		e.metrics.CountExclusion("aggregate")
		return true, survivors
	}
	return false, survivors
}
