package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"creator-tracker-template/adapters"
)

// ─────────────────────────── tracker ───────────────────────────
//
// One logical worker per tracked author. Drains the feed stream page by
// page, expands each page, hands results to the sinks before the next page
// is fetched, and persists the cursor once at cycle end.

type trackerConfig struct {
	AuthorID        uint64
	Types           []adapters.ContentType
	MaxHistoryDays  int
	RetroWindowDays int
	PollEvery       time.Duration
	Cooldown        time.Duration
	RetroSpec       string
	PageDelay       time.Duration
	RequestDelay    time.Duration
	MaxPages        int
	MaxDepth        int
	MaxPerSource    int
	SampleSize      int
	BatchSize       int
	Threshold       float64
	NewItemBypass   time.Duration
	RetryMax        int
	RetryBase       time.Duration
	GateCoolOff     time.Duration
}

type Tracker struct {
	cfg       trackerConfig
	adapter   adapters.PlatformAdapter
	store     Store
	filter    *ContentFilter
	gate      *adaptiveGate
	metrics   *Metrics
	exporters []Exporter
	notifiers []Notifier

	now func() time.Time

	runMu sync.Mutex // poll and retrospective never overlap
}

// CycleResult is what one scan produced: the newly accepted items plus the
// bookkeeping a caller or notifier wants.
type CycleResult struct {
	Kind          string
	Accepted      []*CanonicalItem
	Pages         int
	MaxActivityID uint64
	Started       time.Time
	Took          time.Duration
}

func newTracker(cfg trackerConfig, adapter adapters.PlatformAdapter, store Store, filter *ContentFilter, gate *adaptiveGate, m *Metrics, exporters []Exporter, notifiers []Notifier) *Tracker {
	return &Tracker{
		cfg:       cfg,
		adapter:   adapter,
		store:     store,
		filter:    filter,
		gate:      gate,
		metrics:   m,
		exporters: exporters,
		notifiers: notifiers,
		now:       time.Now,
	}
}

func newClientIdentity() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%032x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}

// RunCycle performs one regular poll: cursor-bounded window, cursor advanced
// to the maximum activity id observed once the cycle completes.
func (t *Tracker) RunCycle(ctx context.Context) (CycleResult, error) {
	t.runMu.Lock()
	defer t.runMu.Unlock()

	cur, err := t.store.LoadCursor(ctx, t.cfg.AuthorID)
	if err != nil {
		return CycleResult{Kind: "poll"}, fmt.Errorf("load cursor: %w", err)
	}
	if cur.ClientIdentity == "" {
		cur.ClientIdentity = newClientIdentity()
	}
	t.adapter.SetClientIdentity(cur.ClientIdentity)
	t.ensureTicket(ctx, &cur)

	minTS := t.now().AddDate(0, 0, -t.cfg.MaxHistoryDays).Unix()
	res, err := t.scan(ctx, "poll", cur.LastActivityID, minTS)
	if err != nil {
		return res, err
	}

	// Single cursor write per cycle. A failure here means re-processing next
	// run, which the dedup index absorbs.
	if res.MaxActivityID > cur.LastActivityID {
		cur.LastActivityID = res.MaxActivityID
	}
	cur.LastUpdated = t.now()
	if err := t.store.SaveCursor(ctx, cur); err != nil {
		fmt.Printf("[tracker] cursor save author=%d: %v\n", t.cfg.AuthorID, err)
	}
	t.metrics.SetCursor(cur.LastActivityID)
	t.metrics.CountCycle("poll", "ok")
	return res, nil
}

// RunRetrospective re-walks a longer window with no id floor to pick up
// items a transient failure skipped. The primary cursor is left alone.
func (t *Tracker) RunRetrospective(ctx context.Context) (CycleResult, error) {
	t.runMu.Lock()
	defer t.runMu.Unlock()

	cur, err := t.store.LoadCursor(ctx, t.cfg.AuthorID)
	if err != nil {
		return CycleResult{Kind: "retro"}, fmt.Errorf("load cursor: %w", err)
	}
	if cur.ClientIdentity != "" {
		t.adapter.SetClientIdentity(cur.ClientIdentity)
	}

	minTS := t.now().AddDate(0, 0, -t.cfg.RetroWindowDays).Unix()
	res, err := t.scan(ctx, "retro", 0, minTS)
	if err != nil {
		return res, err
	}
	t.metrics.CountCycle("retro", "ok")
	return res, nil
}

// ensureTicket regenerates the signed credential when it is within an hour
// of expiry. Failure is logged and the cycle proceeds without a fresh one.
func (t *Tracker) ensureTicket(ctx context.Context, cur *Cursor) {
	if !cur.TicketExpiry.IsZero() && t.now().Add(time.Hour).Before(cur.TicketExpiry) {
		return
	}
	ticket, err := t.adapter.RefreshTicket(ctx)
	if err != nil {
		fmt.Printf("[tracker] ticket refresh: %v\n", err)
		return
	}
	cur.TicketExpiry = ticket.ExpiresAt
	fmt.Printf("[tracker] ticket refreshed expiry=%s\n", ticket.ExpiresAt.Format(time.RFC3339))
}

// scan is the shared body of both cycle kinds: drain the stream, expand per
// page, hand off per page.
func (t *Tracker) scan(ctx context.Context, kind string, minID uint64, minTS int64) (CycleResult, error) {
	started := t.now()
	res := CycleResult{Kind: kind, Started: started}

	// Derived so a fatal resolution error can stop the stream producer too.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	retry := retryPolicy{
		maxAttempts: t.cfg.RetryMax + 1,
		baseDelay:   t.cfg.RetryBase,
		gate:        t.gate,
		coolOff:     t.cfg.GateCoolOff,
	}
	resolver := newItemResolver(t.adapter, t.store, t.filter, t.store, retry, t.cfg.MaxPerSource, t.metrics)
	engine := newExpansionEngine(resolver, t.filter, t.metrics,
		t.cfg.MaxDepth, t.cfg.MaxPerSource, t.cfg.SampleSize, t.cfg.BatchSize,
		t.cfg.Threshold, t.cfg.NewItemBypass, t.cfg.RequestDelay)

	stream := newFeedStream(t.adapter, t.cfg.PageDelay, t.cfg.MaxPages, t.metrics)
	for batch := range stream.Stream(ctx, t.cfg.AuthorID, minID, minTS, t.cfg.Types) {
		res.Pages++
		sources := make([]expandSource, 0, len(batch.Records))
		for _, act := range batch.Records {
			if act.ActivityID > res.MaxActivityID {
				res.MaxActivityID = act.ActivityID
			}
			r := resolver.Resolve(ctx, act)
			if r.Status == resolveAccepted {
				sources = append(sources, expandSource{Item: r.Item, Related: r.Related})
			}
		}
		items := engine.Expand(ctx, sources, 0)
		if len(items) > 0 {
			res.Accepted = append(res.Accepted, items...)
			t.export(ctx, items)
		}
		t.metrics.SetLimiterRPS(t.gate.RPS())

		// An expired credential seen on the detail path is as terminal as one
		// seen on the feed path; stop fetching and surface it.
		if resolver.Err() != nil {
			cancel()
			break
		}
	}
	res.Took = t.now().Sub(started)

	if err := resolver.Err(); err != nil {
		t.metrics.CountCycle(kind, "error")
		return res, err
	}
	if err := stream.Err(); err != nil {
		t.metrics.CountCycle(kind, "error")
		return res, err
	}
	if err := ctx.Err(); err != nil {
		t.metrics.CountCycle(kind, "canceled")
		return res, err
	}

	accepted, dup, filtered, ineligible, errored := resolver.Counts()
	fmt.Printf("[tracker] %s done author=%d pages=%d accepted=%d dup=%d filtered=%d ineligible=%d err=%d max_id=%d took=%s\n",
		kind, t.cfg.AuthorID, res.Pages, accepted, dup, filtered, ineligible, errored,
		res.MaxActivityID, res.Took.Round(time.Millisecond))

	t.notify(ctx, res, accepted, dup, filtered+ineligible, errored)
	return res, nil
}

func (t *Tracker) export(ctx context.Context, items []*CanonicalItem) {
	for _, e := range t.exporters {
		if err := e.Write(ctx, items); err != nil {
			fmt.Printf("[tracker] export sink=%s: %v\n", e.Name(), err)
		}
	}
}

func (t *Tracker) notify(ctx context.Context, res CycleResult, accepted, dup, filtered, errored int) {
	if len(t.notifiers) == 0 {
		return
	}
	s := CycleSummary{
		Kind:       res.Kind,
		AuthorID:   t.cfg.AuthorID,
		Started:    res.Started,
		Took:       res.Took,
		Pages:      res.Pages,
		Accepted:   accepted,
		Duplicates: dup,
		Filtered:   filtered,
		Errors:     errored,
		CursorID:   res.MaxActivityID,
	}
	for _, it := range res.Accepted {
		s.Items = append(s.Items, it.Title)
		if len(s.Items) >= 10 {
			break
		}
	}
	for _, n := range t.notifiers {
		if err := n.Notify(ctx, s); err != nil {
			fmt.Printf("[tracker] notify sink=%s: %v\n", n.Name(), err)
		}
	}
}

// Run is the daemon loop: poll, sleep with jitter, repeat. A failed cycle
// rotates the client identity and backs off for the cooldown interval. Only
// an expired authentication ticket is fatal.
func (t *Tracker) Run(ctx context.Context) error {
	var sched *cron.Cron
	if t.cfg.RetroSpec != "" {
		sched = cron.New()
		if _, err := sched.AddFunc(t.cfg.RetroSpec, func() {
			if _, err := t.RunRetrospective(ctx); err != nil {
				fmt.Printf("[tracker] retrospective: %v\n", err)
			}
		}); err != nil {
			return fmt.Errorf("retro schedule %q: %w", t.cfg.RetroSpec, err)
		}
		sched.Start()
		defer sched.Stop()
	}

	for {
		_, err := t.RunCycle(ctx)
		switch {
		case err == nil:
		case errors.Is(err, adapters.ErrAuthExpired):
			return err
		case errors.Is(err, context.Canceled):
			return nil
		default:
			fmt.Printf("[tracker] cycle aborted: %v\n", err)
			t.rotateIdentity(ctx)
			if !sleepCtx(ctx, t.cfg.Cooldown) {
				return nil
			}
			continue
		}
		if !sleepCtx(ctx, jittered(t.cfg.PollEvery)) {
			return nil
		}
	}
}

// rotateIdentity swaps the client identity after an aborted cycle to shake
// off soft IP/UA-keyed throttling.
func (t *Tracker) rotateIdentity(ctx context.Context) {
	cur, err := t.store.LoadCursor(ctx, t.cfg.AuthorID)
	if err != nil {
		fmt.Printf("[tracker] identity rotate load: %v\n", err)
		return
	}
	cur.ClientIdentity = newClientIdentity()
	cur.LastUpdated = t.now()
	t.adapter.SetClientIdentity(cur.ClientIdentity)
	if err := t.store.SaveCursor(ctx, cur); err != nil {
		fmt.Printf("[tracker] identity rotate save: %v\n", err)
		return
	}
	fmt.Printf("[tracker] rotated client identity author=%d\n", t.cfg.AuthorID)
}

// jittered spreads wakeups over roughly ±10% of the interval.
func jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	span := int64(d) / 5
	return d - time.Duration(span/2) + time.Duration(mrand.Int63n(span+1))
}
