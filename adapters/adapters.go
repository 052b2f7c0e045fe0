// Package adapters contains pluggable platform connectors.
//
// Public release note:
// This package is intentionally generic. It does not contain any site-specific
// endpoint paths, signing algorithms, headers, or fingerprints. The default
// implementation can operate in a fully offline mock mode for safe demos.
package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ContentType is the kind of activity a creator feed can emit.
type ContentType string

const (
	TypePost   ContentType = "post"
	TypeVideo  ContentType = "video"
	TypeRepost ContentType = "repost"
)

// Activity is one entry of a creator's activity feed.
type Activity struct {
	ActivityID uint64      `json:"activity_id"`
	Timestamp  int64       `json:"timestamp"` // unix seconds
	Type       ContentType `json:"type"`
	AuthorID   uint64      `json:"author_id"`
	ItemID     string      `json:"item_id,omitempty"`   // canonical item key when already known
	RepostOf   uint64      `json:"repost_of,omitempty"` // original activity id for reposts
}

// ActivityPage is one page of a paginated feed walk. Offset is an opaque
// token understood only by the history endpoint of the same adapter.
type ActivityPage struct {
	Records []Activity `json:"records"`
	Offset  string     `json:"offset,omitempty"`
	HasMore bool       `json:"has_more,omitempty"`
}

// RelatedItem is one entry of the platform's related-items list. The platform
// inlines enough metadata to filter on without a detail fetch.
type RelatedItem struct {
	ItemID      string `json:"item_id"`
	NumericID   uint64 `json:"numeric_id,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	TagString   string `json:"tags,omitempty"`
	CategoryID  int    `json:"category_id,omitempty"`
	OwnerID     uint64 `json:"owner_id,omitempty"`
	PublishedAt int64  `json:"published_at,omitempty"`
}

// ItemDetail is the full item record returned by the detail endpoint.
type ItemDetail struct {
	ItemID      string        `json:"item_id"`
	NumericID   uint64        `json:"numeric_id,omitempty"`
	PublishedAt int64         `json:"published_at,omitempty"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	TagString   string        `json:"tags,omitempty"`
	CoverURL    string        `json:"cover_url,omitempty"`
	CategoryID  int           `json:"category_id,omitempty"`
	OwnerID     uint64        `json:"owner_id,omitempty"`
	OwnerName   string        `json:"owner_name,omitempty"`
	Related     []RelatedItem `json:"related,omitempty"`
}

// Ticket is a platform-signed credential with a validity window.
type Ticket struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// FetchMeta provides request-level telemetry without leaking connector details.
type FetchMeta struct {
	StatusCode int
	Latency    time.Duration
}

// ErrAuthExpired is returned when the platform reports that the current
// credential can no longer be used. No subsequent call can succeed, so the
// caller is expected to terminate.
var ErrAuthExpired = errors.New("platform authentication expired")

// codeAuthExpired is the application-level envelope code for an expired
// credential (placeholder value; real connectors map their own code to it).
const codeAuthExpired = -101

// PlatformAdapter abstracts all platform-specific logic.
type PlatformAdapter interface {
	Name() string

	// LatestActivities returns the newest feed page for one content type.
	// It never takes an offset; the first page of every walk comes from here.
	LatestActivities(ctx context.Context, authorID uint64, t ContentType) (ActivityPage, FetchMeta, error)

	// ActivityHistory returns an older feed page addressed by the opaque
	// offset token of the previous page.
	ActivityHistory(ctx context.Context, authorID uint64, t ContentType, offset string) (ActivityPage, FetchMeta, error)

	// FetchActivity fetches a single activity by id (repost forward resolution).
	FetchActivity(ctx context.Context, activityID uint64) (Activity, FetchMeta, error)

	// ItemDetail fetches the full item record, including owner info, tags and
	// the platform's related-items list.
	ItemDetail(ctx context.Context, itemID string) (ItemDetail, FetchMeta, error)

	// RefreshTicket asks the signing service for a fresh credential.
	RefreshTicket(ctx context.Context) (Ticket, error)

	// SetClientIdentity installs a rotating client identity (device/UA string)
	// used by networked adapters on subsequent requests.
	SetClientIdentity(id string)
}

// envelope is the platform's uniform response shape. A non-zero Code is an
// application-level failure, not a transport failure.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decodeEnvelope(raw []byte, out any) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("envelope parse: %w", err)
	}
	if env.Code == codeAuthExpired {
		return fmt.Errorf("code=%d message=%q: %w", env.Code, env.Message, ErrAuthExpired)
	}
	if env.Code != 0 {
		return fmt.Errorf("platform code=%d message=%q", env.Code, env.Message)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("envelope data parse: %w", err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// HTTP JSON adapter (generic placeholder)
// ─────────────────────────────────────────────────────────────────────────────

// HTTPJSONAdapter expects a JSON API under PLATFORM_BASE_URL returning the
// uniform {code,message,data} envelope.
//
// Expected endpoints (placeholders, not target-specific):
//
//	GET {base}/api/feed/latest?author=...&type=...
//	GET {base}/api/feed/history?author=...&type=...&offset=...
//	GET {base}/api/activities/{activity_id}
//	GET {base}/api/items/{item_id}
//	GET {base}/api/ticket
//
// This is intentionally minimal; public releases should keep the adapter as
// a stub and implement any real connector in a private repository.
type HTTPJSONAdapter struct {
	baseURL   string
	client    *http.Client
	userAgent string
	ticket    string

	mu       sync.Mutex
	identity string
}

type HTTPJSONAdapterOptions struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
}

func NewHTTPJSONAdapter(opts HTTPJSONAdapterOptions) (*HTTPJSONAdapter, error) {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		return nil, errors.New("BaseURL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid BaseURL: %w", err)
	}
	to := opts.Timeout
	if to <= 0 {
		to = 20 * time.Second
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = "creator-tracker-template/1.0"
	}
	return &HTTPJSONAdapter{
		baseURL:   strings.TrimRight(base, "/"),
		client:    &http.Client{Timeout: to},
		userAgent: ua,
	}, nil
}

func (a *HTTPJSONAdapter) Name() string { return "http-json" }

func (a *HTTPJSONAdapter) SetClientIdentity(id string) {
	a.mu.Lock()
	a.identity = strings.TrimSpace(id)
	a.mu.Unlock()
}

func (a *HTTPJSONAdapter) LatestActivities(ctx context.Context, authorID uint64, t ContentType) (ActivityPage, FetchMeta, error) {
	q := url.Values{}
	q.Set("author", strconv.FormatUint(authorID, 10))
	q.Set("type", string(t))
	return a.fetchPage(ctx, "/api/feed/latest?"+q.Encode())
}

func (a *HTTPJSONAdapter) ActivityHistory(ctx context.Context, authorID uint64, t ContentType, offset string) (ActivityPage, FetchMeta, error) {
	q := url.Values{}
	q.Set("author", strconv.FormatUint(authorID, 10))
	q.Set("type", string(t))
	if offset != "" {
		q.Set("offset", offset)
	}
	return a.fetchPage(ctx, "/api/feed/history?"+q.Encode())
}

func (a *HTTPJSONAdapter) fetchPage(ctx context.Context, path string) (ActivityPage, FetchMeta, error) {
	start := time.Now()
	body, status, err := a.doGET(ctx, a.baseURL+path)
	meta := FetchMeta{StatusCode: status, Latency: time.Since(start)}
	if err != nil {
		return ActivityPage{}, meta, err
	}
	var page ActivityPage
	if err := decodeEnvelope(body, &page); err != nil {
		return ActivityPage{}, meta, err
	}
	return page, meta, nil
}

func (a *HTTPJSONAdapter) FetchActivity(ctx context.Context, activityID uint64) (Activity, FetchMeta, error) {
	start := time.Now()
	u := a.baseURL + "/api/activities/" + strconv.FormatUint(activityID, 10)
	body, status, err := a.doGET(ctx, u)
	meta := FetchMeta{StatusCode: status, Latency: time.Since(start)}
	if err != nil {
		return Activity{}, meta, err
	}
	var act Activity
	if err := decodeEnvelope(body, &act); err != nil {
		return Activity{}, meta, err
	}
	if act.ActivityID == 0 {
		act.ActivityID = activityID
	}
	return act, meta, nil
}

func (a *HTTPJSONAdapter) ItemDetail(ctx context.Context, itemID string) (ItemDetail, FetchMeta, error) {
	start := time.Now()
	id := strings.TrimSpace(itemID)
	if id == "" {
		return ItemDetail{}, FetchMeta{Latency: time.Since(start)}, errors.New("itemID is required")
	}
	body, status, err := a.doGET(ctx, a.baseURL+"/api/items/"+url.PathEscape(id))
	meta := FetchMeta{StatusCode: status, Latency: time.Since(start)}
	if err != nil {
		return ItemDetail{}, meta, err
	}
	var d ItemDetail
	if err := decodeEnvelope(body, &d); err != nil {
		return ItemDetail{}, meta, err
	}
	if d.ItemID == "" {
		d.ItemID = id
	}
	return normalizeDetail(d), meta, nil
}

func (a *HTTPJSONAdapter) RefreshTicket(ctx context.Context) (Ticket, error) {
	body, _, err := a.doGET(ctx, a.baseURL+"/api/ticket")
	if err != nil {
		return Ticket{}, err
	}
	var t Ticket
	if err := decodeEnvelope(body, &t); err != nil {
		return Ticket{}, err
	}
	if t.Value == "" {
		return Ticket{}, errors.New("ticket endpoint returned empty value")
	}
	a.mu.Lock()
	a.ticket = t.Value
	a.mu.Unlock()
	return t, nil
}

func (a *HTTPJSONAdapter) doGET(ctx context.Context, u string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", a.userAgent)
	a.mu.Lock()
	if a.identity != "" {
		req.Header.Set("X-Client-Id", a.identity)
	}
	if a.ticket != "" {
		req.Header.Set("X-Ticket", a.ticket)
	}
	a.mu.Unlock()

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	status := resp.StatusCode
	b, _ := io.ReadAll(resp.Body)
	if status < 200 || status >= 300 {
		// Return body for debugging but do not attempt to interpret it here.
		return nil, status, fmt.Errorf("http status %d", status)
	}
	return b, status, nil
}

func normalizeDetail(d ItemDetail) ItemDetail {
	d.ItemID = strings.TrimSpace(d.ItemID)
	d.Title = strings.TrimSpace(d.Title)
	d.Description = strings.TrimSpace(d.Description)
	d.TagString = strings.TrimSpace(d.TagString)
	d.CoverURL = strings.TrimSpace(d.CoverURL)
	d.OwnerName = strings.TrimSpace(d.OwnerName)
	out := d.Related[:0]
	for _, r := range d.Related {
		r.ItemID = strings.TrimSpace(r.ItemID)
		if r.ItemID == "" {
			continue
		}
		out = append(out, r)
	}
	d.Related = out
	return d
}

// ─────────────────────────────────────────────────────────────────────────────
// Mock adapter (offline-safe)
// ─────────────────────────────────────────────────────────────────────────────

// MockAdapter produces a synthetic creator feed plus a related-item graph for
// demos and unit tests. It is deterministic for a fixed seed and makes no
// network calls.
type MockAdapter struct {
	seed     int64
	pageSize int
	pages    int
}

type MockAdapterOptions struct {
	Seed     int64 // optional; 0 uses current time
	PageSize int   // records per feed page (default 8)
	Pages    int   // history depth per content type (default 3)
}

func NewMockAdapter(opts MockAdapterOptions) *MockAdapter {
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	ps := opts.PageSize
	if ps <= 0 {
		ps = 8
	}
	pages := opts.Pages
	if pages <= 0 {
		pages = 3
	}
	return &MockAdapter{seed: seed, pageSize: ps, pages: pages}
}

func (m *MockAdapter) Name() string { return "mock" }

func (m *MockAdapter) SetClientIdentity(string) {}

func (m *MockAdapter) LatestActivities(ctx context.Context, authorID uint64, t ContentType) (ActivityPage, FetchMeta, error) {
	return m.page(ctx, authorID, t, 0)
}

func (m *MockAdapter) ActivityHistory(ctx context.Context, authorID uint64, t ContentType, offset string) (ActivityPage, FetchMeta, error) {
	n, err := strconv.Atoi(offset)
	if err != nil || n <= 0 {
		return ActivityPage{}, FetchMeta{StatusCode: 200}, fmt.Errorf("bad offset %q", offset)
	}
	return m.page(ctx, authorID, t, n)
}

// page synthesizes page n (0 = latest). Activity ids decrease with age so the
// monotonic-per-author platform invariant holds.
func (m *MockAdapter) page(ctx context.Context, authorID uint64, t ContentType, n int) (ActivityPage, FetchMeta, error) {
	start := time.Now()
	select {
	case <-ctx.Done():
		return ActivityPage{}, FetchMeta{Latency: time.Since(start)}, ctx.Err()
	default:
	}
	if n >= m.pages {
		return ActivityPage{HasMore: false}, FetchMeta{StatusCode: 200, Latency: time.Since(start)}, nil
	}
	base := time.Now().Unix()
	records := make([]Activity, 0, m.pageSize)
	for i := 0; i < m.pageSize; i++ {
		age := int64(n*m.pageSize + i)
		id := uint64(1_000_000) - uint64(age)
		act := Activity{
			ActivityID: id,
			Timestamp:  base - age*3600,
			Type:       t,
			AuthorID:   authorID,
			ItemID:     syntheticItemID(id),
		}
		if t == TypeRepost {
			act.RepostOf = id - 500_000
			act.ItemID = ""
		}
		records = append(records, act)
	}
	// Feed pages arrive newest-first.
	sort.Slice(records, func(i, j int) bool { return records[i].Timestamp > records[j].Timestamp })
	return ActivityPage{
		Records: records,
		Offset:  strconv.Itoa(n + 1),
		HasMore: n+1 < m.pages,
	}, FetchMeta{StatusCode: 200, Latency: time.Since(start)}, nil
}

func (m *MockAdapter) FetchActivity(ctx context.Context, activityID uint64) (Activity, FetchMeta, error) {
	start := time.Now()
	select {
	case <-ctx.Done():
		return Activity{}, FetchMeta{Latency: time.Since(start)}, ctx.Err()
	default:
	}
	return Activity{
		ActivityID: activityID,
		Timestamp:  time.Now().Unix(),
		Type:       TypeVideo,
		AuthorID:   1,
		ItemID:     syntheticItemID(activityID),
	}, FetchMeta{StatusCode: 200, Latency: time.Since(start)}, nil
}

func (m *MockAdapter) ItemDetail(ctx context.Context, itemID string) (ItemDetail, FetchMeta, error) {
	start := time.Now()
	select {
	case <-ctx.Done():
		return ItemDetail{}, FetchMeta{Latency: time.Since(start)}, ctx.Err()
	default:
	}
	id := strings.TrimSpace(itemID)
	if id == "" {
		return ItemDetail{}, FetchMeta{Latency: time.Since(start)}, errors.New("itemID is required")
	}
	h := fnv64(id)
	r := rand.New(rand.NewSource(int64(h) ^ m.seed))
	related := make([]RelatedItem, 0, 10)
	for i := 0; i < 10; i++ {
		rid := syntheticItemID(h%900_000 + uint64(i) + 1)
		related = append(related, RelatedItem{
			ItemID:      rid,
			NumericID:   h%900_000 + uint64(i) + 1,
			Title:       fmt.Sprintf("Related item %s #%d", id, i+1),
			TagString:   "synthetic,demo",
			CategoryID:  int(r.Int31n(8)),
			OwnerID:     uint64(r.Int31n(1000)) + 1,
			PublishedAt: time.Now().Add(-time.Duration(r.Int31n(720)) * time.Hour).Unix(),
		})
	}
	return ItemDetail{
		ItemID:      id,
		NumericID:   h,
		PublishedAt: time.Now().Add(-time.Duration(r.Int31n(720)) * time.Hour).Unix(),
		Title:       "Synthetic item " + id,
		Description: "Synthetic description (public-release mock adapter).",
		TagString:   "synthetic,demo",
		CategoryID:  int(r.Int31n(8)),
		OwnerID:     uint64(r.Int31n(1000)) + 1,
		OwnerName:   "creator-" + strconv.FormatUint(uint64(r.Int31n(1000))+1, 10),
		Related:     related,
	}, FetchMeta{StatusCode: 200, Latency: time.Since(start)}, nil
}

func (m *MockAdapter) RefreshTicket(ctx context.Context) (Ticket, error) {
	_ = ctx
	return Ticket{
		Value:     fmt.Sprintf("mock-ticket-%d", time.Now().Unix()),
		ExpiresAt: time.Now().Add(72 * time.Hour),
	}, nil
}

func syntheticItemID(n uint64) string {
	return "ITEM" + strconv.FormatUint(n, 36)
}

// fnv64 returns a simple 64-bit hash for deterministic mock data.
func fnv64(s string) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	var h uint64 = offset64
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}
