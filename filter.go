package main

import (
	"strings"

	"creator-tracker-template/adapters"
)

// CanonicalItem is the resolved, durable unit of work. Immutable after
// creation; post-filter acceptance is recorded by the caller, not on the item.
type CanonicalItem struct {
	ItemID      string
	NumericID   uint64
	PublishedAt int64
	Title       string
	Description string
	TagString   string
	CoverURL    string
	CategoryID  int
	OwnerID     uint64
}

func itemFromDetail(d adapters.ItemDetail) *CanonicalItem {
	return &CanonicalItem{
		ItemID:      d.ItemID,
		NumericID:   d.NumericID,
		PublishedAt: d.PublishedAt,
		Title:       d.Title,
		Description: d.Description,
		TagString:   d.TagString,
		CoverURL:    d.CoverURL,
		CategoryID:  d.CategoryID,
		OwnerID:     d.OwnerID,
	}
}

// ───────── Content filter ─────────

// ContentFilter is a stateless predicate over an item's text fields and
// category id. Matching is case-insensitive substring over title, description
// and tags.
type ContentFilter struct {
	whitelist  []string         // if non-empty, at least one must match
	blacklist  []string         // any match rejects
	categories map[int]struct{} // if non-empty, category must be in the set
}

func NewContentFilter(whitelist, blacklist []string, categories []int) *ContentFilter {
	f := &ContentFilter{}
	for _, w := range whitelist {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			f.whitelist = append(f.whitelist, w)
		}
	}
	for _, b := range blacklist {
		if b = strings.ToLower(strings.TrimSpace(b)); b != "" {
			f.blacklist = append(f.blacklist, b)
		}
	}
	if len(categories) > 0 {
		f.categories = make(map[int]struct{}, len(categories))
		for _, c := range categories {
			f.categories[c] = struct{}{}
		}
	}
	return f
}

// Accept reports whether the fields pass the filter; on reject the second
// return names the reason for the audit trail.
func (f *ContentFilter) Accept(title, description, tags string, categoryID int) (bool, string) {
	if f == nil {
		return true, ""
	}
	if f.categories != nil {
		if _, ok := f.categories[categoryID]; !ok {
			return false, "category_not_allowed"
		}
	}
	text := strings.ToLower(title + "\n" + description + "\n" + tags)
	for _, b := range f.blacklist {
		if strings.Contains(text, b) {
			return false, "blacklist:" + b
		}
	}
	if len(f.whitelist) > 0 {
		for _, w := range f.whitelist {
			if strings.Contains(text, w) {
				return true, ""
			}
		}
		return false, "no_whitelist_match"
	}
	return true, ""
}

// AcceptItem applies the filter to a resolved item.
func (f *ContentFilter) AcceptItem(it *CanonicalItem) (bool, string) {
	return f.Accept(it.Title, it.Description, it.TagString, it.CategoryID)
}

// AcceptRelated applies the filter to the inline metadata of a related-list
// entry (no detail fetch involved).
func (f *ContentFilter) AcceptRelated(r adapters.RelatedItem) (bool, string) {
	return f.Accept(r.Title, r.Description, r.TagString, r.CategoryID)
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
