package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestWebhookNotifierPostsSummary(t *testing.T) {
	var got CycleSummary
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content-type = %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := newWebhookNotifier(srv.URL)
	s := CycleSummary{
		Kind:     "poll",
		AuthorID: 9,
		Started:  time.Now().UTC(),
		Accepted: 4,
		CursorID: 1234,
	}
	if err := n.Notify(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	if got.AuthorID != 9 || got.Accepted != 4 || got.CursorID != 1234 {
		t.Fatalf("received = %+v", got)
	}
}

func TestWebhookNotifierRejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	n := newWebhookNotifier(srv.URL)
	if err := n.Notify(context.Background(), CycleSummary{Kind: "poll", Accepted: 1}); err == nil {
		t.Fatal("5xx must surface as an error")
	}
}
