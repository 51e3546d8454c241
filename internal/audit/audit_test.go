package audit

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestLogger(t *testing.T, hub *Hub) *Logger {
	t.Helper()
	l, err := NewLogger(filepath.Join(t.TempDir(), "audit.db"), hub)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestRecordFlushQuery(t *testing.T) {
	l := newTestLogger(t, nil)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	l.Record(Event{Timestamp: base, RequestID: "r1", Node: "cf", Operation: "get_zone", Status: "success", StatusCode: 200, DurationMs: 120})
	l.Record(Event{Timestamp: base.Add(time.Second), RequestID: "r2", Node: "cf", Operation: "get_zone", Status: "success", FromCache: true})
	l.Record(Event{Timestamp: base.Add(2 * time.Second), RequestID: "r3", Node: "cf", Operation: "list_zones", Status: "error", ErrorKind: "rate_limit", StatusCode: 429, RateLimited: true})
	l.Record(Event{Timestamp: base.Add(3 * time.Second), RequestID: "r4", Node: "stripe", Operation: "get_customer", Status: "error", ErrorKind: "http", StatusCode: 500, Retries: 2, DurationMs: 300})

	ctx := context.Background()
	if events, _ := l.Query(ctx, QueryOptions{}); len(events) != 0 {
		t.Fatalf("expected nothing before flush, got %d", len(events))
	}
	if err := l.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	events, err := l.Query(ctx, QueryOptions{Node: "cf"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 cf events, got %d", len(events))
	}
	if events[0].RequestID != "r3" || !events[0].RateLimited || events[0].StatusCode != 429 {
		t.Fatalf("expected newest first, got %+v", events[0])
	}
	if !events[0].Timestamp.Equal(base.Add(2 * time.Second)) {
		t.Fatalf("timestamp round trip: got %s", events[0].Timestamp)
	}

	events, err = l.Query(ctx, QueryOptions{Status: "error", ErrorKind: "http"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 || events[0].Node != "stripe" || events[0].Retries != 2 {
		t.Fatalf("unexpected filtered events %+v", events)
	}

	events, _ = l.Query(ctx, QueryOptions{Since: base.Add(time.Second), Limit: 2})
	if len(events) != 2 {
		t.Fatalf("expected limit 2, got %d", len(events))
	}
}

func TestGetStats(t *testing.T) {
	l := newTestLogger(t, nil)
	l.Record(Event{RequestID: "a", Node: "cf", Operation: "get_zone", Status: "success", DurationMs: 100})
	l.Record(Event{RequestID: "b", Node: "cf", Operation: "get_zone", Status: "success", FromCache: true})
	l.Record(Event{RequestID: "c", Node: "cf", Operation: "get_zone", Status: "error", RateLimited: true, DurationMs: 200})
	if err := l.Flush(); err != nil {
		t.Fatal(err)
	}

	stats, err := l.GetStats(context.Background(), "cf", time.Time{})
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.TotalRequests != 3 || stats.SuccessfulRequests != 2 || stats.FailedRequests != 1 {
		t.Fatalf("unexpected counts %+v", stats)
	}
	if stats.CacheHits != 1 || stats.RateLimited != 1 || stats.MaxDurationMs != 200 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.AvgDurationMs != 100 {
		t.Fatalf("expected avg 100ms, got %v", stats.AvgDurationMs)
	}

	empty, err := l.GetStats(context.Background(), "nobody", time.Time{})
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if empty.TotalRequests != 0 || empty.ErrorRate != 0 {
		t.Fatalf("expected empty stats, got %+v", empty)
	}
}

func TestCloseFlushes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	l, err := NewLogger(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	l.Record(Event{RequestID: "x", Node: "n", Operation: "op", Status: "success"})
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	reopened, err := NewLogger(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	events, err := reopened.Query(context.Background(), QueryOptions{})
	if err != nil || len(events) != 1 {
		t.Fatalf("expected the buffered event on disk, got %d (%v)", len(events), err)
	}
}

func TestHubPublish(t *testing.T) {
	hub := NewHub()
	l := newTestLogger(t, hub)
	sub := hub.Subscribe(Filter{})

	l.Record(Event{RequestID: "live", Node: "cf", Operation: "get_zone", Status: "success"})
	select {
	case ev := <-sub.Events():
		if ev.RequestID != "live" || ev.Timestamp.IsZero() {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}

	hub.Unsubscribe(sub)
	hub.Unsubscribe(sub)
	if _, ok := <-sub.Events(); ok {
		t.Fatal("channel should be closed after Unsubscribe")
	}
	if hub.Subscribers() != 0 {
		t.Fatal("expected no subscribers")
	}
}

func TestHubFilters(t *testing.T) {
	hub := NewHub()
	cfErrors := hub.Subscribe(Filter{Node: "cf", Status: "error"})
	zones := hub.Subscribe(Filter{Operation: "list_zones"})

	hub.Publish(Event{RequestID: "1", Node: "cf", Operation: "get_zone", Status: "success"})
	hub.Publish(Event{RequestID: "2", Node: "cf", Operation: "list_zones", Status: "error"})
	hub.Publish(Event{RequestID: "3", Node: "acuity", Operation: "list_zones", Status: "error"})

	tests := []struct {
		name string
		sub  *Subscription
		want string
	}{
		{"node and status", cfErrors, "2"},
		{"operation", zones, "2,3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for len(tt.sub.Events()) > 0 {
				got = append(got, (<-tt.sub.Events()).RequestID)
			}
			if strings.Join(got, ",") != tt.want {
				t.Fatalf("expected %s, got %v", tt.want, got)
			}
		})
	}
}

func TestHubCountsDroppedEvents(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe(Filter{Node: "n"})
	for i := 0; i < 100; i++ {
		hub.Publish(Event{Node: "n"})
		hub.Publish(Event{Node: "other"})
	}
	if len(sub.Events()) != feedBuffer {
		t.Fatalf("expected buffer of %d, got %d", feedBuffer, len(sub.Events()))
	}
	if got := sub.Dropped(); got != 100-feedBuffer {
		t.Fatalf("expected %d dropped, got %d", 100-feedBuffer, got)
	}
}
