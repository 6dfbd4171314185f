package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/googleapi"
)

// fakeCalendarAPI serves events.list from a fixed list of events, honouring
// maxResults and pageToken, and records every request it sees.
type fakeCalendarAPI struct {
	mu       sync.Mutex
	total    int
	failures []int // status codes returned before the first success
	requests []url.Values
}

func (f *fakeCalendarAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !strings.HasSuffix(r.URL.Path, "/events") {
		http.NotFound(w, r)
		return
	}
	f.requests = append(f.requests, r.URL.Query())

	w.Header().Set("Content-Type", "application/json")
	if len(f.failures) > 0 {
		status := f.failures[0]
		f.failures = f.failures[1:]
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"error":{"code":%d,"message":"backend error"}}`, status)
		return
	}

	query := r.URL.Query()
	offset, _ := strconv.Atoi(query.Get("pageToken"))
	limit, _ := strconv.Atoi(query.Get("maxResults"))
	if limit <= 0 {
		limit = 250
	}

	end := min(offset+limit, f.total)
	items := []map[string]any{}
	for i := offset; i < end; i++ {
		items = append(items, map[string]any{
			"id":      fmt.Sprintf("event-%d", i),
			"summary": fmt.Sprintf("Event %d", i),
			"start":   map[string]string{"dateTime": "2025-03-01T10:00:00+09:00"},
			"end":     map[string]string{"dateTime": "2025-03-01T11:00:00+09:00"},
		})
	}

	body := map[string]any{"items": items}
	if end < f.total {
		body["nextPageToken"] = strconv.Itoa(end)
	}
	json.NewEncoder(w).Encode(body)
}

func (f *fakeCalendarAPI) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func newTestClient(t *testing.T, api *fakeCalendarAPI, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	opts = append([]Option{
		WithEndpoint(srv.URL + "/"),
		WithBackoff(gax.Backoff{Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1}),
	}, opts...)
	client, err := NewClient(context.Background(), srv.Client(), opts...)
	if err != nil {
		t.Fatalf("NewClient() returned an error: %v", err)
	}
	return client
}

func TestEvents_PaginatesUntilNoToken(t *testing.T) {
	api := &fakeCalendarAPI{total: 7}
	client := newTestClient(t, api)

	events, err := client.ListEvents(context.Background(), Query{PageSize: 3})
	if err != nil {
		t.Fatalf("ListEvents() returned an error: %v", err)
	}
	if len(events) != 7 {
		t.Fatalf("Expected 7 events, got %d", len(events))
	}
	if events[6].Id != "event-6" {
		t.Errorf("Expected last event to be 'event-6', got '%s'", events[6].Id)
	}
	if got := api.requestCount(); got != 3 {
		t.Errorf("Expected 3 page requests, got %d", got)
	}
	if api.requests[1].Get("pageToken") != "3" {
		t.Errorf("Expected second request to carry the continuation token, got '%s'", api.requests[1].Get("pageToken"))
	}
}

func TestEvents_RequestParameters(t *testing.T) {
	api := &fakeCalendarAPI{total: 1}
	client := newTestClient(t, api)

	timeMin := time.Date(2025, 3, 1, 9, 0, 0, 0, time.FixedZone("JST", 9*60*60))
	timeMax := timeMin.AddDate(0, 0, 7)
	if _, err := client.ListEvents(context.Background(), Query{TimeMin: timeMin, TimeMax: timeMax}); err != nil {
		t.Fatalf("ListEvents() returned an error: %v", err)
	}

	query := api.requests[0]
	if query.Get("singleEvents") != "true" {
		t.Errorf("Expected singleEvents=true, got '%s'", query.Get("singleEvents"))
	}
	if query.Get("orderBy") != "startTime" {
		t.Errorf("Expected orderBy=startTime, got '%s'", query.Get("orderBy"))
	}
	if query.Get("timeMin") != "2025-03-01T00:00:00Z" {
		t.Errorf("Expected timeMin in UTC, got '%s'", query.Get("timeMin"))
	}
	if query.Get("timeMax") != "2025-03-08T00:00:00Z" {
		t.Errorf("Expected timeMax in UTC, got '%s'", query.Get("timeMax"))
	}
	if query.Get("maxResults") != "2500" {
		t.Errorf("Expected page size to default to 2500, got '%s'", query.Get("maxResults"))
	}
}

func TestEvents_EnforcesMaxTotal(t *testing.T) {
	api := &fakeCalendarAPI{total: 1000}
	client := newTestClient(t, api)

	events, err := client.ListEvents(context.Background(), Query{MaxTotal: 250, PageSize: 100})
	if err != nil {
		t.Fatalf("ListEvents() returned an error: %v", err)
	}
	if len(events) != 250 {
		t.Fatalf("Expected 250 events, got %d", len(events))
	}

	// 100 + 100 + 50: the last request shrinks to what is still allowed.
	if got := api.requestCount(); got != 3 {
		t.Fatalf("Expected 3 page requests, got %d", got)
	}
	if api.requests[2].Get("maxResults") != "50" {
		t.Errorf("Expected final request for 50 events, got '%s'", api.requests[2].Get("maxResults"))
	}
}

func TestEvents_ClampsPageSize(t *testing.T) {
	api := &fakeCalendarAPI{total: 1}
	client := newTestClient(t, api)

	if _, err := client.ListEvents(context.Background(), Query{PageSize: 10000}); err != nil {
		t.Fatalf("ListEvents() returned an error: %v", err)
	}
	if api.requests[0].Get("maxResults") != strconv.Itoa(MaxPageSize) {
		t.Errorf("Expected maxResults clamped to %d, got '%s'", MaxPageSize, api.requests[0].Get("maxResults"))
	}
}

func TestEvents_StopsWhenConsumerStops(t *testing.T) {
	api := &fakeCalendarAPI{total: 10}
	client := newTestClient(t, api)

	count := 0
	for _, err := range client.Events(context.Background(), Query{PageSize: 2}) {
		if err != nil {
			t.Fatalf("Events() yielded an error: %v", err)
		}
		count++
		if count == 3 {
			break
		}
	}
	if got := api.requestCount(); got != 2 {
		t.Errorf("Expected 2 page requests after consuming 3 events, got %d", got)
	}
}

func TestEvents_RetriesTransientErrors(t *testing.T) {
	api := &fakeCalendarAPI{total: 2, failures: []int{http.StatusServiceUnavailable, http.StatusTooManyRequests}}
	client := newTestClient(t, api, WithRetries(3))

	events, err := client.ListEvents(context.Background(), Query{})
	if err != nil {
		t.Fatalf("ListEvents() returned an error: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("Expected 2 events after retrying, got %d", len(events))
	}
}

func TestEvents_GivesUpAfterRetries(t *testing.T) {
	api := &fakeCalendarAPI{total: 2, failures: []int{503, 503, 503, 503, 503, 503, 503, 503}}
	client := newTestClient(t, api, WithRetries(1))

	_, err := client.ListEvents(context.Background(), Query{})
	if err == nil {
		t.Fatal("Expected an error after exhausting retries")
	}
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) || apiErr.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected a 503 googleapi.Error, got %v", err)
	}
}

func TestEvents_DoesNotRetryClientErrors(t *testing.T) {
	api := &fakeCalendarAPI{total: 2, failures: []int{http.StatusNotFound}}
	client := newTestClient(t, api, WithRetries(3))

	_, err := client.ListEvents(context.Background(), Query{CalendarID: "missing@example.com"})
	if err == nil {
		t.Fatal("Expected an error for a missing calendar")
	}
	if got := api.requestCount(); got != 1 {
		t.Errorf("Expected a single request, got %d", got)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&googleapi.Error{Code: 500}, true},
		{&googleapi.Error{Code: 429}, true},
		{&googleapi.Error{Code: 403}, false},
		{fmt.Errorf("wrapped: %w", &googleapi.Error{Code: 502}), true},
		{errors.New("boom"), false},
	}
	for _, tt := range tests {
		if got := isTransient(tt.err); got != tt.want {
			t.Errorf("isTransient(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
