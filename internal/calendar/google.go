package calendar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"net/http"
	"time"

	"github.com/kac/caldb/internal/logging"

	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// MaxPageSize is the largest maxResults the Calendar API accepts per request.
const MaxPageSize = 2500

// DefaultCalendarID selects the authenticated user's primary calendar.
const DefaultCalendarID = "primary"

// Query selects the events to fetch.
type Query struct {
	CalendarID string
	// TimeMin and TimeMax bound the window. Zero values leave that side open.
	TimeMin time.Time
	TimeMax time.Time
	// MaxTotal caps the number of events yielded. Zero means no cap.
	MaxTotal int
	// PageSize is the per-request limit, clamped to MaxPageSize.
	PageSize int
}

// Client is a wrapper around the Google Calendar API service.
type Client struct {
	service  *calendar.Service
	retries  int
	backoff  gax.Backoff
	endpoint string
	log      *logging.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithRetries sets how many times a failed page request is retried.
func WithRetries(n int) Option {
	return func(c *Client) { c.retries = n }
}

// WithBackoff replaces the delay policy between retries.
func WithBackoff(b gax.Backoff) Option {
	return func(c *Client) { c.backoff = b }
}

// WithEndpoint points the client at a different API root.
func WithEndpoint(url string) Option {
	return func(c *Client) { c.endpoint = url }
}

// WithLogger sets the logger used for retry warnings.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.log = l }
}

// NewClient creates a new Google Calendar API client using the provided HTTP client.
func NewClient(ctx context.Context, httpClient *http.Client, opts ...Option) (*Client, error) {
	c := &Client{
		retries: 3,
		backoff: gax.Backoff{
			Initial:    500 * time.Millisecond,
			Max:        10 * time.Second,
			Multiplier: 2,
		},
		log: logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}

	clientOpts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if c.endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(c.endpoint))
	}
	service, err := calendar.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	c.service = service

	return c, nil
}

// Events returns the events matching q, fetched page by page as the sequence
// is consumed. Recurring events are expanded into single instances ordered by
// start time. The sequence ends when the API has no further pages or MaxTotal
// events have been yielded. A fetch error is yielded once and ends the
// sequence.
func (c *Client) Events(ctx context.Context, q Query) iter.Seq2[*calendar.Event, error] {
	return func(yield func(*calendar.Event, error) bool) {
		calendarID := q.CalendarID
		if calendarID == "" {
			calendarID = DefaultCalendarID
		}
		pageSize := q.PageSize
		if pageSize <= 0 || pageSize > MaxPageSize {
			pageSize = MaxPageSize
		}

		fetched := 0
		pageToken := ""
		for {
			want := pageSize
			if q.MaxTotal > 0 {
				remaining := q.MaxTotal - fetched
				if remaining <= 0 {
					return
				}
				want = min(want, remaining)
			}

			page, err := c.listPage(ctx, calendarID, q, want, pageToken)
			if err != nil {
				yield(nil, err)
				return
			}
			c.log.Debugf("fetched page of %d events from %s", len(page.Items), calendarID)

			for _, event := range page.Items {
				if q.MaxTotal > 0 && fetched >= q.MaxTotal {
					return
				}
				fetched++
				if !yield(event, nil) {
					return
				}
			}

			if page.NextPageToken == "" {
				return
			}
			pageToken = page.NextPageToken
		}
	}
}

// ListEvents collects Events into a slice.
func (c *Client) ListEvents(ctx context.Context, q Query) ([]*calendar.Event, error) {
	var events []*calendar.Event
	for event, err := range c.Events(ctx, q) {
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

// listPage requests a single page, retrying transient failures.
func (c *Client) listPage(ctx context.Context, calendarID string, q Query, maxResults int, pageToken string) (*calendar.Events, error) {
	backoff := c.backoff
	for attempt := 0; ; attempt++ {
		call := c.service.Events.List(calendarID).
			SingleEvents(true). // Expand recurring events
			OrderBy("startTime").
			MaxResults(int64(maxResults)).
			Context(ctx)
		if !q.TimeMin.IsZero() {
			call = call.TimeMin(q.TimeMin.UTC().Format(time.RFC3339))
		}
		if !q.TimeMax.IsZero() {
			call = call.TimeMax(q.TimeMax.UTC().Format(time.RFC3339))
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		page, err := call.Do()
		if err == nil {
			return page, nil
		}
		if attempt >= c.retries || ctx.Err() != nil || !isTransient(err) {
			return nil, fmt.Errorf("failed to list events: %w", err)
		}

		delay := backoff.Pause()
		c.log.Warnf("listing events failed (attempt %d of %d), retrying in %s: %v", attempt+1, c.retries+1, delay, err)
		if err := gax.Sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("failed to list events: %w", err)
		}
	}
}

// isTransient reports whether a failed request is worth repeating.
func isTransient(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= http.StatusInternalServerError
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}
