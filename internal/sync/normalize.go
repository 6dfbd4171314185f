package sync

import (
	"errors"
	"fmt"
	"time"
	_ "time/tzdata" // events may name any IANA zone

	"github.com/kac/caldb/internal/model"

	"google.golang.org/api/calendar/v3"
)

// DefaultSummary replaces an empty event title.
const DefaultSummary = "No Title"

// ErrMissingTime means an event time has neither a date nor a dateTime.
var ErrMissingTime = errors.New("no date or dateTime")

// Instant is a normalized event boundary.
type Instant struct {
	Time   time.Time // always UTC
	AllDay bool
}

// Normalize converts an event boundary to a UTC instant.
//   - dateTime with an offset is converted to UTC.
//   - dateTime without an offset is read in the boundary's timeZone.
//   - a bare date becomes midnight UTC of that date and is flagged AllDay.
func Normalize(dt *calendar.EventDateTime) (Instant, error) {
	if dt == nil {
		return Instant{}, ErrMissingTime
	}

	if dt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		if err == nil {
			return Instant{Time: t.UTC()}, nil
		}
		if dt.TimeZone != "" {
			if loc, locErr := time.LoadLocation(dt.TimeZone); locErr == nil {
				if local, parseErr := time.ParseInLocation("2006-01-02T15:04:05", dt.DateTime, loc); parseErr == nil {
					return Instant{Time: local.UTC()}, nil
				}
			}
		}
		return Instant{}, fmt.Errorf("invalid dateTime %q: %w", dt.DateTime, err)
	}

	if dt.Date != "" {
		d, err := time.Parse(time.DateOnly, dt.Date)
		if err != nil {
			return Instant{}, fmt.Errorf("invalid date %q: %w", dt.Date, err)
		}
		return Instant{Time: d.UTC(), AllDay: true}, nil
	}

	return Instant{}, ErrMissingTime
}

// NormalizeEvent maps a remote event to the record stored by sinks.
func NormalizeEvent(event *calendar.Event) (model.Record, error) {
	if event == nil || event.Id == "" {
		return model.Record{}, errors.New("event has no id")
	}

	start, err := Normalize(event.Start)
	if err != nil {
		return model.Record{}, fmt.Errorf("start: %w", err)
	}
	end, err := Normalize(event.End)
	if err != nil {
		return model.Record{}, fmt.Errorf("end: %w", err)
	}

	summary := event.Summary
	if summary == "" {
		summary = DefaultSummary
	}

	return model.Record{
		ID:          event.Id,
		Summary:     summary,
		Description: event.Description,
		Location:    event.Location,
		Start:       start.Time,
		End:         end.Time,
		AllDay:      start.AllDay,
		HTMLLink:    event.HtmlLink,
		Status:      event.Status,
		CreatedAt:   parseTimestamp(event.Created),
		UpdatedAt:   parseTimestamp(event.Updated),
	}, nil
}

// parseTimestamp reads the API's created/updated fields. They are
// informational, so a bad value is dropped rather than failing the record.
func parseTimestamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
