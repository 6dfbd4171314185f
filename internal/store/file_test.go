package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/go-sql-driver/mysql"
)

func TestCSVSink_WritesHeaderAndRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.csv")
	sink := NewCSVSink(path)

	timed := sampleRecord("timed")
	timed.Description = "line one\nline two\r\nline three"
	allDay := sampleRecord("holiday")
	allDay.Summary = "Holiday"
	allDay.AllDay = true
	allDay.Start = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	allDay.End = time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)

	upsertAll(t, sink, timed, allDay)

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open CSV: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("Failed to parse CSV: %v", err)
	}

	if len(rows) != 3 {
		t.Fatalf("Expected header and 2 rows, got %d rows", len(rows))
	}
	if strings.Join(rows[0], ",") != "Summary,Start Time,End Time,Description,Location,Link" {
		t.Errorf("Unexpected header: %v", rows[0])
	}
	if rows[1][1] != "2025-03-01T01:00:00Z" {
		t.Errorf("Expected RFC3339 start time, got '%s'", rows[1][1])
	}
	if rows[1][3] != "line one line two line three" {
		t.Errorf("Expected flattened description, got '%s'", rows[1][3])
	}
	if rows[2][1] != "2025-03-01 (All Day)" || rows[2][2] != "2025-03-02 (All Day)" {
		t.Errorf("Expected all-day rendering, got '%s' and '%s'", rows[2][1], rows[2][2])
	}
}

func TestCSVSink_DuplicateIDsWithinBatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.csv")

	first := sampleRecord("evt-1")
	second := sampleRecord("evt-1")
	second.Summary = "Renamed"
	upsertAll(t, NewCSVSink(path), first, second)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read CSV: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected one row per id, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[1], "Renamed,") {
		t.Errorf("Expected the later upsert to win, got %q", lines[1])
	}
}

func TestCSVSink_CloseWithoutCommitLeavesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.csv")
	if err := os.WriteFile(path, []byte("previous\n"), 0644); err != nil {
		t.Fatalf("Failed to seed CSV: %v", err)
	}

	ctx := context.Background()
	batch, err := NewCSVSink(path).Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() returned an error: %v", err)
	}
	if err := batch.Upsert(ctx, sampleRecord("evt-1")); err != nil {
		t.Fatalf("Upsert() returned an error: %v", err)
	}
	batch.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read CSV: %v", err)
	}
	if string(data) != "previous\n" {
		t.Errorf("Expected file untouched without commit, got %q", data)
	}
}

func TestFileSinks_EmptyCommitLeavesFile(t *testing.T) {
	dir := t.TempDir()
	sinks := map[string]Sink{
		"csv": NewCSVSink(filepath.Join(dir, "events.csv")),
		"ics": NewICSSink(filepath.Join(dir, "events.ics")),
	}
	for name, sink := range sinks {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, "events."+name)
			if err := os.WriteFile(path, []byte("previous\n"), 0644); err != nil {
				t.Fatalf("Failed to seed file: %v", err)
			}

			batch, err := sink.Begin(context.Background())
			if err != nil {
				t.Fatalf("Begin() returned an error: %v", err)
			}
			defer batch.Close()
			if err := batch.Commit(); err != nil {
				t.Fatalf("Commit() returned an error: %v", err)
			}

			data, err := os.ReadFile(path)
			if err != nil {
				t.Fatalf("Failed to read file: %v", err)
			}
			if string(data) != "previous\n" {
				t.Errorf("Expected file untouched after an empty commit, got %q", data)
			}
		})
	}
}

func TestCSVSink_EmptyCommitCreatesNoFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.csv")
	batch, err := NewCSVSink(path).Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin() returned an error: %v", err)
	}
	defer batch.Close()
	if err := batch.Commit(); err != nil {
		t.Fatalf("Commit() returned an error: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("Expected no file for an empty window, got %v", err)
	}
}

func TestICSSink_WritesEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ics")

	allDay := sampleRecord("holiday")
	allDay.AllDay = true
	allDay.Start = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	allDay.End = time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)
	upsertAll(t, NewICSSink(path), sampleRecord("timed"), allDay)

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open ICS: %v", err)
	}
	defer f.Close()
	cal, err := ical.NewDecoder(f).Decode()
	if err != nil {
		t.Fatalf("Failed to decode ICS: %v", err)
	}

	events := cal.Events()
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}

	byUID := map[string]ical.Event{}
	for _, ev := range events {
		uid, err := ev.Props.Text(ical.PropUID)
		if err != nil {
			t.Fatalf("Failed to read UID: %v", err)
		}
		byUID[uid] = ev
	}

	dtstart := byUID["holiday"].Props.Get(ical.PropDateTimeStart)
	if dtstart == nil || dtstart.ValueType() != ical.ValueDate || dtstart.Value != "20250301" {
		t.Errorf("Expected all-day DTSTART as DATE 20250301, got %+v", dtstart)
	}

	timed := byUID["timed"]
	start, err := timed.DateTimeStart(time.UTC)
	if err != nil {
		t.Fatalf("Failed to read DTSTART: %v", err)
	}
	if !start.Equal(time.Date(2025, 3, 1, 1, 0, 0, 0, time.UTC)) {
		t.Errorf("Expected timed start 2025-03-01T01:00:00Z, got %v", start)
	}
	summary, _ := byUID["timed"].Props.Text(ical.PropSummary)
	if summary != "Board meeting" {
		t.Errorf("Expected summary 'Board meeting', got '%s'", summary)
	}
}

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"bad conn", driver.ErrBadConn, true},
		{"conn done", fmt.Errorf("upsert: %w", sql.ErrConnDone), true},
		{"tx done", sql.ErrTxDone, true},
		{"mysql invalid conn", mysql.ErrInvalidConn, true},
		{"constraint", errors.New("NOT NULL constraint failed: events.start_time"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConnectionError(tt.err); got != tt.want {
				t.Errorf("IsConnectionError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestSQLTime_Scan(t *testing.T) {
	want := time.Date(2025, 3, 1, 1, 0, 0, 0, time.UTC)
	jst := time.FixedZone("JST", 9*60*60)

	for _, src := range []any{"2025-03-01 01:00:00", []byte("2025-03-01T01:00:00Z"), want.In(jst), "2025-03-01T10:00:00+09:00"} {
		var st sqlTime
		if err := st.Scan(src); err != nil {
			t.Errorf("Scan(%v) returned an error: %v", src, err)
			continue
		}
		if !st.Time.Equal(want) || st.Time.Location() != time.UTC {
			t.Errorf("Scan(%v) = %v, want %v in UTC", src, st.Time, want)
		}
	}

	var null sqlTime
	if err := null.Scan(nil); err != nil || !null.Time.IsZero() {
		t.Errorf("Expected NULL to scan as zero time, got %v, %v", null.Time, err)
	}
	if err := null.Scan("not a time"); err == nil {
		t.Error("Expected an error for an unparsable value")
	}
}
