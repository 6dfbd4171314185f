package store

import (
	"context"
	"encoding/csv"
	"io"
	"strings"
	"time"

	"github.com/kac/caldb/internal/model"
)

// CSVHeader is the first row of every exported file.
var CSVHeader = []string{"Summary", "Start Time", "End Time", "Description", "Location", "Link"}

// CSVSink exports records to a CSV file. Each committed batch with at least
// one record replaces the file.
type CSVSink struct {
	Path string
}

// NewCSVSink creates a CSVSink writing to path.
func NewCSVSink(path string) *CSVSink {
	return &CSVSink{Path: path}
}

// Begin starts a batch that is written out on Commit.
func (s *CSVSink) Begin(ctx context.Context) (Batch, error) {
	return newFileBatch(s.Path, writeCSV), nil
}

func writeCSV(w io.Writer, records []model.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{
			r.Summary,
			csvTime(r.Start, r.AllDay),
			csvTime(r.End, r.AllDay),
			flattenLines(r.Description),
			r.Location,
			r.HTMLLink,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// csvTime renders timed records in UTC; the source offset is not kept on a
// record.
func csvTime(t time.Time, allDay bool) string {
	if allDay {
		return t.UTC().Format("2006-01-02") + " (All Day)"
	}
	return t.UTC().Format(time.RFC3339)
}

var lineBreaks = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

func flattenLines(s string) string {
	return lineBreaks.Replace(s)
}
