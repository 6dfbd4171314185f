package store

import (
	"context"
	"io"
	"strings"

	"github.com/kac/caldb/internal/model"

	"github.com/emersion/go-ical"
)

const icsProductID = "-//caldb//Calendar Export//EN"

// ICSSink exports records as an iCalendar file. All-day records are written
// with DATE values. Each committed batch with at least one record replaces the
// file.
type ICSSink struct {
	Path string
}

// NewICSSink creates an ICSSink writing to path.
func NewICSSink(path string) *ICSSink {
	return &ICSSink{Path: path}
}

// Begin starts a batch that is written out on Commit.
func (s *ICSSink) Begin(ctx context.Context) (Batch, error) {
	return newFileBatch(s.Path, writeICS), nil
}

func writeICS(w io.Writer, records []model.Record) error {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, icsProductID)

	for _, r := range records {
		cal.Children = append(cal.Children, recordToVEvent(r))
	}

	return ical.NewEncoder(w).Encode(cal)
}

func recordToVEvent(r model.Record) *ical.Component {
	vevent := ical.NewComponent(ical.CompEvent)
	vevent.Props.SetText(ical.PropUID, r.ID)
	vevent.Props.SetDateTime(ical.PropDateTimeStamp, r.LastSynced.UTC())

	if r.AllDay {
		dtstart := ical.NewProp(ical.PropDateTimeStart)
		dtstart.SetDate(r.Start.UTC())
		vevent.Props.Set(dtstart)

		dtend := ical.NewProp(ical.PropDateTimeEnd)
		dtend.SetDate(r.End.UTC())
		vevent.Props.Set(dtend)
	} else {
		vevent.Props.SetDateTime(ical.PropDateTimeStart, r.Start.UTC())
		vevent.Props.SetDateTime(ical.PropDateTimeEnd, r.End.UTC())
	}

	if r.Summary != "" {
		vevent.Props.SetText(ical.PropSummary, r.Summary)
	}
	if r.Description != "" {
		vevent.Props.SetText(ical.PropDescription, r.Description)
	}
	if r.Location != "" {
		vevent.Props.SetText(ical.PropLocation, r.Location)
	}
	if r.Status != "" {
		vevent.Props.SetText(ical.PropStatus, strings.ToUpper(r.Status))
	}
	if r.HTMLLink != "" {
		link := ical.NewProp(ical.PropURL)
		link.SetValueType(ical.ValueURI)
		link.Value = r.HTMLLink
		vevent.Props.Set(link)
	}
	if !r.CreatedAt.IsZero() {
		vevent.Props.SetDateTime(ical.PropCreated, r.CreatedAt.UTC())
	}
	if !r.UpdatedAt.IsZero() {
		vevent.Props.SetDateTime(ical.PropLastModified, r.UpdatedAt.UTC())
	}

	return vevent
}
