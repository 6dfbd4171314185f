package sync

import (
	"context"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	calclient "github.com/kac/caldb/internal/calendar"
	"github.com/kac/caldb/internal/logging"
	"github.com/kac/caldb/internal/model"
	"github.com/kac/caldb/internal/store"

	"google.golang.org/api/calendar/v3"
)

// Phase is the state of a sync pass.
type Phase int32

const (
	PhaseUnauthenticated Phase = iota
	PhaseAuthenticating
	PhaseAuthenticated
	PhaseFetching
	PhaseNormalizing
	PhasePersisting
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseUnauthenticated:
		return "UNAUTHENTICATED"
	case PhaseAuthenticating:
		return "AUTHENTICATING"
	case PhaseAuthenticated:
		return "AUTHENTICATED"
	case PhaseFetching:
		return "FETCHING"
	case PhaseNormalizing:
		return "NORMALIZING"
	case PhasePersisting:
		return "PERSISTING"
	case PhaseDone:
		return "DONE"
	case PhaseFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("Phase(%d)", int32(p))
	}
}

// EventSource yields the remote events matching a query.
type EventSource interface {
	Events(ctx context.Context, q calclient.Query) iter.Seq2[*calendar.Event, error]
}

// Connector authenticates and returns a source bound to that session.
type Connector func(ctx context.Context) (EventSource, error)

// Options selects what one pass fetches.
type Options struct {
	CalendarID string
	TimeMin    time.Time
	TimeMax    time.Time
	MaxTotal   int
	PageSize   int
}

// Result summarizes a pass.
type Result struct {
	Fetched int
	Synced  int
	Skipped int
}

// Engine runs sync passes from one calendar into one sink.
type Engine struct {
	connect Connector
	sink    store.Sink
	log     *logging.Logger
	phase   atomic.Int32
}

// NewEngine creates an Engine.
func NewEngine(connect Connector, sink store.Sink, log *logging.Logger) *Engine {
	if log == nil {
		log = logging.Discard()
	}
	return &Engine{connect: connect, sink: sink, log: log}
}

// Phase returns the state of the current or last pass.
func (e *Engine) Phase() Phase {
	return Phase(e.phase.Load())
}

func (e *Engine) setPhase(p Phase) {
	e.phase.Store(int32(p))
	e.log.Debugf("sync phase: %s", p)
}

// Run performs one pass: authenticate, fetch every page, normalize, upsert
// and commit once. Records that fail to normalize or upsert are logged and
// skipped. Authentication, fetch, commit and connection-level storage errors
// abort the pass and nothing from it is committed.
func (e *Engine) Run(ctx context.Context, opts Options) (Result, error) {
	var res Result
	e.setPhase(PhaseUnauthenticated)

	e.setPhase(PhaseAuthenticating)
	source, err := e.connect(ctx)
	if err != nil {
		e.setPhase(PhaseFailed)
		return res, fmt.Errorf("authenticate: %w", err)
	}
	e.setPhase(PhaseAuthenticated)

	e.setPhase(PhaseFetching)
	events, err := e.fetch(ctx, source, opts)
	if err != nil {
		e.setPhase(PhaseFailed)
		return res, fmt.Errorf("fetch events: %w", err)
	}
	res.Fetched = len(events)
	e.log.Infof("Fetched %d events", res.Fetched)

	e.setPhase(PhaseNormalizing)
	records := make([]model.Record, 0, len(events))
	for _, event := range events {
		record, err := NormalizeEvent(event)
		if err != nil {
			e.log.Warnf("skipping event %s: %v", event.Id, err)
			res.Skipped++
			continue
		}
		records = append(records, record)
	}

	e.setPhase(PhasePersisting)
	if err := e.persist(ctx, records, &res); err != nil {
		e.setPhase(PhaseFailed)
		res.Synced = 0
		return res, err
	}

	e.setPhase(PhaseDone)
	e.log.Infof("%d events synced", res.Synced)
	return res, nil
}

func (e *Engine) fetch(ctx context.Context, source EventSource, opts Options) ([]*calendar.Event, error) {
	query := calclient.Query{
		CalendarID: opts.CalendarID,
		TimeMin:    opts.TimeMin,
		TimeMax:    opts.TimeMax,
		MaxTotal:   opts.MaxTotal,
		PageSize:   opts.PageSize,
	}

	var events []*calendar.Event
	for event, err := range source.Events(ctx, query) {
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

func (e *Engine) persist(ctx context.Context, records []model.Record, res *Result) error {
	batch, err := e.sink.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer func() {
		if err := batch.Close(); err != nil {
			e.log.Warnf("closing batch: %v", err)
		}
	}()

	for _, record := range records {
		if err := batch.Upsert(ctx, record); err != nil {
			if store.IsConnectionError(err) || ctx.Err() != nil {
				return fmt.Errorf("persist events: %w", err)
			}
			e.log.Warnf("skipping event %s: %v", record.ID, err)
			res.Skipped++
			continue
		}
		res.Synced++
	}

	if err := batch.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}
