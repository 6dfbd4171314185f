package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/kac/caldb/internal/auth"
	calclient "github.com/kac/caldb/internal/calendar"
	"github.com/kac/caldb/internal/config"
	"github.com/kac/caldb/internal/logging"
	"github.com/kac/caldb/internal/reservation"
	"github.com/kac/caldb/internal/store"
	"github.com/kac/caldb/internal/sync"
	"github.com/kac/caldb/internal/web"

	"github.com/robfig/cron/v3"
)

const shutdownTimeout = 10 * time.Second

func storeOptions(cfg *config.Config, log *logging.Logger) store.Options {
	return store.Options{
		Dialect:  cfg.Sink.Kind,
		Path:     cfg.Sink.Path,
		Host:     cfg.Sink.Host,
		Port:     cfg.Sink.Port,
		User:     cfg.Sink.User,
		Password: cfg.Sink.Password,
		Database: cfg.Sink.Database,
		PoolSize: cfg.PoolSize,
		Logger:   log,
	}
}

// openSink returns the configured sink and a function releasing it.
func openSink(ctx context.Context, cfg *config.Config, log *logging.Logger) (store.Sink, func() error, error) {
	switch cfg.Sink.Kind {
	case config.SinkSQLite, config.SinkMySQL:
		st, err := store.Open(ctx, storeOptions(cfg, log))
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	case config.SinkCSV:
		return store.NewCSVSink(cfg.Sink.Path), func() error { return nil }, nil
	case config.SinkICS:
		return store.NewICSSink(cfg.Sink.Path), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown sink %q", config.ErrInvalid, cfg.Sink.Kind)
	}
}

// newEngine wires authentication and the Calendar client into a sync engine.
// Interactive authorization is only offered when a terminal user is present.
func newEngine(cfg *config.Config, sink store.Sink, log *logging.Logger, interactive bool) *sync.Engine {
	opts := auth.Options{
		ClientSecretPath: cfg.GoogleCredentialsPath,
		HTTPTimeout:      cfg.HTTPTimeout(),
		Logger:           log,
	}
	if interactive {
		opts.Authorizer = &auth.LocalServerAuthorizer{Timeout: cfg.AuthTimeout()}
	}
	manager := auth.NewManager(auth.NewFileStore(cfg.TokenPath), opts)

	connect := func(ctx context.Context) (sync.EventSource, error) {
		httpClient, err := manager.Client(ctx)
		if err != nil {
			return nil, err
		}
		client, err := calclient.NewClient(ctx, httpClient,
			calclient.WithRetries(cfg.FetchRetries),
			calclient.WithLogger(log))
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	return sync.NewEngine(connect, sink, log)
}

// deferredSink opens the wrapped sink on the first Begin and keeps it for
// later passes.
type deferredSink struct {
	open   func(ctx context.Context) (store.Sink, func() error, error)
	sink   store.Sink
	closer func() error
}

func (d *deferredSink) Begin(ctx context.Context) (store.Batch, error) {
	if d.sink == nil {
		sink, closer, err := d.open(ctx)
		if err != nil {
			return nil, fmt.Errorf("open sink: %w", err)
		}
		d.sink, d.closer = sink, closer
	}
	return d.sink.Begin(ctx)
}

// Close releases the sink if it was opened.
func (d *deferredSink) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer()
}

func syncOptions(cfg *config.Config, now time.Time) (sync.Options, error) {
	timeMin, timeMax, err := cfg.Window(now)
	if err != nil {
		return sync.Options{}, err
	}
	return sync.Options{
		CalendarID: cfg.CalendarID,
		TimeMin:    timeMin,
		TimeMax:    timeMax,
		MaxTotal:   cfg.MaxResults,
		PageSize:   cfg.PageSize,
	}, nil
}

func runSync(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	opts, err := syncOptions(cfg, time.Now())
	if err != nil {
		return err
	}

	// The sink is opened by the engine's first Begin, after authentication,
	// so a missing client secret is reported before any database is dialed.
	sink := &deferredSink{open: func(ctx context.Context) (store.Sink, func() error, error) {
		return openSink(ctx, cfg, log)
	}}
	defer sink.Close()

	log.Debugf("Syncing %s from %s to %s into %s", opts.CalendarID,
		opts.TimeMin.Format(time.RFC3339), opts.TimeMax.Format(time.RFC3339), cfg.Sink.Kind)

	_, err = newEngine(cfg, sink, log, true).Run(ctx, opts)
	return err
}

func openDatabase(ctx context.Context, cfg *config.Config, log *logging.Logger) (*store.SQLStore, error) {
	if !cfg.Sink.Relational() {
		return nil, fmt.Errorf("%w: sink %q is not a database, use sqlite or mysql", config.ErrInvalid, cfg.Sink.Kind)
	}
	return store.Open(ctx, storeOptions(cfg, log))
}

func runServe(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	st, err := openDatabase(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	handler := web.NewHandler(reservation.NewRepository(st.DB(), log), st, log)
	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           web.NewRouter(handler, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.SyncSchedule != "" {
		scheduler, err := startScheduler(ctx, cfg, st, log)
		if err != nil {
			return err
		}
		defer func() { <-scheduler.Stop().Done() }()
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("Listening on %s", cfg.Listen)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		log.Infof("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

// startScheduler runs a non-interactive sync pass on cfg.SyncSchedule.
// Overlapping passes are skipped.
func startScheduler(ctx context.Context, cfg *config.Config, sink store.Sink, log *logging.Logger) (*cron.Cron, error) {
	engine := newEngine(cfg, sink, log, false)
	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := scheduler.AddFunc(cfg.SyncSchedule, func() {
		opts, err := syncOptions(cfg, time.Now())
		if err != nil {
			log.Errorf("scheduled sync: %v", err)
			return
		}
		if _, err := engine.Run(ctx, opts); err != nil {
			log.Errorf("scheduled sync failed: %v", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%w: invalid sync_schedule %q: %v", config.ErrInvalid, cfg.SyncSchedule, err)
	}
	scheduler.Start()
	log.Infof("Scheduled sync: %s", cfg.SyncSchedule)
	return scheduler, nil
}

func runImport(ctx context.Context, cfg *config.Config, log *logging.Logger, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	rows, err := reservation.ReadCSV(f)
	if err != nil {
		return err
	}

	st, err := openDatabase(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	count, err := reservation.NewRepository(st.DB(), log).Import(ctx, rows)
	if err != nil {
		return err
	}
	log.Infof("Imported %d of %d rows from %s", count, len(rows), path)
	return nil
}
