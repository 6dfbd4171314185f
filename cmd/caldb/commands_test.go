package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kac/caldb/internal/auth"
	"github.com/kac/caldb/internal/config"
	"github.com/kac/caldb/internal/reservation"
	"github.com/kac/caldb/internal/store"
)

func testConfig(t *testing.T, kind, path string) *config.Config {
	t.Helper()
	return &config.Config{
		CalendarID: "primary",
		WindowDays: 7,
		MaxResults: 250,
		PageSize:   100,
		PoolSize:   2,
		Sink:       config.Sink{Kind: kind, Path: path},
	}
}

func TestOpenSink(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		kind    string
		path    string
		want    string
		wantErr bool
	}{
		{kind: config.SinkSQLite, path: filepath.Join(dir, "caldb.db"), want: "*store.SQLStore"},
		{kind: config.SinkCSV, path: filepath.Join(dir, "events.csv"), want: "*store.CSVSink"},
		{kind: config.SinkICS, path: filepath.Join(dir, "events.ics"), want: "*store.ICSSink"},
		{kind: "postgres", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			sink, closeSink, err := openSink(context.Background(), testConfig(t, tt.kind, tt.path), nil)
			if tt.wantErr {
				if !errors.Is(err, config.ErrInvalid) {
					t.Fatalf("Expected ErrInvalid, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("openSink() returned an error: %v", err)
			}
			defer closeSink()

			var got string
			switch sink.(type) {
			case *store.SQLStore:
				got = "*store.SQLStore"
			case *store.CSVSink:
				got = "*store.CSVSink"
			case *store.ICSSink:
				got = "*store.ICSSink"
			}
			if got != tt.want {
				t.Errorf("Expected %s, got %T", tt.want, sink)
			}
		})
	}
}

func TestSyncOptions(t *testing.T) {
	cfg := testConfig(t, config.SinkCSV, "events.csv")
	cfg.StartDate = "2025-03-01"

	opts, err := syncOptions(cfg, time.Now())
	if err != nil {
		t.Fatalf("syncOptions() returned an error: %v", err)
	}
	if !opts.TimeMin.Equal(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Unexpected TimeMin %v", opts.TimeMin)
	}
	if !opts.TimeMax.Equal(time.Date(2025, 3, 8, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Unexpected TimeMax %v", opts.TimeMax)
	}
	if opts.MaxTotal != 250 || opts.PageSize != 100 || opts.CalendarID != "primary" {
		t.Errorf("Unexpected options %+v", opts)
	}

	cfg.EndDate = "2025-02-01"
	if _, err := syncOptions(cfg, time.Now()); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("Expected ErrInvalid for an inverted window, got %v", err)
	}
}

func TestRunSync_MissingClientSecretBeforeDatabase(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, config.SinkMySQL, "")
	cfg.Sink.Host = "127.0.0.1"
	cfg.Sink.Port = 1
	cfg.Sink.User = "kac"
	cfg.Sink.Database = "kac_db"
	cfg.GoogleCredentialsPath = filepath.Join(dir, "missing-credentials.json")
	cfg.TokenPath = filepath.Join(dir, "token.json")

	err := runSync(context.Background(), cfg, nil)
	if !errors.Is(err, auth.ErrMissingClientSecret) {
		t.Fatalf("Expected ErrMissingClientSecret, got %v", err)
	}
}

func TestDeferredSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.csv")
	opened := 0
	sink := &deferredSink{open: func(ctx context.Context) (store.Sink, func() error, error) {
		opened++
		return store.NewCSVSink(path), func() error { return nil }, nil
	}}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close() before Begin returned an error: %v", err)
	}
	if opened != 0 {
		t.Fatalf("Expected no open before Begin, got %d", opened)
	}

	for i := 0; i < 2; i++ {
		batch, err := sink.Begin(context.Background())
		if err != nil {
			t.Fatalf("Begin() returned an error: %v", err)
		}
		if err := batch.Close(); err != nil {
			t.Fatalf("batch Close() returned an error: %v", err)
		}
	}
	if opened != 1 {
		t.Errorf("Expected the sink to be opened once, got %d", opened)
	}
}

func TestDeferredSink_OpenError(t *testing.T) {
	sink := &deferredSink{open: func(ctx context.Context) (store.Sink, func() error, error) {
		return nil, nil, config.ErrInvalid
	}}
	if _, err := sink.Begin(context.Background()); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("Expected ErrInvalid, got %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Errorf("Close() returned an error: %v", err)
	}
}

func TestOpenDatabase_RejectsFileSinks(t *testing.T) {
	_, err := openDatabase(context.Background(), testConfig(t, config.SinkCSV, "events.csv"), nil)
	if !errors.Is(err, config.ErrInvalid) {
		t.Errorf("Expected ErrInvalid, got %v", err)
	}
}

func TestStartScheduler_InvalidSchedule(t *testing.T) {
	cfg := testConfig(t, config.SinkCSV, filepath.Join(t.TempDir(), "events.csv"))
	cfg.SyncSchedule = "every now and then"

	_, err := startScheduler(context.Background(), cfg, store.NewCSVSink(cfg.Sink.Path), nil)
	if !errors.Is(err, config.ErrInvalid) {
		t.Errorf("Expected ErrInvalid, got %v", err)
	}
}

func TestRunImport(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "reservations.csv")
	content := "予約番号,西暦年,月,日,団体名,年月日,開始時刻\n" +
		"1,2025,3,1,Chorus Club,2025-03-01,10:00\n" +
		"2,2025,3,2,Tennis Club,2025-03-02,09:00\n"
	if err := os.WriteFile(csvPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig(t, config.SinkSQLite, filepath.Join(dir, "caldb.db"))
	ctx := context.Background()
	if err := runImport(ctx, cfg, nil, csvPath); err != nil {
		t.Fatalf("runImport() returned an error: %v", err)
	}

	st, err := store.Open(ctx, storeOptions(cfg, nil))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	list, err := reservation.NewRepository(st.DB(), nil).List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Errorf("Expected 2 reservations, got %d", len(list))
	}
}

func TestRunImport_MissingFile(t *testing.T) {
	cfg := testConfig(t, config.SinkSQLite, filepath.Join(t.TempDir(), "caldb.db"))
	if err := runImport(context.Background(), cfg, nil, "does-not-exist.csv"); err == nil {
		t.Error("Expected an error for a missing file")
	}
}
