package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/kac/caldb/internal/config"
	"github.com/kac/caldb/internal/logging"

	"github.com/gin-gonic/gin"
)

func printHelp() {
	fmt.Fprintf(os.Stderr, `caldb - Google Calendar to database sync

Copies events from one Google Calendar into SQLite, MySQL, a CSV file or an
iCalendar file, and serves a small reservation API backed by the same database.

USAGE:
    %s COMMAND [OPTIONS]

COMMANDS:
    sync                          Run one sync pass and exit
    serve                         Start the web backend (and scheduled syncs
                                  when sync_schedule is set)
    import FILE                   Import a reservation CSV file

OPTIONS:
    -h, --help                    Show this help message and exit
    -v, --verbose                 Enable verbose output (show DEBUG logs)
    --config FILE                 Path to a JSON, TOML or YAML config file (optional)
    --google-credentials-path PATH
                                  Path to Google OAuth client JSON file
                                  (overrides config file and GOOGLE_CREDENTIALS_PATH env var)
    --token-path PATH             Where the OAuth token is stored
                                  (overrides config file and TOKEN_PATH env var)
    --calendar-id ID              Calendar to read, default "primary"
    --sink KIND                   sqlite, mysql, csv or ics (default sqlite)
    --sink-path PATH              SQLite database or CSV/ICS output file
    --start-date YYYY-MM-DD       First day of the sync window (default: now)
    --end-date YYYY-MM-DD         End of the sync window (default: start + 7 days)
    --max-results N               Maximum number of events per pass (default 2500)
    --listen ADDR                 Web backend listen address (default :8000)

CONFIGURATION PRECEDENCE (highest to lowest):
    1. Command-line flags
    2. Environment variables (GOOGLE_CREDENTIALS_PATH, TOKEN_PATH, CALENDAR_ID,
       SINK_KIND, SINK_PATH, MYSQL_HOST, MYSQL_PORT, MYSQL_USER, MYSQL_PASSWORD,
       MYSQL_DATABASE, MAX_RESULTS, WINDOW_DAYS, LISTEN_ADDR, SYNC_SCHEDULE, LOG_LEVEL)
    3. Config file (--config)
    4. Defaults

CONFIG FILE:
    Example (config.toml):

        calendar_id   = "primary"
        window_days   = 7
        max_results   = 2500
        sync_schedule = "*/30 * * * *"

        [sink]
        kind     = "mysql"
        host     = "localhost"
        user     = "kac"
        database = "kac_db"

    The Google credentials JSON file should be in the format downloaded from
    Google Cloud Console ("installed" or "web" section).

AUTHENTICATION:
    On the first "sync" you will be asked to open a URL and approve read-only
    access to your calendar. The token is stored at --token-path and refreshed
    automatically. "serve" never prompts: run "sync" once first.

EXAMPLES:
    # Sync the next 7 days into caldb.db
    %s sync

    # Export March to CSV
    %s sync --sink csv --sink-path march.csv --start-date 2025-03-01 --end-date 2025-04-01

    # Serve the API and sync every 30 minutes
    SYNC_SCHEDULE="*/30 * * * *" %s serve --config config.toml

    # Import reservations
    %s import reservations.csv

`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	if len(os.Args) < 2 {
		printHelp()
		os.Exit(2)
	}
	command := os.Args[1]
	if command == "-h" || command == "--help" || command == "help" {
		printHelp()
		os.Exit(0)
	}

	fs := flag.NewFlagSet(command, flag.ExitOnError)
	fs.Usage = printHelp
	helpFlag := fs.Bool("help", false, "Show help message")
	helpFlagShort := fs.Bool("h", false, "Show help message (shorthand)")
	verboseFlag := fs.Bool("verbose", false, "Enable verbose output (show DEBUG logs)")
	verboseFlagShort := fs.Bool("v", false, "Enable verbose output (shorthand)")
	configFile := fs.String("config", "", "Path to JSON, TOML or YAML config file")
	var flags config.Flags
	fs.StringVar(&flags.GoogleCredentialsPath, "google-credentials-path", "", "Path to Google OAuth credentials JSON file")
	fs.StringVar(&flags.TokenPath, "token-path", "", "Path to store the OAuth token")
	fs.StringVar(&flags.CalendarID, "calendar-id", "", "Calendar to sync")
	fs.StringVar(&flags.SinkKind, "sink", "", "Sink kind: sqlite, mysql, csv or ics")
	fs.StringVar(&flags.SinkPath, "sink-path", "", "SQLite database or CSV/ICS output file")
	fs.StringVar(&flags.StartDate, "start-date", "", "Start of the sync window (YYYY-MM-DD)")
	fs.StringVar(&flags.EndDate, "end-date", "", "End of the sync window (YYYY-MM-DD)")
	fs.IntVar(&flags.MaxResults, "max-results", 0, "Maximum number of events per pass")
	fs.StringVar(&flags.Listen, "listen", "", "Web backend listen address")
	fs.Parse(os.Args[2:])

	if *helpFlag || *helpFlagShort {
		printHelp()
		os.Exit(0)
	}
	verbose := *verboseFlag || *verboseFlagShort

	// Set up logging
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Load configuration (precedence: flags > env vars > config file > defaults)
	cfg, err := config.LoadConfig(*configFile, flags)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	level := logging.ParseLevel(cfg.LogLevel)
	if verbose {
		level = logging.LevelDebug
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	logger := logging.New(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case "sync":
		err = runSync(ctx, cfg, logger)
	case "serve":
		err = runServe(ctx, cfg, logger)
	case "import":
		if fs.NArg() != 1 {
			log.Fatalf("import requires exactly one CSV file. Use --help for more information.")
		}
		err = runImport(ctx, cfg, logger, fs.Arg(0))
	default:
		log.Fatalf("Unknown command %q. Use --help for more information.", command)
	}

	if err != nil {
		stop()
		log.Fatalf("%s failed: %v", command, err)
	}
}
