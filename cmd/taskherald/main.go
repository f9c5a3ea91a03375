package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/basket/taskherald/internal/bus"
	"github.com/basket/taskherald/internal/channels"
	"github.com/basket/taskherald/internal/config"
	"github.com/basket/taskherald/internal/cron"
	"github.com/basket/taskherald/internal/ingest"
	"github.com/basket/taskherald/internal/notify"
	otelPkg "github.com/basket/taskherald/internal/otel"
	"github.com/basket/taskherald/internal/store"
	"github.com/basket/taskherald/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the notification worker

SUBCOMMANDS:
  %s ingest -source <s> -id <external_id>
                              Record one inbound event; the JSON payload is
                              read from stdin. Duplicate (source, external_id)
                              pairs are acknowledged without a new row.

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  TASKHERALD_HOME         Data directory (default: ~/.taskherald)
  TASKHERALD_DB_PATH      SQLite database path (default: <home>/taskherald.db)
  TELEGRAM_TOKEN          Telegram bot token (overrides telegram.token in config.yaml)
`)
}

func main() {
	loadDotEnv(".env")

	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "ingest":
			os.Exit(runIngestCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "taskherald:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logCloser.Close()

	logger.Info("taskherald starting",
		"version", Version,
		"home", cfg.HomeDir,
		"db_path", cfg.DBPath,
		"config_fingerprint", cfg.Fingerprint())

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel shutdown failed", "error", err)
		}
	}()

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	eventBus := bus.New()

	// Ops alerting: surface terminal delivery failures at warn so they stand
	// out in the log stream even at the default level.
	alertSub := eventBus.Subscribe(bus.TopicNotifyTerminal)
	defer eventBus.Unsubscribe(alertSub)
	go func() {
		for ev := range alertSub.Ch() {
			d, ok := ev.Payload.(bus.DeliveryEvent)
			if !ok {
				continue
			}
			logger.Warn("notification permanently failed",
				"task_id", d.TaskID,
				"message_kind", d.MessageKind,
				"attempt_no", d.AttemptNo,
				"chat_id", d.ChatID,
				"error", d.Error)
		}
	}()

	token := strings.TrimSpace(cfg.Telegram.Token)
	if token == "" {
		return fmt.Errorf("telegram token not configured (set telegram.token in config.yaml or TELEGRAM_TOKEN)")
	}
	sender, err := channels.NewTelegramSender(token, logger)
	if err != nil {
		return fmt.Errorf("init telegram: %w", err)
	}

	workerID := "taskherald-" + uuid.NewString()[:8]
	lease := time.Duration(cfg.Worker.ClaimLeaseSeconds) * time.Second
	selector := st.NewWorkSelector(workerID, cfg.Worker.MessageVersion, lease)

	deliverer := notify.NewDeliverer(st, sender, logger, eventBus, metrics,
		workerID, cfg.Worker.MessageVersion,
		cfg.Worker.DeliveryMaxAttempts,
		time.Duration(cfg.Worker.DeliveryMaxRetryWindowSecs)*time.Second)

	dispatcher := notify.NewDispatcher(notify.Config{
		Store:            st,
		Selector:         selector,
		Deliverer:        deliverer,
		Logger:           logger,
		Metrics:          metrics,
		Tracer:           otelProvider.Tracer,
		PollInterval:     time.Duration(cfg.Worker.PollSeconds) * time.Second,
		BatchLimit:       cfg.Worker.BatchLimit,
		LegacySendToUser: cfg.LegacySendToUserEnabled(),
	})
	dispatcher.Start(ctx)

	retention := cron.NewScheduler(cron.Config{
		Store:          st,
		Logger:         logger,
		CronExpr:       cfg.Retention.Cron,
		EventsDays:     cfg.Retention.EventsDays,
		DeliveriesDays: cfg.Retention.DeliveriesDays,
	})
	retention.Start(ctx)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				reloaded, err := config.Load()
				if err != nil {
					logger.Error("config reload failed", "error", err)
					continue
				}
				// Tuning changes need a restart; log the new fingerprint so
				// operators can tell a stale worker from a reloaded one.
				logger.Info("config changed on disk, restart to apply",
					"config_fingerprint", reloaded.Fingerprint())
			}
		}()
	}

	logger.Info("taskherald running", "worker_id", workerID)
	<-ctx.Done()

	logger.Info("shutting down")
	dispatcher.Stop()
	retention.Stop()
	return nil
}

// runIngestCommand records a single inbound event from stdin.
func runIngestCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	source := fs.String("source", "", "event source identifier (e.g. tg, cron)")
	externalID := fs.String("id", "", "source-scoped external id for deduplication")
	_ = fs.Parse(args)

	if *source == "" || *externalID == "" {
		fmt.Fprintln(os.Stderr, "ingest: -source and -id are required")
		return 2
	}

	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ingest: read stdin:", err)
		return 1
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		fmt.Fprintln(os.Stderr, "ingest: payload is not a JSON object:", err)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "ingest: load config:", err)
		return 1
	}
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ingest: init logging:", err)
		return 1
	}
	defer logCloser.Close()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ingest: open store:", err)
		return 1
	}
	defer st.Close()

	svc, err := ingest.NewService(st, bus.New(), logger, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ingest: init service:", err)
		return 1
	}
	eventID, duplicate, err := svc.Ingest(ctx, *source, *externalID, payload)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ingest:", err)
		return 1
	}
	if duplicate {
		fmt.Printf("duplicate event, existing id %d\n", eventID)
	} else {
		fmt.Printf("recorded event %d\n", eventID)
	}
	return 0
}

// loadDotEnv loads KEY=VALUE pairs from the given file into the process
// environment. Existing environment variables are not overridden. Missing
// file is not an error.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		value := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
