package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MikeSquared-Agency/archivist/internal/api"
	"github.com/MikeSquared-Agency/archivist/internal/attachment"
	"github.com/MikeSquared-Agency/archivist/internal/backup"
	"github.com/MikeSquared-Agency/archivist/internal/config"
	"github.com/MikeSquared-Agency/archivist/internal/decoder"
	"github.com/MikeSquared-Agency/archivist/internal/decoder/qqmht"
	"github.com/MikeSquared-Agency/archivist/internal/decoder/sms"
	"github.com/MikeSquared-Agency/archivist/internal/decoder/wechat"
	"github.com/MikeSquared-Agency/archivist/internal/hermes"
	"github.com/MikeSquared-Agency/archivist/internal/importer"
	"github.com/MikeSquared-Agency/archivist/internal/model"
	"github.com/MikeSquared-Agency/archivist/internal/slack"
	"github.com/MikeSquared-Agency/archivist/internal/store"
)

const (
	exitOK          = 0
	exitUsage       = 1
	exitFormat      = 2
	exitStorage     = 3
	exitInterrupted = 130
)

var errUsage = errors.New("usage")

const usage = `usage: archivist [-v] <command> [flags] PATH...

commands:
  qq      import QQ web-archive exports (.mht/.html files or directories)
  wechat  import WeChat from iOS device backups
  sms     import SMS/iMessage from iOS device backups
  serve   run the read-only HTTP API
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseArgs(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	cfg := config.Load()
	if opts.verbose {
		cfg.LogLevel = "debug"
	}
	setupLogging(cfg.LogLevel, stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.command == "serve" {
		err = serve(ctx, cfg)
	} else {
		err = importRoots(ctx, cfg, opts, stdout, stderr)
	}
	if err != nil && !errors.Is(err, errReported) {
		fmt.Fprintf(stderr, "archivist %s: %v\n", opts.command, err)
	}
	return exitCode(err)
}

// options is the parsed command line.
type options struct {
	verbose  bool
	command  string
	source   decoder.Source
	identity decoder.Identity
	password string
	dryRun   bool
	resume   bool
	roots    []string
}

func parseArgs(args []string, stderr io.Writer) (options, error) {
	var opts options

	global := flag.NewFlagSet("archivist", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.Usage = func() { fmt.Fprint(stderr, usage) }
	global.BoolVar(&opts.verbose, "v", false, "debug logging")
	if err := global.Parse(args); err != nil {
		return opts, err
	}
	if global.NArg() == 0 {
		global.Usage()
		return opts, fmt.Errorf("%w: missing command", errUsage)
	}
	opts.command = global.Arg(0)
	rest := global.Args()[1:]

	fs := flag.NewFlagSet(opts.command, flag.ContinueOnError)
	fs.SetOutput(stderr)
	if opts.command == "serve" {
		if err := fs.Parse(rest); err != nil {
			return opts, err
		}
		return opts, nil
	}

	src, err := decoder.ParseSource(opts.command)
	if err != nil {
		global.Usage()
		return opts, fmt.Errorf("%w: %v", errUsage, err)
	}
	opts.source = src

	var chats string
	fs.StringVar(&opts.identity.Name, "name", "", "your display name in the archive")
	fs.BoolVar(&opts.dryRun, "dry-run", false, "decode into an in-memory store without persisting")
	fs.BoolVar(&opts.resume, "resume", false, "skip records before the last committed offset of a previous run")
	switch src {
	case decoder.SourceQQ:
		fs.StringVar(&opts.identity.Account, "owner", "", "your QQ number")
	case decoder.SourceWeChat:
		fs.StringVar(&opts.identity.Account, "owner", "", "your wxid, used when the backup holds several accounts")
		fs.StringVar(&chats, "chats", "", "comma-separated chats to import (default all)")
		fs.StringVar(&opts.password, "password", "", "backup password (default $BACKUP_PASSWORD)")
	case decoder.SourceSMS:
		fs.StringVar(&opts.identity.Account, "owner", "", "your phone number or Apple ID")
		fs.StringVar(&opts.identity.Filter, "with", "", "only import the conversation with this handle or name")
		fs.StringVar(&opts.password, "password", "", "backup password (default $BACKUP_PASSWORD)")
	}
	if err := fs.Parse(rest); err != nil {
		return opts, err
	}

	for _, c := range strings.Split(chats, ",") {
		if c = strings.TrimSpace(c); c != "" {
			opts.identity.Chats = append(opts.identity.Chats, c)
		}
	}
	opts.roots = fs.Args()
	if len(opts.roots) == 0 {
		return opts, fmt.Errorf("%w: %s needs at least one PATH", errUsage, opts.command)
	}
	return opts, nil
}

// errReported marks failures whose details were already written to stderr.
var errReported = errors.New("reported")

type reportedError struct{ err error }

func (e reportedError) Error() string { return e.err.Error() }
func (e reportedError) Unwrap() []error { return []error{e.err, errReported} }

func importRoots(ctx context.Context, cfg config.Config, opts options, stdout, stderr io.Writer) error {
	logger := slog.Default()

	var db store.Store
	if opts.dryRun {
		db = store.NewMemory()
		logger.Info("dry run: using in-memory store")
	} else {
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("%w: DATABASE_URL is required unless -dry-run is set", errUsage)
		}
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		db = pg
		logger.Info("database connected")
	}
	defer db.Close()

	var state *importer.RunState
	if !opts.dryRun {
		s, err := importer.LoadState(cfg.StateFile)
		if err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		state = s
	} else if opts.resume {
		logger.Warn("-resume has no effect with -dry-run")
	}

	password := opts.password
	if password == "" {
		password = cfg.BackupPassword
	}
	backups := backup.NewSet(password, logger)
	defer backups.Close()

	var dec decoder.Decoder
	switch opts.source {
	case decoder.SourceQQ:
		dec = qqmht.New(opts.identity, cfg.Location(), logger)
	case decoder.SourceWeChat:
		dec = wechat.New(opts.identity, backups, logger)
	case decoder.SourceSMS:
		dec = sms.New(opts.identity, backups, logger)
	}

	// Events are best effort; an import never waits on the bus.
	var notifier importer.Notifier
	if cfg.NatsURL != "" && !opts.dryRun {
		hc, err := hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, logger)
		if err != nil {
			logger.Warn("NATS unavailable, import events disabled", "error", err)
		} else {
			defer hc.Close()
			notifier = hc
		}
	}

	resolver := attachment.NewResolver(backups, cfg.MaxAttachmentBytes, logger)
	engine := importer.New(db, resolver, notifier, state, importer.Config{
		BatchSize:     cfg.BatchSize,
		RetryInterval: cfg.RetryBackoff,
		Workers:       cfg.Workers,
		Resume:        opts.resume,
	}, logger)

	summaries, runErr := engine.RunAll(ctx, dec, opts.roots)
	for _, s := range summaries {
		fmt.Fprintln(stdout, s.String())
		if s.Err == nil {
			continue
		}
		var be *importer.BatchError
		if errors.As(s.Err, &be) {
			fmt.Fprintf(stderr, "%s: failed at batch offset %d (committed %d): %v\n", s.Root, be.Offset, s.Committed, be.Err)
		} else {
			fmt.Fprintf(stderr, "%s: failed (committed %d): %v\n", s.Root, s.Committed, s.Err)
		}
	}

	if cfg.SlackBotToken != "" && cfg.SlackChannel != "" && !opts.dryRun {
		postSummaries(ctx, slack.NewPoster(cfg.SlackBotToken, cfg.SlackChannel, logger), summaries, logger)
	}

	if runErr != nil {
		return reportedError{runErr}
	}
	return nil
}

// postSummaries posts the run overview and threads one reply per failed root.
func postSummaries(ctx context.Context, poster *slack.Poster, summaries []importer.Summary, logger *slog.Logger) {
	// The run context may already be cancelled; the report still goes out.
	ctx = context.WithoutCancel(ctx)
	ts, err := poster.PostText(ctx, importer.FormatSummaries(summaries))
	if err != nil {
		logger.Warn("failed to post import summary", "error", err)
		return
	}
	for _, s := range summaries {
		if s.Err == nil {
			continue
		}
		text := fmt.Sprintf("`%s` failed after offset %d: %s", s.Root, s.Committed, s.Error)
		if err := poster.PostThread(ctx, ts, text); err != nil {
			logger.Warn("failed to post failure detail", "root", s.Root, "error", err)
		}
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("%w: DATABASE_URL is required", errUsage)
	}
	db, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	slog.Info("database connected")

	srv := api.NewServer(cfg.Port, db, cfg.CORSOrigins, slog.Default())

	if cfg.NatsURL != "" {
		hc, err := hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, slog.Default())
		if err != nil {
			slog.Warn("NATS unavailable, import feed disabled", "error", err)
		} else {
			defer hc.Close()
			if err := hc.Subscribe(hermes.SubjectImportAll, srv.RecordEvent); err != nil {
				slog.Warn("failed to subscribe to import events", "error", err)
			}
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	slog.Info("archivist API ready", "port", cfg.Port)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down")
		return nil
	}
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, context.Canceled):
		return exitInterrupted
	case errors.Is(err, model.ErrFormatMismatch):
		return exitFormat
	case errors.Is(err, model.ErrStorageUnavailable):
		return exitStorage
	default:
		return exitUsage
	}
}

func setupLogging(level string, w io.Writer) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
