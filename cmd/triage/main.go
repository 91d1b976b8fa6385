package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"triage/internal/backend/remote"
	"triage/internal/cache"
	"triage/internal/cli"
	"triage/internal/config"
	"triage/internal/crash"
	"triage/internal/replay"
	"triage/internal/report"
	"triage/internal/snapshot"
	"triage/internal/triage"
)

// Exit codes.
const (
	exitOK     = 0
	exitSetup  = 1
	exitUsage  = 2
	exitConfig = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	exitCode := run(ctx, os.Args[1:], os.Environ(), os.Stdout, os.Stderr)
	stop()
	os.Exit(exitCode)
}

// run orchestrates the full execution flow.
// It returns an exit code (0 for success, non-zero for failure).
// This function is separated from main() to enable testing.
func run(ctx context.Context, args []string, environ []string, stdout, stderr io.Writer) int {
	cmd, err := cli.ParseArgs(args, environ, stdout)
	if err != nil {
		var usageErr *cli.UsageError
		var configErr *cli.ConfigError
		switch {
		case errors.Is(err, cli.ErrHelp):
			return exitOK
		case errors.As(err, &usageErr):
			fmt.Fprintln(stderr, "Error:", err)
			fmt.Fprintln(stderr, "Run 'triage --help' for usage.")
			return exitUsage
		case errors.As(err, &configErr):
			fmt.Fprintln(stderr, "Error:", err)
			return exitConfig
		default:
			fmt.Fprintln(stderr, "Error:", err)
			return exitSetup
		}
	}

	log, err := newLogger(cmd.Config, stderr)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return exitConfig
	}

	if cmd.Subcommand == cli.SubcommandServe {
		return runServe(ctx, cmd, log)
	}
	return runTriage(ctx, cmd, log.WithField("run", uuid.NewString()), stdout)
}

// newLogger builds the process logger from the resolved configuration.
func newLogger(cfg config.Config, w io.Writer) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.SetOutput(w)
	log.SetLevel(level)
	if cfg.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log, nil
}

// runTriage handles the default subcommand.
func runTriage(ctx context.Context, cmd cli.Command, log logrus.FieldLogger, stdout io.Writer) int {
	cfg := cmd.Config

	crashes, err := crash.Load(cmd.Crashes)
	if err != nil {
		log.WithError(err).Error("cannot load crashes")
		return exitSetup
	}

	tracesDir := filepath.Join(cmd.Output, "traces")
	bucketsDir := filepath.Join(cmd.Output, "buckets")
	for _, dir := range []string{cmd.Output, tracesDir, bucketsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.WithError(err).Error("cannot create output directory")
			return exitSetup
		}
	}

	backends, err := snapshot.OpenPool(cfg.Snapshot, cfg.Jobs, snapshot.Options{DialTimeout: cfg.DialTimeout})
	if err != nil {
		log.WithError(err).WithField("snapshot", cfg.Snapshot).Error("cannot open snapshot")
		return exitSetup
	}
	defer func() {
		if err := snapshot.CloseAll(backends); err != nil {
			log.WithError(err).Warn("closing snapshot")
		}
	}()

	pool, err := replay.NewPool(ctx, backends, log, replay.Options{Timeout: cfg.Timeout})
	if err != nil {
		log.WithError(err).Error("cannot prepare replay")
		return exitSetup
	}

	metrics := triage.NewMetrics()
	t := &triage.Triager{
		Pool:    pool,
		Cache:   cache.NewStore(tracesDir),
		Limit:   cfg.Limit,
		Log:     log,
		Metrics: metrics,
	}
	res, runErr := t.Run(ctx, crashes, bucketsDir)

	if cfg.MetricsFile != "" {
		if err := metrics.WriteTextfile(cfg.MetricsFile); err != nil {
			log.WithError(err).Warn("cannot write metrics")
		}
	}
	if runErr != nil {
		log.WithError(runErr).Error("triage aborted")
		return exitSetup
	}

	summary := report.Summarize(res, cfg.Limit)
	if err := summary.WriteToFile(filepath.Join(cmd.Output, report.FileName)); err != nil {
		log.WithError(err).Warn("cannot write summary")
	}

	if cmd.JSONOutput {
		out, err := report.FormatJSON(summary)
		if err != nil {
			log.WithError(err).Error("cannot format summary")
			return exitSetup
		}
		fmt.Fprintln(stdout, out)
	} else {
		fmt.Fprint(stdout, report.FormatCLI(summary))
	}
	return exitOK
}

// runServe exposes one backend over RPC until ctx is done.
func runServe(ctx context.Context, cmd cli.Command, log logrus.FieldLogger) int {
	cfg := cmd.Config

	loc, err := snapshot.ParseLocator(cfg.Snapshot)
	if err != nil {
		log.WithError(err).Error("cannot parse snapshot")
		return exitSetup
	}
	b, err := snapshot.Open(loc, snapshot.Options{DialTimeout: cfg.DialTimeout})
	if err != nil {
		log.WithError(err).WithField("snapshot", loc).Error("cannot open snapshot")
		return exitSetup
	}
	defer b.Close()

	l, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		log.WithError(err).Error("cannot listen")
		return exitSetup
	}

	log.WithField("snapshot", loc.String()).Debug("opened snapshot")
	if err := remote.Serve(ctx, l, b, log); err != nil {
		log.WithError(err).Error("server stopped")
		return exitSetup
	}
	return exitOK
}
