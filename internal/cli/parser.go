package cli

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"triage/internal/config"
)

// ErrHelp is returned when help was requested and printed.
var ErrHelp = errors.New("help requested")

// ErrMissingArgs is returned when the positional arguments are wrong
var ErrMissingArgs = errors.New("usage: triage [flags] <crashes> <output>")

// UsageError is a malformed command line.
type UsageError struct {
	Err error
}

func (e *UsageError) Error() string {
	return e.Err.Error()
}

func (e *UsageError) Unwrap() error {
	return e.Err
}

// ConfigError is an unreadable or invalid configuration.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return e.Err.Error()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Subcommand represents the CLI subcommand
type Subcommand string

const (
	SubcommandTriage Subcommand = "triage"
	SubcommandServe  Subcommand = "serve"
)

// Command represents the parsed CLI input
type Command struct {
	Subcommand Subcommand
	Crashes    string // crashes directory, triage only
	Output     string // output directory, triage only
	JSONOutput bool   // --json: print the summary as JSON
	ConfigPath string // --config <path>
	Config     config.Config
}

// flagValues receives the raw flag values before they are merged into the
// resolved configuration.
type flagValues struct {
	configPath  string
	snapshot    string
	limit       int
	jobs        int
	timeout     time.Duration
	dialTimeout time.Duration
	metricsFile string
	logLevel    string
	logFormat   string
	listen      string
	json        bool
}

// ParseArgs parses CLI arguments into a Command.
// It expects args to be os.Args[1:] (excluding the program name). The
// configuration is resolved from defaults, the config file and environ,
// then overridden by the flags given explicitly, then validated. Help text
// goes to out.
func ParseArgs(args []string, environ []string, out io.Writer) (Command, error) {
	if args == nil {
		args = []string{}
	}

	var (
		fv     flagValues
		parsed Command
		ran    bool
	)

	finish := func(c *cobra.Command, sub Subcommand, positional []string) error {
		cfg, err := config.Resolve(environ, fv.configPath)
		if err != nil {
			return &ConfigError{Err: err}
		}
		applyFlags(c, &fv, &cfg)
		if err := config.Validate(cfg); err != nil {
			return &ConfigError{Err: err}
		}
		parsed = Command{
			Subcommand: sub,
			JSONOutput: fv.json,
			ConfigPath: fv.configPath,
			Config:     cfg,
		}
		if len(positional) == 2 {
			parsed.Crashes, parsed.Output = positional[0], positional[1]
		}
		ran = true
		return nil
	}

	root := &cobra.Command{
		Use:   "triage [flags] <crashes> <output>",
		Short: "Bucket fuzzer crashes by the tail of their replayed coverage",
		Long: `Replays every <id>.bin crash of <crashes> on the snapshot, caches its
coverage under <output>/traces and copies the crash into
<output>/buckets/<fingerprint>, where the fingerprint hashes the last
--limit executed instructions.`,
		Args: func(c *cobra.Command, args []string) error {
			if len(args) != 2 {
				return &UsageError{Err: ErrMissingArgs}
			}
			return nil
		},
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(c *cobra.Command, args []string) error {
			return finish(c, SubcommandTriage, args)
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	pf := root.PersistentFlags()
	pf.StringVar(&fv.configPath, "config", "", "YAML config file (default $"+config.ConfigEnvVar+")")
	pf.StringVar(&fv.snapshot, "snapshot", config.DefaultSnapshot, "snapshot server host:port, or dump directory; comma separated for several")
	pf.DurationVar(&fv.dialTimeout, "dial-timeout", config.DefaultDialTimeout, "snapshot server connect timeout")
	pf.StringVar(&fv.logLevel, "log-level", config.DefaultLogLevel, "log level")
	pf.StringVar(&fv.logFormat, "log-format", config.DefaultLogFormat, "log format: text or json")

	f := root.Flags()
	f.IntVar(&fv.limit, "limit", config.DefaultLimit, "number of trailing instructions fingerprinted")
	f.IntVar(&fv.jobs, "jobs", config.DefaultJobs, "concurrent replays")
	f.DurationVar(&fv.timeout, "timeout", 0, "deadline of each run, 0 for none")
	f.StringVar(&fv.metricsFile, "metrics-file", "", "write Prometheus metrics to this file")
	f.BoolVar(&fv.json, "json", false, "print the summary as JSON")

	serve := &cobra.Command{
		Use:   "serve [flags]",
		Short: "Expose a snapshot to remote triage runs",
		Args: func(c *cobra.Command, args []string) error {
			if len(args) != 0 {
				return &UsageError{Err: fmt.Errorf("serve takes no arguments, got %q", args)}
			}
			return nil
		},
		RunE: func(c *cobra.Command, args []string) error {
			return finish(c, SubcommandServe, nil)
		},
	}
	serve.Flags().StringVar(&fv.listen, "listen", config.DefaultListen, "address to listen on")
	root.AddCommand(serve)

	flagErr := func(c *cobra.Command, err error) error {
		return &UsageError{Err: err}
	}
	root.SetFlagErrorFunc(flagErr)
	serve.SetFlagErrorFunc(flagErr)

	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(out)

	if err := root.Execute(); err != nil {
		var usageErr *UsageError
		var configErr *ConfigError
		if errors.As(err, &usageErr) || errors.As(err, &configErr) {
			return Command{}, err
		}
		return Command{}, &UsageError{Err: err}
	}
	if !ran {
		return Command{}, ErrHelp
	}
	return parsed, nil
}

// applyFlags copies the flags set on the command line into cfg.
func applyFlags(c *cobra.Command, fv *flagValues, cfg *config.Config) {
	flags := c.Flags()
	if flags.Changed("snapshot") {
		cfg.Snapshot = fv.snapshot
	}
	if flags.Changed("dial-timeout") {
		cfg.DialTimeout = fv.dialTimeout
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = fv.logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = fv.logFormat
	}
	if flags.Changed("limit") {
		cfg.Limit = fv.limit
	}
	if flags.Changed("jobs") {
		cfg.Jobs = fv.jobs
	}
	if flags.Changed("timeout") {
		cfg.Timeout = fv.timeout
	}
	if flags.Changed("metrics-file") {
		cfg.MetricsFile = fv.metricsFile
	}
	if flags.Changed("listen") {
		cfg.Listen = fv.listen
	}
}
