package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/spawnstep/internal/api"
	"github.com/mattjoyce/spawnstep/internal/config"
	"github.com/mattjoyce/spawnstep/internal/dispatch"
	"github.com/mattjoyce/spawnstep/internal/inspect"
	"github.com/mattjoyce/spawnstep/internal/lock"
	"github.com/mattjoyce/spawnstep/internal/log"
	"github.com/mattjoyce/spawnstep/internal/protocol"
	"github.com/mattjoyce/spawnstep/internal/runlog"
	"github.com/mattjoyce/spawnstep/internal/spawn"
	"github.com/mattjoyce/spawnstep/internal/storage"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// Exit codes.
const (
	exitOK      = 0
	exitUsage   = 1
	exitAborted = 2
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage(os.Stderr)
		return exitUsage
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "run":
		return runRun(args)
	case "serve":
		return runServe(args)
	case "history":
		return runHistory(args)
	case "show":
		return runShow(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage(os.Stderr)
		return exitUsage
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `spawnstep - run a command once per item of a JSON batch

Usage:
  spawnstep <command> [flags]

Commands:
  run [flags] [-- command args...]   Run the step over items from --input
  serve [flags]                      Serve POST /run over HTTP
  history [flags]                    List recent runs
  show <run-id> [flags]              Show one run and its items
  version [--json]                   Show version information
  help                               Show this help message

Exit codes:
  0  success (including continue-on-fail batches with failed items)
  1  usage or configuration error
  2  batch aborted by an item failure or interrupted
`)
}

// --- run ---

// envFlag collects repeatable --env NAME=VALUE flags in order.
type envFlag []spawn.EnvVar

func (e *envFlag) String() string {
	parts := make([]string, 0, len(*e))
	for _, v := range *e {
		parts = append(parts, v.Name+"="+v.Value)
	}
	return strings.Join(parts, ",")
}

func (e *envFlag) Set(s string) error {
	name, value, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return fmt.Errorf("expected NAME=VALUE, got %q", s)
	}
	*e = append(*e, spawn.EnvVar{Name: name, Value: value})
	return nil
}

func runRun(args []string) int {
	var (
		configPath, historyDB, inputPath, outputPath string
		dir, format                                  string
		continueOnFail, noHistory                    bool
		timeout                                      time.Duration
		env                                          envFlag
	)

	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file or directory")
	fs.StringVar(&historyDB, "history-db", "", "Run history database (overrides state.path)")
	fs.StringVar(&inputPath, "input", "-", "Items file (JSON array or JSON Lines); - reads stdin")
	fs.StringVar(&outputPath, "output", "-", "Where to write result items; - writes stdout")
	fs.BoolVar(&continueOnFail, "continue-on-fail", false, "Record item failures and keep going")
	fs.BoolVar(&noHistory, "no-history", false, "Do not record this run")
	fs.StringVar(&dir, "dir", "", "Working directory for the command")
	fs.StringVar(&format, "format", "", "Stdout format: json or plain")
	fs.DurationVar(&timeout, "timeout", 0, "Per-item timeout (0 waits forever)")
	fs.Var(&env, "env", "Extra environment variable NAME=VALUE (repeatable)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	cfg, err := loadConfig(configPath, historyDB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitUsage
	}
	setupLogging(cfg)

	step := cfg.Step
	if fs.NArg() > 0 {
		step.Command = fs.Arg(0)
		step.Args = append([]string(nil), fs.Args()[1:]...)
	}
	step.Env = append(append([]spawn.EnvVar(nil), step.Env...), env...)

	var formatErr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "continue-on-fail":
			step.ContinueOnFail = continueOnFail
		case "dir":
			step.WorkingDir = dir
		case "timeout":
			step.Timeout = timeout
		case "format":
			step.StdoutFormat, formatErr = protocol.ParseStdoutFormat(format)
		}
	})
	if formatErr != nil {
		fmt.Fprintf(os.Stderr, "Invalid --format: %v\n", formatErr)
		return exitUsage
	}
	if step.Timeout < 0 {
		fmt.Fprintln(os.Stderr, "Invalid --timeout: must not be negative")
		return exitUsage
	}
	if err := config.ValidateStep(step); err != nil {
		fmt.Fprintf(os.Stderr, "%v\nUsage: spawnstep run [flags] -- command [args...]\n", err)
		return exitUsage
	}

	items, err := readItems(inputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read items: %v\n", err)
		return exitUsage
	}

	var (
		store dispatch.RunStore
		rl    *runlog.Store
	)
	if !noHistory && !cfg.State.Disabled {
		db, err := storage.OpenSQLite(context.Background(), cfg.State.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open run history: %v\n", err)
			return exitUsage
		}
		defer db.Close()
		rl = runlog.New(db)
		store = rl
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	disp := dispatch.New(spawn.NewRunner(nil), store)
	res, runErr := disp.Execute(ctx, dispatch.Request{Step: step, Items: items, SubmittedBy: "cli"})
	if res == nil {
		fmt.Fprintf(os.Stderr, "Run failed: %v\n", runErr)
		return exitUsage
	}

	if err := writeItems(outputPath, res.Items); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write items: %v\n", err)
		return exitUsage
	}

	if rl != nil {
		pruneHistory(rl, cfg.Service.HistoryRetention)
	}

	summary := fmt.Sprintf("%s (%d items out, %d failed)", res.Status, len(res.Items), res.Failed)
	if res.RunID != "" {
		summary = "run " + res.RunID + ": " + summary
	}
	fmt.Fprintln(os.Stderr, summary)

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Batch aborted: %v\n", runErr)
		return exitAborted
	}
	return exitOK
}

func readItems(path string) ([]protocol.Item, error) {
	if path == "-" || path == "" {
		return protocol.DecodeItems(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return protocol.DecodeItems(f)
}

func writeItems(path string, items []protocol.Item) error {
	if path == "-" || path == "" {
		return protocol.EncodeItems(os.Stdout, items)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := protocol.EncodeItems(f, items); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func pruneHistory(store *runlog.Store, retention time.Duration) {
	n, err := store.Prune(context.Background(), retention)
	if err != nil {
		log.Warn("failed to prune run history", "error", err)
		return
	}
	if n > 0 {
		log.Debug("pruned run history", "runs", n, "retention", retention.String())
	}
}

// --- serve ---

func runServe(args []string) int {
	var configPath, historyDB, listen string

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file or directory")
	fs.StringVar(&historyDB, "history-db", "", "Run history database (overrides state.path)")
	fs.StringVar(&listen, "listen", "", "Listen address (overrides api.listen)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	cfg, err := loadConfig(configPath, historyDB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitUsage
	}
	if listen != "" {
		cfg.API.Listen = listen
	}
	if err := config.ValidateServe(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Cannot serve: %v\n", err)
		return exitUsage
	}

	setupLogging(cfg)
	logger := log.WithComponent("main")
	logger.Info("spawnstep starting", "version", version, "config", cfg.SourcePath, "command", cfg.Step.Command)

	var (
		store dispatch.RunStore
		runs  inspect.RunSource
	)
	if !cfg.State.Disabled {
		lockPath := lock.PathFor(cfg.State.Path)
		pidLock, err := lock.AcquirePIDLock(lockPath)
		if err != nil {
			logger.Error("failed to acquire PID lock (another server may be running)", "path", lockPath, "error", err)
			return exitUsage
		}
		defer pidLock.Release()

		db, err := storage.OpenSQLite(context.Background(), cfg.State.Path)
		if err != nil {
			logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
			return exitUsage
		}
		defer db.Close()

		rl := runlog.New(db)
		pruneHistory(rl, cfg.Service.HistoryRetention)
		store, runs = rl, rl
		logger.Info("run history enabled", "path", cfg.State.Path)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := api.New(api.Config{
		Listen:        cfg.API.Listen,
		APIKey:        cfg.API.Auth.APIKey,
		MaxBatchItems: cfg.API.MaxBatchItems,
		Step:          cfg.Step,
	}, dispatch.New(spawn.NewRunner(nil), store), runs, log.WithComponent("api"))

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("API server failed", "error", err)
		return exitUsage
	}

	logger.Info("spawnstep stopped")
	return exitOK
}

// --- history / show ---

func runHistory(args []string) int {
	var configPath, historyDB string
	var limit int
	var jsonOut bool

	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file or directory")
	fs.StringVar(&historyDB, "history-db", "", "Run history database (overrides state.path)")
	fs.IntVar(&limit, "limit", 20, "Number of runs to list")
	fs.BoolVar(&jsonOut, "json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	db, err := openHistory(configPath, historyDB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitUsage
	}
	defer db.Close()

	runs, err := runlog.New(db).ListRuns(context.Background(), limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list runs: %v\n", err)
		return exitUsage
	}

	if jsonOut {
		out, err := inspect.BuildJSONHistory(runs)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return exitUsage
		}
		fmt.Println(out)
		return exitOK
	}
	fmt.Print(inspect.BuildHistory(runs, inspect.NewDefaultTheme()))
	return exitOK
}

func runShow(args []string) int {
	var configPath, historyDB string
	var jsonOut bool

	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file or directory")
	fs.StringVar(&historyDB, "history-db", "", "Run history database (overrides state.path)")
	fs.BoolVar(&jsonOut, "json", false, "Output report in JSON")

	// Accept 'show <id> --json' as well as 'show --json <id>'.
	var runID string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		runID, args = args[0], args[1:]
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if runID == "" {
		runID = fs.Arg(0)
	}
	if runID == "" {
		fmt.Fprintln(os.Stderr, "Usage: spawnstep show <run-id> [--config PATH] [--history-db PATH] [--json]")
		return exitUsage
	}

	db, err := openHistory(configPath, historyDB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitUsage
	}
	defer db.Close()

	store := runlog.New(db)
	var report string
	if jsonOut {
		report, err = inspect.BuildJSONReport(context.Background(), store, runID)
		report += "\n"
	} else {
		report, err = inspect.BuildReport(context.Background(), store, runID, inspect.NewDefaultTheme())
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Show failed: %v\n", err)
		return exitUsage
	}

	fmt.Print(report)
	return exitOK
}

func openHistory(configPath, historyDB string) (*sql.DB, error) {
	cfg, err := loadConfig(configPath, historyDB)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	setupLogging(cfg)
	if cfg.State.Disabled && historyDB == "" {
		return nil, fmt.Errorf("run history is disabled (state.disabled)")
	}
	db, err := storage.OpenSQLite(context.Background(), cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open run history: %w", err)
	}
	return db, nil
}

// --- shared ---

// loadConfig loads configPath, or a discovered config, or defaults when
// none exists. historyDB overrides state.path.
func loadConfig(configPath, historyDB string) (*config.Config, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			return nil, err
		}
		configPath = discovered
	}

	var cfg *config.Config
	if configPath == "" {
		parsed, err := config.Parse(nil)
		if err != nil {
			return nil, err
		}
		cfg = parsed
	} else {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if historyDB != "" {
		cfg.State.Path = historyDB
		cfg.State.Disabled = false
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) {
	log.SetupWriter(os.Stderr, cfg.Service.LogLevel, cfg.Service.LogFormat)
}

// --- version ---

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: spawnstep version [--json]")
		return exitUsage
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return exitUsage
		}
		fmt.Println(string(data))
		return exitOK
	}

	fmt.Printf("spawnstep %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return exitOK
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = readBuildSetting("vcs.revision")
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = readBuildSetting("vcs.time")
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return strings.TrimSpace(setting.Value)
		}
	}
	return ""
}
