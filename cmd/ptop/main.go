// Command ptop is a terminal ICMP latency monitor: it probes a set of
// targets on a fixed interval, tracks rolling RTT/jitter/loss statistics
// per target, and can record or replay a session.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ptop-hq/ptop/internal/command"
	"github.com/ptop-hq/ptop/internal/config"
	"github.com/ptop-hq/ptop/internal/events"
	"github.com/ptop-hq/ptop/internal/logging"
	"github.com/ptop-hq/ptop/internal/metrics"
	"github.com/ptop-hq/ptop/internal/probeengine"
	"github.com/ptop-hq/ptop/internal/render"
	"github.com/ptop-hq/ptop/internal/runtime"
	"github.com/ptop-hq/ptop/internal/session"
	"github.com/ptop-hq/ptop/internal/transport"
)

const version = "0.1.0"

const (
	exitOK               = 0
	exitCLIError         = 2
	exitSocketPrivilege  = 3
	exitLogIOFailure     = 4
)

type targetFlags []string

func (t *targetFlags) String() string { return strings.Join(*t, ",") }
func (t *targetFlags) Set(v string) error {
	*t = append(*t, v)
	return nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("ptop", flag.ContinueOnError)
	var targets targetFlags
	fs.Var(&targets, "t", "add a probe target (DNS name or IP), repeatable")
	intervalMS := fs.Int("i", 0, "probe interval per target in ms (default 1000)")
	includeDefaults := fs.Bool("d", true, "include default targets (gateway, 1.1.1.1, 8.8.8.8, 9.9.9.9)")
	logEnabled := fs.Bool("l", false, "enable session logging")
	listLogs := fs.Bool("list-logs", false, "print recorded log paths, newest first, and exit")
	replayPath := fs.String("replay", "", "enter replay mode on the given log")
	speed := fs.Float64("speed", session.DefaultSpeed, "initial replay speed multiplier")
	maxLogSize := fs.String("max-log-bytes", "", "cap session log size (e.g. 64MiB); recording disables itself once reached")
	showVersion := fs.Bool("version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return exitCLIError
	}

	if *showVersion {
		fmt.Printf("ptop %s\n", version)
		return exitOK
	}

	baseDir, err := config.BaseDir()
	if err != nil {
		fmt.Fprintln(os.Stderr, "ptop:", err)
		return exitCLIError
	}
	logsDir := filepath.Join(baseDir, "logs")
	sessionsDir := filepath.Join(baseDir, "sessions")

	if *listLogs {
		return doListLogs(logsDir)
	}

	logger := logging.New()

	if *replayPath != "" {
		return runReplayMode(*replayPath, *speed, logger)
	}

	maxLogBytes, err := session.ParseSize(*maxLogSize, 0)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ptop: -max-log-bytes:", err)
		return exitCLIError
	}

	return runLiveMode(liveOptions{
		targets:         targets,
		intervalMS:      *intervalMS,
		includeDefaults: *includeDefaults,
		logEnabled:      *logEnabled,
		maxLogBytes:     maxLogBytes,
		baseDir:         baseDir,
		logsDir:         logsDir,
		sessionsDir:     sessionsDir,
		logger:          logger,
	})
}

func doListLogs(logsDir string) int {
	files, err := session.ListLogs(logsDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ptop: list logs:", err)
		return exitCLIError
	}
	for _, f := range files {
		fmt.Printf("%s\t%s\t%s\n", f.Path, f.SizeString(), f.ModTime.Format(time.RFC3339))
	}
	return exitOK
}

type liveOptions struct {
	targets         []string
	intervalMS      int
	includeDefaults bool
	logEnabled      bool
	maxLogBytes     int64
	baseDir         string
	logsDir         string
	sessionsDir     string
	logger          *log.Logger
}

func runLiveMode(opts liveOptions) int {
	overlay, err := config.LoadOverlay(opts.baseDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ptop: load config:", err)
		return exitCLIError
	}

	cliTargets := make([]config.TargetConfig, 0, len(opts.targets))
	for i, host := range opts.targets {
		cliTargets = append(cliTargets, config.TargetConfig{Label: fmt.Sprintf("t%d", i), Host: host})
	}

	cfg := overlay.WithCLITargets(cliTargets).WithIntervalMS(opts.intervalMS)
	cfg.IncludeDefaults = opts.includeDefaults || len(cliTargets) == 0 && overlay.IncludeDefaults

	effective := cfg.EffectiveTargets()
	if len(effective) == 0 {
		fmt.Fprintln(os.Stderr, "ptop: no targets specified; pass -t or leave -d enabled")
		return exitCLIError
	}

	if err := config.Save(opts.baseDir, cfg); err != nil {
		fmt.Fprintln(os.Stderr, "ptop: warning: could not persist config:", err)
	}
	watcher, err := config.WatchOverlay(opts.baseDir, opts.logger, func(config.Config) {
		opts.logger.Printf("config change detected in %s; effective on next restart", filepath.Join(opts.baseDir, "config.yaml"))
	})
	if err != nil {
		opts.logger.Printf("config watch disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	specs := make([]probeengine.TargetSpec, len(effective))
	for i, t := range effective {
		specs[i] = probeengine.TargetSpec{
			Index:    i,
			Label:    t.Label,
			Host:     t.Host,
			Interval: time.Duration(cfg.IntervalMS) * time.Millisecond,
			Timeout:  time.Duration(cfg.IntervalMS) * time.Millisecond * 5,
		}
	}

	tr, err := transport.Open(cfg.MaxPacketsPerSecond)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ptop: cannot open raw ICMP socket:", err)
		fmt.Fprintln(os.Stderr, "ptop: grant the capability once with: sudo setcap cap_net_raw+ep <path-to-ptop-binary>")
		return exitSocketPrivilege
	}

	metricsStore := metrics.NewStore()
	rec := events.NewMulti(metricsStore, events.NewLogRecorder(opts.logger))

	var sessionRecorder *session.Recorder
	if opts.logEnabled {
		logTargets := make([]session.LogTarget, len(specs))
		for i, s := range specs {
			logTargets[i] = session.LogTarget{Idx: s.Index, Label: s.Label, Addr: s.Host}
		}
		sessionRecorder, err = session.NewRecorder(opts.logsDir, opts.sessionsDir, logTargets, time.Now(), rec, opts.maxLogBytes)
		if err != nil {
			fmt.Fprintln(os.Stderr, "ptop: cannot start session log:", err)
			return exitLogIOFailure
		}
	}

	rt := runtime.New(tr, specs,
		runtime.WithHistoryCapacity(cfg.HistorySize),
		runtime.WithLogger(opts.logger),
		runtime.WithEventRecorder(rec),
		runtime.WithSessionRecorder(sessionRecorder),
		runtime.WithMetrics(metricsStore))

	dispatcher := command.NewLiveDispatcher(rt.Coordinator())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-dispatcher.Done()
		cancel()
	}()
	go watchInterrupt(cancel)

	runErr := make(chan error, 1)
	go func() { runErr <- rt.Run(ctx) }()

	dashboard, err := render.New(rt.Registry(), dispatcher, "live")
	if err != nil {
		cancel()
		<-runErr
		fmt.Fprintln(os.Stderr, "ptop: cannot start terminal ui:", err)
		return exitCLIError
	}
	dashboard.Run()
	dashboard.Close()

	cancel()
	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "ptop:", err)
	}
	return exitOK
}

func runReplayMode(path string, speed float64, logger *log.Logger) int {
	src, err := session.Load(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ptop: cannot open replay log:", err)
		return exitLogIOFailure
	}
	src.SetSpeed(speed)

	metricsStore := metrics.NewStore()
	rec := events.NewMulti(metricsStore, events.NewLogRecorder(logger))

	rt := runtime.NewReplay(src, 0, rec)
	dispatcher := command.NewReplayDispatcher(src)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-dispatcher.Done()
		cancel()
	}()
	go watchInterrupt(cancel)

	runErr := make(chan error, 1)
	go func() { runErr <- rt.Run(ctx) }()

	dashboard, err := render.New(rt.Registry(), dispatcher, fmt.Sprintf("replay %.1fx", speed))
	if err != nil {
		cancel()
		<-runErr
		fmt.Fprintln(os.Stderr, "ptop: cannot start terminal ui:", err)
		return exitCLIError
	}
	dashboard.Run()
	dashboard.Close()

	cancel()
	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "ptop:", err)
	}
	return exitOK
}

func watchInterrupt(cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	cancel()
}
