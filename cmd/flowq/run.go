package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"flowq/internal/config"
	"flowq/internal/eventbus"
	"flowq/internal/runtime/supervisor"
	"flowq/internal/stream"
	logx "flowq/pkg/logx"
)

type options struct {
	configPath string
	sqlitePath string
}

func loadConfig(path string) (*config.Manager, *config.Config, error) {
	if path == "" {
		return nil, &config.Config{Logging: config.LoggingConfig{Level: "info", Console: true}}, nil
	}
	m := config.NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		return nil, nil, err
	}
	return m, cfg, nil
}

// run probes every URL read from stdin and prints "status url" lines to stdout.
func run(ctx context.Context, opts options, stdin io.Reader, stdout io.Writer) error {
	mgr, cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}

	logSvc, log := logx.NewService(cfg.Logging.ToLogx())
	defer logSvc.Close()

	sup := supervisor.New(ctx, supervisor.WithLogger(log.With(logx.String("comp", "supervisor"))))
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sup.Stop(sctx); err != nil {
			log.Warn("shutdown incomplete", logx.Err(err))
		}
	}()

	if mgr != nil {
		mgr.SetLogger(log.With(logx.String("comp", "config")))
		mgr.SetValidator(func(_ context.Context, next *config.Config) error {
			return checkStorageUnchanged(cfg, next)
		})
		updates := mgr.Subscribe(4)
		sup.GoRestart("config.watch", mgr.Watch)
		sup.Go("config.apply", func(ctx context.Context) error {
			applyConfigUpdates(ctx, cfg, updates, logSvc, log)
			return nil
		})
	}

	bus := eventbus.New()
	events, unsub := bus.Subscribe(256)
	defer unsub()
	sup.Go("events", func(ctx context.Context) error {
		logEvents(ctx, events, log)
		return nil
	})

	w, err := newResultWriter(cfg, opts.sqlitePath, log, bus)
	if err != nil {
		return err
	}
	defer w.Close()

	timeout, err := config.ParseDurationOrDefault("probe.timeout", cfg.Probe.Timeout, defaultProbeTimeout)
	if err != nil {
		return err
	}
	p := newProber(timeout, cfg.Probe.Method)

	scfg, err := config.ApplyStream(cfg.Stream, stream.Config[probeResult]{
		Name:   "probe",
		Logger: log,
		OnError: func(err error, item any) {
			log.Warn("probe failed", logx.Any("url", item), logx.Err(err))
		},
	})
	if err != nil {
		return err
	}

	lines := make(chan string)
	stop := make(chan struct{})
	readErr := make(chan error, 1)
	go readLines(stdin, lines, stop, readErr)

	results := make(chan probeResult)
	printed := make(chan error, 1)
	go func() { printed <- printResults(stdout, results, w) }()

	st, runErr := stream.Transform(ctx, lines, results, p.probe, scfg)
	close(stop)
	// The reader reports before closing lines, so a finished input always has
	// its error ready. A reader still blocked on stdin is left behind.
	var inErr error
	select {
	case inErr = <-readErr:
	default:
	}
	printErr := <-printed
	flushErr := w.Flush(context.WithoutCancel(ctx))

	log.Info("probe done",
		logx.Int("in", st.CountIn),
		logx.Int("ok", st.CountOut),
		logx.Int("failed", st.CountErrors),
		logx.Int("skipped", st.CountSkipped),
		logx.Bool("success", st.OK),
		logx.Duration("dur", st.Duration),
	)

	for _, err := range []error{runErr, inErr, printErr, flushErr} {
		if err != nil {
			return err
		}
	}
	return nil
}

// maxLineSize bounds a single stdin line.
const maxLineSize = 1 << 20

// readLines feeds lines until r is exhausted or stop is closed, then sends
// the scan error (or nil) on errc before closing lines. A read blocked on r
// outlives stop; the process exits around it.
func readLines(r io.Reader, lines chan<- string, stop <-chan struct{}, errc chan<- error) {
	defer close(lines)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	for sc.Scan() {
		select {
		case lines <- sc.Text():
		case <-stop:
			errc <- nil
			return
		}
	}
	if err := sc.Err(); err != nil {
		errc <- fmt.Errorf("read stdin: %w", err)
		return
	}
	errc <- nil
}

// checkStorageUnchanged rejects reloads that move storage.path while the
// database is open.
func checkStorageUnchanged(cur, next *config.Config) error {
	var was, now string
	if cur.Storage != nil {
		was = strings.TrimSpace(cur.Storage.Path)
	}
	if next.Storage != nil {
		now = strings.TrimSpace(next.Storage.Path)
	}
	if was != now {
		return fmt.Errorf("storage.path: cannot change from %q to %q while running", was, now)
	}
	return nil
}

func printResults(w io.Writer, results <-chan probeResult, rw *resultWriter) error {
	var werr error
	for res := range results {
		if werr == nil {
			_, werr = fmt.Fprintf(w, "%d %s\n", res.Status, res.URL)
		}
		rw.Add(res)
	}
	return werr
}

func applyConfigUpdates(ctx context.Context, cur *config.Config, updates <-chan *config.Config, logSvc *logx.Service, log logx.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-updates:
			if !ok {
				return
			}
			changed, attrs := config.SummarizeChange(cur, next)
			if len(changed) == 0 {
				continue
			}
			if slices.Contains(changed, "logging") {
				logSvc.Apply(next.Logging.ToLogx())
			}
			log.Info("config changed", append([]logx.Field{logx.Any("sections", changed)}, attrs...)...)
			if slices.ContainsFunc(changed, func(s string) bool { return s != "logging" }) {
				log.Info("non-logging changes apply to the next run")
			}
			cur = next
		}
	}
}

func logEvents(ctx context.Context, events <-chan eventbus.Event, log logx.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if log.Enabled(logx.LevelDebug) {
				log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	}
}
