package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"echo-transcript/internal/config"
	"echo-transcript/internal/features"
	"echo-transcript/internal/history"
	"echo-transcript/internal/instructions"
	"echo-transcript/internal/journal"
	"echo-transcript/internal/logger"
	"echo-transcript/internal/producer"
	"echo-transcript/internal/session"
	"echo-transcript/internal/tui/render"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// rootFlags 是所有子命令共享的全局参数。
type rootFlags struct {
	configPath  string
	overrides   []string
	enable      []string
	disable     []string
	workdir     string
	metricsAddr string
	logLevel    string
}

// app 持有一次命令执行所需的全部资源，Close 按打开的逆序释放。
type app struct {
	cfg       config.Config
	workdir   string
	snapshots session.SnapshotStore
	journal   *journal.Writer
	log       *logger.LogEntry
	closers   []func()
}

// newApp loads config, configures logging and opens the snapshot store.
// Interactive runs log to a file so the terminal stays clean.
func newApp(ctx context.Context, flags *rootFlags, interactive bool) (*app, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	logPath := cfg.Log.Path
	if interactive && logPath == "" {
		logPath = defaultLogPath()
	}
	logCloser, err := logger.Configure(logger.Options{Level: cfg.Log.Level, Path: logPath})
	if err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	a := &app{
		cfg:     cfg,
		workdir: resolveWorkdir(flags.workdir),
		log:     logger.Named("cli"),
	}
	if logCloser != nil {
		a.closers = append(a.closers, func() {
			logger.Root().SetOutput(os.Stderr)
			_ = logCloser.Close()
		})
	}
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, a.log)
		a.closers = append(a.closers, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}
	if err := a.openSnapshots(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func loadConfig(flags *rootFlags) (config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	featureOverrides, err := features.Overrides(flags.enable, flags.disable)
	if err != nil {
		return cfg, err
	}
	overrides := append(append([]string{}, flags.overrides...), featureOverrides...)
	cfg = config.ApplyKVOverrides(cfg, overrides)
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if flags.metricsAddr != "" {
		cfg.MetricsAddr = flags.metricsAddr
	}
	return cfg, nil
}

func defaultLogPath() string {
	if home := config.Home(); home != "" {
		return filepath.Join(home, "logs", "echo-transcript.log")
	}
	return logger.DefaultLogPath
}

// openSnapshots 优先使用 Postgres，未配置 database_url 时落到本地目录。
func (a *app) openSnapshots(ctx context.Context) error {
	url := strings.TrimSpace(a.cfg.Persist.DatabaseURL)
	if url == "" {
		a.snapshots = session.NewFileStore(a.cfg.SessionsDir())
		return nil
	}
	pool, err := session.NewPostgresPool(ctx, url)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	store := session.NewPostgresStore(pool, a.cfg.Persist.Schema)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("prepare schema: %w", err)
	}
	a.closers = append(a.closers, pool.Close)
	a.snapshots = store
	a.log.Infof("snapshots in postgres schema %s", a.cfg.Persist.Schema)
	return nil
}

func (a *app) journalPath() string {
	return filepath.Join(filepath.Dir(a.cfg.SessionsDir()), "journal", ulid.Make().String()+".jsonl")
}

func (a *app) theme() *render.Theme {
	theme, ok := render.ThemeByName(a.cfg.Render.Theme)
	if !ok {
		a.log.Warnf("unknown theme %q, using default", a.cfg.Render.Theme)
	}
	return theme
}

// newController wires a store, render cache, stream source and optional
// journal into a session controller. state seeds the store when non-nil.
// Commands that never talk to a model pass needModel=false and get the
// scripted source when the configured provider cannot be built.
func (a *app) newController(state *history.State, needModel bool) (*session.Controller, error) {
	src, err := session.NewSource(a.cfg.Model)
	if err != nil {
		if needModel {
			return nil, err
		}
		src = producer.NewScriptedSource(session.OfflineReply)
	}
	cache := render.NewCache(a.cfg.Render.CacheCapacity, a.theme())
	cache.SetReasoningVisible(a.cfg.Render.ReasoningVisible)

	storeOpts := history.StoreOptions{
		InboxBuffer:  a.cfg.Store.InboxBuffer,
		ChangeBuffer: a.cfg.Store.ChangeBuffer,
		State:        state,
	}
	var restores session.RestoreRecorder
	if a.cfg.Persist.Journal {
		w, err := journal.Open(a.journalPath())
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		a.journal = w
		a.closers = append(a.closers, func() {
			if err := w.Close(); err != nil {
				a.log.Warnf("close journal: %v", err)
			}
		})
		storeOpts.Recorder = w
		restores = w
		a.log.Infof("journal at %s", w.Path())
	}
	store := history.NewStore(storeOpts)
	a.closers = append(a.closers, store.Close)

	opts := session.Options{
		Workdir:   a.workdir,
		Model:     a.cfg.Model.Name,
		System:    instructions.SystemPrompt(a.cfg.Model.System, instructions.Discover(a.workdir, config.Home())),
		Store:     store,
		Cache:     cache,
		Source:    src,
		Snapshots: a.snapshots,
		Restores:  restores,
		ExecTTY:   a.cfg.Exec.TTY,
	}
	if a.cfg.Exec.IdleNoticeMs > 0 {
		opts.ExecOptions = append(opts.ExecOptions, producer.WithIdleNotice(time.Duration(a.cfg.Exec.IdleNoticeMs)*time.Millisecond))
	}
	if a.cfg.Exec.Observer {
		opts.Observer = &producer.ObserverOptions{}
	}
	if path := strings.TrimSpace(a.cfg.Log.StreamPath); path != "" {
		entry, closer, resolved, err := logger.SetupComponentFile("stream", path)
		if err != nil {
			return nil, fmt.Errorf("stream log: %w", err)
		}
		a.closers = append(a.closers, func() { _ = closer.Close() })
		opts.StreamTrace = logger.NewStreamLogger(entry)
		a.log.Infof("stream trace at %s", resolved)
	}
	ctrl := session.New(opts)
	a.closers = append(a.closers, ctrl.Close)
	return ctrl, nil
}

// Close releases everything newApp and newController opened.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func serveMetrics(addr string, log *logger.LogEntry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warnf("metrics server: %v", err)
		}
	}()
	log.Infof("metrics on http://%s/metrics", addr)
	return srv
}

// printTranscript 以给定宽度输出整份转录；color 为 false 时去掉 ANSI。
func printTranscript(ctx context.Context, w io.Writer, ctrl *session.Controller, width int, color bool) error {
	if err := ctrl.Store().Flush(ctx); err != nil {
		return err
	}
	view, err := ctrl.Store().View(ctx)
	if err != nil {
		return err
	}
	cache := ctrl.Cache()
	if width > 0 {
		cache.SetWidth(width)
	}
	s := cache.Settings()
	lines := cache.PlainLines(view, s)
	if color {
		lines = cache.Lines(view, s)
	}
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func resolveWorkdir(input string) string {
	wd, err := os.Getwd()
	switch {
	case strings.TrimSpace(input) == "":
		if err != nil {
			return ""
		}
		return wd
	case filepath.IsAbs(input), err != nil:
		return input
	default:
		return filepath.Join(wd, input)
	}
}
