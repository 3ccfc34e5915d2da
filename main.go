package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lvcoi/tubefetch/internal/app"
	"github.com/lvcoi/tubefetch/internal/config"
	"github.com/lvcoi/tubefetch/internal/downloader"
	"github.com/lvcoi/tubefetch/internal/log"
	"github.com/lvcoi/tubefetch/internal/progress"
	"github.com/lvcoi/tubefetch/internal/storage"
	"github.com/lvcoi/tubefetch/internal/transcode"
	"github.com/lvcoi/tubefetch/internal/tui"
	"github.com/lvcoi/tubefetch/internal/web"
	"github.com/lvcoi/tubefetch/internal/ws"
	"github.com/lvcoi/tubefetch/internal/ytdlp"
)

func main() {
	args := os.Args[1:]
	mode := "serve"
	if len(args) > 0 && (args[0] == "serve" || args[0] == "get") {
		mode, args = args[0], args[1:]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var code int
	switch mode {
	case "get":
		code = runGet(ctx, args)
	default:
		code = runServe(ctx, args)
	}
	stop()
	os.Exit(code)
}

// commonFlags are shared by both modes and override the loaded config.
type commonFlags struct {
	configPath  string
	outputDir   string
	ffmpeg      string
	keepPartial bool
	timeout     time.Duration
	logLevel    string
	logFormat   string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "YAML config file (default $TUBEFETCH_CONFIG)")
	fs.StringVar(&c.outputDir, "o", config.DefaultOutputDir, "output directory")
	fs.StringVar(&c.ffmpeg, "ffmpeg", "", "ffmpeg binary (default: bundled tools/ffmpeg*, then PATH)")
	fs.BoolVar(&c.keepPartial, "keep-partial", false, "keep .part files of failed downloads")
	fs.DurationVar(&c.timeout, "timeout", 3*time.Minute, "per-request timeout for the primary strategy")
	fs.StringVar(&c.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	fs.StringVar(&c.logFormat, "log-format", "json", "log format: json or console")
}

// load resolves the config and applies only the flags given on the command line.
func (c *commonFlags) load(fs *flag.FlagSet) (config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return cfg, err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "o":
			cfg.OutputDir = c.outputDir
		case "ffmpeg":
			cfg.FFmpegPath = c.ffmpeg
		case "keep-partial":
			cfg.KeepPartial = c.keepPartial
		case "timeout":
			cfg.Timeout = c.timeout
		case "log-level":
			cfg.LogLevel = c.logLevel
		case "log-format":
			cfg.LogFormat = c.logFormat
		}
	})
	return cfg, cfg.Validate()
}

type deps struct {
	registry *progress.Registry
	orch     *downloader.Orchestrator
}

// build resolves cfg.OutputDir to an absolute path in place and wires the
// registry and orchestrator around it.
func build(cfg *config.Config) (deps, error) {
	logger := log.WithComponent("main")
	abs, err := filepath.Abs(cfg.OutputDir)
	if err != nil {
		return deps{}, fmt.Errorf("resolve output directory: %w", err)
	}
	cfg.OutputDir = abs
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return deps{}, fmt.Errorf("create output directory: %w", err)
	}

	cwd, _ := os.Getwd()
	loc := transcode.Locate(cfg.FFmpegPath, cwd)
	if loc.Path == "" {
		logger.Warn().Msg("ffmpeg not found; audio downloads will fail")
	} else {
		logger.Debug().Str("ffmpeg", loc.Path).Bool("bundled", loc.Bundled).Msg("ffmpeg located")
	}
	ffmpegLocation := ""
	if loc.Bundled {
		ffmpegLocation = loc.Path
	}

	publisher, err := storage.New(*cfg)
	if err != nil {
		return deps{}, err
	}

	reg := progress.New(progress.Options{
		DoneTTL:    cfg.Progress.DoneTTL,
		ErrorTTL:   cfg.Progress.ErrorTTL,
		MaxEntries: cfg.Progress.MaxEntries,
	})
	orch := downloader.New(
		downloader.Options{OutputDir: cfg.OutputDir, KeepPartial: cfg.KeepPartial},
		downloader.NewYouTubePrimary(cfg.Timeout),
		ytdlp.New(cfg.OutputDir, ffmpegLocation, reg),
		transcode.New(loc.Path),
		publisher,
		reg,
	)
	return deps{registry: reg, orch: orch}, nil
}

func runServe(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	port := fs.Int("port", config.DefaultPort, "listen port")
	_ = fs.Parse(args)

	cfg, err := common.load(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 2
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "port" {
			cfg.Port = *port
		}
	})
	log.Configure(log.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger := log.WithComponent("main")

	removeWatchFiles()

	d, err := build(&cfg)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return 1
	}
	defer d.orch.Close()

	g, gctx := errgroup.WithContext(ctx)
	hub := ws.NewHub(d.registry)
	srv := web.New(d.orch, d.registry, hub, web.Options{
		OutputDir:   cfg.OutputDir,
		BitrateKbps: cfg.BitrateKbps,
		Backend:     storage.Backend(cfg),
		Context:     gctx,
	})

	d.registry.StartCleanup(gctx, time.Minute)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return web.ListenAndServe(gctx, cfg.Addr(), srv.Routes())
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("server stopped")
		return 1
	}
	logger.Info().Msg("shutdown complete")
	return 0
}

// removeWatchFiles deletes *-watch.html pages the extraction library may
// leave in the working directory when a player page fails to parse.
func removeWatchFiles() {
	matches, _ := filepath.Glob("*-watch.html")
	for _, m := range matches {
		if err := os.Remove(m); err == nil {
			logger := log.WithComponent("main")
			logger.Debug().Str("file", m).Msg("removed stray watch page")
		}
	}
}

func runGet(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: %s get [options] <url> [url...]\n       %s get -convert <file>\n", os.Args[0], os.Args[0])
		fs.PrintDefaults()
	}
	var common commonFlags
	common.register(fs)
	audio := fs.Bool("audio", false, "download audio only and encode to MP3")
	bitrate := fs.Int("bitrate", 0, "MP3 bitrate in kbps (default from config, 192)")
	convert := fs.String("convert", "", "convert an existing file in the output directory to MP3")
	jobs := fs.Int("jobs", 1, "number of concurrent downloads")
	jsonOut := fs.Bool("json", false, "emit JSON results instead of progress output")
	_ = fs.Parse(args)

	cfg, err := common.load(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 2
	}
	if *bitrate > 0 {
		cfg.BitrateKbps = *bitrate
	}
	// the progress view owns the terminal; only errors are logged unless asked
	level := cfg.LogLevel
	if !flagSet(fs, "log-level") {
		level = "error"
	}
	log.Configure(log.Config{Level: level, Format: cfg.LogFormat})

	urls := fs.Args()
	if *convert == "" && len(urls) == 0 {
		fs.Usage()
		return 2
	}

	d, err := build(&cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer d.orch.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var manager *tui.Manager
	if !*jsonOut {
		manager = tui.New(d.registry, os.Stderr)
		manager.Interrupt = cancel
		manager.Start(ctx)
	}

	if *convert != "" {
		id := uuid.NewString()
		manager.Track(id, filepath.Base(*convert))
		out, err := d.orch.Convert(ctx, downloader.ConvertRequest{Path: *convert, BitrateKbps: cfg.BitrateKbps, JobID: id})
		settle(d.registry, id, err)
		manager.Wait()
		manager.Stop()
		result := app.Result{URL: *convert, Err: err}
		if err != nil {
			result.Error = err.Error()
		} else {
			result.Outcome = &out
		}
		report([]app.Result{result}, *jsonOut)
		return downloader.ExitCode(err)
	}

	kind := downloader.KindVideo
	if *audio {
		kind = downloader.KindAudio
	}
	batch := make([]downloader.Job, 0, len(urls))
	for _, u := range urls {
		job := downloader.Job{ID: uuid.NewString(), URL: u, Kind: kind, BitrateKbps: cfg.BitrateKbps}
		manager.Track(job.ID, u)
		batch = append(batch, job)
	}

	results, code := app.Run(ctx, d.orch, batch, *jobs)
	for _, res := range results {
		settle(d.registry, res.Job.ID, res.Err)
	}
	if ctx.Err() == nil {
		manager.Wait()
	}
	manager.Stop()
	report(results, *jsonOut)
	return code
}

// settle finishes jobs rejected before they reached the registry so their
// progress rows end.
func settle(reg *progress.Registry, id string, err error) {
	if err != nil && reg.Snapshot(id).Status == progress.StatusUnknown {
		reg.Finish(id, false, progress.Details{Error: err.Error()})
	}
}

func flagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func report(results []app.Result, asJSON bool) {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetEscapeHTML(false)
		for _, res := range results {
			payload := struct {
				app.Result
				Type     string `json:"type"`
				Category string `json:"category,omitempty"`
			}{Result: res, Type: "result"}
			if res.Err != nil {
				payload.Type = "error"
				payload.Category = string(downloader.CategoryOf(res.Err))
			}
			_ = enc.Encode(payload)
		}
		return
	}
	for _, res := range results {
		if res.Err != nil {
			fmt.Fprintf(os.Stderr, "error: %s: %v\n", res.URL, res.Err)
			continue
		}
		fmt.Printf("%s -> %s\n", res.Outcome.Path, res.Outcome.URL)
	}
}
