package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/videory/internal/assets"
	"github.com/mantonx/videory/internal/catalog"
	"github.com/mantonx/videory/internal/config"
	"github.com/mantonx/videory/internal/database"
	"github.com/mantonx/videory/internal/events"
	"github.com/mantonx/videory/internal/fingerprint"
	"github.com/mantonx/videory/internal/logger"
	"github.com/mantonx/videory/internal/scanner"
	"github.com/mantonx/videory/internal/scheduler"
	"github.com/mantonx/videory/internal/server"
	"github.com/mantonx/videory/internal/server/handlers"
	"github.com/mantonx/videory/internal/transcode/ffmpeg"
)

// dirList collects -in values. Each value may hold several comma separated dirs.
type dirList []string

func (d *dirList) String() string { return strings.Join(*d, ",") }

func (d *dirList) Set(value string) error {
	for _, dir := range strings.Split(value, ",") {
		if dir = strings.TrimSpace(dir); dir != "" {
			*d = append(*d, dir)
		}
	}
	return nil
}

type flags struct {
	configPath    string
	inputDirs     dirList
	outputDir     string
	allowVersions bool
	set           map[string]bool
}

func parseFlags(args []string) (*flags, error) {
	f := &flags{set: map[string]bool{}}
	fs := flag.NewFlagSet("videory", flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", "", "path to a YAML or JSON config file")
	fs.Var(&f.inputDirs, "in", "directory to index, repeatable or comma separated")
	fs.StringVar(&f.outputDir, "out", "", "directory for transcoded files (defaults to the first input dir)")
	fs.BoolVar(&f.allowVersions, "allow-versions", false, "write a versioned file when the output already exists")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(fl *flag.Flag) { f.set[fl.Name] = true })

	if f.configPath == "" {
		f.configPath = os.Getenv("VIDEORY_CONFIG_PATH")
	}
	if f.configPath == "" {
		if _, err := os.Stat("./videory.yaml"); err == nil {
			f.configPath = "./videory.yaml"
		}
	}
	return f, nil
}

// override applies only the flags given on the command line
func (f *flags) override(cfg *config.Config) {
	if f.set["in"] {
		cfg.Scanner.InputDirs = append([]string(nil), f.inputDirs...)
	}
	if f.set["out"] {
		cfg.Transcode.OutputDir = f.outputDir
	}
	if f.set["allow-versions"] {
		cfg.Scheduler.AllowVersions = f.allowVersions
	}
}

func main() {
	f, err := parseFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		os.Exit(2)
	}

	if err := config.Load(f.configPath, f.override); err != nil {
		fmt.Fprintf(os.Stderr, "videory: %v\n", err)
		os.Exit(1)
	}
	cfg := config.Get()

	log := logger.Init(logger.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Color:  cfg.Logging.EnableColors,
	})
	if f.configPath != "" {
		log.Info("configuration loaded", "path", f.configPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("videory stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, log hclog.Logger) error {
	db, err := database.Open(cfg.Database, log.Named("database"))
	if err != nil {
		return err
	}
	defer database.Close(db)

	bus := events.NewBus(events.DefaultConfig(), log.Named("events"))
	if err := bus.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = bus.Stop(stopCtx)
	}()

	cat := catalog.New(db, log.Named("catalog"))
	encoder := ffmpeg.NewRunner(cfg.Transcode.FFmpegPath, log.Named("ffmpeg"))
	fp := fingerprint.New(cfg.Transcode.FFprobePath, ffmpeg.DefaultCommandRunner{}, log.Named("fingerprint"))

	deps := scheduler.Deps{
		Store:     cat,
		Encoder:   encoder,
		Publisher: bus,
		Logger:    log.Named("scheduler"),
	}
	if cfg.Assets.Posters {
		deps.Posters = assets.NewPosterWriter(cfg.Assets, encoder, log.Named("assets"))
	}
	sched := scheduler.New(scheduler.ConfigFrom(cfg), deps)

	indexer := scanner.NewIndexer(scanner.OptionsFrom(cfg.Scanner), fp, cat, bus, log.Named("indexer"))

	var watcher *scanner.Watcher
	if cfg.Scanner.Watch {
		// Watches go in before the crawl so files copied in meanwhile are seen
		watcher, err = scanner.NewWatcher(indexer, cfg.Scanner.WatchDebounce, log.Named("watcher"))
		if err != nil {
			return err
		}
		for _, dir := range cfg.Scanner.InputDirs {
			if err := watcher.Add(dir); err != nil {
				log.Error("cannot watch input directory", "dir", dir, "error", err)
			}
		}
		watcher.OnIndexed(sched.Wake)
	}

	var (
		wg   sync.WaitGroup
		errs = make(chan error, 3)
	)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var srv *server.Server
	if cfg.Server.Enabled {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		srv = server.New(cfg.Server, server.Deps{
			Catalog:   cat,
			Events:    bus,
			Publisher: bus,
			Waker:     sched,
			HealthChecks: map[string]handlers.HealthCheck{
				"catalog": sqlDB.PingContext,
				"events":  func(context.Context) error { return bus.Health() },
			},
			Logger: log.Named("http"),
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.ListenAndServe(); err != nil {
				errs <- err
				cancel()
			}
		}()
	}

	// Events seen during the crawl are safe to handle; indexing is idempotent
	if watcher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := watcher.Run(ctx); err != nil {
				errs <- err
			}
		}()
	}

	stats, err := indexer.Crawl(ctx, cfg.Scanner.InputDirs)
	if err != nil {
		if ctx.Err() != nil {
			return shutdown(srv, &wg, errs, log)
		}
		log.Warn("initial crawl finished with errors", "error", err)
	}
	log.Info("initial crawl done", "indexed", stats.Indexed, "existing", stats.Existing, "skipped", stats.Skipped)

	log.Info("scheduler starting",
		"output_dir", cfg.Transcode.OutputDir,
		"codec", cfg.Transcode.Codec,
		"crf", cfg.Transcode.CRF,
		"preset", cfg.Transcode.Preset,
		"batch_size", cfg.Scheduler.BatchSize,
		"allow_versions", cfg.Scheduler.AllowVersions)
	if err := sched.Run(ctx); err != nil {
		errs <- err
	}
	cancel()

	return shutdown(srv, &wg, errs, log)
}

// shutdown stops the HTTP server, waits for the background loops and
// joins the errors they reported
func shutdown(srv *server.Server, wg *sync.WaitGroup, errs chan error, log hclog.Logger) error {
	log.Info("shutting down")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", "error", err)
		}
	}
	wg.Wait()
	close(errs)

	var all []error
	for err := range errs {
		all = append(all, err)
	}
	return errors.Join(all...)
}
