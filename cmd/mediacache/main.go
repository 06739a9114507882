// Command mediacache is a maintenance tool for the local media cache: it
// inspects, sweeps and clears the cache database and runs fingerprinting
// and device detection outside the editor process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/clipforge/mediacache/capabilities"
	"github.com/clipforge/mediacache/fingerprint"
	"github.com/clipforge/mediacache/orchestrator"
	"github.com/clipforge/mediacache/store/cachedb"
	"github.com/clipforge/mediacache/store/mediastore"
)

type globals struct {
	Cache    string `help:"Path to the cache database file." default:"./mediacache/cache.db" type:"path"`
	MediaDir string `help:"Path to the media payload directory." default:"./mediacache/media" type:"path"`
	LogLevel string `help:"Log level." enum:"debug,info,warn,error" default:"info"`
}

var cli struct {
	globals

	Stats        statsCmd        `cmd:"" help:"Show live bytes per cache category."`
	Sweep        sweepCmd        `cmd:"" help:"Delete all expired entries."`
	Clear        clearCmd        `cmd:"" help:"Clear one cache category, or everything."`
	Optimize     optimizeCmd     `cmd:"" help:"Sweep expired entries and relieve cache pressure."`
	Fingerprint  fingerprintCmd  `cmd:"" help:"Fingerprint a media file and print its identity."`
	Capabilities capabilitiesCmd `cmd:"" help:"Classify this device and print recommended cache sizing."`
}

type appContext struct {
	logger   *slog.Logger
	cache    string
	mediaDir string
}

func main() {
	ktx := kong.Parse(&cli,
		kong.Name("mediacache"),
		kong.Description("Maintenance tool for the local media cache."),
		kong.UsageOnError(),
	)

	var level slog.Level
	switch cli.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
	slog.SetDefault(logger)

	app := &appContext{logger: logger, cache: cli.Cache, mediaDir: cli.MediaDir}
	if err := ktx.Run(app); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// openCache opens the cache database read-write. The caller closes it.
func openCache(app *appContext) (cachedb.CacheDB, error) {
	db := cachedb.New(cachedb.WithLogger(app.logger))
	if err := db.Open(app.cache); err != nil {
		return nil, fmt.Errorf("opening cache at %s: %w", app.cache, err)
	}
	return db, nil
}

type statsCmd struct{}

func (c *statsCmd) Run(app *appContext) error {
	db, err := openCache(app)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	sizes, err := db.SizeByCategory(ctx)
	if err != nil {
		return err
	}

	var total int64
	for _, category := range cachedb.Categories {
		n := sizes[category]
		total += n
		fmt.Printf("%-14s %12d bytes\n", category, n)
	}
	fmt.Printf("%-14s %12d bytes\n", "total", total)
	return nil
}

type sweepCmd struct{}

func (c *sweepCmd) Run(app *appContext) error {
	db, err := openCache(app)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	res, err := db.SweepExpired(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d expired entries, freed %d bytes in %s\n",
		res.Deleted, res.BytesFreed, res.Duration)
	return nil
}

type clearCmd struct {
	Category string `arg:"" help:"Category to clear (thumbnails, waveforms, frames, projects, performance, fingerprints) or 'all'."`
}

func (c *clearCmd) Run(app *appContext) error {
	db, err := openCache(app)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	if c.Category == "all" {
		if err := db.ClearAll(ctx); err != nil {
			return err
		}
		fmt.Println("cleared all categories")
		return nil
	}

	category, err := cachedb.ParseCategory(c.Category)
	if err != nil {
		return err
	}
	if err := db.ClearCategory(ctx, category); err != nil {
		return err
	}
	fmt.Printf("cleared %s\n", category)
	return nil
}

type optimizeCmd struct {
	Threshold int64 `help:"Total cache bytes above which decoded frames are evicted." default:"104857600"`
}

func (c *optimizeCmd) Run(app *appContext) error {
	media, err := mediastore.New(app.mediaDir, mediastore.WithLogger(app.logger))
	if err != nil {
		return err
	}

	// The remote tier is not needed for local maintenance.
	orch := orchestrator.New(app.cache,
		cachedb.New(cachedb.WithLogger(app.logger)),
		media, nil, nil,
		orchestrator.WithLogger(app.logger),
		orchestrator.WithSizeThreshold(c.Threshold),
	)
	ctx := context.Background()
	if err := orch.Initialize(ctx); err != nil {
		return err
	}
	defer func() { _ = orch.Close() }()

	res, err := orch.OptimizeCache(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("swept %d entries (%d bytes); total live bytes %d\n",
		res.Swept.Deleted, res.Swept.BytesFreed, res.TotalBytes)
	if res.FramesCleared {
		fmt.Println("cache over threshold: cleared decoded frames")
	}
	return nil
}

type fingerprintCmd struct {
	File  string `arg:"" help:"Media file to fingerprint." type:"existingfile"`
	Store bool   `help:"Also register the fingerprint in the cache registry."`
}

func (c *fingerprintCmd) Run(app *appContext) error {
	db, err := openCache(app)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	engine := fingerprint.NewEngine(db, fingerprint.WithLogger(app.logger))
	fp, err := engine.GenerateFile(c.File)
	if err != nil {
		return err
	}

	fmt.Printf("file:     %s\n", filepath.Base(c.File))
	fmt.Printf("hash:     %s\n", fp.ContentHash)
	fmt.Printf("size:     %d bytes\n", fp.SizeBytes)
	if fp.Analysis.DurationMs > 0 {
		fmt.Printf("duration: %d ms\n", fp.Analysis.DurationMs)
	}
	if fp.Analysis.Format != "" {
		fmt.Printf("format:   %s\n", fp.Analysis.Format)
	}

	if c.Store {
		if err := engine.StoreFingerprint(context.Background(), fp); err != nil {
			return err
		}
		fmt.Println("registered")
	}
	return nil
}

type capabilitiesCmd struct{}

func (c *capabilitiesCmd) Run(app *appContext) error {
	report := capabilities.Detect(context.Background(), app.logger)

	fmt.Printf("tier:        %s\n", report.Tier)
	fmt.Printf("score:       %.0f iter/ms\n", report.BenchmarkScore)
	fmt.Printf("cpus:        %d\n", report.LogicalCPUs)
	fmt.Printf("memory:      %d bytes (%.0f%% used)\n", report.TotalMemory, report.UsedMemoryPct)
	fmt.Printf("cache size:  %d bytes recommended\n", report.RecommendedCacheBytes)
	fmt.Printf("concurrency: %d\n", report.RecommendedConcurrency)
	return nil
}
