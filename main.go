package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"fundflow/cache"
	"fundflow/config"
	"fundflow/indicator"
	"fundflow/logger"
	"fundflow/sink"
	"fundflow/updater"
)

func main() {
	os.Exit(run())
}

func run() int {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		return 1
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		return 1
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Fundflow.Name,
		"version":     cfg.Fundflow.Version,
		"environment": config.AppEnvironment(),
		"series":      len(cfg.Series),
	}).Info("starting fundflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A one-shot run still honors SIGINT/SIGTERM so an operator can abort a
	// stuck cycle cleanly.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
		cancel()
	}()

	if cfg.Logging.DashboardName != "" {
		logger.InitCloudWatch(cfg.Sink.Archive.Region, cfg.Fundflow.Name, cfg.Logging.DashboardName)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	store, err := cache.Open(cfg.Cache)
	if err != nil {
		log.WithError(err).Error("Failed to open observation cache")
		return 1
	}
	defer store.Close()

	var sheetsWriter updater.SheetAppender
	if cfg.Sink.Sheets.Enabled {
		w, err := sink.NewSheetsWriter(ctx, cfg.Sink.Sheets)
		if err != nil {
			log.WithError(err).Error("Failed to create spreadsheet sink")
			return 1
		}
		sheetsWriter = w
	}

	u := updater.New(cfg, store, sink.NewCSVWriter(cfg.Sink), sheetsWriter)
	result, err := u.RunOnce(ctx)
	if err != nil {
		log.WithError(err).Error("Run aborted")
		return 1
	}

	for _, s := range result.Statuses {
		entry := log.WithComponent("main").WithFields(logger.Fields{
			"series":     s.Series,
			"from_cache": s.FromCache,
		})
		if s.OK {
			entry.Info("series updated")
		} else {
			entry.WithError(s.Err).Error("series failed")
		}
	}

	refreshIndicators(cfg, log)

	if cfg.Sink.Archive.Enabled {
		uploader, err := sink.NewArchiveUploader(ctx, cfg.Sink.Archive)
		if err != nil {
			log.WithError(err).Error("Failed to create archive uploader")
			return 1
		}
		if err := uploader.UploadAll(ctx, cfg.Sink.DataDir); err != nil {
			log.WithError(err).Error("Archiving sink files failed")
			return 1
		}
	}

	if !result.AllOK() {
		log.WithFields(logger.Fields{"run_id": result.RunID}).Warn("fundflow finished with failures")
		return 1
	}
	log.WithFields(logger.Fields{"run_id": result.RunID}).Info("fundflow finished")
	return 0
}

// refreshIndicators recomputes technical indicators for every bulk-history
// series. Indicator problems never fail the run; the acquired data is already
// safe on disk.
func refreshIndicators(cfg *config.Config, log *logger.Log) {
	for _, series := range cfg.Series {
		if !series.Sink.BulkHistory || series.Sink.File == "" {
			continue
		}
		historyPath := filepath.Join(cfg.Sink.DataDir, series.Sink.File)
		summaries, err := indicator.Analyze(historyPath, series.Sink.DateFormat)
		if err != nil {
			log.WithComponent("main").WithError(err).Warn("Indicator analysis failed")
			continue
		}
		if len(summaries) == 0 {
			continue
		}
		outPath := strings.TrimSuffix(historyPath, filepath.Ext(historyPath)) + "_indicators.csv"
		if err := indicator.WriteCSV(outPath, summaries); err != nil {
			log.WithComponent("main").WithError(err).Warn("Writing indicator file failed")
			continue
		}
		log.WithComponent("main").WithFields(logger.Fields{
			"file":  filepath.Base(outPath),
			"funds": len(summaries),
		}).Info("indicators refreshed")
	}
}
