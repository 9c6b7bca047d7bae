package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mbox-to-md/cmd"
	"github.com/dhcgn/mbox-to-md/config"
	"github.com/dhcgn/mbox-to-md/convert"
	"github.com/dhcgn/mbox-to-md/errlog"
	"github.com/dhcgn/mbox-to-md/manifest"
	"github.com/dhcgn/mbox-to-md/mbox"
	"github.com/dhcgn/mbox-to-md/progress"
	"github.com/dhcgn/mbox-to-md/runner"
	"github.com/dhcgn/mbox-to-md/stats"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mbox-to-md",
		Short: "Convert an mbox archive into Markdown files with extracted attachments",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)
			logger.Info("starting mbox-to-md", "mbox", cfg.MboxPath, "output", cfg.OutputDir, "dryRun", cfg.DryRun)

			return run(cfg, logger)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	rootCmd.AddCommand(cmd.NewMboxStatsCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) (err error) {
	archive, err := mbox.Open(mbox.Options{Path: cfg.MboxPath, Lock: !cfg.NoLock}, logger)
	if err != nil {
		if errors.Is(err, mbox.ErrLocked) {
			return fmt.Errorf("%w (use --no-lock to skip locking)", err)
		}
		return err
	}
	defer func() {
		if cerr := archive.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	var sink errlog.Sink
	if cfg.DryRun {
		sink = errlog.LogSink{Logger: logger}
	} else {
		if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
		fileSink := errlog.NewFileSink(cfg.OutputDir, logger)
		logger.Debug("error log", "path", fileSink.Path())
		sink = fileSink
	}

	recorder, index, err := openRecorder(cfg)
	if err != nil {
		return err
	}
	if recorder != nil {
		defer func() {
			if cerr := recorder.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
	}

	r, err := runner.New(cfg, sink, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}
	stats.NewReporter(r, logger)

	var reporter *progress.Reporter
	if cfg.Progress {
		total, err := mbox.CountMessages(cfg.MboxPath)
		if err != nil {
			return fmt.Errorf("count messages: %w", err)
		}
		reporter = progress.NewReporter(r, progress.New(total, true, nil), logger)
	}

	mbox.NewProducer(archive, r)

	converterOpts := convert.Options{
		Root:          cfg.OutputDir,
		MaxNameLength: cfg.MaxNameLength,
		DecodeHeaders: cfg.DecodeHeaders,
		DryRun:        cfg.DryRun,
		Quiet:         cfg.Progress,
	}
	converter, err := convert.NewConverter(converterOpts, r, recorder, logger)
	if err != nil {
		return fmt.Errorf("convert.NewConverter: %w", err)
	}
	logger.Debug("run started", "runID", converter.RunID())

	err = r.Start()
	if reporter != nil {
		reporter.Finish()
	}
	if err != nil {
		return err
	}

	if index != nil {
		n, err := index.Count(context.Background(), converter.RunID())
		if err != nil {
			return fmt.Errorf("index: %w", err)
		}
		logger.Info("index updated", "path", cfg.IndexDB, "runID", converter.RunID(), "records", n)
	}
	return nil
}

// openRecorder returns the manifest writer and SQLite index the config asks
// for, or nil when neither is enabled. Dry runs record nothing. The index is
// also returned on its own for the end-of-run count; closing the recorder
// closes it.
func openRecorder(cfg config.Config) (manifest.Recorder, *manifest.Index, error) {
	if cfg.DryRun {
		return nil, nil, nil
	}

	var recorders manifest.Multi
	if cfg.Manifest {
		w, err := manifest.NewWriter(cfg.OutputDir)
		if err != nil {
			return nil, nil, fmt.Errorf("manifest: %w", err)
		}
		recorders = append(recorders, w)
	}
	var index *manifest.Index
	if cfg.IndexDB != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		idx, err := manifest.OpenIndex(ctx, cfg.IndexDB)
		if err != nil {
			_ = recorders.Close()
			return nil, nil, fmt.Errorf("index: %w", err)
		}
		recorders = append(recorders, idx)
		index = idx
	}

	if len(recorders) == 0 {
		return nil, nil, nil
	}
	return recorders, index, nil
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	// Console lines go to stdout, so log records go to stderr.
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("mbox-to-md-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stderr, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stderr, opts)
	return slog.New(handler), cleanup, nil
}
