// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package cli is the thin, flag-driven shell around pkg/iaget. It owns
// no presentation logic beyond plain log lines written through
// internal/ialog: no color, no interactive menus, no progress bar
// widget, no config-file editor. This package only translates flags
// into a Plan and wires an Observer that prints one line per
// PlanResolved, FileStart and FileDone event, plus SessionTick lines
// at debug level; Bytes events are not printed.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ia-get/ia-get/internal/ialog"
	"github.com/ia-get/ia-get/pkg/iaget"
)

// Execute runs the CLI with the given version string.
func Execute(version string) error {
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	root := &cobra.Command{
		Use:           "ia-get",
		Short:         "Bulk downloader for Internet Archive items",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	root.AddCommand(newGetCmd(ctx))
	root.AddCommand(newVersionCmd(version))

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}

// getOpts collects everything the engine needs to build a Plan, read
// from flags rather than an interactive prompt.
type getOpts struct {
	output       string
	include      []string
	exclude      []string
	minSize      string
	maxSize      string
	concurrency  int
	noVerify     bool
	preserveTime bool
	decompress   []string
	maxRetries   int
	logLevel     string
}

func newGetCmd(ctx context.Context) *cobra.Command {
	o := &getOpts{}

	cmd := &cobra.Command{
		Use:   "get IDENTIFIER",
		Short: "Download an Internet Archive item's files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(ctx, args[0], o)
		},
	}

	cmd.Flags().StringVarP(&o.output, "output", "o", ".", "Output directory")
	cmd.Flags().StringSliceVarP(&o.include, "include", "i", nil, "Only keep files matching one of these formats/extensions")
	cmd.Flags().StringSliceVarP(&o.exclude, "exclude", "x", nil, "Drop files matching one of these formats/extensions")
	cmd.Flags().StringVar(&o.minSize, "min-size", "", "Minimum file size (bytes, or e.g. 10MiB)")
	cmd.Flags().StringVar(&o.maxSize, "max-size", "", "Maximum file size (bytes, or e.g. 1GiB)")
	cmd.Flags().IntVarP(&o.concurrency, "concurrency", "c", 4, "Concurrent file downloads (1-16)")
	cmd.Flags().BoolVar(&o.noVerify, "no-verify", false, "Skip MD5 verification after download")
	cmd.Flags().BoolVar(&o.preserveTime, "preserve-mtime", false, "Set downloaded files' mtime from archive metadata")
	cmd.Flags().StringSliceVar(&o.decompress, "decompress", nil, "Decompress these formats after download (gzip,bzip2,xz,zip,tar,tar.gz,tar.bz2,tar.xz)")
	cmd.Flags().IntVar(&o.maxRetries, "max-retries", 3, "Maximum attempt-level retries per file (0-20)")
	cmd.Flags().StringVar(&o.logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	return cmd
}

func runGet(ctx context.Context, rawIdentifier string, o *getOpts) error {
	logger := ialog.New(os.Stderr, ialog.ParseLevel(o.logLevel))

	transport := iaget.NewTransport(iaget.DefaultTransportConfig())

	logger.Infof("fetching metadata for %s", rawIdentifier)
	desc, err := iaget.FetchDescriptor(ctx, rawIdentifier, transport)
	if err != nil {
		return fmt.Errorf("fetch metadata: %w", err)
	}

	minSize, err := parseSize(o.minSize)
	if err != nil {
		return fmt.Errorf("--min-size: %w", err)
	}
	maxSize, err := parseSize(o.maxSize)
	if err != nil {
		return fmt.Errorf("--max-size: %w", err)
	}

	engineOpts := iaget.DefaultEngineOptions()
	engineOpts.ConcurrencyLimit = o.concurrency
	engineOpts.VerifyMD5 = !o.noVerify
	engineOpts.PreserveMTime = o.preserveTime
	engineOpts.MaxRetries = o.maxRetries
	if len(o.decompress) > 0 {
		engineOpts.EnableDecompression = true
		engineOpts.DecompressFormats = make(map[string]bool, len(o.decompress))
		for _, f := range o.decompress {
			engineOpts.DecompressFormats[strings.ToLower(strings.TrimSpace(f))] = true
		}
	}

	plan, err := iaget.BuildPlan(desc, iaget.PlanOptions{
		Include: o.include,
		Exclude: o.exclude,
		MinSize: minSize,
		MaxSize: maxSize,
	}, o.output, engineOpts)
	if err != nil {
		return fmt.Errorf("build plan: %w", err)
	}
	logger.Infof("plan resolved: %d file(s) selected", len(plan.Files))

	sess, err := iaget.OpenOrCreate(desc.Identifier, o.output, desc, plan)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()

	eng := iaget.NewEngine(transport).WithLogger(logger)
	obs := iaget.ObserverFunc(func(e iaget.Event) {
		switch e.Kind {
		case iaget.EventPlanResolved:
			logger.Infof("%d file(s) to fetch", e.Total)
		case iaget.EventFileStart:
			logger.Infof("start %s (%d bytes)", e.Name, e.Size)
		case iaget.EventFileDone:
			if e.Err != nil {
				logger.Warnf("%s: %s (%v)", e.Name, e.Outcome, e.Err)
			} else {
				logger.Infof("%s: %s", e.Name, e.Outcome)
			}
		case iaget.EventSessionTick:
			logger.Debugf("completed=%d failed=%d in_progress=%d %.0f B/s", e.Completed, e.Failed, e.InProgress, e.SpeedBps)
		}
	})

	result, err := eng.Run(ctx, plan, sess, obs)
	if err != nil {
		return err
	}
	logger.Infof("done: completed=%d failed=%d skipped=%d paused=%d bytes=%d",
		result.Completed, result.Failed, result.Skipped, result.Paused, result.Bytes)
	if !result.Ok() {
		if result.Fatal != nil {
			return result.Fatal
		}
		return fmt.Errorf("ia-get: %d file(s) failed", result.Failed)
	}
	return nil
}

// parseSize accepts a bare byte count or a "<N><unit>" suffix
// (KiB/MiB/GiB, case-insensitive). Empty input returns nil (unbounded).
func parseSize(s string) (*int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	units := []struct {
		suffix string
		mult   int64
	}{
		{"gib", 1 << 30}, {"mib", 1 << 20}, {"kib", 1 << 10},
		{"gb", 1e9}, {"mb", 1e6}, {"kb", 1e3},
	}
	lower := strings.ToLower(s)
	for _, u := range units {
		if strings.HasSuffix(lower, u.suffix) {
			n, err := strconv.ParseFloat(strings.TrimSpace(lower[:len(lower)-len(u.suffix)]), 64)
			if err != nil {
				return nil, err
			}
			v := int64(n * float64(u.mult))
			return &v, nil
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
