// kernsim runs the kernel simulator with a command shell attached.
//
// Usage:
//
//	kernsim [options]
//
// Options:
//
//	-config file   JSON configuration file
//	-script file   Read commands from file instead of stdin
//	-ticks n       Stop the clock after n ticks (0 runs until exit)
//	-log-level l   Override the configured log level
//	-log-file f    Override the configured log file
//
// With a script the first failing command ends the run.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"kernsim/pkg/config"
	"kernsim/pkg/kernel"
	"kernsim/pkg/klog"
	"kernsim/pkg/shell"
	"kernsim/pkg/storage"
)

func main() {
	configPath := flag.String("config", "", "JSON configuration file")
	script := flag.String("script", "", "Read commands from file instead of stdin")
	ticks := flag.Int("ticks", 0, "Stop the clock after n ticks (0 runs until exit)")
	logLevel := flag.String("log-level", "", "Override the configured log level")
	logFile := flag.String("log-file", "", "Override the configured log file")
	flag.Parse()

	if err := run(*configPath, *ticks, *logLevel, *logFile, *script); err != nil {
		fmt.Fprintf(os.Stderr, "kernsim: %s\n", err)
		os.Exit(1)
	}
}

func run(configPath string, ticks int, logLevel, logFile, script string) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFile != "" {
		cfg.LogFile = logFile
	}

	logger, closer, err := klog.Open(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer closer.Close()

	disk, err := storage.NewFileDisk(cfg.DiskPath, cfg.DiskBlocks, cfg.DiskBlockSize)
	if err != nil {
		return fmt.Errorf("open disk: %w", err)
	}
	defer disk.Close()

	k, err := kernel.New(cfg, kernel.Deps{Disk: disk, Log: logger})
	if err != nil {
		return err
	}
	if _, err := k.Bootstrap(); err != nil {
		return err
	}

	sh := shell.New(k, os.Stdin, os.Stdout, os.Stderr)
	if script != "" {
		f, err := os.Open(script)
		if err != nil {
			return err
		}
		defer f.Close()
		sh.Stdin = f
		sh.Interactive = false
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := k.Run(ctx, ticks)
		if errors.Is(err, kernel.ErrHalted) || errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		defer cancel()
		err := sh.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		// A second interrupt kills the process while the shell is blocked
		// reading input.
		stop()
		k.Halt()
		return nil
	})

	err = g.Wait()
	stats := k.Stats()
	logger.WithField("ticks", stats.Ticks).Info("simulation finished")
	return err
}
