package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/PatchLens/bytetrace/bytetrace"
	"github.com/PatchLens/bytetrace/bytetrace/cmd"
)

func main() {
	log.SetFlags(log.LstdFlags)

	if len(os.Args) < 2 {
		log.Fatalf("%susage: %s <%s|%s|%s> [flags]", bytetrace.ErrorLogPrefix, os.Args[0],
			cmd.CommandInstrument, cmd.CommandRun, cmd.CommandArchive)
	}
	opts, err := cmd.ParseFlags(os.Args[1], os.Args[2:])
	if err != nil {
		log.Fatalf("%s%v", bytetrace.ErrorLogPrefix, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch opts.Command {
	case cmd.CommandInstrument:
		err = instrument(ctx, opts)
	case cmd.CommandRun:
		err = run(ctx, opts)
	case cmd.CommandArchive:
		err = archive(opts)
	}
	if err != nil {
		log.Fatalf("%s%v", bytetrace.ErrorLogPrefix, err)
	}
}

func instrument(ctx context.Context, opts *cmd.Options) error {
	transformer, err := bytetrace.NewTransformer(opts.Config, nil)
	if err != nil {
		return err
	}
	defer transformer.Close()

	start := time.Now()
	results, err := bytetrace.InstrumentFiles(ctx, transformer, opts.InputDir, opts.OutputDir)
	if err != nil {
		return fmt.Errorf("instrument failed: %w", err)
	}
	var changed int
	for _, r := range results {
		if r.Changed {
			changed++
			log.Printf("Instrumented: %s", r.Path)
		}
	}
	log.Printf("Instrumented %d of %d class units in %v", changed, len(results), time.Since(start).Round(time.Millisecond))
	return nil
}

func run(ctx context.Context, opts *cmd.Options) error {
	transformer, err := bytetrace.NewTransformer(opts.Config, nil)
	if err != nil {
		return err
	}
	defer transformer.Close()
	classes, err := transformer.LoadClassDir(opts.InputDir)
	if err != nil {
		return fmt.Errorf("load classes failed: %w", err)
	}

	streams, err := bytetrace.OpenLogStreams(opts.Config, os.Stdout)
	if err != nil {
		return err
	}
	defer func() {
		if err := streams.Close(); err != nil {
			log.Printf("%sclose trace logs failed: %v", bytetrace.ErrorLogPrefix, err)
		}
	}()
	monitor := bytetrace.NewMonitor(opts.Config, streams)

	if opts.MetricsAddr != "" {
		server := &http.Server{
			Addr:              opts.MetricsAddr,
			Handler:           promhttp.HandlerFor(monitor.Registry(), promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("%smetrics server failed: %v", bytetrace.ErrorLogPrefix, err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	vm := bytetrace.NewVM(monitor)
	for _, c := range classes {
		vm.Load(c)
	}
	className, method := bytetrace.SplitIdentity(opts.Entry)
	args := make([]any, len(opts.EntryArgs))
	for i, a := range opts.EntryArgs {
		args[i] = a
	}
	result, err := vm.Invoke(ctx, strings.ReplaceAll(className, ".", "/"), method, args...)
	if err != nil {
		return err
	}
	log.Printf("Result: %v", result)
	return nil
}

func archive(opts *cmd.Options) error {
	events, err := bytetrace.LoadTrace(opts.Config.DiffLogPath, opts.Config.VerboseLogPath)
	if err != nil {
		return fmt.Errorf("read trace failed: %w", err)
	}
	store, err := bytetrace.NewBadgerStorage(opts.ArchiveDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("%sclose archive failed: %v", bytetrace.ErrorLogPrefix, err)
		}
	}()

	id, err := bytetrace.NewTraceArchive(store).Save(&bytetrace.TraceRun{Label: opts.Label, Events: events})
	if err != nil {
		return err
	}
	log.Printf("Archived %d trace events as run: %s", len(events), id)
	return nil
}
