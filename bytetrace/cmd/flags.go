package cmd

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"strconv"

	"github.com/PatchLens/bytetrace/bytetrace"
)

const (
	CommandInstrument = "instrument"
	CommandRun        = "run"
	CommandArchive    = "archive"
)

// Options holds the parsed command line of the bytetrace CLI.
type Options struct {
	Command string
	Config  *bytetrace.Config
	// InputDir holds the class units to instrument or run.
	InputDir string
	// OutputDir receives instrumented class units.
	OutputDir string
	// Entry is the "pkg.Class::method" invoked by run.
	Entry string
	// EntryArgs are the integer arguments passed to Entry.
	EntryArgs []int64
	// ArchiveDir is the trace archive storage directory.
	ArchiveDir string
	Label      string
	// MetricsAddr serves monitor metrics during run when set.
	MetricsAddr string
}

// ParseFlags parses the arguments of a subcommand. Flags override values read from the -config file, a config
// file that cannot be loaded is logged and replaced by defaults.
func ParseFlags(command string, args []string) (*Options, error) {
	switch command {
	case CommandInstrument, CommandRun, CommandArchive:
	default:
		return nil, fmt.Errorf("unknown command %q, expected %s, %s or %s",
			command, CommandInstrument, CommandRun, CommandArchive)
	}

	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	configFile := fs.String("config", "", "YAML config file")
	changedOnly := fs.Bool("changed", false, "Snapshot only local variables changed since the prior line")
	useSpecified := fs.Bool("specified", false, "Target the -classes and -methods lists rather than the baseline lists")
	classes := fs.String("classes", "", "Comma separated classes to instrument (pkg.Class)")
	methods := fs.String("methods", "", "Comma separated methods to instrument (pkg.Class::method)")
	baselineClasses := fs.String("baseline-classes", "", "Comma separated baseline classes")
	baselineMethods := fs.String("baseline-methods", "", "Comma separated baseline methods")
	diffLog := fs.String("log", "", "Diff stream log file")
	verboseLog := fs.String("ori", "", "Verbose stream log file")
	console := fs.Bool("console", true, "Mirror the diff stream to stdout")
	inputDir := fs.String("in", "", "Directory of class units")
	outputDir := fs.String("out", "", "Directory to write instrumented class units")
	entry := fs.String("entry", "", "Method to run (pkg.Class::method)")
	archiveDir := fs.String("archive", "tracearchive", "Trace archive directory")
	label := fs.String("label", "", "Label stored with an archived run")
	metricsAddr := fs.String("metrics", "", "Address to serve prometheus metrics during run (e.g. localhost:9100)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	config := bytetrace.DefaultConfig()
	if *configFile != "" {
		if loaded, err := bytetrace.LoadConfig(*configFile); err != nil {
			log.Printf("%sconfig load failed, using defaults: %v", bytetrace.ErrorLogPrefix, err)
		} else {
			config = loaded
		}
	}

	// only explicitly set flags override the config file
	var flagErr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "changed":
			config.ChangedLocalVarsOnly = *changedOnly
		case "specified":
			config.UseSpecified = *useSpecified
		case "classes":
			config.Classes = bytetrace.ParseIdentList(*classes)
		case "methods":
			config.Methods = bytetrace.ParseIdentList(*methods)
		case "baseline-classes":
			config.BaselineClasses = bytetrace.ParseIdentList(*baselineClasses)
		case "baseline-methods":
			config.BaselineMethods = bytetrace.ParseIdentList(*baselineMethods)
		case "log":
			config.DiffLogPath = *diffLog
		case "ori":
			config.VerboseLogPath = *verboseLog
		case "console":
			config.Console = *console
		}
	})
	if err := config.Prepare(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	opts := &Options{
		Command:     command,
		Config:      config,
		InputDir:    *inputDir,
		OutputDir:   *outputDir,
		Entry:       *entry,
		ArchiveDir:  *archiveDir,
		Label:       *label,
		MetricsAddr: *metricsAddr,
	}
	for _, a := range fs.Args() {
		v, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			flagErr = errors.Join(flagErr, fmt.Errorf("entry argument %q is not an integer", a))
			continue
		}
		opts.EntryArgs = append(opts.EntryArgs, v)
	}
	if flagErr != nil {
		return nil, flagErr
	}

	switch command {
	case CommandInstrument:
		if opts.InputDir == "" || opts.OutputDir == "" {
			return nil, errors.New("usage: bytetrace instrument -in <class dir> -out <output dir>")
		} else if opts.InputDir == opts.OutputDir {
			return nil, errors.New("-in and -out must differ")
		}
	case CommandRun:
		if opts.InputDir == "" || opts.Entry == "" {
			return nil, errors.New("usage: bytetrace run -in <class dir> -entry pkg.Class::method [int args...]")
		} else if _, method := bytetrace.SplitIdentity(opts.Entry); method == "" {
			return nil, fmt.Errorf("-entry %q must have the form pkg.Class::method", opts.Entry)
		}
	case CommandArchive:
		if opts.ArchiveDir == "" {
			return nil, errors.New("usage: bytetrace archive -archive <dir> [-label name]")
		}
	}
	return opts, nil
}
