package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ccollins476ad/implayerfetch/config"
)

type Options struct {
	Config     config.Config // Fully layered run configuration.
	ConfigFile string        // Path of YAML config file, if any.
	ListFile   string        // Path of plain-text task list, if any.
	EnvDir     string        // Directory searched for .env files.
	Verbose    bool          // True for verbose output.
	JSON       bool          // True for JSON log lines.
	DryRun     bool          // Print the task list and exit.
}

// parseArgs builds the run options from, in increasing precedence: built-in
// defaults, .env files, the config file, the task list, IMPLAYER_*
// environment variables, and explicitly set flags.
func parseArgs(fs *flag.FlagSet, args []string) (*Options, error) {
	def := config.Default()

	configFile := fs.String("c", "", "YAML config file")
	listFile := fs.String("list", "", "text file with one `url [name]` per line; replaces the built-in catalog")
	envDir := fs.String("env-dir", ".", "directory containing .env files")
	verbose := fs.Bool("v", false, "verbose output")
	jsonLogs := fs.Bool("json", false, "log in JSON format")
	dryRun := fs.Bool("dry-run", false, "print the resolved task list and exit")

	outputDir := fs.String("o", def.OutputDir, "output directory; wiped at the start of each run")
	jobs := fs.Int("j", def.Concurrency, "jobs")
	attempts := fs.Int("attempts", def.MaxAttempts, "maximum attempts per file")
	timeout := fs.Duration("timeout", def.Timeout, "timeout per attempt")
	backoff := fs.Duration("backoff", def.Backoff, "initial delay between attempts")
	maxBackoff := fs.Duration("max-backoff", def.MaxBackoff, "maximum delay between attempts")
	skipExisting := fs.Bool("skip-existing", def.SkipIfExists, "keep the output directory and skip files already present")
	precheck := fs.Bool("precheck", def.Precheck, "check each url with a HEAD request before downloading")
	precheckTimeout := fs.Duration("precheck-timeout", def.PrecheckTimeout, "timeout of the HEAD pre-check")
	userAgent := fs.String("user-agent", def.UserAgent, "User-Agent request header")
	naming := fs.String("naming", def.Naming, "naming scheme: original or indexed")
	indexPrefix := fs.String("index-prefix", def.IndexPrefix, "file name prefix for indexed naming")
	logFile := fs.String("log-file", "", "also append log output to this file")
	metricsFile := fs.String("metrics-file", "", "write prometheus metrics to this textfile")
	reportFile := fs.String("report", "", "write an html run report to this file")
	publishURL := fs.String("publish", "", "mirror downloaded files to this bucket url (e.g. file:///srv/www/iptv)")

	fs.Usage = func() { usage(fs) }

	err := fs.Parse(args)
	if err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	err = config.LoadEnvFiles(*envDir)
	if err != nil {
		return nil, err
	}

	cfg := def
	if *configFile != "" {
		err = cfg.LoadFromFile(*configFile)
		if err != nil {
			return nil, err
		}
	}

	if *listFile != "" {
		specs, err := config.ReadTaskListFile(*listFile)
		if err != nil {
			return nil, fmt.Errorf("read task list: %w", err)
		}
		cfg.Tasks = specs
	}

	err = cfg.LoadFromEnv()
	if err != nil {
		return nil, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "o":
			cfg.OutputDir = *outputDir
		case "j":
			cfg.Concurrency = *jobs
		case "attempts":
			cfg.MaxAttempts = *attempts
		case "timeout":
			cfg.Timeout = *timeout
		case "backoff":
			cfg.Backoff = *backoff
		case "max-backoff":
			cfg.MaxBackoff = *maxBackoff
		case "skip-existing":
			cfg.SkipIfExists = *skipExisting
		case "precheck":
			cfg.Precheck = *precheck
		case "precheck-timeout":
			cfg.PrecheckTimeout = *precheckTimeout
		case "user-agent":
			cfg.UserAgent = *userAgent
		case "naming":
			cfg.Naming = *naming
		case "index-prefix":
			cfg.IndexPrefix = *indexPrefix
		case "log-file":
			cfg.LogFile = *logFile
		case "metrics-file":
			cfg.MetricsFile = *metricsFile
		case "report":
			cfg.ReportFile = *reportFile
		case "publish":
			cfg.PublishURL = *publishURL
		}
	})

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return &Options{
		Config:     cfg,
		ConfigFile: *configFile,
		ListFile:   *listFile,
		EnvDir:     *envDir,
		Verbose:    *verbose,
		JSON:       *jsonLogs,
		DryRun:     *dryRun,
	}, nil
}

func usage(fs *flag.FlagSet) {
	fmt.Fprintf(fs.Output(), "Usage: %s [option]...\n", filepath.Base(os.Args[0]))
	fmt.Fprintf(fs.Output(), "Downloads iMPlayer playlists and program guides into a clean output directory.\n")
	fs.PrintDefaults()
}
