package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ccollins476ad/implayerfetch/dispatch"
	"github.com/ccollins476ad/implayerfetch/download"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Exit codes.
const (
	exitConfig      = 1
	exitReset       = 2
	exitFailed      = 3
	exitInterrupted = 130
)

func printFatalError(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
}

func setupLogging(opts *Options) {
	if opts.Verbose {
		log.SetLevel(log.DebugLevel)
	}
	if opts.JSON {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

// attachLogFile tees the log stream into the named file. It returns a
// function that detaches and closes the file.
func attachLogFile(filename string) (func(), error) {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	prev := log.StandardLogger().Out
	log.SetOutput(io.MultiWriter(prev, f))

	return func() {
		log.SetOutput(prev)
		f.Close()
	}, nil
}

// cancelOnInterrupt cancels the run on the first signal received on sigCh,
// then stops relaying signals so that a second interrupt kills the process.
func cancelOnInterrupt(sigCh chan os.Signal, cancel context.CancelFunc) {
	<-sigCh
	log.Warn("interrupted, cancelling downloads")
	cancel()
	signal.Stop(sigCh)
}

func printTasks(w io.Writer, tasks []download.Task) {
	for _, t := range tasks {
		fmt.Fprintln(w, t)
	}
}

func main() {
	fs := flag.NewFlagSet(filepath.Base(os.Args[0]), flag.ContinueOnError)
	opts, err := parseArgs(fs, os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		printFatalError(err)
		fs.Usage()
		os.Exit(exitConfig)
	}

	setupLogging(opts)

	tasks, err := opts.Config.BuildTasks()
	if err == nil {
		err = dispatch.ValidateTasks(tasks)
	}
	if err != nil {
		printFatalError(err)
		os.Exit(exitConfig)
	}

	if opts.DryRun {
		printTasks(os.Stdout, tasks)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go cancelOnInterrupt(sigCh, cancel)

	entry := log.WithField("run", uuid.New().String())

	code := run(ctx, &opts.Config, tasks, entry)
	if code != 0 {
		cancel()
		os.Exit(code)
	}
}
