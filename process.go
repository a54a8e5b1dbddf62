package main

import (
	"context"
	"os"

	"github.com/ccollins476ad/implayerfetch/config"
	"github.com/ccollins476ad/implayerfetch/dispatch"
	"github.com/ccollins476ad/implayerfetch/download"
	"github.com/ccollins476ad/implayerfetch/fileutil"
	"github.com/ccollins476ad/implayerfetch/metrics"
	"github.com/ccollins476ad/implayerfetch/publish"
	"github.com/ccollins476ad/implayerfetch/web"
	log "github.com/sirupsen/logrus"
	_ "gocloud.dev/blob/fileblob"
)

const metricsNamespace = "implayerfetch"

// prepareOutputDir empties the output directory. When existing files are to
// be skipped the directory is only created.
func prepareOutputDir(cfg *config.Config) error {
	if cfg.SkipIfExists {
		return os.MkdirAll(cfg.OutputDir, 0755)
	}
	return fileutil.Reset(cfg.OutputDir)
}

// run stages every task into the output directory and returns the process
// exit code.
func run(ctx context.Context, cfg *config.Config, tasks []download.Task, entry *log.Entry) int {
	err := prepareOutputDir(cfg)
	if err != nil {
		entry.WithError(err).Errorf("failed to prepare output directory: dir=%s", cfg.OutputDir)
		return exitReset
	}

	if cfg.LogFile != "" {
		detach, err := attachLogFile(cfg.LogFile)
		if err != nil {
			entry.WithError(err).Error("failed to attach log file")
			return exitConfig
		}
		defer detach()
	}

	m := metrics.New(metricsNamespace)

	opts := cfg.FetchOptions()
	opts.Metrics = m
	opts.Log = entry
	f := download.NewFetcher(opts)

	entry.Infof("starting run: tasks=%d workers=%d dir=%s", len(tasks), cfg.Concurrency, cfg.OutputDir)

	s, err := dispatch.Run(ctx, f, tasks, cfg.Concurrency)
	if err != nil {
		entry.WithError(err).Error("invalid task set")
		return exitConfig
	}

	s.Log(entry)
	m.RunFinished(s.Failed, s.Duration)

	ok := writeOutputs(ctx, cfg, s, m, entry)

	switch {
	case ctx.Err() != nil:
		return exitInterrupted
	case !s.OK() || !ok:
		return exitFailed
	default:
		return 0
	}
}

// writeOutputs writes the optional run artifacts: the metrics textfile, the
// html report and the bucket mirror. It returns false if any of them failed.
func writeOutputs(ctx context.Context, cfg *config.Config, s *dispatch.Summary, m *metrics.Metrics, entry *log.Entry) bool {
	ok := true

	if cfg.MetricsFile != "" {
		err := m.WriteTextfile(cfg.MetricsFile)
		if err != nil {
			entry.WithError(err).Error("failed to write metrics")
			ok = false
		}
	}

	if cfg.ReportFile != "" {
		err := writeReport(cfg.ReportFile, s, entry)
		if err != nil {
			entry.WithError(err).Errorf("failed to write report: file=%s", cfg.ReportFile)
			ok = false
		}
	}

	if cfg.PublishURL != "" {
		err := mirror(ctx, cfg, s, entry)
		if err != nil {
			entry.WithError(err).Errorf("failed to publish: bucket=%s", cfg.PublishURL)
			ok = false
		}
	}

	return ok
}

func writeReport(filename string, s *dispatch.Summary, entry *log.Entry) error {
	title := "iMPlayer run"
	if id, ok := entry.Data["run"].(string); ok {
		title += " " + id
	}

	p, err := fileutil.CreatePending(filename)
	if err != nil {
		return err
	}
	defer p.Discard()

	_, err = p.Write([]byte(web.BuildReport(title, s)))
	if err != nil {
		return err
	}

	return p.Commit()
}

func mirror(ctx context.Context, cfg *config.Config, s *dispatch.Summary, entry *log.Entry) error {
	bkt, err := publish.Open(ctx, cfg.PublishURL)
	if err != nil {
		return err
	}
	defer bkt.Close()

	n, err := publish.Mirror(ctx, bkt, cfg.OutputDir, s.Results, entry)
	entry.Infof("published %d files: bucket=%s", n, cfg.PublishURL)
	return err
}
