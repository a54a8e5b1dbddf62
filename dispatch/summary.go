package dispatch

import (
	"fmt"
	"time"

	"github.com/ccollins476ad/implayerfetch/download"
	log "github.com/sirupsen/logrus"
)

// Summary aggregates the results of one run.
type Summary struct {
	Succeeded int
	Failed    int

	// Skipped counts successful tasks whose destination already existed. They
	// are included in Succeeded.
	Skipped int

	// BytesWritten is the total over all fetched files.
	BytesWritten int64

	// Results holds every result in completion order.
	Results []download.Result

	// Failures holds the failed subset of Results.
	Failures []download.Result

	Duration time.Duration
}

func (s *Summary) add(r download.Result) {
	s.Results = append(s.Results, r)
	s.BytesWritten += r.BytesWritten

	if !r.Succeeded {
		s.Failed++
		s.Failures = append(s.Failures, r)
		return
	}

	s.Succeeded++
	if r.Skipped {
		s.Skipped++
	}
}

// Total returns the number of tasks in the run.
func (s *Summary) Total() int {
	return s.Succeeded + s.Failed
}

// OK returns true if every task succeeded.
func (s *Summary) OK() bool {
	return s.Failed == 0
}

func (s *Summary) String() string {
	return fmt.Sprintf("succeeded=%d failed=%d skipped=%d total=%d bytes=%d duration=%s",
		s.Succeeded, s.Failed, s.Skipped, s.Total(), s.BytesWritten, s.Duration.Round(time.Millisecond))
}

// Log writes one line per failed task followed by a totals line.
func (s *Summary) Log(entry *log.Entry) {
	for _, r := range s.Failures {
		entry.WithFields(log.Fields{
			"url":      r.Task.URL,
			"dest":     r.Task.Dest,
			"attempts": r.Attempts,
		}).WithError(r.Failure).Error("task failed")
	}

	fields := log.Fields{
		"succeeded": s.Succeeded,
		"failed":    s.Failed,
		"skipped":   s.Skipped,
		"total":     s.Total(),
		"bytes":     s.BytesWritten,
		"duration":  s.Duration.Round(time.Millisecond).String(),
	}
	if s.OK() {
		entry.WithFields(fields).Info("all downloads completed")
	} else {
		entry.WithFields(fields).Warn("downloads completed with failures")
	}
}
