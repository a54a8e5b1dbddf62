// Package dispatch runs a batch of download tasks on a fixed-size pool of
// workers and aggregates their results.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ccollins476ad/implayerfetch/download"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	ErrDuplicateDest = errors.New("duplicate destination")
	ErrInvalidLimit  = errors.New("concurrency limit must be positive")
)

// Fetcher fetches a single task. *download.Fetcher implements it.
type Fetcher interface {
	Fetch(ctx context.Context, t download.Task) download.Result
}

// ValidateTasks returns an error if two tasks share a destination path.
func ValidateTasks(tasks []download.Task) error {
	seen := make(map[string]string, len(tasks))
	for _, t := range tasks {
		dest := filepath.Clean(t.Dest)
		if prev, ok := seen[dest]; ok {
			return fmt.Errorf("%w: %s (from %s and %s)", ErrDuplicateDest, dest, prev, t.URL)
		}
		seen[dest] = t.URL
	}
	return nil
}

// Run fetches every task using limit concurrent workers and returns a summary
// once all of them have finished. A failed task never cancels its siblings.
// Run only returns an error if the task set or limit is invalid, in which
// case nothing is fetched.
func Run(ctx context.Context, f Fetcher, tasks []download.Task, limit int) (*Summary, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLimit, limit)
	}
	err := ValidateTasks(tasks)
	if err != nil {
		return nil, err
	}

	start := time.Now()

	// Buffered so workers never block on delivery; the channel's order is
	// completion order.
	resultChan := make(chan download.Result, len(tasks))
	g := &errgroup.Group{}

	startGoroutines := func() {
		taskChan := make(chan download.Task)
		defer close(taskChan)

		for i := 0; i < limit; i++ {
			g.Go(func() error {
				// Fetch tasks from the channel sequentially until it is
				// closed.
				for t := range taskChan {
					resultChan <- f.Fetch(ctx, t)
				}
				return nil
			})
		}

		for _, t := range tasks {
			taskChan <- t
		}
	}

	log.Debugf("dispatching %d tasks: workers=%d", len(tasks), limit)
	startGoroutines()

	// Workers never return errors; Wait is only a join.
	g.Wait()
	close(resultChan)

	s := &Summary{}
	for r := range resultChan {
		s.add(r)
	}
	s.Duration = time.Since(start)

	return s, nil
}
