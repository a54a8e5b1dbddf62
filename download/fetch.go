package download

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/ccollins476ad/implayerfetch/fileutil"
	"github.com/ccollins476ad/implayerfetch/metrics"
	log "github.com/sirupsen/logrus"
)

// DefaultUserAgent is sent with every request unless the header set says
// otherwise. Some origins reject Go's default agent.
const DefaultUserAgent = "Mozilla/5.0"

// Options configures a Fetcher. Zero values are replaced with defaults by
// NewFetcher.
type Options struct {
	// MaxAttempts is the number of GET requests tried per task.
	// Default: 3
	MaxAttempts int

	// Timeout bounds each attempt, including reading the body.
	// Default: 10s
	Timeout time.Duration

	// Header is sent with every request.
	// Default: User-Agent: Mozilla/5.0
	Header http.Header

	// SkipIfExists reports success without any request when the destination
	// already holds a non-empty file.
	SkipIfExists bool

	// Precheck issues a HEAD request before the first attempt and gives up
	// on the task if it does not return a 2xx status.
	Precheck bool

	// PrecheckTimeout bounds the HEAD request.
	// Default: 5s
	PrecheckTimeout time.Duration

	// Backoff is the delay before the second attempt; it doubles for each
	// following attempt, up to MaxBackoff. Zero retries immediately.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// Client is the http client used for all requests.
	// Default: a client with platform TLS defaults.
	Client *http.Client

	// Metrics is optional.
	Metrics *metrics.Metrics

	// Log is the base logger; every line it produces is annotated with the
	// task's url and destination.
	Log *log.Entry
}

// DefaultHeader returns the header set sent when Options.Header is nil.
func DefaultHeader() http.Header {
	return http.Header{
		"User-Agent": []string{DefaultUserAgent},
	}
}

// DefaultOptions returns options matching the defaults applied by NewFetcher.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:     3,
		Timeout:         10 * time.Second,
		Header:          DefaultHeader(),
		PrecheckTimeout: 5 * time.Second,
	}
}

// Fetcher downloads tasks to disk. A Fetcher holds no per-task state and is
// safe for concurrent use as long as tasks have distinct destinations.
type Fetcher struct {
	hc   *http.Client
	opts Options
	log  *log.Entry
}

// NewFetcher creates a Fetcher with the given options.
func NewFetcher(opts Options) *Fetcher {
	def := DefaultOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.Header == nil {
		opts.Header = def.Header
	}
	if opts.PrecheckTimeout <= 0 {
		opts.PrecheckTimeout = def.PrecheckTimeout
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Log == nil {
		opts.Log = log.NewEntry(log.StandardLogger())
	}

	return &Fetcher{
		hc:   opts.Client,
		opts: opts,
		log:  opts.Log,
	}
}

// Fetch downloads t.URL to t.Dest, retrying up to MaxAttempts times. It never
// returns an error; the outcome, including the last failure reason, is
// reported in the Result.
func (f *Fetcher) Fetch(ctx context.Context, t Task) Result {
	start := time.Now()
	f.opts.Metrics.FetchStarted()

	r := f.fetch(ctx, t)

	r.Duration = time.Since(start)
	f.opts.Metrics.FetchFinished(r.Status())
	return r
}

func (f *Fetcher) fetch(ctx context.Context, t Task) Result {
	entry := f.log.WithFields(log.Fields{
		"url":  t.URL,
		"dest": t.Dest,
	})
	r := Result{Task: t}

	_, err := parseURL(t.URL)
	if err != nil {
		r.Failure = classify(err)
		entry.WithError(err).Error("invalid url")
		return r
	}

	if f.opts.SkipIfExists && fileutil.NonEmptyFile(t.Dest) {
		digest, err := fileutil.DigestFile(t.Dest)
		if err != nil {
			entry.WithError(err).Warn("failed to digest existing file")
		}
		entry.WithField("md5", digest).Info("file already exists, skipping")
		r.Succeeded = true
		r.Skipped = true
		r.Digest = digest
		return r
	}

	if f.opts.Precheck {
		err := f.precheck(ctx, t.URL)
		if err != nil {
			r.Failure = classify(err)
			entry.WithError(r.Failure).Warn("url not accessible")
			return r
		}
	}

	for attempt := 1; attempt <= f.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			err := f.backoff(ctx, attempt-1)
			if err != nil {
				break
			}
		}
		if ctx.Err() != nil {
			if r.Failure == nil {
				r.Failure = classify(ctx.Err())
			}
			break
		}

		entry.Infof("attempt %d/%d", attempt, f.opts.MaxAttempts)
		r.Attempts = attempt

		attemptStart := time.Now()
		n, digest, err := f.attempt(ctx, t)
		if err == nil {
			f.opts.Metrics.Attempt("ok", time.Since(attemptStart))
			f.opts.Metrics.FileWritten(n)

			r.Succeeded = true
			r.BytesWritten = n
			r.Digest = digest
			r.Failure = nil

			entry.WithFields(log.Fields{
				"bytes":    n,
				"md5":      digest,
				"attempts": attempt,
			}).Info("download complete")
			return r
		}

		failure := classify(err)
		r.Failure = failure
		f.opts.Metrics.Attempt(failure.Kind.String(), time.Since(attemptStart))
		entry.WithError(failure).WithField("attempt", attempt).Error("attempt failed")

		if !failure.Retryable {
			break
		}
	}

	entry.WithError(r.Failure).Errorf("download failed after %d attempts", r.Attempts)
	return r
}

// attempt performs a single GET and, on success, atomically writes the body
// to the task's destination. It returns the number of bytes written and their
// digest.
func (f *Fetcher) attempt(ctx context.Context, t Task) (int64, string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	body, err := getBody(ctx, f.hc, t.URL, f.opts.Header)
	if err != nil {
		return 0, "", timeoutOr(ctx, err)
	}
	defer body.Close()

	p, err := fileutil.CreatePending(t.Dest)
	if err != nil {
		return 0, "", fsFailure(err)
	}
	defer p.Discard()

	h := md5.New()
	_, err = io.Copy(io.MultiWriter(fileWriter{p}, h), body)
	if err != nil {
		return 0, "", timeoutOr(ctx, err)
	}

	size, err := p.Size()
	if err != nil {
		return 0, "", fsFailure(err)
	}
	if size == 0 {
		return 0, "", &Failure{Kind: EmptyContent, Retryable: true}
	}

	err = p.Commit()
	if err != nil {
		return 0, "", fsFailure(err)
	}

	return size, hex.EncodeToString(h.Sum(nil)), nil
}

func (f *Fetcher) precheck(ctx context.Context, u string) error {
	ctx, cancel := context.WithTimeout(ctx, f.opts.PrecheckTimeout)
	defer cancel()

	err := head(ctx, f.hc, u, f.opts.Header)
	if err != nil {
		return timeoutOr(ctx, err)
	}
	return nil
}

// backoff waits for an exponentially increasing duration with jitter before
// retry number n (1-based).
func (f *Fetcher) backoff(ctx context.Context, n int) error {
	if f.opts.Backoff <= 0 {
		return nil
	}

	shift := n - 1
	if shift > 16 {
		shift = 16
	}
	d := f.opts.Backoff * time.Duration(1<<uint(shift))
	if f.opts.MaxBackoff > 0 && d > f.opts.MaxBackoff {
		d = f.opts.MaxBackoff
	}

	// 0.5 to 1.5 of d
	jitter := time.Duration(float64(d) * (0.5 + rand.Float64()))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter):
		return nil
	}
}

// timeoutOr reports err as a Timeout if the attempt's deadline expired,
// regardless of how the transport chose to surface it. Errors that are
// already classified are passed through unchanged.
func timeoutOr(ctx context.Context, err error) error {
	var f *Failure
	if errors.As(err, &f) {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Failure{Kind: Timeout, Detail: err.Error(), Retryable: true, Err: err}
	}
	return err
}
