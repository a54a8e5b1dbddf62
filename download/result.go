package download

import (
	"fmt"
	"time"
)

// Task is a single file to fetch: a source url and the local path it is saved
// to.
type Task struct {
	URL  string
	Dest string
}

func (t Task) String() string {
	return fmt.Sprintf("%s -> %s", t.URL, t.Dest)
}

// FailureKind classifies why a fetch attempt failed.
type FailureKind int

const (
	InvalidURL FailureKind = iota + 1
	HTTPStatus
	EmptyContent
	Timeout
	ConnectionError
	Unexpected
	FilesystemError
)

var failureKindNames = map[FailureKind]string{
	InvalidURL:      "invalid_url",
	HTTPStatus:      "http_status",
	EmptyContent:    "empty_content",
	Timeout:         "timeout",
	ConnectionError: "connection_error",
	Unexpected:      "unexpected",
	FilesystemError: "filesystem_error",
}

func (k FailureKind) String() string {
	if s, ok := failureKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("FailureKind(%d)", int(k))
}

// Failure describes the reason a fetch failed. StatusCode is only set for
// HTTPStatus failures; Detail carries a human-readable explanation for the
// remaining kinds.
type Failure struct {
	Kind       FailureKind
	StatusCode int
	Detail     string

	// Retryable is false when another attempt can't be expected to succeed
	// (e.g. the destination is on a read-only filesystem).
	Retryable bool

	// Err is the underlying error, if any.
	Err error
}

func (f *Failure) Error() string {
	switch f.Kind {
	case HTTPStatus:
		return fmt.Sprintf("http status %d", f.StatusCode)
	case EmptyContent:
		return "empty content"
	}

	if f.Detail == "" {
		return f.Kind.String()
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Result is the outcome of fetching one task. Exactly one Result is produced
// per task per run.
type Result struct {
	Task Task

	Succeeded bool

	// Skipped is true if the destination already existed and SkipIfExists
	// was set. Skipped results are successful.
	Skipped bool

	// Attempts is the number of GET requests issued.
	Attempts int

	// BytesWritten is zero unless the fetch wrote a file.
	BytesWritten int64

	// Digest is the hex MD5 of the destination file's contents.
	Digest string

	// Failure is the last failure reason; nil on success.
	Failure *Failure

	Duration time.Duration
}

// Status returns "success", "skipped" or "failed".
func (r Result) Status() string {
	switch {
	case r.Skipped:
		return "skipped"
	case r.Succeeded:
		return "success"
	default:
		return "failed"
	}
}
