package download

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// parseURL checks that u is an absolute http(s) url with a host.
func parseURL(u string) (*url.URL, error) {
	parsed, err := url.Parse(u)
	if err != nil {
		return nil, &Failure{Kind: InvalidURL, Detail: err.Error(), Err: err}
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, &Failure{Kind: InvalidURL, Detail: "scheme must be http or https: " + u}
	}
	if parsed.Host == "" {
		return nil, &Failure{Kind: InvalidURL, Detail: "missing host: " + u}
	}
	return parsed, nil
}

func newRequest(ctx context.Context, method string, u string, header http.Header) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, &Failure{Kind: InvalidURL, Detail: err.Error(), Err: err}
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return req, nil
}

// getBody performs an http GET with url=u using the supplied client and
// header. A non-2xx status is reported as an HTTPStatus failure.
func getBody(ctx context.Context, hc *http.Client, u string, header http.Header) (io.ReadCloser, error) {
	log.Debugf("get: %s", u)

	req, err := newRequest(ctx, http.MethodGet, u, header)
	if err != nil {
		return nil, err
	}

	rsp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}

	if rsp.StatusCode < 200 || rsp.StatusCode >= 300 {
		// Drain a little so the connection can be reused.
		io.CopyN(io.Discard, rsp.Body, 4096)
		rsp.Body.Close()
		return nil, &Failure{Kind: HTTPStatus, StatusCode: rsp.StatusCode, Retryable: true}
	}

	return rsp.Body, nil
}

// head performs an http HEAD with url=u and reports whether the resource is
// reachable with a 2xx status.
func head(ctx context.Context, hc *http.Client, u string, header http.Header) error {
	log.Debugf("head: %s", u)

	req, err := newRequest(ctx, http.MethodHead, u, header)
	if err != nil {
		return err
	}

	rsp, err := hc.Do(req)
	if err != nil {
		return err
	}
	rsp.Body.Close()

	if rsp.StatusCode < 200 || rsp.StatusCode >= 300 {
		return &Failure{Kind: HTTPStatus, StatusCode: rsp.StatusCode}
	}
	return nil
}

// fsFailure wraps a local filesystem error. Errors that another attempt
// can't fix are marked as not retryable.
func fsFailure(err error) *Failure {
	permanent := errors.Is(err, fs.ErrPermission) ||
		errors.Is(err, syscall.ENOSPC) ||
		errors.Is(err, syscall.EROFS)

	return &Failure{
		Kind:      FilesystemError,
		Detail:    err.Error(),
		Retryable: !permanent,
		Err:       err,
	}
}

// classify converts an error produced during an attempt into a Failure.
func classify(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Failure{Kind: Timeout, Detail: err.Error(), Retryable: true, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Failure{Kind: Timeout, Detail: err.Error(), Retryable: true, Err: err}
	}

	if errors.Is(err, context.Canceled) {
		return &Failure{Kind: Unexpected, Detail: err.Error(), Err: err}
	}

	var dnsErr *net.DNSError
	var opErr *net.OpError
	switch {
	case errors.As(err, &dnsErr),
		errors.As(err, &opErr),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF):
		return &Failure{Kind: ConnectionError, Detail: err.Error(), Retryable: true, Err: err}
	}

	return &Failure{Kind: Unexpected, Detail: err.Error(), Retryable: true, Err: err}
}

// fileWriter tags write errors as filesystem failures so they can be told
// apart from network read errors after io.Copy.
type fileWriter struct {
	w io.Writer
}

func (fw fileWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if err != nil {
		return n, fsFailure(err)
	}
	return n, nil
}
