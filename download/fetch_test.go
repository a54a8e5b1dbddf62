package download

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ccollins476ad/implayerfetch/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const playlist = "#EXTM3U\n#EXTINF:-1,Canal\nhttp://example.com/stream.ts\n"

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func quietLog() *logrus.Entry {
	logger, _ := test.NewNullLogger()
	return logrus.NewEntry(logger)
}

func newTestFetcher(opts Options) *Fetcher {
	if opts.Log == nil {
		opts.Log = quietLog()
	}
	if opts.Timeout == 0 {
		opts.Timeout = 2 * time.Second
	}
	return NewFetcher(opts)
}

func TestFetchSuccess(t *testing.T) {
	var userAgent atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgent.Store(r.Header.Get("User-Agent"))
		w.Write([]byte(playlist))
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "m3u@proton.me.m3u")
	f := newTestFetcher(Options{})

	r := f.Fetch(context.Background(), Task{URL: server.URL + "/m3u", Dest: dest})

	require.True(t, r.Succeeded, "failure: %v", r.Failure)
	assert.False(t, r.Skipped)
	assert.Nil(t, r.Failure)
	assert.Equal(t, 1, r.Attempts)
	assert.EqualValues(t, len(playlist), r.BytesWritten)
	assert.Equal(t, md5Hex(playlist), r.Digest)
	assert.Equal(t, DefaultUserAgent, userAgent.Load())

	b, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, playlist, string(b))

	// Only the final file remains; no temporary files are left behind.
	entries, err := os.ReadDir(filepath.Dir(dest))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFetchCustomHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "VLC/3.0" || r.Header.Get("Referer") != "http://m3u4u.com/" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write([]byte(playlist))
	}))
	defer server.Close()

	f := newTestFetcher(Options{
		Header: http.Header{
			"User-Agent": []string{"VLC/3.0"},
			"Referer":    []string{"http://m3u4u.com/"},
		},
	})

	r := f.Fetch(context.Background(), Task{URL: server.URL, Dest: filepath.Join(t.TempDir(), "x.m3u")})
	assert.True(t, r.Succeeded, "failure: %v", r.Failure)
}

func TestFetchInvalidURL(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	f := newTestFetcher(Options{})

	for _, u := range []string{
		"not a url",
		"m3u4u.com/m3u/abc",
		"ftp://m3u4u.com/m3u/abc",
		"http:///no-host",
		"://missing-scheme",
		"",
	} {
		r := f.Fetch(context.Background(), Task{URL: u, Dest: filepath.Join(t.TempDir(), "x")})

		assert.False(t, r.Succeeded, u)
		require.NotNil(t, r.Failure, u)
		assert.Equal(t, InvalidURL, r.Failure.Kind, u)
		assert.Equal(t, 0, r.Attempts, u)
		assert.Zero(t, r.BytesWritten, u)
	}
	assert.Zero(t, hits.Load())
}

func TestFetchHTTPStatusExhaustsAttempts(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "epgbrasil.xml.gz")
	f := newTestFetcher(Options{MaxAttempts: 3})

	r := f.Fetch(context.Background(), Task{URL: server.URL, Dest: dest})

	assert.False(t, r.Succeeded)
	require.NotNil(t, r.Failure)
	assert.Equal(t, HTTPStatus, r.Failure.Kind)
	assert.Equal(t, http.StatusInternalServerError, r.Failure.StatusCode)
	assert.Equal(t, 3, r.Attempts)
	assert.EqualValues(t, 3, hits.Load())
	assert.Zero(t, r.BytesWritten)
	assert.Empty(t, r.Digest)
	assert.NoFileExists(t, dest)
}

func TestFetchEmptyContent(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "epgportugal.m3u")
	f := newTestFetcher(Options{MaxAttempts: 4})

	r := f.Fetch(context.Background(), Task{URL: server.URL, Dest: dest})

	assert.False(t, r.Succeeded)
	require.NotNil(t, r.Failure)
	assert.Equal(t, EmptyContent, r.Failure.Kind)
	assert.Equal(t, 4, r.Attempts)
	assert.EqualValues(t, 4, hits.Load())
	assert.NoFileExists(t, dest)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFetchRecoversAfterFailures(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(playlist))
	}))
	defer server.Close()

	f := newTestFetcher(Options{MaxAttempts: 3, Backoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})

	r := f.Fetch(context.Background(), Task{URL: server.URL, Dest: filepath.Join(t.TempDir(), "PiauiTV.m3u")})

	require.True(t, r.Succeeded, "failure: %v", r.Failure)
	assert.Nil(t, r.Failure)
	assert.Equal(t, 3, r.Attempts)
	assert.Equal(t, md5Hex(playlist), r.Digest)
}

func TestFetchSkipIfExists(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("fresh"))
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "epgbrasil.m3u")
	require.NoError(t, os.WriteFile(dest, []byte(playlist), 0644))

	f := newTestFetcher(Options{SkipIfExists: true})
	r := f.Fetch(context.Background(), Task{URL: server.URL, Dest: dest})

	assert.True(t, r.Succeeded)
	assert.True(t, r.Skipped)
	assert.Equal(t, 0, r.Attempts)
	assert.Equal(t, md5Hex(playlist), r.Digest)
	assert.Zero(t, hits.Load())

	b, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, playlist, string(b))
}

func TestFetchOverwritesByDefault(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fresh"))
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "epgbrasil.m3u")
	require.NoError(t, os.WriteFile(dest, []byte("stale"), 0644))

	f := newTestFetcher(Options{})
	r := f.Fetch(context.Background(), Task{URL: server.URL, Dest: dest})
	require.True(t, r.Succeeded)
	assert.False(t, r.Skipped)

	b, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(b))
}

func TestFetchSkipIfExistsIgnoresEmptyFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(playlist))
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "epgbrasil.m3u")
	require.NoError(t, os.WriteFile(dest, nil, 0644))

	f := newTestFetcher(Options{SkipIfExists: true})
	r := f.Fetch(context.Background(), Task{URL: server.URL, Dest: dest})

	assert.True(t, r.Succeeded)
	assert.False(t, r.Skipped)
	assert.Equal(t, 1, r.Attempts)
}

func TestFetchTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	f := newTestFetcher(Options{MaxAttempts: 2, Timeout: 50 * time.Millisecond})
	r := f.Fetch(context.Background(), Task{URL: server.URL, Dest: filepath.Join(t.TempDir(), "slow")})

	assert.False(t, r.Succeeded)
	require.NotNil(t, r.Failure)
	assert.Equal(t, Timeout, r.Failure.Kind)
	assert.Equal(t, 2, r.Attempts)
}

func TestFetchConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	u := server.URL
	server.Close()

	f := newTestFetcher(Options{MaxAttempts: 2})
	r := f.Fetch(context.Background(), Task{URL: u, Dest: filepath.Join(t.TempDir(), "x")})

	assert.False(t, r.Succeeded)
	require.NotNil(t, r.Failure)
	assert.Equal(t, ConnectionError, r.Failure.Kind)
	assert.Equal(t, 2, r.Attempts)
}

func TestFetchFilesystemError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(playlist))
	}))
	defer server.Close()

	// The destination's parent is a regular file, so it can't be created.
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	f := newTestFetcher(Options{MaxAttempts: 2})
	r := f.Fetch(context.Background(), Task{URL: server.URL, Dest: filepath.Join(blocker, "x.m3u")})

	assert.False(t, r.Succeeded)
	require.NotNil(t, r.Failure)
	assert.Equal(t, FilesystemError, r.Failure.Kind)
	assert.True(t, r.Failure.Retryable)
	assert.Equal(t, 2, r.Attempts)
}

func TestFetchPermissionErrorNotRetried(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(playlist))
	}))
	defer server.Close()

	dir := filepath.Join(t.TempDir(), "ro")
	require.NoError(t, os.Mkdir(dir, 0555))
	t.Cleanup(func() { os.Chmod(dir, 0755) })

	f := newTestFetcher(Options{MaxAttempts: 3})
	r := f.Fetch(context.Background(), Task{URL: server.URL, Dest: filepath.Join(dir, "epgbrasil.m3u")})

	assert.False(t, r.Succeeded)
	require.NotNil(t, r.Failure)
	assert.Equal(t, FilesystemError, r.Failure.Kind)
	assert.False(t, r.Failure.Retryable)
	assert.Equal(t, 1, r.Attempts)
	assert.EqualValues(t, 1, hits.Load())
}

func TestFetchCancelledDuringAttempt(t *testing.T) {
	var hits atomic.Int32
	started := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		started <- struct{}{}
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-started
		cancel()
	}()

	f := newTestFetcher(Options{MaxAttempts: 3, Timeout: 10 * time.Second})
	r := f.Fetch(ctx, Task{URL: server.URL, Dest: filepath.Join(t.TempDir(), "epgbrasil.m3u")})

	assert.False(t, r.Succeeded)
	require.NotNil(t, r.Failure)
	assert.Equal(t, Unexpected, r.Failure.Kind)
	assert.False(t, r.Failure.Retryable)
	assert.Equal(t, 1, r.Attempts)
	assert.EqualValues(t, 1, hits.Load())
}

func TestFetchPrecheck(t *testing.T) {
	var gets atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gone" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Method == http.MethodGet {
			gets.Add(1)
		}
		w.Write([]byte(playlist))
	}))
	defer server.Close()

	f := newTestFetcher(Options{Precheck: true})

	r := f.Fetch(context.Background(), Task{URL: server.URL + "/gone", Dest: filepath.Join(t.TempDir(), "gone")})
	assert.False(t, r.Succeeded)
	require.NotNil(t, r.Failure)
	assert.Equal(t, HTTPStatus, r.Failure.Kind)
	assert.Equal(t, http.StatusNotFound, r.Failure.StatusCode)
	assert.Equal(t, 0, r.Attempts)
	assert.Zero(t, gets.Load())

	r = f.Fetch(context.Background(), Task{URL: server.URL + "/ok", Dest: filepath.Join(t.TempDir(), "ok")})
	assert.True(t, r.Succeeded)
	assert.Equal(t, 1, r.Attempts)
	assert.EqualValues(t, 1, gets.Load())
}

func TestFetchCancelledContext(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := newTestFetcher(Options{})
	r := f.Fetch(ctx, Task{URL: server.URL, Dest: filepath.Join(t.TempDir(), "x")})

	assert.False(t, r.Succeeded)
	require.NotNil(t, r.Failure)
	assert.Equal(t, Unexpected, r.Failure.Kind)
	assert.Equal(t, 0, r.Attempts)
	assert.Zero(t, hits.Load())
}

func TestFetchLogsFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	logger, hook := test.NewNullLogger()
	f := newTestFetcher(Options{MaxAttempts: 2, Log: logrus.NewEntry(logger)})
	f.Fetch(context.Background(), Task{URL: server.URL, Dest: filepath.Join(t.TempDir(), "x")})

	var errorLines int
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel {
			errorLines++
			assert.Equal(t, server.URL, e.Data["url"])
		}
	}
	// One line per failed attempt plus the final verdict.
	assert.Equal(t, 3, errorLines)
	assert.Equal(t, "download failed after 2 attempts", hook.LastEntry().Message)
}

func TestFetchRecordsMetrics(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(playlist))
	}))
	defer server.Close()

	m := metrics.New("test")
	f := newTestFetcher(Options{Metrics: m})
	r := f.Fetch(context.Background(), Task{URL: server.URL, Dest: filepath.Join(t.TempDir(), "x")})
	require.True(t, r.Succeeded)

	n, err := testutil.GatherAndCount(m.Registry(), "test_attempts_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
