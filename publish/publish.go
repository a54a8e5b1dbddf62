// Package publish mirrors a staged output directory into a blob bucket. Any
// bucket URL understood by gocloud.dev/blob can be used, provided the driver
// is linked into the binary.
package publish

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ccollins476ad/implayerfetch/download"
	log "github.com/sirupsen/logrus"
	"gocloud.dev/blob"
)

// Open opens the bucket at the given URL, e.g. "file:///srv/www/iptv" or
// "mem://".
func Open(ctx context.Context, bucketURL string) (*blob.Bucket, error) {
	bkt, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	return bkt, nil
}

// Key returns the bucket key for a file staged under root.
func Key(root, dest string) (string, error) {
	rel, err := filepath.Rel(root, dest)
	if err != nil {
		return "", err
	}
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%s is outside %s", dest, root)
	}
	return filepath.ToSlash(rel), nil
}

// Mirror uploads the file of every successful result to the bucket, keyed by
// its path relative to root. Each object carries the source url as metadata
// and, when the digest is known, the MD5 the bucket verifies the upload
// against. Failed results are ignored. It returns the number of objects
// written; a failed upload doesn't stop the others.
func Mirror(ctx context.Context, bkt *blob.Bucket, root string, results []download.Result, entry *log.Entry) (int, error) {
	var errs []error
	n := 0

	for _, r := range results {
		if !r.Succeeded {
			continue
		}

		err := ctx.Err()
		if err != nil {
			errs = append(errs, err)
			break
		}

		key, err := Key(root, r.Task.Dest)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		err = upload(ctx, bkt, key, r)
		if err != nil {
			entry.WithError(err).Errorf("publish failed: key=%s", key)
			errs = append(errs, fmt.Errorf("publish %s: %w", key, err))
			continue
		}

		entry.Debugf("published: key=%s url=%s", key, r.Task.URL)
		n++
	}

	return n, errors.Join(errs...)
}

func upload(ctx context.Context, bkt *blob.Bucket, key string, r download.Result) error {
	f, err := os.Open(r.Task.Dest)
	if err != nil {
		return err
	}
	defer f.Close()

	opts := &blob.WriterOptions{
		Metadata: map[string]string{
			"source_url": r.Task.URL,
		},
	}
	if r.Digest != "" {
		sum, err := hex.DecodeString(r.Digest)
		if err != nil {
			return fmt.Errorf("bad digest %q: %w", r.Digest, err)
		}
		opts.ContentMD5 = sum
	}

	// Cancelling the writer's context discards a partial upload.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := bkt.NewWriter(wctx, key, opts)
	if err != nil {
		return err
	}

	_, err = io.Copy(w, f)
	if err != nil {
		cancel()
		w.Close()
		return err
	}

	return w.Close()
}
