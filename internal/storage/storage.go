package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultCacheControl matches the cache lifetime the web client used for samples.
const DefaultCacheControl = "3600"

// DefaultLocatorExpiry bounds presigned locators when no public base URL is set.
const DefaultLocatorExpiry = 24 * time.Hour

// ErrObjectExists is returned when a Put would overwrite an existing object.
var ErrObjectExists = errors.New("object already exists")

// PutOptions controls a single upload.
type PutOptions struct {
	ContentType  string
	CacheControl string
	// Progress, when set, is called with the cumulative number of bytes sent.
	// Calls come from the uploading goroutine and may repeat or go backwards
	// when the transport retries a part. Reads a backend makes before sending,
	// such as hashing the body for a signature, are not reported.
	Progress func(sent int64)
}

// Backend stores sample objects and returns a locator the analysis backend
// can fetch them from. Put must never overwrite an existing object.
type Backend interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, opts PutOptions) (string, error)
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ObjectKey builds a collision-free object key for one upload attempt:
// <user>/<unix millis>_<random>_<name>. Every call returns a new key, so a
// retried upload never lands on the path of a previous attempt.
func ObjectKey(userID string, now time.Time, sourceName string) string {
	name := unsafeChars.ReplaceAllString(sourceName, "_")
	name = strings.Trim(name, "_")
	if name == "" {
		name = "sample"
	}
	return fmt.Sprintf("%s/%d_%s_%s", userID, now.UnixMilli(), uuid.NewString()[:8], name)
}

// progressReader reports cumulative bytes read. Seeking resets the count so a
// transport that rewinds the body reports honestly; callers that need
// monotonic progress filter regressions themselves.
type progressReader struct {
	r      io.ReadSeeker
	read   atomic.Int64
	muted  atomic.Bool // counts without reporting while set
	report func(int64)
}

func newProgressReader(r io.ReadSeeker, report func(int64)) *progressReader {
	return &progressReader{r: r, report: report}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		sent := p.read.Add(int64(n))
		if p.report != nil && !p.muted.Load() {
			p.report(sent)
		}
	}
	return n, err
}

func (p *progressReader) Seek(offset int64, whence int) (int64, error) {
	pos, err := p.r.Seek(offset, whence)
	if err == nil {
		p.read.Store(pos)
	}
	return pos, err
}

// publicURL joins a public base URL, bucket and key.
func publicURL(base, bucket, key string) string {
	return fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(base, "/"), bucket, key)
}
