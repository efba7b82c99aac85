package release

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// statusError is a non-2xx response. Client errors are not retried.
type statusError struct {
	URL    string
	Status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("download %s: unexpected status %d %s", e.URL, e.Status, http.StatusText(e.Status))
}

// DownloaderOptions configures a Downloader.
type DownloaderOptions struct {
	Client   *http.Client
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger
	Tracer   trace.Tracer
}

// Downloader fetches URLs to files with retries on transient failures.
type Downloader struct {
	client   *http.Client
	attempts int
	delay    time.Duration
	maxDelay time.Duration
	clock    clock.Clock
	logger   *slog.Logger
	tracer   trace.Tracer
}

func NewDownloader(opts DownloaderOptions) *Downloader {
	d := &Downloader{
		client:   opts.Client,
		attempts: opts.Attempts,
		delay:    opts.Delay,
		maxDelay: opts.MaxDelay,
		clock:    opts.Clock,
		tracer:   opts.Tracer,
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	d.logger = logger.With("component", "Downloader")
	if d.client == nil {
		d.client = &http.Client{Timeout: 60 * time.Second}
	}
	if d.attempts <= 0 {
		d.attempts = 3
	}
	if d.delay <= 0 {
		d.delay = time.Second
	}
	if d.maxDelay <= 0 {
		d.maxDelay = 10 * time.Second
	}
	if d.clock == nil {
		d.clock = clock.WallClock
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer("github.com/INLOpen/stackctl/release")
	}
	return d
}

// Download writes the body of rawURL to dest. The file appears at dest only
// once it is complete. It returns the number of bytes written.
func (d *Downloader) Download(ctx context.Context, rawURL, dest string) (int64, error) {
	ctx, span := d.tracer.Start(ctx, "Downloader.Download")
	defer span.End()
	span.SetAttributes(attribute.String("download.url", rawURL))

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", filepath.Dir(dest), err)
	}

	var (
		written int64
		lastErr error
	)
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			n, err := d.fetch(ctx, rawURL, dest)
			written = n
			lastErr = err
			return err
		},
		IsFatalError: func(err error) bool {
			if ctx.Err() != nil {
				return true
			}
			var se *statusError
			return errors.As(err, &se) && se.Status < 500 && se.Status != http.StatusTooManyRequests
		},
		NotifyFunc: func(err error, attempt int) {
			d.logger.Warn("Download attempt failed.", "url", rawURL, "attempt", attempt, "error", err)
		},
		Attempts:    d.attempts,
		Delay:       d.delay,
		MaxDelay:    d.maxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       d.clock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		span.RecordError(lastErr)
		return 0, fmt.Errorf("failed to download %s: %w", rawURL, lastErr)
	}
	span.SetAttributes(attribute.Int64("download.bytes", written))
	d.logger.Info("Downloaded file.", "url", rawURL, "dest", dest, "size", humanize.IBytes(uint64(written)))
	return written, nil
}

func (d *Downloader) fetch(ctx context.Context, rawURL, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return 0, &statusError{URL: rawURL, Status: resp.StatusCode}
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".part-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	n, err := io.Copy(tmp, resp.Body)
	if err == nil && resp.ContentLength >= 0 && n != resp.ContentLength {
		err = fmt.Errorf("short body: got %d of %d bytes", n, resp.ContentLength)
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmpName, dest)
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return 0, err
	}
	return n, nil
}
