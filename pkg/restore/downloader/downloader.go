// Package downloader implements the restore pipeline's volume-fetch stage:
// given a volume id, look up its RemoteVolume row, fetch the blob from the
// backend into a temp file, and verify size/hash against the catalog before
// handing it to the decryptor. Retry/backoff is the same shape as
// pkg/backend/s3 (itself ported from pkg/content/store/s3/s3_read.go) but
// generalized over any backend.Backend, since the volume a restore needs
// may live on any pluggable backend.
package downloader

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/blockvault/blockvault/pkg/backend"
	"github.com/blockvault/blockvault/pkg/catalog"
	"github.com/blockvault/blockvault/pkg/restore"
	"github.com/blockvault/blockvault/pkg/restore/volumemgr"
)

// DefaultConcurrency matches spec.md §4.4's MAX_CONCURRENT_DOWNLOADS.
const DefaultConcurrency = 4

// RetryConfig mirrors backend/s3's retry shape; spec.md §4.4 defaults are
// base 1s, cap 60s, max 5 attempts.
type RetryConfig struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 4, InitialBackoff: time.Second, MaxBackoff: 60 * time.Second, BackoffMultiplier: 2}
}

func (r RetryConfig) backoff(attempt int) time.Duration {
	d := float64(r.InitialBackoff)
	for i := 0; i < attempt; i++ {
		d *= r.BackoffMultiplier
	}
	if d > float64(r.MaxBackoff) {
		d = float64(r.MaxBackoff)
	}
	return time.Duration(d)
}

// Downloaded is handed to the decryptor once a volume blob is on disk and
// verified against the catalog.
type Downloaded struct {
	VolumeID   uint64
	TempPath   string
	Volume     catalog.RemoteVolume
}

// DefaultTimeout bounds one volume's fetch, all retries included.
const DefaultTimeout = 10 * time.Minute

// Downloader is the volume-fetch stage. Each volume's fetch runs under its
// own DefaultTimeout deadline derived from the Run ctx.
type Downloader struct {
	logger      *slog.Logger
	cat         catalog.Catalog
	be          backend.Backend
	tempDir     string
	retry       RetryConfig
	concurrency int
	metrics     restore.MetricsSink

	in           <-chan uint64
	out          chan<- Downloaded
	failures     chan<- volumemgr.VolumeFailure
}

// Channels groups the downloader's input/output wiring.
type Channels struct {
	Requests <-chan uint64
	Ready    chan<- Downloaded
	Failures chan<- volumemgr.VolumeFailure
}

// New builds a Downloader. concurrency <= 0 falls back to DefaultConcurrency.
func New(rc *restore.Context, cat catalog.Catalog, be backend.Backend, ch Channels, concurrency int, retry RetryConfig) *Downloader {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	logger := slog.Default()
	tempDir := os.TempDir()
	var metrics restore.MetricsSink = restore.NoopMetrics{}
	if rc != nil {
		if rc.Logger != nil {
			logger = rc.Logger
		}
		if rc.TempDir != "" {
			tempDir = rc.TempDir
		}
		if rc.Metrics != nil {
			metrics = rc.Metrics
		}
	}

	return &Downloader{
		logger:      logger.WithGroup("downloader"),
		cat:         cat,
		be:          be,
		tempDir:     tempDir,
		retry:       retry,
		concurrency: concurrency,
		metrics:     metrics,
		in:          ch.Requests,
		out:         ch.Ready,
		failures:    ch.Failures,
	}
}

// Run fans out incoming DownloadRequests across a bounded worker pool,
// capped via golang.org/x/sync/semaphore the same way the teacher bounds
// its upload fan-out, until ctx is cancelled or the input channel closes.
func (d *Downloader) Run(ctx context.Context) {
	sem := semaphore.NewWeighted(int64(d.concurrency))
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case volumeID, ok := <-d.in:
			if !ok {
				return
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sem.Release(1)
				d.process(ctx, volumeID)
			}()
		}
	}
}

func (d *Downloader) process(ctx context.Context, volumeID uint64) {
	d.metrics.VolumeDownloadStarted(volumeID)

	vol, err := d.cat.Volume(ctx, volumeID)
	if err != nil {
		d.metrics.VolumeDownloadFinished(volumeID, false)
		d.fail(ctx, volumeID, fmt.Errorf("lookup volume metadata: %w", err))
		return
	}

	fetchCtx, cancelFetch := context.WithTimeout(ctx, DefaultTimeout)
	tempPath, err := d.fetchWithRetry(fetchCtx, vol)
	cancelFetch()
	if err != nil {
		d.metrics.VolumeDownloadFinished(volumeID, false)
		d.fail(ctx, volumeID, err)
		return
	}

	d.metrics.VolumeDownloadFinished(volumeID, true)
	select {
	case d.out <- Downloaded{VolumeID: volumeID, TempPath: tempPath, Volume: vol}:
	case <-ctx.Done():
		os.Remove(tempPath)
	}
}

func (d *Downloader) fetchWithRetry(ctx context.Context, vol catalog.RemoteVolume) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= d.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(d.retry.backoff(attempt - 1)):
			}
		}

		path, err := d.fetchOnce(ctx, vol)
		if err == nil {
			return path, nil
		}
		lastErr = err
		d.logger.Warn("download attempt failed", "volume_id", vol.ID, "attempt", attempt, "error", err)
	}
	return "", fmt.Errorf("%w: %s: %v", restore.ErrVolumeUnavailable, vol.Name, lastErr)
}

func (d *Downloader) fetchOnce(ctx context.Context, vol catalog.RemoteVolume) (string, error) {
	rc, err := d.be.Get(ctx, vol.Name)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	tempPath := filepath.Join(d.tempDir, fmt.Sprintf("blockvault-enc-%s.tmp", uuid.NewString()))
	f, err := os.Create(tempPath)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(f, hasher), rc)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("write temp file: %w", err)
	}

	if uint64(written) != vol.Size {
		os.Remove(tempPath)
		return "", fmt.Errorf("%w: volume %s size mismatch: got %d want %d", restore.ErrIntegrity, vol.Name, written, vol.Size)
	}
	var got [32]byte
	copy(got[:], hasher.Sum(nil))
	if got != vol.Hash {
		os.Remove(tempPath)
		return "", fmt.Errorf("%w: volume %s content hash mismatch", restore.ErrIntegrity, vol.Name)
	}

	return tempPath, nil
}

func (d *Downloader) fail(ctx context.Context, volumeID uint64, err error) {
	wrapped := restore.NewStageError("download", volumeID, 0, err)
	select {
	case d.failures <- volumemgr.VolumeFailure{VolumeID: volumeID, Err: wrapped}:
	case <-ctx.Done():
	}
}
