// Package decompressor implements the restore pipeline's block-decompress
// stage: given a block request and a ready volume reader, extract the
// compressed bytes, decompress via the codec named in the container's
// manifest, and re-verify the plaintext block's hash before handing it to
// the assembler. The worker pool is a fixed number of worker goroutines
// tracked by a sync.WaitGroup, defaulting to the CPU count per spec.md §4.6.
package decompressor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"

	"github.com/blockvault/blockvault/pkg/codec"
	"github.com/blockvault/blockvault/pkg/restore"
	"github.com/blockvault/blockvault/pkg/restore/volumemgr"
)

// DefaultWorkers matches spec.md §4.6's MAX_DECOMPRESS_WORKERS default.
func DefaultWorkers() int { return runtime.NumCPU() }

// Decompressor pulls jobs from the volume manager and emits decompressed
// blocks to the assembler, releasing its volume reference back to the
// manager once each job completes (success or failure) so refcount-gated
// eviction can proceed.
type Decompressor struct {
	logger  *slog.Logger
	codecs  *codec.Registry
	workers int
	metrics restore.MetricsSink

	in       <-chan volumemgr.DecompressJob
	out      chan<- restore.DecompressedBlock
	released chan<- volumemgr.Release
	failures chan<- restore.FileOutcome
}

// Channels groups the decompressor's input/output wiring.
type Channels struct {
	Jobs     <-chan volumemgr.DecompressJob
	Blocks   chan<- restore.DecompressedBlock
	Released chan<- volumemgr.Release
	Failures chan<- restore.FileOutcome
}

// New builds a Decompressor. workers <= 0 falls back to DefaultWorkers().
func New(rc *restore.Context, ch Channels, workers int) *Decompressor {
	if workers <= 0 {
		workers = DefaultWorkers()
	}
	logger := slog.Default()
	var codecs *codec.Registry
	var metrics restore.MetricsSink = restore.NoopMetrics{}
	if rc != nil {
		if rc.Logger != nil {
			logger = rc.Logger
		}
		codecs = rc.Codecs
		if rc.Metrics != nil {
			metrics = rc.Metrics
		}
	}
	if codecs == nil {
		codecs = codec.NewDefaultRegistry()
	}

	return &Decompressor{
		logger:   logger.WithGroup("decompressor"),
		codecs:   codecs,
		workers:  workers,
		metrics:  metrics,
		in:       ch.Jobs,
		out:      ch.Blocks,
		released: ch.Released,
		failures: ch.Failures,
	}
}

// Run starts the fixed-size worker pool and blocks until ctx is cancelled
// or the job channel closes and all workers drain.
func (d *Decompressor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.worker(ctx)
		}()
	}
	wg.Wait()
}

func (d *Decompressor) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-d.in:
			if !ok {
				return
			}
			d.process(ctx, job)
		}
	}
}

func (d *Decompressor) process(ctx context.Context, job volumemgr.DecompressJob) {
	defer d.release(ctx, job.Request.VolumeID)

	block, err := d.decompressOne(job)
	if err != nil {
		d.reportFailure(ctx, job.Request.FileID, err)
		return
	}

	d.metrics.BytesDecompressed(len(block.Bytes))
	select {
	case d.out <- block:
	case <-ctx.Done():
	}
}

func (d *Decompressor) decompressOne(job volumemgr.DecompressJob) (restore.DecompressedBlock, error) {
	r := job.Request

	raw, found := job.Reader.Open(r.BlockHash)
	if !found {
		return restore.DecompressedBlock{}, fmt.Errorf("%w: block %x in volume %d", restore.ErrMissingBlock, r.BlockHash, r.VolumeID)
	}

	manifest := job.Reader.Manifest()
	plain := raw
	if manifest.Compression != "" {
		compressor, err := d.codecs.Compressor(manifest.Compression)
		if err != nil {
			return restore.DecompressedBlock{}, err
		}
		rc, err := compressor.NewReader(bytes.NewReader(raw))
		if err != nil {
			return restore.DecompressedBlock{}, fmt.Errorf("%w: %v", restore.ErrIntegrity, err)
		}
		defer rc.Close()

		buf := make([]byte, 0, r.BlockSize)
		w := bytes.NewBuffer(buf)
		if _, err := io.CopyN(w, rc, int64(r.BlockSize)); err != nil && err != io.EOF {
			return restore.DecompressedBlock{}, fmt.Errorf("%w: decompress block: %v", restore.ErrIntegrity, err)
		}
		plain = w.Bytes()
	}

	if uint32(len(plain)) != r.BlockSize {
		return restore.DecompressedBlock{}, fmt.Errorf("%w: block %x decompressed to %d bytes, want %d", restore.ErrIntegrity, r.BlockHash, len(plain), r.BlockSize)
	}
	if sha256.Sum256(plain) != r.BlockHash {
		return restore.DecompressedBlock{}, fmt.Errorf("%w: block %x", restore.ErrIntegrity, r.BlockHash)
	}

	return restore.DecompressedBlock{FileID: r.FileID, FileOffset: r.FileOffset, Bytes: plain}, nil
}

func (d *Decompressor) release(ctx context.Context, volumeID uint64) {
	select {
	case d.released <- volumemgr.Release{VolumeID: volumeID}:
	case <-ctx.Done():
	}
}

func (d *Decompressor) reportFailure(ctx context.Context, fileID uint64, err error) {
	wrapped := restore.NewStageError("decompress", 0, fileID, err)
	select {
	case d.failures <- restore.FileOutcome{FileID: fileID, Err: wrapped}:
	case <-ctx.Done():
	}
}
