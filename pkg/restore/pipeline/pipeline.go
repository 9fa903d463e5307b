// Package pipeline wires the seven restore stages (block source, file
// assembler, volume manager, downloader, decryptor, decompressor,
// verifier) into one cancellable unit. It is deliberately its own package,
// separate from pkg/restore (which every stage imports for shared types):
// putting the wiring there would create an import cycle.
package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/blockvault/blockvault/pkg/backend"
	"github.com/blockvault/blockvault/pkg/catalog"
	"github.com/blockvault/blockvault/pkg/codec"
	"github.com/blockvault/blockvault/pkg/restore"
	"github.com/blockvault/blockvault/pkg/restore/assembler"
	"github.com/blockvault/blockvault/pkg/restore/blocksource"
	"github.com/blockvault/blockvault/pkg/restore/decompressor"
	"github.com/blockvault/blockvault/pkg/restore/decryptor"
	"github.com/blockvault/blockvault/pkg/restore/downloader"
	"github.com/blockvault/blockvault/pkg/restore/verifier"
	"github.com/blockvault/blockvault/pkg/restore/volumemgr"
)

// DefaultChannelBuffer bounds how far one stage may run ahead of the next,
// the same fixed-size-queue idiom as the teacher's flusher.background
// upload queue.
const DefaultChannelBuffer = 64

// Config wires every stage's dependencies and concurrency knobs into one
// Pipeline. Zero-value numeric fields fall back to each stage's documented
// default.
type Config struct {
	Catalog catalog.Catalog
	Backend backend.Backend

	// RC supplies the shared logger/clock/codec registry/metrics sink/master
	// key every stage constructs from. Nil fields fall back to defaults.
	RC *restore.Context

	DownloadConcurrency int
	DecompressWorkers   int
	MaxConcurrentFiles  int
	CacheEntries        int
	CacheBytes          uint64
	ChannelBuffer       int

	// Overwrite allows the assembler to replace a file already present at a
	// FilePlan's target path instead of failing that file.
	Overwrite bool

	// Strict turns the first per-file failure into a fatal abort of the
	// whole restore (spec.md §7's "non-fatal globally unless --strict"),
	// instead of the default skip-and-continue behavior.
	Strict bool
}

// Pipeline runs the seven restore stages as one cancellable unit.
type Pipeline struct {
	cfg Config
	rc  *restore.Context
}

// New builds a Pipeline.
func New(cfg Config) *Pipeline {
	rc := cfg.RC
	if rc == nil {
		rc = &restore.Context{}
	}
	if rc.Codecs == nil {
		rc.Codecs = codec.NewDefaultRegistry()
	}
	if rc.Metrics == nil {
		rc.Metrics = restore.NoopMetrics{}
	}
	return &Pipeline{cfg: cfg, rc: rc}
}

// Run resolves req against the catalog and restores every matching file,
// blocking until every file has either succeeded or failed, or ctx is
// cancelled. The returned Summary is always non-nil, even on a fatal
// catalog error; it then holds only the outcomes of files emitted before
// the error, and the error itself is returned alongside it. Cancelled is
// set only when ctx is done before every outcome was collected.
func (p *Pipeline) Run(ctx context.Context, req blocksource.Request) (*restore.Summary, error) {
	buf := p.cfg.ChannelBuffer
	if buf <= 0 {
		buf = DefaultChannelBuffer
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	plans := make(chan restore.FilePlan, buf)
	blockRequests := make(chan restore.BlockRequest, buf)
	downloadRequests := make(chan uint64, buf)
	downloaded := make(chan downloader.Downloaded, buf)
	volumeReady := make(chan volumemgr.VolumeReady, buf)
	volumeFailures := make(chan volumemgr.VolumeFailure, buf)
	decompressJobs := make(chan volumemgr.DecompressJob, buf)
	released := make(chan volumemgr.Release, buf)
	fileVolumeFailures := make(chan volumemgr.FileVolumeFailure, buf)
	decompressedBlocks := make(chan restore.DecompressedBlock, buf)
	decompressFailures := make(chan restore.FileOutcome, buf)
	finalized := make(chan verifier.FileFinalized, buf)
	linkRequests := make(chan verifier.LinkRequest, buf)
	warnings := make(chan restore.Warning, buf)
	outcomes := make(chan restore.FileOutcome, buf)

	bs := blocksource.New(p.rc, p.cfg.Catalog, blocksource.Channels{Plans: plans})
	asm := assembler.New(p.rc, assembler.Channels{
		Plans:          plans,
		Blocks:         decompressedBlocks,
		VolumeFailures: fileVolumeFailures,
		BlockFailures:  decompressFailures,
		BlockRequests:  blockRequests,
		Finalized:      finalized,
		LinkRequests:   linkRequests,
		Outcomes:       outcomes,
	}, p.cfg.MaxConcurrentFiles, p.cfg.Overwrite)
	vm := volumemgr.New(p.rc, volumemgr.Channels{
		Requests:         blockRequests,
		Ready:            volumeReady,
		Failures:         volumeFailures,
		Released:         released,
		DownloadRequests: downloadRequests,
		DecompressJobs:   decompressJobs,
		FileFailures:     fileVolumeFailures,
	}, p.cfg.CacheEntries, p.cfg.CacheBytes)
	dl := downloader.New(p.rc, p.cfg.Catalog, p.cfg.Backend, downloader.Channels{
		Requests: downloadRequests,
		Ready:    downloaded,
		Failures: volumeFailures,
	}, p.cfg.DownloadConcurrency, downloader.DefaultRetryConfig())
	dec := decryptor.New(p.rc, decryptor.Channels{
		Downloaded: downloaded,
		Ready:      volumeReady,
		Failures:   volumeFailures,
	})
	dcmp := decompressor.New(p.rc, decompressor.Channels{
		Jobs:     decompressJobs,
		Blocks:   decompressedBlocks,
		Released: released,
		Failures: decompressFailures,
	}, p.cfg.DecompressWorkers)
	vfy := verifier.New(p.rc, verifier.Channels{
		Finalized: finalized,
		Links:     linkRequests,
		Warnings:  warnings,
		Outcomes:  outcomes,
	})

	// Each stage runs for the pipeline's whole lifetime and only ever stops
	// via ctx cancellation, so errgroup.Group is used purely as a bounded
	// wait group here (no stage's Run returns an error to propagate).
	g, gctx := errgroup.WithContext(runCtx)
	spawn := func(f func(context.Context)) {
		g.Go(func() error {
			f(gctx)
			return nil
		})
	}
	spawn(asm.Run)
	spawn(vm.Run)
	spawn(dl.Run)
	spawn(dec.Run)
	spawn(dcmp.Run)
	spawn(vfy.Run)

	summary := &restore.Summary{}
	collected := make(chan struct{})
	totalCh := make(chan int, 1) // set once the block source finishes scanning
	go func() {
		defer close(collected)
		want := -1
		got := 0
		for {
			select {
			case <-runCtx.Done():
				return
			case o, ok := <-outcomes:
				if !ok {
					outcomes = nil
					continue
				}
				got++
				if o.Err != nil {
					summary.Failed = append(summary.Failed, o)
					if p.cfg.Strict {
						return
					}
				} else {
					summary.Succeeded = append(summary.Succeeded, o)
				}
				if want == got {
					return
				}
			case w, ok := <-warnings:
				if !ok {
					warnings = nil
					continue
				}
				summary.Warnings = append(summary.Warnings, w)
			case total := <-totalCh:
				want = total
				if want == got {
					return
				}
			}
		}
	}()

	total, bsErr := bs.Run(runCtx, req)
	close(plans)
	select {
	case totalCh <- total:
	case <-runCtx.Done():
	}

	select {
	case <-collected:
	case <-ctx.Done():
		summary.Cancelled = true
	}

	cancel()
	g.Wait()

	if bsErr != nil && bsErr != context.Canceled {
		return summary, bsErr
	}
	return summary, nil
}
