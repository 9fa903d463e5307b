// Package blocksource implements the restore pipeline's first stage: it
// resolves the requested fileset, streams the catalog's per-file block
// plan, and emits one restore.FilePlan per file to the assembler. A
// zero-block file (empty file, or a pure symlink/hardlink entry) is
// emitted with no blocks at all so the assembler can finalize it
// immediately without waiting on any volume.
package blocksource

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/blockvault/blockvault/pkg/catalog"
	"github.com/blockvault/blockvault/pkg/restore"
)

// Request describes what to restore: a resolved backup id, optional
// version/timestamp selector, and an optional set of path globs narrowing
// which files stream out of the catalog.
type Request struct {
	BackupID  string
	Version   int
	At        time.Time
	PathGlobs []string
	DestDir   string
}

// Channels groups the block source's output wiring.
type Channels struct {
	Plans chan<- restore.FilePlan
}

// BlockSource is the DB-scanner stage.
type BlockSource struct {
	logger  *slog.Logger
	catalog catalog.Catalog

	out chan<- restore.FilePlan
}

// New builds a BlockSource reading from cat.
func New(rc *restore.Context, cat catalog.Catalog, ch Channels) *BlockSource {
	logger := slog.Default()
	if rc != nil && rc.Logger != nil {
		logger = rc.Logger
	}
	return &BlockSource{
		logger:  logger.WithGroup("blocksource"),
		catalog: cat,
		out:     ch.Plans,
	}
}

// Run resolves req's fileset and streams every matching file's plan onto
// the Plans channel, closing nothing itself (the pipeline owns channel
// lifetime). It returns a fatal error (ErrCatalogCorrupt-class) if the
// fileset cannot be resolved or the catalog stream itself errors; a
// MissingBlock-class row error for a single file is not currently
// distinguishable from a stream error since PlanIterator surfaces both the
// same way, so either aborts the whole restore per spec.md §7.
// Run returns the number of FilePlans it emitted so the pipeline knows how
// many FileOutcomes to wait for before declaring the restore complete.
func (b *BlockSource) Run(ctx context.Context, req Request) (int, error) {
	fileset, err := b.catalog.ResolveFileset(ctx, req.BackupID, req.Version, req.At)
	if err != nil {
		return 0, fmt.Errorf("resolve fileset: %w", err)
	}

	evictHints, err := b.computeEvictHints(ctx, fileset.ID, req.PathGlobs)
	if err != nil {
		return 0, fmt.Errorf("pre-scan block counts: %w", err)
	}

	it, err := b.catalog.StreamFilePlans(ctx, fileset.ID, req.PathGlobs)
	if err != nil {
		return 0, fmt.Errorf("stream file plans: %w", err)
	}
	defer it.Close()

	emitted := 0
	for {
		row, ok, err := it.Next(ctx)
		if err != nil {
			return emitted, fmt.Errorf("%w: %v", catalog.ErrCatalogCorrupt, err)
		}
		if !ok {
			return emitted, nil
		}
		if !matchesAny(row.Path, req.PathGlobs) {
			continue
		}

		plan := toFilePlan(row, req.DestDir, evictHints)
		select {
		case b.out <- plan:
			emitted++
		case <-ctx.Done():
			return emitted, ctx.Err()
		}
	}
}

// computeEvictHints runs a first pass over the plan to learn, for each
// volume, how many block requests reference it in total. The second
// (emitting) pass decrements these counts and marks EvictHint true on the
// request that brings a volume's count to zero, letting the volume manager
// release a cache entry as soon as nothing still needs it instead of
// waiting for LRU pressure (spec.md §4.3).
func (b *BlockSource) computeEvictHints(ctx context.Context, filesetID uint64, globs []string) (*evictCounter, error) {
	it, err := b.catalog.StreamFilePlans(ctx, filesetID, globs)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	counts := make(map[uint64]int)
	for {
		row, ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if !matchesAny(row.Path, globs) {
			continue
		}
		for _, blk := range row.Blocks {
			counts[blk.VolumeID]++
		}
	}
	return &evictCounter{remaining: counts}, nil
}

// evictCounter tracks, per volume, how many more block requests the
// emitting pass will produce before that volume can be safely evicted.
type evictCounter struct {
	remaining map[uint64]int
}

func (e *evictCounter) touch(volumeID uint64) bool {
	e.remaining[volumeID]--
	return e.remaining[volumeID] <= 0
}

func toFilePlan(row catalog.FilePlanRow, destDir string, hints *evictCounter) restore.FilePlan {
	blocks := make([]restore.BlockRequest, len(row.Blocks))
	for i, blk := range row.Blocks {
		blocks[i] = restore.BlockRequest{
			VolumeID:   blk.VolumeID,
			BlockID:    blk.BlockID,
			BlockHash:  blk.BlockHash,
			BlockSize:  blk.BlockSize,
			FileID:     row.FileID,
			FileOffset: offsetOf(row.Blocks, i),
			EvictHint:  hints.touch(blk.VolumeID),
		}
	}

	return restore.FilePlan{
		FileID:           row.FileID,
		TargetPath:       joinTarget(destDir, row.Path),
		ExpectedLength:   row.ExpectedLength,
		ExpectedHash:     row.ExpectedHash,
		Blocks:           blocks,
		Mode:             row.Mode,
		ModTime:          row.ModTime,
		SymlinkTarget:    row.SymlinkTarget,
		HardlinkTargetID: row.HardlinkTargetID,
	}
}

// offsetOf computes the i'th block's file offset from the cumulative size
// of the blocks preceding it; FilePlanRow.Blocks is already ordered by
// BlocksetEntry.index (catalog.PlanIterator's contract).
func offsetOf(blocks []catalog.BlockRow, i int) uint64 {
	var off uint64
	for j := 0; j < i; j++ {
		off += uint64(blocks[j].BlockSize)
	}
	return off
}

// matchesAny reports whether path matches one of globs; no globs matches all.
func matchesAny(path string, globs []string) bool {
	for _, g := range globs {
		if ok, _ := filepath.Match(g, path); ok {
			return true
		}
	}
	return len(globs) == 0
}

func joinTarget(destDir, relPath string) string {
	if destDir == "" {
		return relPath
	}
	return filepath.Join(destDir, strings.TrimPrefix(relPath, "/"))
}
