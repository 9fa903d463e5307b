// Package catalog is the restore-facing read view over the backup catalog
// database: a relational store cataloging files, metadata, blocksets,
// blocks and remote volumes. Only the subset of entities the restore data
// plane reads is modeled here; the backup (write) path's schema is
// out of scope.
package catalog

import (
	"context"
	"errors"
	"os"
	"time"
)

// State is the canonical RemoteVolume.State spelling; every catalog driver
// must normalize to these exact strings.
type State string

const (
	StateTemporary State = "Temporary"
	StateUploading State = "Uploading"
	StateUploaded  State = "Uploaded"
	StateVerified  State = "Verified"
	StateDeleting  State = "Deleting"
	StateDeleted   State = "Deleted"
)

// Kind is the canonical RemoteVolume.Kind spelling.
type Kind string

const (
	KindBlocks Kind = "Blocks"
	KindIndex  Kind = "Index"
	KindFiles  Kind = "Files"
)

// ErrCatalogCorrupt signals a row-level consistency violation (e.g. a
// BlocksetEntry referencing a nonexistent Block) — fatal to the whole
// restore per spec.md §7.
var ErrCatalogCorrupt = errors.New("catalog: inconsistent rows")

// ErrFilesetNotFound means no Fileset matched the requested backup id,
// version, or timestamp.
var ErrFilesetNotFound = errors.New("catalog: fileset not found")

// RemoteVolume is the restore-relevant projection of the RemoteVolume table.
type RemoteVolume struct {
	ID                uint64
	Name              string
	Size              uint64
	Hash              [32]byte
	Kind              Kind
	State             State
	VerificationCount int64 // carried for schema fidelity only; restore never reads it
}

// BlockRow is one (block, chosen volume) pair for a single BlocksetEntry.
type BlockRow struct {
	BlockID   uint64
	BlockHash [32]byte
	BlockSize uint32
	VolumeID  uint64
}

// FilePlanRow is everything the block source needs to announce and plan one
// file, already ordered: Blocks is sorted by BlocksetEntry.index.
type FilePlanRow struct {
	FileID           uint64
	Path             string
	ExpectedLength   uint64
	ExpectedHash     [32]byte
	Mode             os.FileMode
	ModTime          time.Time
	SymlinkTarget    string
	HardlinkTargetID uint64
	Blocks           []BlockRow
}

// Fileset identifies a resolved point-in-time snapshot.
type Fileset struct {
	ID        uint64
	Timestamp time.Time
	VolumeID  uint64
}

// PlanIterator streams FilePlanRows without materializing the whole backup
// plan in memory, per spec.md §4.1 ("emission is lazy").
type PlanIterator interface {
	// Next advances the iterator. It returns ok=false once exhausted; any
	// non-nil err should be treated as ErrCatalogCorrupt-class and aborts
	// the whole restore.
	Next(ctx context.Context) (row FilePlanRow, ok bool, err error)
	Close() error
}

// Catalog is the read-only subset of the catalog database the restore data
// plane uses: resolve a fileset, stream its files with their block plans
// already duplicate-resolved, and look up volume metadata.
type Catalog interface {
	// ResolveFileset finds the Fileset for backupID at the requested
	// version (0 = latest) or at a specific timestamp (whichever is
	// non-zero; version takes precedence if both are set).
	ResolveFileset(ctx context.Context, backupID string, version int, at time.Time) (Fileset, error)

	// StreamFilePlans streams the Files in fileset, ordered by file id then
	// block index, joining File/Blockset/BlocksetEntry/Block/RemoteVolume.
	// pathGlobs (nil/empty means all files) may be applied here or not
	// (gormcatalog streams every file); blocksource re-applies it.
	StreamFilePlans(ctx context.Context, filesetID uint64, pathGlobs []string) (PlanIterator, error)

	// Volume looks up a single RemoteVolume by id.
	Volume(ctx context.Context, id uint64) (RemoteVolume, error)

	Close() error
}
