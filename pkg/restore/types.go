// Package restore holds the shared message types, errors and Context that
// the seven restore-pipeline stages (block source, file assembler, volume
// manager, downloader, decryptor, decompressor, verifier) pass between
// their channels. The stages are wired together in pkg/restore/pipeline.
package restore

import (
	"log/slog"
	"os"
	"time"

	"github.com/blockvault/blockvault/pkg/codec"
)

// VolumeKind mirrors the catalog's RemoteVolume.Kind column.
type VolumeKind string

const (
	VolumeKindBlocks VolumeKind = "Blocks"
	VolumeKindIndex  VolumeKind = "Index"
	VolumeKindFiles  VolumeKind = "Files"
)

// VolumeState mirrors the catalog's canonical RemoteVolume.State spellings.
type VolumeState string

const (
	VolumeStateTemporary VolumeState = "Temporary"
	VolumeStateUploading VolumeState = "Uploading"
	VolumeStateUploaded  VolumeState = "Uploaded"
	VolumeStateVerified  VolumeState = "Verified"
	VolumeStateDeleting  VolumeState = "Deleting"
	VolumeStateDeleted   VolumeState = "Deleted"
)

// BlockRequest is one planned block of one file, produced by the block
// source and consumed by the volume manager. EvictHint is set on the last
// request touching VolumeID in the whole plan, letting the volume manager
// release the cache entry as soon as its refcount reaches zero instead of
// waiting for LRU pressure.
type BlockRequest struct {
	VolumeID   uint64
	BlockID    uint64
	BlockHash  [32]byte
	BlockSize  uint32
	FileID     uint64
	FileOffset uint64
	EvictHint  bool
}

// RemoteVolume is the restore-relevant projection of a catalog row.
type RemoteVolume struct {
	ID          uint64
	Name        string
	Size        uint64
	ContentHash [32]byte
	Kind        VolumeKind
	State       VolumeState
}

// VolumeBlob is a decrypted, decompressed-container temp file owned by the
// volume manager's cache until eviction deletes it from disk.
type VolumeBlob struct {
	VolumeID uint64
	Path     string
}

// Close removes the backing temp file. Safe to call once; the volume
// manager guarantees it is never called while refcount > 0.
func (b *VolumeBlob) Close() error {
	if b == nil || b.Path == "" {
		return nil
	}
	return os.Remove(b.Path)
}

// VolumeReader is a random-access view over a plaintext volume container,
// produced by the decryptor and consumed by the decompressor.
type VolumeReader interface {
	// Open returns the raw (still compressed) bytes of the entry holding
	// blockHash, and found=false if there is no such entry.
	Open(blockHash [32]byte) (data []byte, found bool)
	Manifest() codec.Manifest
	Close() error
}

// FilePlan announces a file to the assembler before its first BlockRequest.
type FilePlan struct {
	FileID           uint64
	TargetPath       string
	ExpectedLength   uint64
	ExpectedHash     [32]byte
	Blocks           []BlockRequest
	Mode             os.FileMode
	ModTime          time.Time
	SymlinkTarget    string
	HardlinkTargetID uint64
	XAttrs           map[string][]byte
}

// DecompressedBlock is a fully verified plaintext block ready to be written
// into a file at FileOffset.
type DecompressedBlock struct {
	FileID     uint64
	FileOffset uint64
	Bytes      []byte
}

// CacheEntry is the volume manager's record of one cached, decrypted volume.
type CacheEntry struct {
	VolumeID uint64
	Blob     *VolumeBlob
	Reader   VolumeReader
	Size     uint64 // plaintext temp file size, for the byte-capacity bound
	RefCount int
	LastUse  time.Time
}

// InFlightEntry tracks requests waiting on a single in-progress download.
type InFlightEntry struct {
	VolumeID uint64
	Waiters  []BlockRequest
}

// Warning is a non-fatal condition surfaced alongside a successful restore,
// e.g. a metadata-set failure (spec: permission-set failures are warnings).
type Warning struct {
	FileID  uint64
	Message string
}

// Context carries the dependencies every stage needs at construction,
// replacing the process-wide globals (logger, temp dir, codec registry)
// the source program relied on.
type Context struct {
	Logger    *slog.Logger
	TempDir   string
	Codecs    *codec.Registry
	Clock     func() time.Time
	Metrics   MetricsSink
	MasterKey []byte // root key volume keys are HKDF-derived from
}

// MetricsSink is the minimal surface the pipeline needs to report counters;
// internal/metrics.Recorder implements it. Kept as an interface so core
// packages never import the prometheus client directly.
type MetricsSink interface {
	VolumeDownloadStarted(volumeID uint64)
	VolumeDownloadFinished(volumeID uint64, ok bool)
	CacheHit()
	CacheMiss()
	BytesDecompressed(n int)
	FileRestored(ok bool)
}

// NoopMetrics discards every observation; used as the default.
type NoopMetrics struct{}

func (NoopMetrics) VolumeDownloadStarted(uint64)      {}
func (NoopMetrics) VolumeDownloadFinished(uint64, bool) {}
func (NoopMetrics) CacheHit()                         {}
func (NoopMetrics) CacheMiss()                        {}
func (NoopMetrics) BytesDecompressed(int)             {}
func (NoopMetrics) FileRestored(bool)                 {}

func (c *Context) now() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now()
}
