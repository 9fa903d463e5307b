// Package volumemgr is the restore pipeline's cache coordinator. It is the
// direct generalization of the teacher's Offloader/TransferManager
// in-flight-download-dedup pattern (pkg/payload/offloader/download.go,
// pkg/payload/transfer/manager.go: a broadcast-on-close "done" channel per
// in-progress download) scaled up one level: instead of deduping block
// downloads from one content store, it dedupes whole-volume downloads
// across every file in the restore plan that references them. Eviction is
// ported from pkg/cache/eviction.go's evictLRUToTarget, generalized from
// "uploaded blocks across files" to "cached volumes with refcount == 0".
package volumemgr

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/blockvault/blockvault/pkg/restore"
)

// DefaultCapacityEntries and DefaultCapacityBytes implement spec.md §4.3's
// "4 entries or 512 MiB total, whichever smaller" cache bound: both caps
// apply simultaneously, eviction runs whenever either is exceeded.
const (
	DefaultCapacityEntries = 4
	DefaultCapacityBytes   = 512 * 1024 * 1024
)

// VolumeReady is sent by the decryptor once a volume's plaintext container
// is open and ready to serve decompression requests.
type VolumeReady struct {
	VolumeID uint64
	Blob     *restore.VolumeBlob
	Reader   restore.VolumeReader
}

// VolumeFailure is sent by the downloader or decryptor when a volume could
// not be made ready after retries.
type VolumeFailure struct {
	VolumeID uint64
	Err      error
}

// DecompressJob is one block request paired with the volume reader that can
// satisfy it, handed to the decompressor.
type DecompressJob struct {
	Request restore.BlockRequest
	Reader  restore.VolumeReader
}

// Release signals that one previously forwarded DecompressJob has finished
// (successfully or not), letting the manager decrement the volume's
// refcount and consider a pending eviction.
type Release struct {
	VolumeID uint64
}

// FileVolumeFailure reports to the assembler that one file's block request
// can never be satisfied because its volume failed.
type FileVolumeFailure struct {
	Request restore.BlockRequest
	Err     error
}

// Manager is the volume manager's single owning goroutine: every field
// below is touched only from Run's loop, so none of it needs locking
// (confinement, matching spec.md §5's "lock-free by confinement" note).
type Manager struct {
	logger          *slog.Logger
	metrics         restore.MetricsSink
	capacityEntries int
	capacityBytes   uint64

	requests <-chan restore.BlockRequest
	ready    <-chan VolumeReady
	failures <-chan VolumeFailure
	released <-chan Release

	downloadReq   chan<- uint64
	decompressOut chan<- DecompressJob
	fileFailures  chan<- FileVolumeFailure

	cache        map[uint64]*restore.CacheEntry
	inFlight     map[uint64]*restore.InFlightEntry
	pendingEvict map[uint64]bool
	totalBytes   uint64

	clock func() time.Time
}

// Channels groups every channel the manager reads from or writes to, kept
// separate from Config so tests can wire only what they need.
type Channels struct {
	Requests <-chan restore.BlockRequest
	Ready    <-chan VolumeReady
	Failures <-chan VolumeFailure
	Released <-chan Release

	DownloadRequests chan<- uint64
	DecompressJobs   chan<- DecompressJob
	FileFailures     chan<- FileVolumeFailure
}

// New builds a Manager. capacityEntries/capacityBytes of 0 fall back to the
// spec defaults.
func New(rc *restore.Context, ch Channels, capacityEntries int, capacityBytes uint64) *Manager {
	if capacityEntries <= 0 {
		capacityEntries = DefaultCapacityEntries
	}
	if capacityBytes == 0 {
		capacityBytes = DefaultCapacityBytes
	}
	clock := time.Now
	if rc != nil && rc.Clock != nil {
		clock = rc.Clock
	}
	var logger *slog.Logger
	var metrics restore.MetricsSink = restore.NoopMetrics{}
	if rc != nil {
		logger = rc.Logger
		if rc.Metrics != nil {
			metrics = rc.Metrics
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		logger:          logger.WithGroup("volumemgr"),
		metrics:         metrics,
		capacityEntries: capacityEntries,
		capacityBytes:   capacityBytes,
		requests:        ch.Requests,
		ready:           ch.Ready,
		failures:        ch.Failures,
		released:        ch.Released,
		downloadReq:     ch.DownloadRequests,
		decompressOut:   ch.DecompressJobs,
		fileFailures:    ch.FileFailures,
		cache:           make(map[uint64]*restore.CacheEntry),
		inFlight:        make(map[uint64]*restore.InFlightEntry),
		pendingEvict:    make(map[uint64]bool),
		clock:           clock,
	}
}

// Run drives the manager's loop until ctx is cancelled or every input
// channel closes. It owns cache/inFlight/pendingEvict exclusively: no other
// goroutine touches them, so none of the spec's concurrency notes about
// locking apply here.
func (m *Manager) Run(ctx context.Context) {
	defer m.shutdown()

	for {
		select {
		case <-ctx.Done():
			return

		case r, ok := <-m.requests:
			if !ok {
				m.requests = nil
				if m.allChannelsClosed() {
					return
				}
				continue
			}
			m.handleRequest(ctx, r)

		case v, ok := <-m.ready:
			if !ok {
				m.ready = nil
				if m.allChannelsClosed() {
					return
				}
				continue
			}
			m.handleReady(ctx, v)

		case f, ok := <-m.failures:
			if !ok {
				m.failures = nil
				if m.allChannelsClosed() {
					return
				}
				continue
			}
			m.handleFailure(ctx, f)

		case rel, ok := <-m.released:
			if !ok {
				m.released = nil
				if m.allChannelsClosed() {
					return
				}
				continue
			}
			m.handleRelease(rel)
		}
	}
}

func (m *Manager) allChannelsClosed() bool {
	return m.requests == nil && m.ready == nil && m.failures == nil && m.released == nil
}

func (m *Manager) handleRequest(ctx context.Context, r restore.BlockRequest) {
	if r.EvictHint {
		m.pendingEvict[r.VolumeID] = true
	}

	if entry, ok := m.cache[r.VolumeID]; ok {
		m.metrics.CacheHit()
		entry.LastUse = m.clock()
		entry.RefCount++
		m.forward(ctx, DecompressJob{Request: r, Reader: entry.Reader})
		m.maybeEvict(r.VolumeID)
		return
	}

	if inflight, ok := m.inFlight[r.VolumeID]; ok {
		inflight.Waiters = append(inflight.Waiters, r)
		return
	}

	m.metrics.CacheMiss()
	m.inFlight[r.VolumeID] = &restore.InFlightEntry{VolumeID: r.VolumeID, Waiters: []restore.BlockRequest{r}}
	select {
	case m.downloadReq <- r.VolumeID:
	case <-ctx.Done():
	}
}

func (m *Manager) handleReady(ctx context.Context, v VolumeReady) {
	waiters := m.inFlight[v.VolumeID]
	delete(m.inFlight, v.VolumeID)

	entry := &restore.CacheEntry{
		VolumeID: v.VolumeID,
		Blob:     v.Blob,
		Reader:   v.Reader,
		Size:     statSize(v.Blob),
		LastUse:  m.clock(),
	}
	m.cache[v.VolumeID] = entry
	m.totalBytes += entry.Size

	if waiters != nil {
		// FIFO: waiters are forwarded in arrival order (spec.md §4.3).
		for _, w := range waiters.Waiters {
			entry.RefCount++
			m.forward(ctx, DecompressJob{Request: w, Reader: v.Reader})
		}
	}

	m.maybeEvict(v.VolumeID)
	m.evictToCapacity()
}

func (m *Manager) handleFailure(ctx context.Context, f VolumeFailure) {
	waiters := m.inFlight[f.VolumeID]
	delete(m.inFlight, f.VolumeID)
	delete(m.pendingEvict, f.VolumeID)
	if waiters == nil {
		return
	}
	for _, w := range waiters.Waiters {
		select {
		case m.fileFailures <- FileVolumeFailure{Request: w, Err: f.Err}:
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) handleRelease(rel Release) {
	entry, ok := m.cache[rel.VolumeID]
	if !ok {
		return
	}
	if entry.RefCount > 0 {
		entry.RefCount--
	}
	m.maybeEvict(rel.VolumeID)
}

func (m *Manager) forward(ctx context.Context, job DecompressJob) {
	select {
	case m.decompressOut <- job:
	case <-ctx.Done():
	}
}

// maybeEvict evicts volumeID immediately if it is flagged for eviction and
// has no outstanding decompressions, per spec.md §4.3's evict_hint rule.
func (m *Manager) maybeEvict(volumeID uint64) {
	if !m.pendingEvict[volumeID] {
		return
	}
	entry, ok := m.cache[volumeID]
	if !ok || entry.RefCount > 0 {
		return
	}
	m.evict(volumeID)
	delete(m.pendingEvict, volumeID)
}

// evictToCapacity runs the teacher's evictLRUToTarget algorithm: snapshot
// last-use times, evict oldest first, skip anything with refcount > 0,
// stop once both caps are satisfied.
func (m *Manager) evictToCapacity() {
	for len(m.cache) > m.capacityEntries || m.totalBytes > m.capacityBytes {
		oldestID, found := m.oldestEvictable()
		if !found {
			return // everything left has refcount > 0; nothing more to do
		}
		m.evict(oldestID)
	}
}

func (m *Manager) oldestEvictable() (uint64, bool) {
	var (
		oldestID uint64
		oldest   time.Time
		found    bool
	)
	for id, entry := range m.cache {
		if entry.RefCount > 0 {
			continue
		}
		if !found || entry.LastUse.Before(oldest) {
			oldestID, oldest, found = id, entry.LastUse, true
		}
	}
	return oldestID, found
}

func (m *Manager) evict(volumeID uint64) {
	entry, ok := m.cache[volumeID]
	if !ok {
		return
	}
	delete(m.cache, volumeID)
	delete(m.pendingEvict, volumeID)
	if entry.Size <= m.totalBytes {
		m.totalBytes -= entry.Size
	} else {
		m.totalBytes = 0
	}

	if entry.Reader != nil {
		if err := entry.Reader.Close(); err != nil {
			m.logger.Warn("close volume reader on eviction", "volume_id", volumeID, "error", err)
		}
	}
	if err := entry.Blob.Close(); err != nil {
		m.logger.Warn("delete volume temp file on eviction", "volume_id", volumeID, "error", err)
	}
}

func (m *Manager) shutdown() {
	for id := range m.cache {
		m.evict(id)
	}
}

func statSize(b *restore.VolumeBlob) uint64 {
	if b == nil || b.Path == "" {
		return 0
	}
	info, err := os.Stat(b.Path)
	if err != nil {
		return 0
	}
	return uint64(info.Size())
}
