// Package memtest is an in-memory catalog.Catalog fake, grounded on the
// teacher's in-memory metadata store test doubles (pkg/metadata/store/memory):
// plain Go maps guarded by a single mutex, no persistence. It exists purely
// for fast pipeline tests that need a real Catalog without a database.
package memtest

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/blockvault/blockvault/pkg/catalog"
)

// Catalog is a builder-populated, read-only in-memory catalog.
type Catalog struct {
	mu       sync.RWMutex
	volumes  map[uint64]catalog.RemoteVolume
	filesets map[uint64]catalog.Fileset
	// plans maps filesetID -> ordered file plans.
	plans map[uint64][]catalog.FilePlanRow
}

// New returns an empty catalog ready for Seed* calls.
func New() *Catalog {
	return &Catalog{
		volumes:  make(map[uint64]catalog.RemoteVolume),
		filesets: make(map[uint64]catalog.Fileset),
		plans:    make(map[uint64][]catalog.FilePlanRow),
	}
}

// SeedVolume registers a RemoteVolume for Volume() lookups.
func (c *Catalog) SeedVolume(v catalog.RemoteVolume) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.volumes[v.ID] = v
}

// SeedFileset registers a fileset and its ordered file plans.
func (c *Catalog) SeedFileset(fs catalog.Fileset, plans []catalog.FilePlanRow) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filesets[fs.ID] = fs
	c.plans[fs.ID] = plans
}

func (c *Catalog) ResolveFileset(ctx context.Context, backupID string, version int, at time.Time) (catalog.Fileset, error) {
	if err := ctx.Err(); err != nil {
		return catalog.Fileset{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	all := make([]catalog.Fileset, 0, len(c.filesets))
	for _, fs := range c.filesets {
		all = append(all, fs)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })
	if len(all) == 0 {
		return catalog.Fileset{}, catalog.ErrFilesetNotFound
	}

	switch {
	case version > 0:
		if version > len(all) {
			return catalog.Fileset{}, catalog.ErrFilesetNotFound
		}
		return all[len(all)-version], nil
	case !at.IsZero():
		for i := len(all) - 1; i >= 0; i-- {
			if !all[i].Timestamp.After(at) {
				return all[i], nil
			}
		}
		return catalog.Fileset{}, catalog.ErrFilesetNotFound
	default:
		return all[len(all)-1], nil
	}
}

func (c *Catalog) StreamFilePlans(ctx context.Context, filesetID uint64, pathGlobs []string) (catalog.PlanIterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	plans := append([]catalog.FilePlanRow(nil), c.plans[filesetID]...)
	c.mu.RUnlock()

	if len(pathGlobs) > 0 {
		filtered := plans[:0:0]
		for _, p := range plans {
			if matchesAny(p.Path, pathGlobs) {
				filtered = append(filtered, p)
			}
		}
		plans = filtered
	}

	return &iterator{ctx: ctx, rows: plans}, nil
}

func matchesAny(path string, globs []string) bool {
	for _, g := range globs {
		if ok, err := filepath.Match(g, path); err == nil && ok {
			return true
		}
	}
	return false
}

func (c *Catalog) Volume(ctx context.Context, id uint64) (catalog.RemoteVolume, error) {
	if err := ctx.Err(); err != nil {
		return catalog.RemoteVolume{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.volumes[id]
	if !ok {
		return catalog.RemoteVolume{}, catalog.ErrCatalogCorrupt
	}
	return v, nil
}

func (c *Catalog) Close() error { return nil }

type iterator struct {
	ctx  context.Context
	rows []catalog.FilePlanRow
	pos  int
}

func (it *iterator) Next(ctx context.Context) (catalog.FilePlanRow, bool, error) {
	if err := ctx.Err(); err != nil {
		return catalog.FilePlanRow{}, false, err
	}
	if it.pos >= len(it.rows) {
		return catalog.FilePlanRow{}, false, nil
	}
	row := it.rows[it.pos]
	it.pos++
	return row, true, nil
}

func (it *iterator) Close() error { return nil }

var _ catalog.Catalog = (*Catalog)(nil)
