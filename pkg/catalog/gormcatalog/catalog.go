package gormcatalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"gorm.io/gorm"

	"github.com/blockvault/blockvault/pkg/catalog"
)

// Catalog implements catalog.Catalog over a *gorm.DB; sqlite and postgres
// drivers differ only in how they construct the dialector (see
// pkg/catalog/sqlite and pkg/catalog/postgres).
type Catalog struct {
	db      *gorm.DB
	dialect string // "sqlite" or "postgres"
}

// Open wraps an already-connected *gorm.DB. Callers (the sqlite/postgres
// packages) own dialector selection and connection-pool tuning; dialect
// selects which StreamFilePlans query variant to run.
func Open(db *gorm.DB, dialect string) (*Catalog, error) {
	return &Catalog{db: db, dialect: dialect}, nil
}

// StreamFilePlans streams every file in filesetID, joining in its block
// plan with duplicate blocks already resolved to the lowest-id volume in
// {Verified,Uploaded}. pathGlobs is ignored here (every file is streamed)
// and applied client-side by the blocksource package, since glob matching
// differs across the two SQL dialects.
func (c *Catalog) StreamFilePlans(ctx context.Context, filesetID uint64, pathGlobs []string) (catalog.PlanIterator, error) {
	query := filePlanQuery
	if c.dialect == "sqlite" {
		query = sqliteFilePlanQuery
	}
	return c.streamFilePlans(ctx, filesetID, query)
}

// A single catalog database belongs to one backup; "backup-id" on the CLI
// names that database, not a row within it, so ResolveFileset only needs to
// disambiguate by version/timestamp within this catalog. (SPEC_FULL.md open
// question, resolved here; see DESIGN.md.)
func (c *Catalog) ResolveFileset(ctx context.Context, backupID string, version int, at time.Time) (catalog.Fileset, error) {
	var rows []Fileset
	q := c.db.WithContext(ctx).Order("timestamp ASC")
	if err := q.Find(&rows).Error; err != nil {
		return catalog.Fileset{}, fmt.Errorf("catalog: resolve fileset: %w", err)
	}
	if len(rows) == 0 {
		return catalog.Fileset{}, catalog.ErrFilesetNotFound
	}

	var chosen *Fileset
	switch {
	case version > 0:
		if version > len(rows) {
			return catalog.Fileset{}, catalog.ErrFilesetNotFound
		}
		chosen = &rows[len(rows)-version]
	case !at.IsZero():
		for i := len(rows) - 1; i >= 0; i-- {
			if !rows[i].Timestamp.After(at) {
				chosen = &rows[i]
				break
			}
		}
	default:
		chosen = &rows[len(rows)-1]
	}
	if chosen == nil {
		return catalog.Fileset{}, catalog.ErrFilesetNotFound
	}

	return catalog.Fileset{ID: chosen.ID, Timestamp: chosen.Timestamp, VolumeID: chosen.VolumeID}, nil
}

func (c *Catalog) Volume(ctx context.Context, id uint64) (catalog.RemoteVolume, error) {
	var row RemoteVolume
	if err := c.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return catalog.RemoteVolume{}, fmt.Errorf("catalog: volume %d: %w", id, catalog.ErrCatalogCorrupt)
		}
		return catalog.RemoteVolume{}, err
	}
	return toRemoteVolume(row)
}

func toRemoteVolume(row RemoteVolume) (catalog.RemoteVolume, error) {
	var hash [32]byte
	if len(row.Hash) != 32 {
		return catalog.RemoteVolume{}, fmt.Errorf("catalog: volume %d has malformed hash: %w", row.ID, catalog.ErrCatalogCorrupt)
	}
	copy(hash[:], row.Hash)
	return catalog.RemoteVolume{
		ID:                row.ID,
		Name:              row.Name,
		Size:              row.Size,
		Hash:              hash,
		Kind:              catalog.Kind(row.Type),
		State:             catalog.State(row.State),
		VerificationCount: row.VerificationCount,
	}, nil
}

func (c *Catalog) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// planIterator streams File ⋈ Blockset ⋈ BlocksetEntry ⋈ Block ⋈
// RemoteVolume ordered by file id then block index, per spec.md §4.1,
// resolving duplicate blocks to the lowest-id volume in
// {Verified,Uploaded} inside the SQL itself.
type planIterator struct {
	ctx       context.Context
	rows      *sql.Rows
	lookahead *planRow // first row of the next file, already scanned
	exhausted bool
}

const filePlanQuery = `
SELECT
	f.id, f.path, f.hardlink_group_id,
	bs.length, bs.full_hash,
	m.mode, m.mod_time, m.symlink_target,
	be.index, b.id, b.hash, b.size, chosen.volume_id
FROM fileset_entry fe
JOIN file f ON f.id = fe.file_id
JOIN blockset bs ON bs.id = f.blockset_id
JOIN metadataset m ON m.id = f.metadata_id
LEFT JOIN blockset_entry be ON be.blockset_id = bs.id
LEFT JOIN block b ON b.id = be.block_id
LEFT JOIN LATERAL (
	SELECT v2.id AS volume_id
	FROM block b2
	JOIN remote_volume v2 ON v2.id = b2.volume_id
	WHERE b2.hash = b.hash AND v2.state IN ('Verified', 'Uploaded')
	ORDER BY v2.id ASC
	LIMIT 1
) chosen ON true
WHERE fe.fileset_id = ?
ORDER BY f.id ASC, be.index ASC
`

// sqliteFilePlanQuery avoids LATERAL joins, which the glebarez/sqlite
// driver's SQLite engine does not support; it resolves the duplicate-block
// tie-break with a correlated subquery instead, which is equivalent for the
// small per-hash fan-out backups produce.
const sqliteFilePlanQuery = `
SELECT
	f.id, f.path, f.hardlink_group_id,
	bs.length, bs.full_hash,
	m.mode, m.mod_time, m.symlink_target,
	be.index, b.id, b.hash, b.size,
	(
		SELECT v2.id FROM block b2
		JOIN remote_volume v2 ON v2.id = b2.volume_id
		WHERE b2.hash = b.hash AND v2.state IN ('Verified', 'Uploaded')
		ORDER BY v2.id ASC LIMIT 1
	) AS volume_id
FROM fileset_entry fe
JOIN file f ON f.id = fe.file_id
JOIN blockset bs ON bs.id = f.blockset_id
JOIN metadataset m ON m.id = f.metadata_id
LEFT JOIN blockset_entry be ON be.blockset_id = bs.id
LEFT JOIN block b ON b.id = be.block_id
WHERE fe.fileset_id = ?
ORDER BY f.id ASC, be.index ASC
`

// StreamFilePlans is implemented per-dialect because SQLite lacks LATERAL
// joins; dialect is threaded in by the sqlite/postgres wrapper packages.
func (c *Catalog) streamFilePlans(ctx context.Context, filesetID uint64, query string) (catalog.PlanIterator, error) {
	sqlDB, err := c.db.DB()
	if err != nil {
		return nil, err
	}
	rows, err := sqlDB.QueryContext(ctx, query, filesetID)
	if err != nil {
		return nil, fmt.Errorf("catalog: stream file plans: %w", err)
	}
	return &planIterator{ctx: ctx, rows: rows}, nil
}

type planRow struct {
	fileID          uint64
	path            string
	hardlinkGroupID sql.NullInt64
	length          uint64
	fullHash        []byte
	mode            uint32
	modTime         time.Time
	symlinkTarget   sql.NullString
	blockIndex      sql.NullInt64
	blockID         sql.NullInt64
	blockHash       []byte
	blockSize       sql.NullInt64
	volumeID        sql.NullInt64
}

func (it *planIterator) scanRow() (*planRow, error) {
	if !it.rows.Next() {
		it.exhausted = true
		return nil, it.rows.Err()
	}
	var r planRow
	if err := it.rows.Scan(&r.fileID, &r.path, &r.hardlinkGroupID, &r.length, &r.fullHash,
		&r.mode, &r.modTime, &r.symlinkTarget, &r.blockIndex, &r.blockID, &r.blockHash,
		&r.blockSize, &r.volumeID); err != nil {
		return nil, fmt.Errorf("catalog: scan file plan row: %w", err)
	}
	return &r, nil
}

func newFilePlanRow(r planRow) *catalog.FilePlanRow {
	row := &catalog.FilePlanRow{
		FileID:         r.fileID,
		Path:           r.path,
		ExpectedLength: r.length,
		Mode:           os.FileMode(r.mode),
		ModTime:        r.modTime,
	}
	if len(r.fullHash) == 32 {
		copy(row.ExpectedHash[:], r.fullHash)
	}
	if r.hardlinkGroupID.Valid {
		row.HardlinkTargetID = uint64(r.hardlinkGroupID.Int64)
	}
	if r.symlinkTarget.Valid {
		row.SymlinkTarget = r.symlinkTarget.String
	}
	return row
}

func appendBlock(row *catalog.FilePlanRow, r planRow) error {
	if !r.blockID.Valid {
		return nil // zero-block file (empty blockset), per spec.md §4.1
	}
	if !r.volumeID.Valid {
		return fmt.Errorf("catalog: file %d block %d has no available volume: %w", r.fileID, r.blockID.Int64, catalog.ErrCatalogCorrupt)
	}
	var bh [32]byte
	if len(r.blockHash) == 32 {
		copy(bh[:], r.blockHash)
	}
	row.Blocks = append(row.Blocks, catalog.BlockRow{
		BlockID:   uint64(r.blockID.Int64),
		BlockHash: bh,
		BlockSize: uint32(r.blockSize.Int64),
		VolumeID:  uint64(r.volumeID.Int64),
	})
	return nil
}

// Next accumulates every raw SQL row belonging to one file (it joins in one
// row per block) into a single FilePlanRow before returning it, using a
// one-row lookahead to detect the file-id boundary.
func (it *planIterator) Next(ctx context.Context) (catalog.FilePlanRow, bool, error) {
	var first *planRow
	if it.lookahead != nil {
		first = it.lookahead
		it.lookahead = nil
	} else {
		if it.exhausted {
			return catalog.FilePlanRow{}, false, nil
		}
		r, err := it.scanRow()
		if err != nil {
			return catalog.FilePlanRow{}, false, err
		}
		if r == nil {
			return catalog.FilePlanRow{}, false, nil
		}
		first = r
	}

	row := newFilePlanRow(*first)
	if err := appendBlock(row, *first); err != nil {
		return catalog.FilePlanRow{}, false, err
	}

	for {
		if it.exhausted {
			break
		}
		r, err := it.scanRow()
		if err != nil {
			return catalog.FilePlanRow{}, false, err
		}
		if r == nil {
			break
		}
		if r.fileID != first.fileID {
			it.lookahead = r
			break
		}
		if err := appendBlock(row, *r); err != nil {
			return catalog.FilePlanRow{}, false, err
		}
	}

	return *row, true, nil
}

func (it *planIterator) Close() error {
	return it.rows.Close()
}
