// Package gormcatalog implements catalog.Catalog once, over gorm.io/gorm,
// shared by the sqlite and postgres driver packages (they differ only in
// dialector construction — see pkg/controlplane/store/gorm.go's
// sqlite-vs-postgres dispatch for the pattern this mirrors).
package gormcatalog

import "time"

// Model names and columns below match spec.md §6 exactly.

type RemoteVolume struct {
	ID                uint64 `gorm:"primaryKey"`
	Name              string `gorm:"uniqueIndex"`
	Size              uint64
	Hash              []byte
	Type              string
	State             string
	VerificationCount int64
}

func (RemoteVolume) TableName() string { return "remote_volume" }

type Block struct {
	ID       uint64 `gorm:"primaryKey"`
	Hash     []byte `gorm:"index"`
	Size     uint32
	VolumeID uint64 `gorm:"index"`
}

func (Block) TableName() string { return "block" }

type Blockset struct {
	ID       uint64 `gorm:"primaryKey"`
	Length   uint64
	FullHash []byte
}

func (Blockset) TableName() string { return "blockset" }

type BlocksetEntry struct {
	BlocksetID uint64 `gorm:"primaryKey;index:idx_blockset_order"`
	Index      int64  `gorm:"primaryKey;index:idx_blockset_order"`
	BlockID    uint64
}

func (BlocksetEntry) TableName() string { return "blockset_entry" }

type File struct {
	ID              uint64 `gorm:"primaryKey"`
	Path            string `gorm:"index"`
	BlocksetID      uint64
	MetadataID      uint64
	HardlinkGroupID uint64
}

func (File) TableName() string { return "file" }

type Fileset struct {
	ID        uint64 `gorm:"primaryKey"`
	Timestamp time.Time `gorm:"index"`
	VolumeID  uint64
}

func (Fileset) TableName() string { return "fileset" }

type FilesetEntry struct {
	FilesetID uint64 `gorm:"primaryKey"`
	FileID    uint64 `gorm:"primaryKey"`
}

func (FilesetEntry) TableName() string { return "fileset_entry" }

type Metadataset struct {
	ID            uint64 `gorm:"primaryKey"`
	BlocksetID    uint64
	Mode          uint32
	ModTime       time.Time
	SymlinkTarget string
}

func (Metadataset) TableName() string { return "metadataset" }

type IndexBlockLink struct {
	IndexVolumeID uint64 `gorm:"primaryKey"`
	BlockVolumeID uint64 `gorm:"primaryKey"`
}

func (IndexBlockLink) TableName() string { return "index_block_link" }

type DeletedBlock struct {
	ID       uint64 `gorm:"primaryKey"`
	BlockID  uint64
	VolumeID uint64
}

func (DeletedBlock) TableName() string { return "deleted_block" }

type DuplicateBlock struct {
	ID       uint64 `gorm:"primaryKey"`
	BlockID  uint64
	VolumeID uint64
}

func (DuplicateBlock) TableName() string { return "duplicate_block" }

// AllModels lists every model for gorm.AutoMigrate, mirroring
// pkg/controlplane/models.AllModels()'s role in the teacher's store.
func AllModels() []interface{} {
	return []interface{}{
		&RemoteVolume{}, &Block{}, &Blockset{}, &BlocksetEntry{},
		&File{}, &Fileset{}, &FilesetEntry{}, &Metadataset{},
		&IndexBlockLink{}, &DeletedBlock{}, &DuplicateBlock{},
	}
}
