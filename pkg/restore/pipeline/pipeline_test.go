package pipeline_test

import (
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blockvault/blockvault/pkg/backend/memory"
	"github.com/blockvault/blockvault/pkg/catalog"
	"github.com/blockvault/blockvault/pkg/catalog/memtest"
	"github.com/blockvault/blockvault/pkg/codec"
	"github.com/blockvault/blockvault/pkg/restore"
	"github.com/blockvault/blockvault/pkg/restore/blocksource"
	"github.com/blockvault/blockvault/pkg/restore/pipeline"
	"github.com/blockvault/blockvault/pkg/volume"
)

// seedFile builds one container volume holding blockData, seeds it into cat
// and be, and returns a FilePlanRow referencing it.
func seedFile(t *testing.T, cat *memtest.Catalog, be *memory.Backend, fileID, volumeID uint64, path string, blockData []byte) catalog.FilePlanRow {
	t.Helper()

	blockHash := sha256.Sum256(blockData)
	containerBytes, err := volume.WriteContainer(codec.Manifest{
		BlockSize: int64(len(blockData)),
		BlockHash: "sha256",
		FileHash:  "sha256",
	}, map[string][]byte{
		volume.BlockEntryName(blockHash): blockData,
	})
	require.NoError(t, err)

	volumeHash := sha256.Sum256(containerBytes)
	volName := filepath.Base(path) + "-vol" // at most one '.' => decryptor treats as unencrypted
	be.Seed(volName, containerBytes)

	cat.SeedVolume(catalog.RemoteVolume{
		ID:    volumeID,
		Name:  volName,
		Size:  uint64(len(containerBytes)),
		Hash:  volumeHash,
		Kind:  catalog.KindBlocks,
		State: catalog.StateVerified,
	})

	fileHash := sha256.Sum256(blockData)
	return catalog.FilePlanRow{
		FileID:         fileID,
		Path:           path,
		ExpectedLength: uint64(len(blockData)),
		ExpectedHash:   fileHash,
		Mode:           0o644,
		ModTime:        time.Unix(1700000000, 0),
		Blocks: []catalog.BlockRow{
			{BlockID: fileID*10 + 1, BlockHash: blockHash, BlockSize: uint32(len(blockData)), VolumeID: volumeID},
		},
	}
}

func TestPipelineRestoresFilesByteForByte(t *testing.T) {
	dir := t.TempDir()

	cat := memtest.New()
	be := memory.New()

	row1 := seedFile(t, cat, be, 1, 100, "a.txt", []byte("hello, blockvault!"))
	row2 := seedFile(t, cat, be, 2, 101, "sub/b.txt", []byte("a second file's contents"))

	cat.SeedFileset(catalog.Fileset{ID: 1, Timestamp: time.Unix(1700000000, 0)}, []catalog.FilePlanRow{row1, row2})

	pl := pipeline.New(pipeline.Config{
		Catalog: cat,
		Backend: be,
		RC: &restore.Context{
			Codecs: codec.NewDefaultRegistry(),
		},
	})

	summary, err := pl.Run(context.Background(), blocksource.Request{
		BackupID: "ignored-by-memtest",
		DestDir:  dir,
	})
	require.NoError(t, err)
	require.Empty(t, summary.Failed)
	require.Len(t, summary.Succeeded, 2)
	require.Equal(t, 0, summary.ExitCode())

	got, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello, blockvault!", string(got))

	got, err = os.ReadFile(filepath.Join(dir, "sub/b.txt"))
	require.NoError(t, err)
	require.Equal(t, "a second file's contents", string(got))
}

func TestPipelineDedupesVolumeDownloadAcrossFiles(t *testing.T) {
	dir := t.TempDir()

	cat := memtest.New()
	be := memory.New()

	blockData := []byte("shared volume, two files")
	blockHash := sha256.Sum256(blockData)
	containerBytes, err := volume.WriteContainer(codec.Manifest{BlockSize: int64(len(blockData))}, map[string][]byte{
		volume.BlockEntryName(blockHash): blockData,
	})
	require.NoError(t, err)
	volumeHash := sha256.Sum256(containerBytes)
	be.Seed("shared-vol", containerBytes)
	cat.SeedVolume(catalog.RemoteVolume{ID: 200, Name: "shared-vol", Size: uint64(len(containerBytes)), Hash: volumeHash, Kind: catalog.KindBlocks, State: catalog.StateVerified})

	fileHash := sha256.Sum256(blockData)
	mkRow := func(fileID uint64, path string) catalog.FilePlanRow {
		return catalog.FilePlanRow{
			FileID:         fileID,
			Path:           path,
			ExpectedLength: uint64(len(blockData)),
			ExpectedHash:   fileHash,
			Mode:           0o644,
			Blocks:         []catalog.BlockRow{{BlockID: fileID, BlockHash: blockHash, BlockSize: uint32(len(blockData)), VolumeID: 200}},
		}
	}
	cat.SeedFileset(catalog.Fileset{ID: 1, Timestamp: time.Unix(1700000000, 0)}, []catalog.FilePlanRow{
		mkRow(1, "x.txt"),
		mkRow(2, "y.txt"),
	})

	pl := pipeline.New(pipeline.Config{
		Catalog: cat,
		Backend: be,
		RC:      &restore.Context{Codecs: codec.NewDefaultRegistry()},
	})

	summary, err := pl.Run(context.Background(), blocksource.Request{BackupID: "b", DestDir: dir})
	require.NoError(t, err)
	require.Len(t, summary.Succeeded, 2)

	require.Equal(t, 1, be.GetCount("shared-vol"), "volume must be downloaded at most once across both files")
}

func TestPipelineMissingBlockFailsFileNotWholeRestore(t *testing.T) {
	dir := t.TempDir()

	cat := memtest.New()
	be := memory.New()

	good := seedFile(t, cat, be, 1, 300, "ok.txt", []byte("this one is fine"))

	// A block whose volume was never seeded; downloading it must fail.
	broken := catalog.FilePlanRow{
		FileID:         2,
		Path:           "broken.txt",
		ExpectedLength: 4,
		Blocks:         []catalog.BlockRow{{BlockID: 99, BlockHash: sha256.Sum256([]byte("nope")), BlockSize: 4, VolumeID: 999}},
	}

	cat.SeedFileset(catalog.Fileset{ID: 1, Timestamp: time.Unix(1700000000, 0)}, []catalog.FilePlanRow{good, broken})

	pl := pipeline.New(pipeline.Config{
		Catalog: cat,
		Backend: be,
		RC:      &restore.Context{Codecs: codec.NewDefaultRegistry()},
	})

	summary, err := pl.Run(context.Background(), blocksource.Request{BackupID: "b", DestDir: dir})
	require.NoError(t, err)
	require.Len(t, summary.Succeeded, 1)
	require.Len(t, summary.Failed, 1)
	require.Equal(t, uint64(2), summary.Failed[0].FileID)
	require.Equal(t, 2, summary.ExitCode()) // partial: at least one success, one failure
}
