package blocksource_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blockvault/blockvault/pkg/catalog"
	"github.com/blockvault/blockvault/pkg/catalog/memtest"
	"github.com/blockvault/blockvault/pkg/restore"
	"github.com/blockvault/blockvault/pkg/restore/blocksource"
)

func TestBlockSourceComputesOffsetsAndEvictHints(t *testing.T) {
	cat := memtest.New()
	cat.SeedFileset(catalog.Fileset{ID: 1, Timestamp: time.Unix(1700000000, 0)}, []catalog.FilePlanRow{
		{
			FileID:         1,
			Path:           "a.txt",
			ExpectedLength: 30,
			Blocks: []catalog.BlockRow{
				{BlockID: 1, BlockSize: 10, VolumeID: 100},
				{BlockID: 2, BlockSize: 20, VolumeID: 100},
			},
		},
		{
			FileID:         2,
			Path:           "b.txt",
			ExpectedLength: 5,
			Blocks: []catalog.BlockRow{
				{BlockID: 3, BlockSize: 5, VolumeID: 200},
			},
		},
	})

	out := make(chan restore.FilePlan, 8)
	bs := blocksource.New(&restore.Context{}, cat, blocksource.Channels{Plans: out})

	emitted, err := bs.Run(context.Background(), blocksource.Request{BackupID: "x", DestDir: "/dest"})
	require.NoError(t, err)
	require.Equal(t, 2, emitted)

	plan1 := <-out
	require.Equal(t, "/dest/a.txt", plan1.TargetPath)
	require.Len(t, plan1.Blocks, 2)
	require.EqualValues(t, 0, plan1.Blocks[0].FileOffset)
	require.EqualValues(t, 10, plan1.Blocks[1].FileOffset)
	require.False(t, plan1.Blocks[0].EvictHint, "volume 100 still has one more request after block 1")
	require.True(t, plan1.Blocks[1].EvictHint, "block 2 is the last reference to volume 100")

	plan2 := <-out
	require.Equal(t, "/dest/b.txt", plan2.TargetPath)
	require.True(t, plan2.Blocks[0].EvictHint, "volume 200 has only one reference total")
}

func TestBlockSourceFiltersByPathGlob(t *testing.T) {
	cat := memtest.New()
	cat.SeedFileset(catalog.Fileset{ID: 1, Timestamp: time.Unix(1700000000, 0)}, []catalog.FilePlanRow{
		{FileID: 1, Path: "keep.txt"},
		{FileID: 2, Path: "skip.log"},
	})

	out := make(chan restore.FilePlan, 8)
	bs := blocksource.New(&restore.Context{}, cat, blocksource.Channels{Plans: out})

	emitted, err := bs.Run(context.Background(), blocksource.Request{BackupID: "x", PathGlobs: []string{"*.txt"}})
	require.NoError(t, err)
	require.Equal(t, 1, emitted)
	require.Equal(t, "keep.txt", (<-out).TargetPath)
}

func TestBlockSourceResolvesFilesetByVersion(t *testing.T) {
	cat := memtest.New()
	cat.SeedFileset(catalog.Fileset{ID: 1, Timestamp: time.Unix(1, 0)}, []catalog.FilePlanRow{{FileID: 1, Path: "old.txt"}})
	cat.SeedFileset(catalog.Fileset{ID: 2, Timestamp: time.Unix(2, 0)}, []catalog.FilePlanRow{{FileID: 2, Path: "new.txt"}})

	out := make(chan restore.FilePlan, 8)
	bs := blocksource.New(&restore.Context{}, cat, blocksource.Channels{Plans: out})

	_, err := bs.Run(context.Background(), blocksource.Request{BackupID: "x", Version: 2})
	require.NoError(t, err)
	require.Equal(t, "old.txt", (<-out).TargetPath)
}

func TestBlockSourceFailsWhenNoFilesetExists(t *testing.T) {
	cat := memtest.New()
	out := make(chan restore.FilePlan, 1)
	bs := blocksource.New(&restore.Context{}, cat, blocksource.Channels{Plans: out})

	_, err := bs.Run(context.Background(), blocksource.Request{BackupID: "x"})
	require.Error(t, err)
}
