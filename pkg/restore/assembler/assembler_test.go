package assembler_test

import (
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blockvault/blockvault/pkg/restore"
	"github.com/blockvault/blockvault/pkg/restore/assembler"
	"github.com/blockvault/blockvault/pkg/restore/verifier"
	"github.com/blockvault/blockvault/pkg/restore/volumemgr"
)

type harness struct {
	asm *assembler.Assembler

	plans          chan restore.FilePlan
	blocks         chan restore.DecompressedBlock
	volumeFailures chan volumemgr.FileVolumeFailure
	blockFailures  chan restore.FileOutcome

	blockRequests chan restore.BlockRequest
	finalized     chan verifier.FileFinalized
	linkRequests  chan verifier.LinkRequest
	outcomes      chan restore.FileOutcome
}

func newHarness(t *testing.T, maxConcurrentFiles int, overwrite bool) *harness {
	t.Helper()
	h := &harness{
		plans:          make(chan restore.FilePlan, 16),
		blocks:         make(chan restore.DecompressedBlock, 16),
		volumeFailures: make(chan volumemgr.FileVolumeFailure, 16),
		blockFailures:  make(chan restore.FileOutcome, 16),
		blockRequests:  make(chan restore.BlockRequest, 16),
		finalized:      make(chan verifier.FileFinalized, 16),
		linkRequests:   make(chan verifier.LinkRequest, 16),
		outcomes:       make(chan restore.FileOutcome, 16),
	}
	h.asm = assembler.New(&restore.Context{}, assembler.Channels{
		Plans:          h.plans,
		Blocks:         h.blocks,
		VolumeFailures: h.volumeFailures,
		BlockFailures:  h.blockFailures,
		BlockRequests:  h.blockRequests,
		Finalized:      h.finalized,
		LinkRequests:   h.linkRequests,
		Outcomes:       h.outcomes,
	}, maxConcurrentFiles, overwrite)
	return h
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for value")
		var zero T
		return zero
	}
}

func planFor(t *testing.T, dir, name string, content []byte) (restore.FilePlan, [][]byte) {
	t.Helper()
	mid := len(content) / 2
	chunks := [][]byte{content[:mid], content[mid:]}
	sum := sha256.Sum256(content)
	return restore.FilePlan{
		FileID:         1,
		TargetPath:     filepath.Join(dir, name),
		ExpectedLength: uint64(len(content)),
		ExpectedHash:   sum,
		Blocks: []restore.BlockRequest{
			{FileID: 1, FileOffset: 0, BlockSize: uint32(len(chunks[0]))},
			{FileID: 1, FileOffset: uint64(len(chunks[0])), BlockSize: uint32(len(chunks[1]))},
		},
		Mode: 0o644,
	}, chunks
}

func TestAssemblerReassemblesOutOfOrderBlocksByteForByte(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, 8, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.asm.Run(ctx)

	content := []byte("the quick brown fox jumps over the lazy dog")
	plan, chunks := planFor(t, dir, "f.txt", content)
	plan.FileID = 1
	h.plans <- plan

	recv(t, h.blockRequests)
	recv(t, h.blockRequests)

	// Deliver the second block first to exercise the reorder buffer.
	h.blocks <- restore.DecompressedBlock{FileID: 1, FileOffset: uint64(len(chunks[0])), Bytes: chunks[1]}
	h.blocks <- restore.DecompressedBlock{FileID: 1, FileOffset: 0, Bytes: chunks[0]}

	outcome := recv(t, h.outcomes)
	require.NoError(t, outcome.Err)

	got, err := os.ReadFile(filepath.Join(dir, "f.txt"))
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestAssemblerFailsFileOnHashMismatch(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, 8, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.asm.Run(ctx)

	plan := restore.FilePlan{
		FileID:         1,
		TargetPath:     filepath.Join(dir, "f.txt"),
		ExpectedLength: 5,
		ExpectedHash:   sha256.Sum256([]byte("wrong")),
		Blocks:         []restore.BlockRequest{{FileID: 1, FileOffset: 0, BlockSize: 5}},
	}
	h.plans <- plan
	recv(t, h.blockRequests)
	h.blocks <- restore.DecompressedBlock{FileID: 1, FileOffset: 0, Bytes: []byte("right")}

	outcome := recv(t, h.outcomes)
	require.Error(t, outcome.Err)
	require.ErrorIs(t, outcome.Err, restore.ErrHashMismatch)

	_, err := os.Stat(filepath.Join(dir, "f.txt"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "f.txt.part"))
	require.True(t, os.IsNotExist(err), "partial file must be removed on failure")
}

func TestAssemblerRefusesExistingFileWithoutOverwrite(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(target, []byte("already here"), 0o644))

	h := newHarness(t, 8, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.asm.Run(ctx)

	h.plans <- restore.FilePlan{
		FileID:         1,
		TargetPath:     target,
		ExpectedLength: 5,
		Blocks:         []restore.BlockRequest{{FileID: 1, FileOffset: 0, BlockSize: 5}},
	}

	outcome := recv(t, h.outcomes)
	require.Error(t, outcome.Err)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "already here", string(got))
}

func TestAssemblerOverwritesExistingFileWhenEnabled(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(target, []byte("stale"), 0o644))

	h := newHarness(t, 8, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.asm.Run(ctx)

	content := []byte("fresh")
	h.plans <- restore.FilePlan{
		FileID:         1,
		TargetPath:     target,
		ExpectedLength: uint64(len(content)),
		ExpectedHash:   sha256.Sum256(content),
		Blocks:         []restore.BlockRequest{{FileID: 1, FileOffset: 0, BlockSize: uint32(len(content))}},
	}
	recv(t, h.blockRequests)
	h.blocks <- restore.DecompressedBlock{FileID: 1, FileOffset: 0, Bytes: content}

	outcome := recv(t, h.outcomes)
	require.NoError(t, outcome.Err)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "fresh", string(got))
}

func TestAssemblerLinksHardlinkFollowerAfterPrimaryCompletes(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, 8, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.asm.Run(ctx)

	content := []byte("primary contents")
	primary := restore.FilePlan{
		FileID:           10,
		TargetPath:       filepath.Join(dir, "primary.txt"),
		ExpectedLength:   uint64(len(content)),
		ExpectedHash:     sha256.Sum256(content),
		Blocks:           []restore.BlockRequest{{FileID: 10, FileOffset: 0, BlockSize: uint32(len(content))}},
		HardlinkTargetID: 10,
	}
	follower := restore.FilePlan{
		FileID:           11,
		TargetPath:       filepath.Join(dir, "follower.txt"),
		HardlinkTargetID: 10,
	}

	h.plans <- primary
	h.plans <- follower

	recv(t, h.blockRequests)
	h.blocks <- restore.DecompressedBlock{FileID: 10, FileOffset: 0, Bytes: content}

	primaryOutcome := recv(t, h.outcomes)
	require.NoError(t, primaryOutcome.Err)

	link := recv(t, h.linkRequests)
	require.Equal(t, follower.TargetPath, link.TargetPath)
	require.Equal(t, primary.TargetPath, link.LinkFrom)
}

func TestAssemblerQueuesBeyondMaxConcurrentFiles(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, 1, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.asm.Run(ctx)

	contentA := []byte("aaaaa")
	contentB := []byte("bbbbb")
	h.plans <- restore.FilePlan{FileID: 1, TargetPath: filepath.Join(dir, "a.txt"), ExpectedLength: 5, ExpectedHash: sha256.Sum256(contentA), Blocks: []restore.BlockRequest{{FileID: 1, FileOffset: 0, BlockSize: 5}}}
	h.plans <- restore.FilePlan{FileID: 2, TargetPath: filepath.Join(dir, "b.txt"), ExpectedLength: 5, ExpectedHash: sha256.Sum256(contentB), Blocks: []restore.BlockRequest{{FileID: 2, FileOffset: 0, BlockSize: 5}}}

	// Only file 1's block should be requested while it holds the one slot.
	req := recv(t, h.blockRequests)
	require.EqualValues(t, 1, req.FileID)

	h.blocks <- restore.DecompressedBlock{FileID: 1, FileOffset: 0, Bytes: contentA}
	recv(t, h.outcomes)

	req2 := recv(t, h.blockRequests)
	require.EqualValues(t, 2, req2.FileID)

	h.blocks <- restore.DecompressedBlock{FileID: 2, FileOffset: 0, Bytes: contentB}
	recv(t, h.outcomes)
}
