package verifier_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blockvault/blockvault/pkg/restore"
	"github.com/blockvault/blockvault/pkg/restore/verifier"
)

type harness struct {
	v *verifier.Verifier

	finalized chan verifier.FileFinalized
	links     chan verifier.LinkRequest
	warnings  chan restore.Warning
	outcomes  chan restore.FileOutcome
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		finalized: make(chan verifier.FileFinalized, 8),
		links:     make(chan verifier.LinkRequest, 8),
		warnings:  make(chan restore.Warning, 8),
		outcomes:  make(chan restore.FileOutcome, 8),
	}
	h.v = verifier.New(&restore.Context{}, verifier.Channels{
		Finalized: h.finalized,
		Links:     h.links,
		Warnings:  h.warnings,
		Outcomes:  h.outcomes,
	})
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

func TestVerifierAppliesModeAndModTime(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.v.Run(ctx)

	mtime := time.Unix(1700000000, 0)
	h.finalized <- verifier.FileFinalized{FileID: 1, Path: path, Mode: 0o600, ModTime: mtime}

	require.Eventually(t, func() bool {
		info, err := os.Stat(path)
		return err == nil && info.Mode().Perm() == 0o600 && info.ModTime().Equal(mtime)
	}, time.Second, 10*time.Millisecond)
}

func TestVerifierCreatesSymlink(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "link")
	require.NoError(t, os.WriteFile(path, nil, 0o644)) // assembler's placeholder

	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.v.Run(ctx)

	h.finalized <- verifier.FileFinalized{FileID: 2, Path: path, SymlinkTarget: "/etc/target"}

	require.Eventually(t, func() bool {
		target, err := os.Readlink(path)
		return err == nil && target == "/etc/target"
	}, time.Second, 10*time.Millisecond)
}

func TestVerifierCreatesHardlink(t *testing.T) {
	dir := t.TempDir()
	primary := filepath.Join(dir, "primary.txt")
	require.NoError(t, os.WriteFile(primary, []byte("shared content"), 0o644))

	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.v.Run(ctx)

	follower := filepath.Join(dir, "nested", "follower.txt")
	h.links <- verifier.LinkRequest{FileID: 3, TargetPath: follower, LinkFrom: primary}

	outcome := recv(t, h.outcomes)
	require.NoError(t, outcome.Err)

	got, err := os.ReadFile(follower)
	require.NoError(t, err)
	require.Equal(t, "shared content", string(got))
}

func TestVerifierReportsFailureWhenLinkSourceMissing(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.v.Run(ctx)

	h.links <- verifier.LinkRequest{FileID: 4, TargetPath: filepath.Join(dir, "dst"), LinkFrom: filepath.Join(dir, "does-not-exist")}

	outcome := recv(t, h.outcomes)
	require.Error(t, outcome.Err)
}

func TestVerifierWarnsButDoesNotFailOnChmodError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing.txt") // never created

	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.v.Run(ctx)

	h.finalized <- verifier.FileFinalized{FileID: 5, Path: path, Mode: 0o644}

	w := recv(t, h.warnings)
	require.EqualValues(t, 5, w.FileID)

	select {
	case o := <-h.outcomes:
		t.Fatalf("metadata failure must not produce a FileOutcome: %+v", o)
	case <-time.After(100 * time.Millisecond):
	}
}
