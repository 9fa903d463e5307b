package decryptor_test

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/blockvault/blockvault/pkg/catalog"
	"github.com/blockvault/blockvault/pkg/codec"
	"github.com/blockvault/blockvault/pkg/restore"
	"github.com/blockvault/blockvault/pkg/restore/decryptor"
	"github.com/blockvault/blockvault/pkg/restore/downloader"
	"github.com/blockvault/blockvault/pkg/restore/volumemgr"
	"github.com/blockvault/blockvault/pkg/volume"
)

func newContainerFile(t *testing.T, blocks map[string][]byte) string {
	t.Helper()
	raw, err := volume.WriteContainer(codec.Manifest{}, blocks)
	require.NoError(t, err)
	path := t.TempDir() + "/container.bvvc"
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return path
}

// sealWhole frames plain as a single chacha20poly1305-sealed record, the
// same [length][nonce][sealed bytes] layout frameDecryptReader expects. A
// single frame smaller than the stream's frameSize already marks
// end-of-stream once consumed, so no terminating frame is needed.
func sealWhole(t *testing.T, key, plain []byte) []byte {
	t.Helper()
	aead, err := chacha20poly1305.NewX(key)
	require.NoError(t, err)
	nonce := make([]byte, aead.NonceSize())
	_, err = rand.Read(nonce)
	require.NoError(t, err)
	sealed := aead.Seal(nil, nonce, plain, nil)

	var out []byte
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(sealed)))
	out = append(out, lenBuf[:]...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out
}

type harness struct {
	dec *decryptor.Decryptor

	in       chan downloader.Downloaded
	ready    chan volumemgr.VolumeReady
	failures chan volumemgr.VolumeFailure
}

func newHarness(t *testing.T, rc *restore.Context) *harness {
	t.Helper()
	h := &harness{
		in:       make(chan downloader.Downloaded, 4),
		ready:    make(chan volumemgr.VolumeReady, 4),
		failures: make(chan volumemgr.VolumeFailure, 4),
	}
	h.dec = decryptor.New(rc, decryptor.Channels{Downloaded: h.in, Ready: h.ready, Failures: h.failures})
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

func TestDecryptorPassesThroughUnencryptedVolume(t *testing.T) {
	tempDir := t.TempDir()
	h := newHarness(t, &restore.Context{TempDir: tempDir, Codecs: codec.NewDefaultRegistry()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.dec.Run(ctx)

	blockData := []byte("plaintext block")
	containerPath := newContainerFile(t, map[string][]byte{"abc": blockData})

	h.in <- downloader.Downloaded{
		VolumeID: 1,
		TempPath: containerPath,
		Volume:   catalog.RemoteVolume{ID: 1, Name: "vol-1"}, // no dots => no encryption suffix
	}

	ready := recv(t, h.ready)
	require.EqualValues(t, 1, ready.VolumeID)
	require.NoError(t, ready.Reader.Close())

	_, err := os.Stat(containerPath)
	require.True(t, os.IsNotExist(err), "encrypted temp file must be removed after decrypt")
}

func TestDecryptorDecryptsChaCha20Volume(t *testing.T) {
	tempDir := t.TempDir()
	master := make([]byte, 32)
	_, err := rand.Read(master)
	require.NoError(t, err)

	h := newHarness(t, &restore.Context{TempDir: tempDir, Codecs: codec.NewDefaultRegistry(), MasterKey: master})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.dec.Run(ctx)

	raw, err := volume.WriteContainer(codec.Manifest{}, map[string][]byte{"abc": []byte("hi")})
	require.NoError(t, err)

	volHash := [32]byte{9, 9, 9}
	key, err := codec.DeriveVolumeKey(master, 42, volHash, chacha20poly1305.KeySize)
	require.NoError(t, err)
	encrypted := sealWhole(t, key, raw)

	encPath := tempDir + "/encrypted.tmp"
	require.NoError(t, os.WriteFile(encPath, encrypted, 0o644))

	h.in <- downloader.Downloaded{
		VolumeID: 42,
		TempPath: encPath,
		Volume:   catalog.RemoteVolume{ID: 42, Name: "vol-42.zstd.chacha20poly1305", Hash: volHash},
	}

	ready := recv(t, h.ready)
	require.EqualValues(t, 42, ready.VolumeID)
	require.NoError(t, ready.Reader.Close())
}

func TestDecryptorFailsOnBadCipherName(t *testing.T) {
	tempDir := t.TempDir()
	h := newHarness(t, &restore.Context{TempDir: tempDir, Codecs: codec.NewDefaultRegistry()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.dec.Run(ctx)

	path := tempDir + "/whatever.tmp"
	require.NoError(t, os.WriteFile(path, []byte("irrelevant"), 0o644))

	h.in <- downloader.Downloaded{
		VolumeID: 7,
		TempPath: path,
		Volume:   catalog.RemoteVolume{ID: 7, Name: "vol-7.zstd.not-a-real-cipher"},
	}

	failure := recv(t, h.failures)
	require.Error(t, failure.Err)
}
