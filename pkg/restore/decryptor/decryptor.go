// Package decryptor implements the restore pipeline's volume-decrypt stage:
// stream the encrypted temp file the downloader produced through the codec
// named in the volume's filename suffix into a new plaintext temp file,
// then open a container reader over it and publish VolumeReady to the
// volume manager. Codec dispatch is dynamic, per design note "dynamic
// dispatch over codecs": this stage never imports a concrete cipher.
package decryptor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/blockvault/blockvault/pkg/codec"
	"github.com/blockvault/blockvault/pkg/restore"
	"github.com/blockvault/blockvault/pkg/restore/downloader"
	"github.com/blockvault/blockvault/pkg/restore/volumemgr"
	"github.com/blockvault/blockvault/pkg/volume"
)

// Decryptor is the decrypt stage. It has no worker pool: Run's goroutine
// decrypts one downloaded volume at a time.
type Decryptor struct {
	logger    *slog.Logger
	codecs    *codec.Registry
	tempDir   string
	masterKey []byte

	in       <-chan downloader.Downloaded
	out      chan<- volumemgr.VolumeReady
	failures chan<- volumemgr.VolumeFailure
}

// Channels groups the decryptor's input/output wiring.
type Channels struct {
	Downloaded <-chan downloader.Downloaded
	Ready      chan<- volumemgr.VolumeReady
	Failures   chan<- volumemgr.VolumeFailure
}

// New builds a Decryptor.
func New(rc *restore.Context, ch Channels) *Decryptor {
	logger := slog.Default()
	tempDir := os.TempDir()
	var codecs *codec.Registry
	var masterKey []byte
	if rc != nil {
		if rc.Logger != nil {
			logger = rc.Logger
		}
		if rc.TempDir != "" {
			tempDir = rc.TempDir
		}
		codecs = rc.Codecs
		masterKey = rc.MasterKey
	}
	if codecs == nil {
		codecs = codec.NewDefaultRegistry()
	}

	return &Decryptor{
		logger:    logger.WithGroup("decryptor"),
		codecs:    codecs,
		tempDir:   tempDir,
		masterKey: masterKey,
		in:        ch.Downloaded,
		out:       ch.Ready,
		failures:  ch.Failures,
	}
}

// Run processes downloaded volumes one at a time, in arrival order, without
// internal buffering, until ctx is cancelled or the input channel closes
// (spec.md §5's receive-work-send loop).
func (d *Decryptor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case dl, ok := <-d.in:
			if !ok {
				return
			}
			d.process(ctx, dl)
		}
	}
}

func (d *Decryptor) process(ctx context.Context, dl downloader.Downloaded) {
	plainPath, err := d.decrypt(dl)
	if err != nil {
		os.Remove(dl.TempPath)
		d.fail(ctx, dl.VolumeID, err)
		return
	}
	os.Remove(dl.TempPath)

	f, err := os.Open(plainPath)
	if err != nil {
		os.Remove(plainPath)
		d.fail(ctx, dl.VolumeID, fmt.Errorf("reopen plaintext volume: %w", err))
		return
	}
	reader, err := volume.Open(f)
	if err != nil {
		f.Close()
		os.Remove(plainPath)
		d.fail(ctx, dl.VolumeID, fmt.Errorf("%w: %v", restore.ErrIntegrity, err))
		return
	}

	ready := volumemgr.VolumeReady{
		VolumeID: dl.VolumeID,
		Blob:     &restore.VolumeBlob{VolumeID: dl.VolumeID, Path: plainPath},
		Reader:   reader,
	}
	select {
	case d.out <- ready:
	case <-ctx.Done():
		reader.Close()
		os.Remove(plainPath)
	}
}

// decrypt returns the path to a new plaintext temp file. A volume whose name
// carries no encryption suffix is copied through unchanged; an error is
// returned if the suffix names no registered cipher, key derivation fails,
// or the MAC check failed.
func (d *Decryptor) decrypt(dl downloader.Downloaded) (string, error) {
	cipherName := encryptionSuffix(dl.Volume.Name)
	plainPath := filepath.Join(d.tempDir, fmt.Sprintf("blockvault-plain-%s.tmp", uuid.NewString()))

	in, err := os.Open(dl.TempPath)
	if err != nil {
		return "", fmt.Errorf("open encrypted temp: %w", err)
	}
	defer in.Close()

	out, err := os.Create(plainPath)
	if err != nil {
		return "", fmt.Errorf("create plaintext temp: %w", err)
	}

	var src io.Reader = in
	if cipherName != "" {
		cipher, err := d.codecs.Cipher(cipherName)
		if err != nil {
			out.Close()
			os.Remove(plainPath)
			return "", err
		}
		key, err := codec.DeriveVolumeKey(d.masterKey, dl.VolumeID, dl.Volume.Hash, cipher.KeySize())
		if err != nil {
			out.Close()
			os.Remove(plainPath)
			return "", err
		}
		plainReader, err := cipher.NewReader(in, key)
		if err != nil {
			out.Close()
			os.Remove(plainPath)
			return "", fmt.Errorf("%w: %v", restore.ErrDecrypt, err)
		}
		defer plainReader.Close()
		src = plainReader
	}

	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(plainPath)
		return "", fmt.Errorf("%w: %v", restore.ErrDecrypt, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(plainPath)
		return "", fmt.Errorf("close plaintext temp: %w", err)
	}
	return plainPath, nil
}

// encryptionSuffix extracts the trailing ".<encryption>" component of a
// volume filename shaped "<prefix>-b-<guid>-<iso8601>.<compression>[.<encryption>]".
// Returns "" when the volume carries no encryption suffix.
func encryptionSuffix(name string) string {
	parts := strings.Split(name, ".")
	if len(parts) < 3 {
		return ""
	}
	return parts[len(parts)-1]
}

func (d *Decryptor) fail(ctx context.Context, volumeID uint64, err error) {
	wrapped := restore.NewStageError("decrypt", volumeID, 0, err)
	select {
	case d.failures <- volumemgr.VolumeFailure{VolumeID: volumeID, Err: wrapped}:
	case <-ctx.Done():
	}
}
