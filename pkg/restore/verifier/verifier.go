// Package verifier implements the restore pipeline's terminal stage:
// applying per-file metadata (mtime, permissions, symlink targets, xattrs)
// after the assembler has written and byte-verified a file's content, and
// creating hardlinks the assembler recognized as coalesced duplicates. A
// metadata failure here downgrades to a restore.Warning rather than failing
// the file outright — spec.md is explicit that a permission-set failure must
// not undo an otherwise byte-perfect restore. A hardlink that cannot be
// created fails that follower file with an ErrWrite FileOutcome.
package verifier

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/blockvault/blockvault/pkg/restore"
)

// FileFinalized is sent by the assembler once a file's content is written
// and hash-verified; the verifier applies metadata independently of the
// write path's success accounting.
type FileFinalized struct {
	FileID        uint64
	Path          string
	Mode          os.FileMode
	ModTime       time.Time
	SymlinkTarget string
	XAttrs        map[string][]byte
}

// LinkRequest is sent by the assembler when it recognizes a file as a
// coalesced hardlink follower whose primary has already finished writing.
type LinkRequest struct {
	FileID     uint64
	TargetPath string
	LinkFrom   string
}

// Channels groups the verifier's input/output wiring.
type Channels struct {
	Finalized <-chan FileFinalized
	Links     <-chan LinkRequest

	Warnings chan<- restore.Warning
	Outcomes chan<- restore.FileOutcome
}

// Verifier is the metadata/verify stage.
type Verifier struct {
	logger *slog.Logger

	finalized <-chan FileFinalized
	links     <-chan LinkRequest
	warnings  chan<- restore.Warning
	outcomes  chan<- restore.FileOutcome
}

// New builds a Verifier.
func New(rc *restore.Context, ch Channels) *Verifier {
	logger := slog.Default()
	if rc != nil && rc.Logger != nil {
		logger = rc.Logger
	}
	return &Verifier{
		logger:    logger.WithGroup("verifier"),
		finalized: ch.Finalized,
		links:     ch.Links,
		warnings:  ch.Warnings,
		outcomes:  ch.Outcomes,
	}
}

// Run drains both input channels until ctx is cancelled or both close.
func (v *Verifier) Run(ctx context.Context) {
	finalized, links := v.finalized, v.links
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-finalized:
			if !ok {
				finalized = nil
				if finalized == nil && links == nil {
					return
				}
				continue
			}
			v.applyMetadata(ctx, f)
		case l, ok := <-links:
			if !ok {
				links = nil
				if finalized == nil && links == nil {
					return
				}
				continue
			}
			v.createLink(ctx, l)
		}
	}
}

// applyMetadata sets permissions, mtime, and symlink target for a freshly
// finalized regular or symlink file. Any failure is a Warning, never a
// FileOutcome failure: the file's content already restored correctly.
func (v *Verifier) applyMetadata(ctx context.Context, f FileFinalized) {
	if f.SymlinkTarget != "" {
		v.ensureSymlink(ctx, f)
		return
	}

	if err := os.Chmod(f.Path, f.Mode); err != nil {
		v.warn(ctx, f.FileID, fmt.Sprintf("chmod: %v", err))
	}
	if !f.ModTime.IsZero() {
		if err := os.Chtimes(f.Path, f.ModTime, f.ModTime); err != nil {
			v.warn(ctx, f.FileID, fmt.Sprintf("chtimes: %v", err))
		}
	}
	for name, value := range f.XAttrs {
		if err := setXAttr(f.Path, name, value); err != nil {
			v.warn(ctx, f.FileID, fmt.Sprintf("xattr %s: %v", name, err))
		}
	}
}

// ensureSymlink replaces the zero-length regular file the assembler wrote
// in place of a symlink's content with an actual symlink, since os.Symlink
// cannot target an existing path.
func (v *Verifier) ensureSymlink(ctx context.Context, f FileFinalized) {
	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		v.warn(ctx, f.FileID, fmt.Sprintf("remove placeholder before symlink: %v", err))
		return
	}
	if err := os.Symlink(f.SymlinkTarget, f.Path); err != nil {
		v.warn(ctx, f.FileID, fmt.Sprintf("symlink: %v", err))
	}
}

func (v *Verifier) createLink(ctx context.Context, l LinkRequest) {
	if err := os.MkdirAll(parentDir(l.TargetPath), 0o755); err != nil {
		v.reportOutcome(ctx, restore.FileOutcome{FileID: l.FileID, Path: l.TargetPath, Err: fmt.Errorf("%w: mkdir: %v", restore.ErrWrite, err)})
		return
	}
	if err := os.Link(l.LinkFrom, l.TargetPath); err != nil {
		v.reportOutcome(ctx, restore.FileOutcome{FileID: l.FileID, Path: l.TargetPath, Err: fmt.Errorf("%w: link: %v", restore.ErrWrite, err)})
		return
	}
	v.reportOutcome(ctx, restore.FileOutcome{FileID: l.FileID, Path: l.TargetPath})
}

func (v *Verifier) warn(ctx context.Context, fileID uint64, msg string) {
	select {
	case v.warnings <- restore.Warning{FileID: fileID, Message: msg}:
	case <-ctx.Done():
	}
}

func (v *Verifier) reportOutcome(ctx context.Context, o restore.FileOutcome) {
	select {
	case v.outcomes <- o:
	case <-ctx.Done():
	}
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
