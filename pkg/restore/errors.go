package restore

import (
	"errors"
	"fmt"
)

// Sentinel errors matching the taxonomy in the component design. Stage code
// wraps these with *StageError so callers can still errors.Is/errors.As.
var (
	ErrCatalogCorrupt    = errors.New("restore: catalog corrupt")
	ErrVolumeUnavailable = errors.New("restore: volume unavailable")
	ErrIntegrity         = errors.New("restore: integrity check failed")
	ErrWrite             = errors.New("restore: write failed")
	ErrHashMismatch      = errors.New("restore: assembled file hash mismatch")
	ErrMissingBlock      = errors.New("restore: block not found in catalog")
	ErrDecrypt           = errors.New("restore: decryption failed")
	ErrCancelled         = errors.New("restore: cancelled")
)

// StageError annotates a sentinel with the stage, volume/file identifiers
// and retry count involved, mirroring the teacher's PayloadError wrapping
// style so logs and error messages carry enough context to act on.
type StageError struct {
	Stage    string
	VolumeID uint64
	FileID   uint64
	Retries  int
	Err      error
}

func (e *StageError) Error() string {
	switch {
	case e.FileID != 0 && e.VolumeID != 0:
		return fmt.Sprintf("restore[%s]: file=%d volume=%d: %v", e.Stage, e.FileID, e.VolumeID, e.Err)
	case e.VolumeID != 0:
		return fmt.Sprintf("restore[%s]: volume=%d: %v", e.Stage, e.VolumeID, e.Err)
	case e.FileID != 0:
		return fmt.Sprintf("restore[%s]: file=%d: %v", e.Stage, e.FileID, e.Err)
	default:
		return fmt.Sprintf("restore[%s]: %v", e.Stage, e.Err)
	}
}

func (e *StageError) Unwrap() error { return e.Err }

// NewStageError wraps err with stage/volume/file context. Stage packages
// call this at their failure-reporting boundary so a Summary's Failed
// entries carry enough context to act on while still satisfying
// errors.Is/errors.As against the sentinels above.
func NewStageError(stage string, volumeID, fileID uint64, err error) *StageError {
	return &StageError{Stage: stage, VolumeID: volumeID, FileID: fileID, Err: err}
}

// FileOutcome records the per-file result collected by the top-level
// Summary; Err is nil on success.
type FileOutcome struct {
	FileID uint64
	Path   string
	Err    error
}

// Summary is the structured result returned by Run, used by the CLI to pick
// an exit code per spec.md §6.
type Summary struct {
	Succeeded []FileOutcome
	Failed    []FileOutcome
	Warnings  []Warning
	Cancelled bool
}

// ExitCode maps a Summary onto the CLI's documented exit codes.
func (s *Summary) ExitCode() int {
	switch {
	case s.Cancelled:
		return 3
	case len(s.Failed) == 0:
		return 0
	case len(s.Succeeded) > 0:
		return 2
	default:
		return 3
	}
}
