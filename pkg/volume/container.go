// Package volume implements the read side of the block-volume container
// format: a fixed header followed by an entry table mapping names to
// (offset, length) pairs, in the spirit of icza/mpq's header/block-table
// parsing (field-by-field binary.Read, no reflection) but adapted from a
// game archive to a flat content-addressed block archive.
//
// A container holds one entry per stored block, named by the lowercase hex
// encoding of its SHA-256 hash, plus one special "manifest" entry carrying
// compatibility fields that must be checked before any block is read.
package volume

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/blockvault/blockvault/pkg/codec"
)

// ErrInvalidContainer indicates the stream is not a recognizable blockvault
// container (bad magic, truncated header, or corrupt entry table).
var ErrInvalidContainer = errors.New("volume: invalid container")

const (
	magic         = "BVVC"
	formatVersion = uint16(1)
	manifestName  = "manifest"
)

// header is read field-by-field rather than via reflection-based
// binary.Read on the whole struct, matching the parsing style used for
// archive headers elsewhere in the example corpus.
type header struct {
	version          uint16
	entryCount       uint32
	entryTableOffset uint64
}

const headerSize = 4 + 2 + 4 + 8 // magic + version + entryCount + entryTableOffset

type entry struct {
	name   string
	offset uint64
	length uint64
}

// Reader is a random-access view over a plaintext volume container.
type Reader struct {
	ra       io.ReaderAt
	closer   io.Closer
	entries  map[string]entry
	manifest codec.Manifest
}

// Open parses the container framing from f and validates the manifest
// entry. f must support ReadAt (an *os.File satisfies this).
func Open(f *os.File) (*Reader, error) {
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("volume: seek: %w", err)
	}

	hdr, err := readHeader(f)
	if err != nil {
		return nil, err
	}
	if int64(hdr.entryTableOffset) > size {
		return nil, fmt.Errorf("%w: entry table offset past end of file", ErrInvalidContainer)
	}

	entries, err := readEntryTable(f, hdr)
	if err != nil {
		return nil, err
	}

	r := &Reader{ra: f, closer: f, entries: entries}

	me, ok := entries[manifestName]
	if !ok {
		return nil, fmt.Errorf("%w: missing manifest entry", ErrInvalidContainer)
	}
	buf := make([]byte, me.length)
	if _, err := f.ReadAt(buf, int64(me.offset)); err != nil {
		return nil, fmt.Errorf("volume: read manifest: %w", err)
	}
	var m codec.Manifest
	if err := json.Unmarshal(buf, &m); err != nil {
		return nil, fmt.Errorf("volume: parse manifest: %w", err)
	}
	r.manifest = m

	return r, nil
}

func readHeader(f *os.File) (header, error) {
	buf := make([]byte, headerSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return header{}, fmt.Errorf("%w: short header: %v", ErrInvalidContainer, err)
	}
	if !bytes.Equal(buf[0:4], []byte(magic)) {
		return header{}, fmt.Errorf("%w: bad magic", ErrInvalidContainer)
	}
	var h header
	h.version = binary.BigEndian.Uint16(buf[4:6])
	h.entryCount = binary.BigEndian.Uint32(buf[6:10])
	h.entryTableOffset = binary.BigEndian.Uint64(buf[10:18])
	if h.version != formatVersion {
		return header{}, fmt.Errorf("%w: unsupported version %d", ErrInvalidContainer, h.version)
	}
	return h, nil
}

func readEntryTable(f *os.File, h header) (map[string]entry, error) {
	entries := make(map[string]entry, h.entryCount)
	off := int64(h.entryTableOffset)
	for i := uint32(0); i < h.entryCount; i++ {
		var fixed [18]byte
		if _, err := f.ReadAt(fixed[:], off); err != nil {
			return nil, fmt.Errorf("%w: short entry record %d: %v", ErrInvalidContainer, i, err)
		}
		nameLen := binary.BigEndian.Uint16(fixed[0:2])
		nameBuf := make([]byte, nameLen)
		if _, err := f.ReadAt(nameBuf, off+18); err != nil {
			return nil, fmt.Errorf("%w: short entry name %d: %v", ErrInvalidContainer, i, err)
		}
		e := entry{
			name:   string(nameBuf),
			offset: binary.BigEndian.Uint64(fixed[2:10]),
			length: binary.BigEndian.Uint64(fixed[10:18]),
		}
		entries[e.name] = e
		off += 18 + int64(nameLen)
	}
	return entries, nil
}

// BlockEntryName returns the container entry name for a block hash.
func BlockEntryName(hash [32]byte) string {
	return hex.EncodeToString(hash[:])
}

// Manifest returns the container's parsed manifest entry.
func (r *Reader) Manifest() codec.Manifest { return r.manifest }

// Open returns the raw (still compressed) bytes stored for blockHash.
func (r *Reader) Open(blockHash [32]byte) ([]byte, bool) {
	e, ok := r.entries[BlockEntryName(blockHash)]
	if !ok {
		return nil, false
	}
	buf := make([]byte, e.length)
	if _, err := r.ra.ReadAt(buf, int64(e.offset)); err != nil {
		return nil, false
	}
	return buf, true
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
