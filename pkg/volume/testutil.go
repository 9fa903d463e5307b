package volume

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/blockvault/blockvault/pkg/codec"
)

// WriteContainer builds a complete container image in memory: a header, the
// manifest entry, then one entry per (name, bytes) pair in blocks. It exists
// only to give pipeline tests realistic fixtures without a real backup path.
func WriteContainer(manifest codec.Manifest, blocks map[string][]byte) ([]byte, error) {
	names := make([]string, 0, len(blocks)+1)
	payloads := make(map[string][]byte, len(blocks)+1)

	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("volume: marshal manifest: %w", err)
	}
	payloads[manifestName] = manifestBytes
	names = append(names, manifestName)

	for name, data := range blocks {
		payloads[name] = data
		names = append(names, name)
	}

	var data bytes.Buffer
	offsets := make(map[string]uint64, len(names))
	for _, name := range names {
		offsets[name] = uint64(data.Len())
		data.Write(payloads[name])
	}

	var table bytes.Buffer
	for _, name := range names {
		var fixed [18]byte
		binary.BigEndian.PutUint16(fixed[0:2], uint16(len(name)))
		binary.BigEndian.PutUint64(fixed[2:10], offsets[name])
		binary.BigEndian.PutUint64(fixed[10:18], uint64(len(payloads[name])))
		table.Write(fixed[:])
		table.WriteString(name)
	}

	entryTableOffset := uint64(headerSize) + uint64(data.Len())

	var out bytes.Buffer
	out.WriteString(magic)
	var hdr [14]byte
	binary.BigEndian.PutUint16(hdr[0:2], formatVersion)
	binary.BigEndian.PutUint32(hdr[2:6], uint32(len(names)))
	binary.BigEndian.PutUint64(hdr[6:14], entryTableOffset)
	out.Write(hdr[:])
	out.Write(data.Bytes())
	out.Write(table.Bytes())

	return out.Bytes(), nil
}
