package codec

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveVolumeKey expands masterKey into a per-volume key via HKDF-SHA256,
// salted with the volume's content hash and info-bound to its id so that
// compromising one volume's key never reveals another's.
func DeriveVolumeKey(masterKey []byte, volumeID uint64, volumeContentHash [32]byte, keySize int) ([]byte, error) {
	var info [8]byte
	binary.BigEndian.PutUint64(info[:], volumeID)

	kdf := hkdf.New(sha256.New, masterKey, volumeContentHash[:], info[:])
	key := make([]byte, keySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("codec: derive volume key: %w", err)
	}
	return key, nil
}
