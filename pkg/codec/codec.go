// Package codec implements the dynamic compression/encryption dispatch the
// restore pipeline needs without ever importing a concrete backend: a
// Registry maps a name read out of a volume filename or manifest to a
// factory producing a streaming Compressor or Cipher. This replaces the
// source program's dynamic module loader (see DESIGN.md).
package codec

import (
	"fmt"
	"io"
	"sync"
)

// Manifest is the special "manifest" entry every volume container carries,
// checked for compatibility before any block is read.
type Manifest struct {
	BlockSize   int64
	BlockHash   string // hash algorithm name, e.g. "sha256"
	FileHash    string
	Compression string // compressor name entries are encoded with, e.g. "zstd"
}

// Compressor decodes a compressed block stream. Encoding is out of scope
// for the restore data plane (that's the backup/write path).
type Compressor interface {
	Name() string
	NewReader(r io.Reader) (io.ReadCloser, error)
}

// Cipher decrypts a whole-volume AEAD stream given a per-volume key.
type Cipher interface {
	Name() string
	NewReader(r io.Reader, key []byte) (io.ReadCloser, error)
	KeySize() int
}

// CompressorFactory builds a Compressor on demand; factories are cheap and
// stateless so the registry stores them directly rather than instances.
type CompressorFactory func() Compressor

// CipherFactory builds a Cipher on demand.
type CipherFactory func() Cipher

// Registry is the name -> factory dispatch table. Build one with NewRegistry
// (empty) or NewDefaultRegistry (pre-populated with the codecs blockvault
// ships); registering into a zero-value Registry panics on its nil maps.
type Registry struct {
	mu          sync.RWMutex
	compressors map[string]CompressorFactory
	ciphers     map[string]CipherFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		compressors: make(map[string]CompressorFactory),
		ciphers:     make(map[string]CipherFactory),
	}
}

// RegisterCompressor adds or replaces a compression codec under name.
func (r *Registry) RegisterCompressor(name string, f CompressorFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compressors[name] = f
}

// RegisterCipher adds or replaces an encryption codec under name.
func (r *Registry) RegisterCipher(name string, f CipherFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ciphers[name] = f
}

// Compressor looks up a compression codec by name.
func (r *Registry) Compressor(name string) (Compressor, error) {
	r.mu.RLock()
	f, ok := r.compressors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("codec: unknown compressor %q", name)
	}
	return f(), nil
}

// Cipher looks up an encryption codec by name.
func (r *Registry) Cipher(name string) (Cipher, error) {
	r.mu.RLock()
	f, ok := r.ciphers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("codec: unknown cipher %q", name)
	}
	return f(), nil
}

// NewDefaultRegistry wires the codecs blockvault carries: zstd and gzip for
// compression, chacha20-poly1305 for encryption.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterCompressor("zstd", func() Compressor { return newZstdCodec() })
	r.RegisterCompressor("gzip", func() Compressor { return newGzipCodec() })
	r.RegisterCipher("chacha20poly1305", func() Cipher { return newChaCha20Cipher() })
	return r
}
