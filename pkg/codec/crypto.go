package codec

import (
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// frameSize is the plaintext chunk size sealed into one AEAD frame. Framing
// lets the decryptor stream arbitrarily large volume blobs instead of
// holding the whole ciphertext in memory.
const frameSize = 64 * 1024

const frameOverhead = 4 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

type chaCha20Cipher struct{}

func newChaCha20Cipher() Cipher { return chaCha20Cipher{} }

func (chaCha20Cipher) Name() string  { return "chacha20poly1305" }
func (chaCha20Cipher) KeySize() int  { return chacha20poly1305.KeySize }

func (chaCha20Cipher) NewReader(r io.Reader, key []byte) (io.ReadCloser, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("codec: chacha20poly1305 key: %w", err)
	}
	return &frameDecryptReader{r: r, aead: aead}, nil
}

// frameDecryptReader decodes the on-disk framing written by the backup
// (write) path: repeated [4-byte ciphertext length][24-byte nonce][sealed
// bytes] records, terminated by EOF on the underlying stream.
type frameDecryptReader struct {
	r    io.Reader
	aead interface {
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
	}
	buf    []byte
	offset int
	done   bool
}

func (f *frameDecryptReader) Read(p []byte) (int, error) {
	for f.offset >= len(f.buf) {
		if f.done {
			return 0, io.EOF
		}
		if err := f.fillFrame(); err != nil {
			return 0, err
		}
	}
	n := copy(p, f.buf[f.offset:])
	f.offset += n
	return n, nil
}

func (f *frameDecryptReader) fillFrame() error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(f.r, lenBuf[:]); err != nil {
		if err == io.EOF {
			f.done = true
			f.buf = nil
			f.offset = 0
			return nil
		}
		return fmt.Errorf("codec: read frame length: %w", err)
	}
	ctLen := binary.BigEndian.Uint32(lenBuf[:])
	if ctLen > frameSize+chacha20poly1305.Overhead {
		return fmt.Errorf("codec: frame too large (%d bytes)", ctLen)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(f.r, nonce); err != nil {
		return fmt.Errorf("codec: read frame nonce: %w", err)
	}

	ciphertext := make([]byte, ctLen)
	if _, err := io.ReadFull(f.r, ciphertext); err != nil {
		return fmt.Errorf("codec: read frame ciphertext: %w", err)
	}

	plain, err := f.aead.Open(ciphertext[:0], nonce, ciphertext, nil)
	if err != nil {
		return fmt.Errorf("codec: frame MAC check failed: %w", err)
	}

	f.buf = plain
	f.offset = 0
	if ctLen < frameSize+chacha20poly1305.Overhead {
		// Short frame marks end of stream once consumed.
		f.done = true
	}
	return nil
}

func (f *frameDecryptReader) Close() error { return nil }
